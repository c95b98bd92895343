package handshake

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/majorcontext/buildfleet/internal/buildservice"
	"github.com/majorcontext/buildfleet/internal/config"
)

func asMap(vars []buildservice.Variable) map[string]string {
	m := make(map[string]string, len(vars))
	for _, v := range vars {
		m[v.Name] = v.Value
	}
	return m
}

func TestSelectMode(t *testing.T) {
	assert.Equal(t, ModeDefault, SelectMode(config.Handshake{}))
	assert.Equal(t, ModeWebSocket, SelectMode(config.Handshake{WebSocket: true}))
	assert.Equal(t, ModeDirect, SelectMode(config.Handshake{Direct: "ci:50000", WebSocket: true}))
	assert.Equal(t, "direct", ModeDirect.String())
}

func TestVariablesDefaultMode(t *testing.T) {
	h := config.Handshake{
		URL:                   "https://ci.example.com/jenkins/",
		Tunnel:                "tunnel.example.com:50000",
		NoKeepAlive:           true,
		DisableCertValidation: true,
	}
	got := asMap(Variables(h, Params{AgentName: "w1", Secret: "s3cr3t", ProxyCredentials: "u:p"}))

	assert.Equal(t, map[string]string{
		"BUILDFLEET_TUNNEL":                 "tunnel.example.com:50000",
		"BUILDFLEET_URL":                    "https://ci.example.com/jenkins/",
		"BUILDFLEET_PROXY_CREDENTIALS":      "-proxyCredentials u:p",
		"BUILDFLEET_NOKEEPALIVE":            "-noKeepAlive",
		"BUILDFLEET_DISABLE_SSL_VALIDATION": "-disableHttpsCertValidation",
		"BUILDFLEET_NORECONNECT":            "-noreconnect",
		"BUILDFLEET_SECRET":                 "s3cr3t",
		"BUILDFLEET_AGENT_NAME":             "w1",
		"BUILDFLEET_AGENT_URL":              "https://ci.example.com/jnlpJars/agent.jar",
	}, got)
}

func TestVariablesWebSocketMode(t *testing.T) {
	reconnect := false
	h := config.Handshake{URL: "http://ci:8080/", WebSocket: true, NoKeepAlive: true, NoReconnect: &reconnect}
	got := asMap(Variables(h, Params{AgentName: "w2", Secret: "x"}))

	assert.Equal(t, "true", got["BUILDFLEET_WEB_SOCKET"])
	assert.Equal(t, "http://ci:8080/", got["BUILDFLEET_URL"])
	assert.NotContains(t, got, "BUILDFLEET_NOKEEPALIVE")
	assert.NotContains(t, got, "BUILDFLEET_NORECONNECT")
	assert.NotContains(t, got, "BUILDFLEET_TUNNEL")
}

func TestVariablesDirectMode(t *testing.T) {
	h := config.Handshake{
		URL:       "https://ci.example.com/",
		Direct:    "ci.example.com:50000",
		Identity:  "MIIBIjAN",
		Protocols: "JNLP4-connect",
		WebSocket: true,
	}
	got := asMap(Variables(h, Params{AgentName: "w3", Secret: "y"}))

	assert.Equal(t, "ci.example.com:50000", got["BUILDFLEET_DIRECT_CONNECTION"])
	assert.Equal(t, "MIIBIjAN", got["BUILDFLEET_INSTANCE_IDENTITY"])
	assert.Equal(t, "JNLP4-connect", got["BUILDFLEET_PROTOCOLS"])
	assert.NotContains(t, got, "BUILDFLEET_URL")
	assert.NotContains(t, got, "BUILDFLEET_WEB_SOCKET")
	assert.NotContains(t, got, "BUILDFLEET_PROXY_CREDENTIALS")
	assert.Equal(t, "https://ci.example.com/jnlpJars/agent.jar", got["BUILDFLEET_AGENT_URL"])
}

func TestAgentURL(t *testing.T) {
	assert.Equal(t, "http://ci:8080/jnlpJars/agent.jar", AgentURL("http://ci:8080/jenkins"))
	assert.Equal(t, "ERROR", AgentURL(""))
	assert.Equal(t, "ERROR", AgentURL("ci.example.com"))
	assert.Equal(t, "ERROR", AgentURL("http://[::1"))
}

func TestSecrets(t *testing.T) {
	_, err := NewSecrets(nil)
	assert.Error(t, err)

	key, err := GenerateKey()
	require.NoError(t, err)
	s, err := NewSecrets(key)
	require.NoError(t, err)

	secret := s.For("linux.brave-otter-abcd")
	assert.Len(t, secret, 64)
	assert.Equal(t, secret, s.For("linux.brave-otter-abcd"))
	assert.NotEqual(t, secret, s.For("linux.calm-heron-wxyz"))

	assert.True(t, s.Verify("linux.brave-otter-abcd", secret))
	assert.False(t, s.Verify("linux.calm-heron-wxyz", secret))
	assert.False(t, s.Verify("linux.brave-otter-abcd", "not-hex"))
	assert.False(t, s.Verify("linux.brave-otter-abcd", ""))
}

// Package handshake builds the variables a worker needs to connect back to
// the controller, and the per-agent secrets it proves itself with.
package handshake

import (
	"net/url"

	"github.com/majorcontext/buildfleet/internal/buildservice"
	"github.com/majorcontext/buildfleet/internal/config"
)

// Prefix is prepended to every injected variable name.
const Prefix = "BUILDFLEET_"

// Mode is the transport a worker uses to connect back.
type Mode int

const (
	// ModeDefault is the reverse-connect transport through the controller URL.
	ModeDefault Mode = iota
	ModeWebSocket
	ModeDirect
)

func (m Mode) String() string {
	switch m {
	case ModeDirect:
		return "direct"
	case ModeWebSocket:
		return "websocket"
	}
	return "default"
}

// SelectMode applies the precedence direct > websocket > default.
func SelectMode(h config.Handshake) Mode {
	switch {
	case h.Direct != "":
		return ModeDirect
	case h.WebSocket:
		return ModeWebSocket
	}
	return ModeDefault
}

// Params are the per-worker inputs to Variables.
type Params struct {
	AgentName string
	Secret    string
	// ProxyCredentials is the resolved "user:password", or empty.
	ProxyCredentials string
}

// Variables returns the job variables for one worker.
func Variables(h config.Handshake, p Params) []buildservice.Variable {
	var vars []buildservice.Variable
	set := func(name, value string) {
		vars = append(vars, buildservice.Variable{Name: Prefix + name, Value: value})
	}
	transportFlags := func() {
		if p.ProxyCredentials != "" {
			set("PROXY_CREDENTIALS", "-proxyCredentials "+p.ProxyCredentials)
		}
		if h.NoKeepAlive {
			set("NOKEEPALIVE", "-noKeepAlive")
		}
		if h.DisableCertValidation {
			set("DISABLE_SSL_VALIDATION", "-disableHttpsCertValidation")
		}
	}

	switch SelectMode(h) {
	case ModeDirect:
		set("DIRECT_CONNECTION", h.Direct)
		set("INSTANCE_IDENTITY", h.Identity)
		if h.Protocols != "" {
			set("PROTOCOLS", h.Protocols)
		}
		transportFlags()
	case ModeWebSocket:
		set("WEB_SOCKET", "true")
		set("URL", h.URL)
	default:
		if h.Tunnel != "" {
			set("TUNNEL", h.Tunnel)
		}
		set("URL", h.URL)
		transportFlags()
	}

	if h.ReconnectDisabled() {
		set("NORECONNECT", "-noreconnect")
	}
	set("SECRET", p.Secret)
	set("AGENT_NAME", p.AgentName)
	set("AGENT_URL", AgentURL(h.URL))
	return vars
}

// AgentURL returns where a worker downloads its agent binary, derived from
// the controller URL. A malformed URL yields "ERROR" so the worker fails
// loudly instead of fetching from a guessed location.
func AgentURL(controller string) string {
	u, err := url.Parse(controller)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "ERROR"
	}
	return u.Scheme + "://" + u.Host + "/jnlpJars/agent.jar"
}

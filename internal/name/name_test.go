package name

import (
	"regexp"
	"testing"
)

func TestGenerate(t *testing.T) {
	name := Generate()

	pattern := regexp.MustCompile(`^[a-z]+-[a-z]+$`)
	if !pattern.MatchString(name) {
		t.Errorf("Generate() = %q, want adjective-animal format", name)
	}
}

func TestAgent(t *testing.T) {
	got := Agent("cbc-linux")

	pattern := regexp.MustCompile(`^cbc-linux\.[a-z]+-[a-z]+-[a-z]{4}$`)
	if !pattern.MatchString(got) {
		t.Errorf("Agent() = %q, want <cloud>.<adjective>-<animal>-<suffix>", got)
	}
}

func TestAgentSpread(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 200; i++ {
		seen[Agent("c")] = true
	}
	// 40*40*26^4 combinations; collisions in 200 draws would point at a broken source.
	if len(seen) < 195 {
		t.Errorf("only %d distinct names in 200 draws", len(seen))
	}
}

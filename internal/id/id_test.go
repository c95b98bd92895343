package id

import (
	"regexp"
	"testing"
)

func TestJob(t *testing.T) {
	id1 := Job("linux-agents")
	id2 := Job("linux-agents")

	pattern := regexp.MustCompile(`^linux-agents:[0-9a-f]{16}$`)
	if !pattern.MatchString(id1) {
		t.Errorf("Job() = %q, want <project>:<16 hex>", id1)
	}
	if id1 == id2 {
		t.Errorf("expected unique ids, got %s twice", id1)
	}
}

func TestProject(t *testing.T) {
	tests := []struct {
		id   string
		want string
	}{
		{"linux-agents:0123456789abcdef", "linux-agents"},
		{"proj:abc:def", "proj"},
		{"no-separator", ""},
		{"", ""},
	}
	for _, tt := range tests {
		if got := Project(tt.id); got != tt.want {
			t.Errorf("Project(%q) = %q, want %q", tt.id, got, tt.want)
		}
	}
}

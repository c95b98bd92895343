package fleet

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMatchLabel(t *testing.T) {
	tests := []struct {
		expr       string
		configured string
		want       bool
		wantErr    bool
	}{
		{"linux", "linux", true, false},
		{"windows", "linux", false, false},
		{"", "linux", false, false},
		{"   ", "linux", false, false},
		{"!windows", "linux", true, false},
		{"!linux", "linux", false, false},
		{"linux && large", "linux large", true, false},
		{"linux && large", "linux", false, false},
		{"windows || linux", "linux", true, false},
		{"(windows || linux) && !arm", "linux", true, false},
		{"!(windows || linux)", "linux", false, false},
		{"linux&&!arm", "linux", true, false},
		{"linux &&", "linux", false, true},
		{"(linux", "linux", false, true},
		{"linux)", "linux", false, true},
		{"linux & large", "linux", false, true},
	}
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			got, err := MatchLabel(tt.expr, tt.configured)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			assert.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

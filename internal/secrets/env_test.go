package secrets

import (
	"context"
	"errors"
	"testing"
)

func TestEnvResolver(t *testing.T) {
	env := map[string]string{"PROXY": "alice:hunter2", "EMPTY": ""}
	r := &EnvResolver{Lookup: func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}}

	tests := []struct {
		ref     string
		want    string
		wantErr any
	}{
		{ref: "env://PROXY", want: "alice:hunter2"},
		{ref: "env://EMPTY", want: ""},
		{ref: "env://MISSING", wantErr: &NotFoundError{}},
		{ref: "env://", wantErr: &InvalidReferenceError{}},
		{ref: "env://A/B", wantErr: &InvalidReferenceError{}},
	}
	for _, tt := range tests {
		t.Run(tt.ref, func(t *testing.T) {
			got, err := r.Resolve(context.Background(), tt.ref)
			switch want := tt.wantErr.(type) {
			case nil:
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				if got != tt.want {
					t.Errorf("got %q, want %q", got, tt.want)
				}
			case *NotFoundError:
				if !errors.As(err, &want) {
					t.Errorf("expected NotFoundError, got %T", err)
				}
			case *InvalidReferenceError:
				if !errors.As(err, &want) {
					t.Errorf("expected InvalidReferenceError, got %T", err)
				}
			}
		})
	}
}

package config

import "fmt"

// Error is a configuration problem. It is fatal at construction time.
type Error struct {
	Cloud  string
	Field  string
	Reason string
}

func (e *Error) Error() string {
	if e.Cloud != "" {
		return fmt.Sprintf("cloud %s: %s %s", e.Cloud, e.Field, e.Reason)
	}
	return fmt.Sprintf("config: %s %s", e.Field, e.Reason)
}

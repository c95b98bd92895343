// Package id generates and parses build job identifiers for backends that
// mint their own (CodeBuild assigns ids server-side).
package id

import (
	"crypto/rand"
	"encoding/hex"
	"strings"
	"time"
)

// Job returns an identifier in CodeBuild's "<project>:<token>" shape so
// every backend produces ids that read the same in logs and URLs.
func Job(project string) string {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		// crypto/rand does not fail on supported platforms; keep ids unique anyway.
		return project + ":" + hex.EncodeToString([]byte(time.Now().Format("150405.000")))[:16]
	}
	return project + ":" + hex.EncodeToString(b)
}

// Project returns the project part of a job id, or "" if the id has no
// project prefix.
func Project(jobID string) string {
	project, _, ok := strings.Cut(jobID, ":")
	if !ok {
		return ""
	}
	return project
}

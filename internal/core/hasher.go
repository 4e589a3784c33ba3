package core

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// JobID is the deterministic identifier of a job.
//
// It is the lowercase hex SHA-256 digest of the statepoint's canonical encoding:
//   - identical statepoints always produce identical identifiers, regardless of
//     key insertion order
//   - distinct statepoints produce distinct identifiers with overwhelming probability
//
// JobID is the sole key addressing a job's workspace and is never derived from
// mutable state.
type JobID string

// JobIDLength is the length of a JobID in hex characters.
const JobIDLength = sha256.Size * 2

// ComputeJobID computes the identifier of a statepoint.
func ComputeJobID(sp Statepoint) (JobID, error) {
	canonical, err := sp.Canonical()
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canonical)
	return JobID(hex.EncodeToString(sum[:])), nil
}

// ParseJobID validates s as a full JobID.
func ParseJobID(s string) (JobID, error) {
	s = strings.TrimSpace(s)
	if len(s) != JobIDLength {
		return "", fmt.Errorf("invalid job id %q: expected %d hex characters", s, JobIDLength)
	}
	if _, err := hex.DecodeString(s); err != nil || strings.ToLower(s) != s {
		return "", fmt.Errorf("invalid job id %q: expected lowercase hex", s)
	}
	return JobID(s), nil
}

// String returns the string representation of the JobID.
func (id JobID) String() string {
	return string(id)
}

// Short returns the first eight characters, for log lines and tables.
func (id JobID) Short() string {
	if len(id) <= 8 {
		return string(id)
	}
	return string(id[:8])
}

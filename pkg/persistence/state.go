// Package persistence makes session state outlive the pod that created it:
// versioned records and file sets in the durable store, with migration and
// restore across pods.
package persistence

import (
	"time"
)

// SchemaVersion is written into every persisted record. Readers reject
// records written by a newer schema they do not understand.
const SchemaVersion = 1

// ExecutionRecord is one entry of a session's execution history.
type ExecutionRecord struct {
	Language        string    `json:"language"`
	Status          string    `json:"status"`
	ExitCode        int       `json:"exit_code"`
	RanAt           time.Time `json:"ran_at"`
	DurationSeconds float64   `json:"duration_seconds"`
}

// SessionState is the durable record of one session. File contents live in a
// separate per-session hash so a large file set never inflates metadata
// reads; Files is populated only by RestoreSession.
type SessionState struct {
	SchemaVersion int    `json:"schema_version"`
	SessionID     string `json:"session_id"`
	PoolName      string `json:"pool_name"`
	PodName       string `json:"pod_name"`
	Template      string `json:"template"`

	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`
	ExpiresAt    time.Time `json:"expires_at"`

	Environment       map[string]string `json:"environment,omitempty"`
	ExecutionHistory  []ExecutionRecord `json:"execution_history,omitempty"`
	InstalledPackages []string          `json:"installed_packages,omitempty"`
	Metadata          map[string]string `json:"metadata,omitempty"`

	// Files holds the session's file set as stored (compressed when
	// compression is enabled). Excluded from the scalar record.
	Files map[string][]byte `json:"-"`
}

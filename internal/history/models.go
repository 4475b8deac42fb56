package history

import "time"

// Run statuses
const (
	StatusSuccess     = "success"
	StatusFailed      = "failed"
	StatusInterrupted = "interrupted"
)

// RunRecord represents a single deploy or cleanup run in the database
type RunRecord struct {
	ID              int64
	Project         string
	Mode            string // deploy, cleanup
	Host            string
	Branch          string
	Status          string  // success, failed, interrupted
	FailedStage     *string // nullable
	ExitCode        int
	StartedAt       time.Time
	CompletedAt     *time.Time // nullable
	DurationSeconds *float64   // nullable
	CommitHash      *string    // nullable
	Artifact        *string    // nullable
	ErrorMessage    *string    // nullable
}

// ProjectStatus represents the latest run of a project
type ProjectStatus struct {
	Project       string      `json:"project"`
	LatestRun     *RunRecord  `json:"latest_run,omitempty"`
	RecentHistory []RunRecord `json:"recent_history"`
}

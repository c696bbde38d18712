// Package run holds the domain model for pipeline runs.
package run

import "time"

// Statuses a run moves through. A run is created pending, becomes running
// when the first stage starts, and ends failed or succeeded.
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusFailed    = "failed"
	StatusSucceeded = "succeeded"
)

// Stage names in execution order. Each stage gates the next; a failure stops
// the run at that stage.
const (
	StageFetch        = "fetch"
	StageAuthenticate = "authenticate"
	StageBuild        = "build"
	StagePublish      = "publish"
	StageRender       = "render"
	StageRelease      = "release"
	StageAwaitStable  = "await_stable"
)

// Stages lists the pipeline stages in order.
var Stages = []string{
	StageFetch,
	StageAuthenticate,
	StageBuild,
	StagePublish,
	StageRender,
	StageRelease,
	StageAwaitStable,
}

// Run captures a single pipeline run.
type Run struct {
	ID          string     `json:"id"`
	Commit      string     `json:"commit"`
	Branch      string     `json:"branch,omitempty"`
	Tag         string     `json:"tag,omitempty"`
	ImageRef    string     `json:"image_ref,omitempty"`
	Status      string     `json:"status"`
	Stage       string     `json:"stage,omitempty"`
	Error       string     `json:"error,omitempty"`
	TriggeredBy string     `json:"triggered_by,omitempty"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// StatusUpdate captures mutable fields of a run.
type StatusUpdate struct {
	RunID       string
	Status      string
	Stage       string
	Tag         string
	ImageRef    string
	Error       string
	CompletedAt *time.Time
}

// Event is a stage transition broadcast to stream subscribers.
type Event struct {
	RunID   string    `json:"run_id"`
	Stage   string    `json:"stage"`
	Status  string    `json:"status"`
	Message string    `json:"message,omitempty"`
	At      time.Time `json:"at"`
}

// Terminal reports whether a status is an end state.
func Terminal(status string) bool {
	return status == StatusFailed || status == StatusSucceeded
}

package state

import "time"

// Runner represents a registered test runner agent.
type Runner struct {
	ID              string       `json:"id"`
	Name            string       `json:"name"`
	Status          RunnerStatus `json:"status"`
	Platforms       []string     `json:"platforms"`
	Endpoint        string       `json:"endpoint"`
	LastHeartbeatAt *time.Time   `json:"last_heartbeat_at,omitempty"`
	LastFeedback    *string      `json:"last_feedback,omitempty"`
	LastUpdatedAt   time.Time    `json:"last_updated_at"`
	ActiveTestID    *string      `json:"active_test_id,omitempty"`
	CreatedAt       time.Time    `json:"created_at"`
}

// Test represents one execution of a test plan on a runner.
type Test struct {
	ID             string     `json:"id"`
	Name           string     `json:"name"`
	TestPlanID     string     `json:"test_plan_id"`
	RunnerID       *string    `json:"runner_id,omitempty"`
	ExternalRunID  *string    `json:"external_run_id,omitempty"`
	Status         TestStatus `json:"status"`
	Progress       float64    `json:"progress"`
	StartTime      *time.Time `json:"start_time,omitempty"`
	ElapsedSeconds float64    `json:"elapsed_seconds"`
	ErrorCode      *string    `json:"error_code,omitempty"`
	ErrorText      *string    `json:"error_text,omitempty"`
	LastMessage    *string    `json:"last_message,omitempty"`
	Report         *string    `json:"report,omitempty"`
	Platform       *string    `json:"platform,omitempty"`
	Description    *string    `json:"description,omitempty"`
	URL            *string    `json:"url,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// TestSummary is the list-view projection of a test joined with its runner's
// last heartbeat.
type TestSummary struct {
	ID            string     `json:"id"`
	Name          string     `json:"name"`
	Status        TestStatus `json:"status"`
	RunnerID      *string    `json:"testRunner,omitempty"`
	LastHeartbeat *time.Time `json:"lastHeartbeat,omitempty"`
	Progress      float64    `json:"progress"`
}

// TestPlan is an immutable test definition from the external catalog.
type TestPlan struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Descriptor  *string    `json:"descriptor,omitempty"`
	Description *string    `json:"description,omitempty"`
	Platforms   []string   `json:"platforms"`
	URL         *string    `json:"url,omitempty"`
	LastReload  *time.Time `json:"last_reload,omitempty"`
}

// TestUpdate is a partial update applied to a test row. Nil fields preserve
// the stored value; ClearError nulls both error columns.
type TestUpdate struct {
	Status         *TestStatus
	Progress       *float64
	ExternalRunID  *string
	StartTime      *time.Time
	ElapsedSeconds *float64
	ErrorCode      *string
	ErrorText      *string
	LastMessage    *string
	Report         *string
	ClearError     bool
}

// IsZero reports whether the update would change nothing.
func (u TestUpdate) IsZero() bool {
	return u.Status == nil && u.Progress == nil && u.ExternalRunID == nil &&
		u.StartTime == nil && u.ElapsedSeconds == nil && u.ErrorCode == nil &&
		u.ErrorText == nil && u.LastMessage == nil && u.Report == nil && !u.ClearError
}

// ActionLog records an operator-visible event against a test and/or runner.
type ActionLog struct {
	ID        int64     `json:"id"`
	TestID    *string   `json:"test_id,omitempty"`
	RunnerID  *string   `json:"runner_id,omitempty"`
	Code      int       `json:"code"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}

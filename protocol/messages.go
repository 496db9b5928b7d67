// Package protocol defines the wire types exchanged between the controller
// and remote test runner agents. Field names follow the runner control API.
package protocol

// ActionResponse is the generic {code, message} acknowledgement returned by
// controller endpoints.
type ActionResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// HeartbeatPush is the body a runner posts to the controller's heartbeat
// endpoint. Timestamp is unix milliseconds. The run fields are optional and,
// when present, carry a partial status update for the referenced run.
type HeartbeatPush struct {
	Timestamp     int64    `json:"timestamp"`
	Status        string   `json:"status"`
	Sequence      int64    `json:"sequence"`
	UptimeSeconds float64  `json:"uptimeSeconds"`
	TestRunID     string   `json:"testRunId,omitempty"`
	TestStatus    string   `json:"testStatus,omitempty"`
	Progress      *float64 `json:"progress,omitempty"`
	Message       string   `json:"message,omitempty"`
	ErrorCode     string   `json:"errorcode,omitempty"`
	ErrorText     string   `json:"errortext,omitempty"`
}

// HeartbeatResponse is what a runner's own /heartbeat endpoint returns when
// the controller probes it. Timestamp, Status, Sequence, and UptimeSeconds are
// required; a response missing any of them is a protocol violation.
type HeartbeatResponse struct {
	Timestamp     *int64   `json:"timestamp"`
	Status        string   `json:"status"`
	Sequence      *int64   `json:"sequence"`
	UptimeSeconds *float64 `json:"uptimeSeconds"`
	Message       string   `json:"message,omitempty"`
	ErrorCode     string   `json:"errorcode,omitempty"`
	ErrorText     string   `json:"errortext,omitempty"`
}

// StartTestRequest is posted to a runner's start-test endpoint.
type StartTestRequest struct {
	TestDescription string   `json:"testDescription"`
	TestPlan        string   `json:"testPlan"`
	Platforms       []string `json:"platforms"`
}

// RunActionResponse is returned by a runner for start, restart, stop, and
// resume calls. TestRunID and Message are required on success.
type RunActionResponse struct {
	TestRunID string `json:"testRunId"`
	Message   string `json:"message"`
	ErrorCode string `json:"errorcode,omitempty"`
	ErrorText string `json:"errortext,omitempty"`
}

// RunStatusResponse is returned by a runner's test-status endpoint. Every
// field is optional; absent fields leave the stored test state untouched.
type RunStatusResponse struct {
	Status         string   `json:"status,omitempty"`
	StartTime      *int64   `json:"startTime,omitempty"`
	ElapsedSeconds *float64 `json:"elapsedSeconds,omitempty"`
	Progress       *float64 `json:"progress,omitempty"`
	ErrorCode      string   `json:"errorcode,omitempty"`
	ErrorText      string   `json:"errortext,omitempty"`
	Message        string   `json:"message,omitempty"`
}

// CompleteRequest is posted by a runner when a test run has finished.
type CompleteRequest struct {
	Report string `json:"report"`
}

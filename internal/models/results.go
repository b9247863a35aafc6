package models

import "time"

// Result is embedded by every operation result returned to callers
type Result struct {
	Success bool   `json:"success"`
	Status  string `json:"status"`
	Message string `json:"message"`
}

// SyncResult is the outcome of one sync run
type SyncResult struct {
	Result
	RunID      string        `json:"run_id"`
	Reason     string        `json:"reason"`
	Examined   int           `json:"examined"`
	Downloaded int           `json:"downloaded"`
	Skipped    int           `json:"skipped"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
	Duration   time.Duration `json:"duration_ns"`
}

// FolderListResult is the outcome of browsing one drive folder
type FolderListResult struct {
	Result
	Path    string        `json:"path"`
	Folders []FolderEntry `json:"folders"`
}

// DeviceFlowResult is returned by device flow Start, Poll and GetStatus
type DeviceFlowResult struct {
	Result
	UserCode        string     `json:"user_code,omitempty"`
	VerificationURI string     `json:"verification_uri,omitempty"`
	ExpiresAtUTC    *time.Time `json:"expires_at_utc,omitempty"`
	IntervalSeconds int        `json:"interval_seconds,omitempty"`
}

// TracksQueryResult is the outcome of a history track query
type TracksQueryResult struct {
	Result
	From   time.Time     `json:"from"`
	To     time.Time     `json:"to"`
	Tracks []EntityTrack `json:"tracks"`
}

// PhotoQueryResult is one page of the photo index range query
type PhotoQueryResult struct {
	Result
	Photos     []PhotoIndexRecord `json:"photos"`
	TotalCount int64              `json:"total_count"`
}

// NewResult builds a Result
func NewResult(success bool, status, message string) Result {
	return Result{Success: success, Status: status, Message: message}
}

// Ok builds a successful Result
func Ok(status, message string) Result {
	return NewResult(true, status, message)
}

// Fail builds a failed Result
func Fail(status, message string) Result {
	return NewResult(false, status, message)
}

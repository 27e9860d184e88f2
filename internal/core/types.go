package core

import (
	"io"
	"time"
)

// JobStatus is the lifecycle state of an ingestion job.
type JobStatus string

const (
	StatusQueued     JobStatus = "queued"
	StatusProcessing JobStatus = "processing"
	StatusCompleted  JobStatus = "completed"
	StatusFailed     JobStatus = "failed"
)

// Terminal reports whether no further transition is possible.
func (s JobStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// rank orders statuses so transitions can only move forward.
func (s JobStatus) rank() int {
	switch s {
	case StatusQueued:
		return 0
	case StatusProcessing:
		return 1
	case StatusCompleted, StatusFailed:
		return 2
	}
	return -1
}

// Progress checkpoints recorded by the coordinator.
const (
	ProgressInputReceived      = 10
	ProgressConversionComplete = 40
	ProgressJoinComplete       = 70
	ProgressAppendComplete     = 100
)

// JobID identifies an ingestion job.
type JobID string

// Job is an immutable snapshot of an ingestion job. The coordinator replaces
// the stored snapshot on every transition; callers never see partial updates.
type Job struct {
	ID            JobID      `json:"id"`
	Status        JobStatus  `json:"status"`
	Progress      int        `json:"progress"`
	Message       string     `json:"message"`
	InputFilename string     `json:"input_filename"`
	Error         string     `json:"error,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
	Result        *JobResult `json:"result,omitempty"`
}

// JobResult is attached to completed jobs.
type JobResult struct {
	Enrich   EnrichStats   `json:"enrich"`
	Append   AppendResult  `json:"append"`
	Convert  time.Duration `json:"convert_duration"`
	Duration time.Duration `json:"duration"`
}

// BatchDescriptor describes one submitted batch. Data is read fully while
// Submit stages it; the caller may close it once Submit returns.
type BatchDescriptor struct {
	Filename string
	Data     io.Reader
	Size     int64 // 0 if unknown

	// PrefixTable optionally overrides the reference table for this job.
	PrefixTable io.Reader
}

// LockState reports the admission slot state.
type LockState struct {
	Locked bool  `json:"locked"`
	JobID  JobID `json:"job_id,omitempty"`
}

// AppendResult reports row counts of one merge. Counts exclude headers.
type AppendResult struct {
	ExistingRows int64         `json:"existing_rows"`
	NewRows      int64         `json:"new_rows"`
	TotalRows    int64         `json:"total_rows"`
	Created      bool          `json:"created"`
	LockWait     time.Duration `json:"lock_wait"`
	Duration     time.Duration `json:"duration"`
}

// EnrichStats summarizes one enrichment pass.
type EnrichStats struct {
	Total      int64            `json:"total"`
	Domestic   int64            `json:"domestic"`
	Foreign    int64            `json:"foreign"`
	Matched    int64            `json:"matched"`
	Unmatched  int64            `json:"unmatched"`
	ByOperator map[string]int64 `json:"by_operator"`
}

// PrefixEntry maps a numbering prefix to its operator and territory.
type PrefixEntry struct {
	Prefix    string `json:"prefix"`
	Operator  string `json:"operator"`
	Territory string `json:"territory,omitempty"`
}

// MatchPolicy selects which prefix lengths are consulted and in what order.
type MatchPolicy string

const (
	// PolicyNarrowUnion only consults lengths 3, 4 and 5.
	PolicyNarrowUnion MatchPolicy = "narrow"
	// PolicyLongestPrefix consults lengths 7 down to 3.
	PolicyLongestPrefix MatchPolicy = "longest"
)

// ParseMatchPolicy maps a config value to a policy.
func ParseMatchPolicy(s string) (MatchPolicy, error) {
	switch MatchPolicy(s) {
	case PolicyNarrowUnion, PolicyLongestPrefix:
		return MatchPolicy(s), nil
	case "":
		return PolicyLongestPrefix, nil
	}
	return "", errorf(KindValidation, "parse match policy", "unknown match policy %q", s)
}

// SchemaCheck controls header comparison on append.
type SchemaCheck string

const (
	SchemaReject SchemaCheck = "reject"
	SchemaIgnore SchemaCheck = "ignore"
)

// Well-known column names and values.
const (
	ColumnTelephone = "TELEPHONE"
	ColumnOperator  = "Operateur"
	ColumnTerritory = "Territoire"

	OperatorForeign  = "Foreign"
	TerritoryUnknown = "Unknown"
)

package domain

import (
	"encoding/json"
	"time"
)

type Status string

const (
	Selecting  Status = "selecting"
	Dispatched Status = "dispatched"
	Running    Status = "running"
	Succeeded  Status = "succeeded"
	Failed     Status = "failed"
)

// JobID identifies one dispatched unit of work.
type JobID string

// Task names understood by the worker.
const (
	TaskGenerate     = "batch_generate"
	TaskGenerateAll  = "generate_all"
	TaskExec         = "batch_exec"
	TaskMono         = "batch_mono"
	TaskSelectIDs    = "select_ids"
	TaskMigrate      = "migrate"
	TaskAsyncExecute = "async_method_execution"
)

// Message is the envelope pushed on a queue.
type Message struct {
	ID         JobID                  `json:"id"`
	Queue      string                 `json:"queue"`
	Func       string                 `json:"func"`
	Args       json.RawMessage        `json:"args"`
	Kwargs     map[string]interface{} `json:"kwargs,omitempty"`
	EnqueuedAt time.Time              `json:"enqueued_at"`
	ExpiresAt  time.Time              `json:"expires_at"`
	ReplyTo    string                 `json:"reply_to,omitempty"`
}

// Expired reports whether the message outlived its queue residency.
func (m *Message) Expired(now time.Time) bool {
	return !m.ExpiresAt.IsZero() && now.After(m.ExpiresAt)
}

// JobRecord is the audit entry written at enqueue time.
type JobRecord struct {
	ID     JobID                  `json:"id"`
	Date   string                 `json:"date"`
	Queue  string                 `json:"queue"`
	Func   string                 `json:"func"`
	Args   json.RawMessage        `json:"args"`
	Kwargs map[string]interface{} `json:"kwargs"`
}

// RecordDateLayout is the layout of JobRecord.Date and RunSummary.FirstLaunchDate.
const RecordDateLayout = "2006-01-02T15:04:05"

// RunSummary is written once per completed top-level run.
type RunSummary struct {
	ChainName       string  `json:"chain_name"`
	Queue           string  `json:"queue"`
	NbJobs          int     `json:"nb_jobs"`
	NbRecords       int     `json:"nb_records"`
	FirstLaunchDate string  `json:"first_launch_date"`
	DurationInSec   float64 `json:"duration_in_sec"`
	Status          string  `json:"status"`
}

// ExecArgs are the arguments of batch_exec and batch_mono jobs.
type ExecArgs struct {
	Batch  string    `json:"batch"`
	IDs    []int64   `json:"ids"`
	Params JobParams `json:"params"`
	Depth  int       `json:"depth,omitempty"`
}

// GenerateArgs are the arguments of batch_generate jobs.
type GenerateArgs struct {
	Batch     string            `json:"batch"`
	Overrides map[string]string `json:"overrides,omitempty"`
}

// GenerateAllArgs are the arguments of generate_all jobs. Dates are ISO YYYY-MM-DD.
type GenerateAllArgs struct {
	Batch          string            `json:"batch"`
	ConnectionDate string            `json:"connection_date"`
	TreatmentDate  string            `json:"treatment_date"`
	ExtraArgs      map[string]string `json:"extra_args,omitempty"`
}

// SelectArgs are the arguments of select_ids calls.
type SelectArgs struct {
	Batch     string            `json:"batch"`
	Date      string            `json:"date"`
	ExtraArgs map[string]string `json:"extra_args,omitempty"`
}

// MethodArgs are the arguments of async_method_execution jobs.
type MethodArgs struct {
	Model  string          `json:"model"`
	Method string          `json:"method"`
	IDs    []int64         `json:"ids"`
	Args   json.RawMessage `json:"args,omitempty"`
	User   string          `json:"user,omitempty"`
}

// Reply is published on Message.ReplyTo once a remote call completes.
type Reply struct {
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

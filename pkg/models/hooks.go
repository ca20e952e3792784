package models

import "time"

// Job states reported by the CI engine once a job has run.
const (
	JobStateSuccess = "SUCCESS"
	JobStateFailed  = "FAILED"
	JobStateUnknown = "UNKNOWN"
)

// Hook event types.
const (
	HookPreChain  = "pre-chain"
	HookPreBuild  = "pre-build"
	HookPostBuild = "post-build"
	HookPostChain = "post-chain"
)

// JobRef names one job of a chain and the stage it belongs to.
type JobRef struct {
	Key   string `json:"key"`
	Stage string `json:"stage,omitempty"`
}

// ChainEvent describes a chain (plan-level) execution at the moment a
// chain-level hook fires.
type ChainEvent struct {
	Plan          string    `json:"plan"`
	ChainKey      string    `json:"chain_key"`
	BuildName     string    `json:"build_name"`
	Successful    bool      `json:"successful"`
	Stopping      bool      `json:"stopping"`
	StartTime     time.Time `json:"start_time"`
	ElapsedMillis int64     `json:"elapsed_ms"`
	Branch        string    `json:"branch,omitempty"`
	Revisions     []string  `json:"revisions,omitempty"`
	Agent         string    `json:"agent,omitempty"`
	Jobs          []JobRef  `json:"jobs,omitempty"`

	// BuildID overrides the remote build id kept in the execution context.
	BuildID int `json:"build_id,omitempty"`
}

// JobEvent describes a single job of a chain at the moment a job-level hook
// fires.
type JobEvent struct {
	Plan      string     `json:"plan"`
	ChainKey  string     `json:"chain_key"`
	JobKey    string     `json:"job_key"`
	ShortName string     `json:"short_name"`
	Agent     string     `json:"agent,omitempty"`
	StartTime *time.Time `json:"start_time,omitempty"`
	State     string     `json:"state,omitempty"`
	LogLines  []string   `json:"log_lines,omitempty"`

	// LogFile is a path on the host running the hook. Only the command
	// line honours it.
	LogFile string `json:"log_file,omitempty"`

	// BuildID and TaskID override the ids kept in the execution context.
	BuildID int    `json:"build_id,omitempty"`
	TaskID  string `json:"task_id,omitempty"`
}

// HookEvent is the envelope used when hook events arrive over a message
// broker instead of HTTP.
type HookEvent struct {
	Type  string      `json:"type"`
	Chain *ChainEvent `json:"chain,omitempty"`
	Job   *JobEvent   `json:"job,omitempty"`
}

// Key returns the chain key the event belongs to.
func (e HookEvent) Key() string {
	switch {
	case e.Chain != nil:
		return e.Chain.ChainKey
	case e.Job != nil:
		return e.Job.ChainKey
	default:
		return ""
	}
}

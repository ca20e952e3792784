package models

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Timeline record types.
const (
	RecordTypeJob  = "Job"
	RecordTypeTask = "Task"
)

// RecordState is the state of a timeline record. It only ever moves forward:
// pending, then inProgress, then completed.
type RecordState string

const (
	RecordStatePending    RecordState = "pending"
	RecordStateInProgress RecordState = "inProgress"
	RecordStateCompleted  RecordState = "completed"
)

// Rank orders states along the forward-only lifecycle. Unknown states rank
// below pending.
func (s RecordState) Rank() int {
	switch s {
	case RecordStatePending:
		return 1
	case RecordStateInProgress:
		return 2
	case RecordStateCompleted:
		return 3
	default:
		return 0
	}
}

// TaskLog is the remote handle for a log bound to a timeline record.
type TaskLog struct {
	ID        int        `json:"id,omitempty"`
	Path      string     `json:"path"`
	LineCount int64      `json:"lineCount,omitempty"`
	CreatedOn *time.Time `json:"createdOn,omitempty"`
}

// TimelineRecord is one unit of work (the job or one of its tasks) in a
// build's timeline.
type TimelineRecord struct {
	ID         uuid.UUID   `json:"id"`
	ParentID   *uuid.UUID  `json:"parentId,omitempty"`
	Type       string      `json:"type"`
	Name       string      `json:"name"`
	State      RecordState `json:"state,omitempty"`
	Result     TaskResult  `json:"result,omitempty"`
	StartTime  *time.Time  `json:"startTime,omitempty"`
	FinishTime *time.Time  `json:"finishTime,omitempty"`
	WorkerName string      `json:"workerName,omitempty"`
	Order      int         `json:"order,omitempty"`
	Log        *TaskLog    `json:"log,omitempty"`
}

// IsJob reports whether the record is the job-level record. The remote
// service is not consistent about casing.
func (r *TimelineRecord) IsJob() bool {
	return strings.EqualFold(r.Type, RecordTypeJob)
}

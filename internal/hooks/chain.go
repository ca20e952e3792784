package hooks

import (
	"strings"
	"time"

	"github.com/kiranshivaraju/tfsbridge/internal/facade"
	"github.com/kiranshivaraju/tfsbridge/pkg/models"
)

const (
	unknownValue  = "unknown"
	defaultWorker = "bamboo"
)

// ChainBuild adapts a chain event to facade.ActualBuild.
type ChainBuild struct {
	ev models.ChainEvent
}

func NewChainBuild(ev models.ChainEvent) ChainBuild {
	return ChainBuild{ev: ev}
}

func (b ChainBuild) DisplayName() string { return b.ev.BuildName }

// Result is succeeded for a successful chain, canceled for one being stopped,
// and failed otherwise.
func (b ChainBuild) Result() models.BuildResult {
	switch {
	case b.ev.Successful:
		return models.BuildResultSucceeded
	case b.ev.Stopping:
		return models.BuildResultCanceled
	default:
		return models.BuildResultFailed
	}
}

func (b ChainBuild) SourceBranch() string {
	if strings.TrimSpace(b.ev.Branch) == "" {
		return unknownValue
	}
	return b.ev.Branch
}

// SourceCommit is the first non-blank repository revision.
func (b ChainBuild) SourceCommit() string {
	for _, rev := range b.ev.Revisions {
		if strings.TrimSpace(rev) != "" {
			return rev
		}
	}
	return unknownValue
}

func (b ChainBuild) StartTime() time.Time { return b.ev.StartTime }

func (b ChainBuild) FinishTime() time.Time {
	if b.ev.StartTime.IsZero() {
		return time.Time{}
	}
	return b.ev.StartTime.Add(time.Duration(b.ev.ElapsedMillis) * time.Millisecond)
}

func (b ChainBuild) WorkerName() string {
	if b.ev.Agent == "" {
		return defaultWorker
	}
	return b.ev.Agent
}

var _ facade.ActualBuild = ChainBuild{}

// mapJobState converts a CI job state into a task result. Unknown states
// are failures.
func mapJobState(state string) models.TaskResult {
	switch strings.ToUpper(state) {
	case models.JobStateSuccess:
		return models.TaskResultSucceeded
	case models.JobStateFailed:
		return models.TaskResultFailed
	default:
		return models.TaskResultFailed
	}
}

package facade

import (
	"time"

	"github.com/kiranshivaraju/tfsbridge/pkg/models"
)

// ActualBuild is a read-only view of the build running in the CI engine.
// Values are read on demand and never cached by the facade.
type ActualBuild interface {
	DisplayName() string
	Result() models.BuildResult
	SourceBranch() string
	SourceCommit() string
	StartTime() time.Time
	FinishTime() time.Time
	WorkerName() string
}

// BuildInfo is an ActualBuild backed by fixed values.
type BuildInfo struct {
	Name     string
	Outcome  models.BuildResult
	Branch   string
	Commit   string
	Started  time.Time
	Finished time.Time
	Worker   string
}

func (b BuildInfo) DisplayName() string        { return b.Name }
func (b BuildInfo) Result() models.BuildResult { return b.Outcome }
func (b BuildInfo) SourceBranch() string       { return b.Branch }
func (b BuildInfo) SourceCommit() string       { return b.Commit }
func (b BuildInfo) StartTime() time.Time       { return b.Started }
func (b BuildInfo) FinishTime() time.Time      { return b.Finished }
func (b BuildInfo) WorkerName() string         { return b.Worker }

var _ ActualBuild = BuildInfo{}

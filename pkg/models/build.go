// Package models contains the wire types shared between the remote build
// service client, the facade and the hook surface.
package models

import (
	"time"

	"github.com/google/uuid"
)

// BuildStatus is the lifecycle status of a remote build container.
type BuildStatus string

const (
	BuildStatusNone       BuildStatus = "none"
	BuildStatusNotStarted BuildStatus = "notStarted"
	BuildStatusInProgress BuildStatus = "inProgress"
	BuildStatusCompleted  BuildStatus = "completed"
)

// BuildResult is the outcome of a build, both on the remote side and as
// reported by the CI engine.
type BuildResult string

const (
	BuildResultNone      BuildResult = "none"
	BuildResultSucceeded BuildResult = "succeeded"
	BuildResultFailed    BuildResult = "failed"
	BuildResultCanceled  BuildResult = "canceled"
)

// TaskResult is the outcome of a single timeline record.
type TaskResult string

const (
	TaskResultSucceeded TaskResult = "succeeded"
	TaskResultFailed    TaskResult = "failed"
	TaskResultCanceled  TaskResult = "canceled"
)

// QueueOptions controls how the remote service treats a queued build.
type QueueOptions string

const (
	QueueOptionsNone     QueueOptions = "none"
	QueueOptionsDoNotRun QueueOptions = "doNotRun"
)

// ProjectRef identifies a team project on the remote service.
type ProjectRef struct {
	ID   uuid.UUID `json:"id"`
	Name string    `json:"name"`
	URL  string    `json:"url,omitempty"`
}

// DefinitionRef identifies a build definition inside a project.
type DefinitionRef struct {
	ID      int         `json:"id"`
	Name    string      `json:"name"`
	Project *ProjectRef `json:"project,omitempty"`
}

// AgentQueue is an execution queue builds are placed on.
type AgentQueue struct {
	ID   int    `json:"id,omitempty"`
	Name string `json:"name"`
}

// PlanReference points a build at its orchestration plan.
type PlanReference struct {
	PlanID uuid.UUID `json:"planId"`
}

// Demand is an agent capability requirement. Builds created by the bridge
// never carry any.
type Demand struct {
	Name  string `json:"name"`
	Value string `json:"value,omitempty"`
}

// Build is the remote record of one run of a build definition.
type Build struct {
	ID                int            `json:"id,omitempty"`
	BuildNumber       string         `json:"buildNumber,omitempty"`
	Project           *ProjectRef    `json:"project,omitempty"`
	Definition        *DefinitionRef `json:"definition,omitempty"`
	Queue             *AgentQueue    `json:"queue,omitempty"`
	OrchestrationPlan *PlanReference `json:"orchestrationPlan,omitempty"`
	Status            BuildStatus    `json:"status,omitempty"`
	Result            BuildResult    `json:"result,omitempty"`
	StartTime         *time.Time     `json:"startTime,omitempty"`
	FinishTime        *time.Time     `json:"finishTime,omitempty"`
	SourceBranch      string         `json:"sourceBranch,omitempty"`
	SourceVersion     string         `json:"sourceVersion,omitempty"`
	Parameters        string         `json:"parameters,omitempty"`
	Demands           []Demand       `json:"demands"`
	QueueOptions      QueueOptions   `json:"queueOptions,omitempty"`
}

// TimelineReference points a plan at its timeline.
type TimelineReference struct {
	ID uuid.UUID `json:"id"`
}

// OrchestrationPlan owns the timeline a build reports into.
type OrchestrationPlan struct {
	PlanID   uuid.UUID          `json:"planId"`
	PlanType string             `json:"planType,omitempty"`
	Timeline *TimelineReference `json:"timeline,omitempty"`
}

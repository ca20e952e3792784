package facade

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/kiranshivaraju/tfsbridge/internal/tfs"
	"github.com/kiranshivaraju/tfsbridge/pkg/models"
)

// DefaultQueueName is the queue created when the collection has none.
const DefaultQueueName = "pluginsQueue"

// Factory creates or attaches to remote builds and returns facades bound to
// them. Constructing any facade bootstraps the build's job record.
type Factory struct {
	client tfs.Client
	opts   options
}

// NewFactory returns a Factory that talks to the remote service via client.
func NewFactory(client tfs.Client, opts ...Option) (*Factory, error) {
	if client == nil {
		return nil, fmt.Errorf("%w: client is required", ErrInvalidArgument)
	}
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return &Factory{client: client, opts: o}, nil
}

// CreateBuild queues a new do-not-run build for the definition and returns a
// facade for it. If the collection has no queues, DefaultQueueName is created
// first.
func (f *Factory) CreateBuild(ctx context.Context, project *models.ProjectRef, definition *models.DefinitionRef, actual ActualBuild) (*BuildFacade, error) {
	if actual == nil {
		return nil, fmt.Errorf("%w: actual build is required", ErrInvalidArgument)
	}
	if project == nil {
		return nil, fmt.Errorf("%w: project", ErrLookup)
	}
	if definition == nil {
		return nil, fmt.Errorf("%w: build definition", ErrLookup)
	}

	queue, err := f.anyQueue(ctx)
	if err != nil {
		return nil, err
	}

	container, err := newContainer(project, definition, queue, actual)
	if err != nil {
		return nil, err
	}

	queued, err := f.client.QueueBuild(ctx, container)
	if err != nil {
		return nil, fmt.Errorf("queueing build for definition %q: %w", definition.Name, err)
	}

	attrs := []any{"build_id", queued.ID, "project", project.Name, "definition", definition.Name}
	if queued.OrchestrationPlan != nil {
		attrs = append(attrs, "plan_id", queued.OrchestrationPlan.PlanID)
	}
	f.opts.logger.Info("queued remote build", attrs...)

	return f.bind(ctx, queued, actual)
}

// CreateBuildByID resolves the project (by name or id) and the definition by
// id, then behaves like CreateBuild.
func (f *Factory) CreateBuildByID(ctx context.Context, projectID string, definitionID int, actual ActualBuild) (*BuildFacade, error) {
	if actual == nil {
		return nil, fmt.Errorf("%w: actual build is required", ErrInvalidArgument)
	}
	if projectID == "" {
		return nil, fmt.Errorf("%w: project is required", ErrInvalidArgument)
	}

	project, err := f.client.GetProject(ctx, projectID)
	if err != nil {
		return nil, lookupError(err, "project "+strconv.Quote(projectID))
	}

	definition, err := f.client.GetDefinition(ctx, project.ID.String(), definitionID)
	if err != nil {
		return nil, lookupError(err, "build definition "+strconv.Itoa(definitionID))
	}

	return f.CreateBuild(ctx, project, definition, actual)
}

// GetBuild attaches to an existing remote build.
func (f *Factory) GetBuild(ctx context.Context, buildID int, actual ActualBuild) (*BuildFacade, error) {
	if actual == nil {
		return nil, fmt.Errorf("%w: actual build is required", ErrInvalidArgument)
	}
	b, err := f.client.GetBuild(ctx, buildID)
	if err != nil {
		return nil, lookupError(err, "build "+strconv.Itoa(buildID))
	}
	return f.bind(ctx, b, actual)
}

// TaskLevel attaches to an existing remote build with task-level access only.
func (f *Factory) TaskLevel(ctx context.Context, buildID int) (*TaskFacade, error) {
	b, err := f.client.GetBuild(ctx, buildID)
	if err != nil {
		return nil, lookupError(err, "build "+strconv.Itoa(buildID))
	}
	t, err := attach(ctx, f.client, b, "", f.opts)
	if err != nil {
		return nil, err
	}
	return &TaskFacade{timeline: t}, nil
}

func (f *Factory) bind(ctx context.Context, b *models.Build, actual ActualBuild) (*BuildFacade, error) {
	t, err := attach(ctx, f.client, b, actual.DisplayName(), f.opts)
	if err != nil {
		return nil, err
	}
	return &BuildFacade{timeline: t, actual: actual}, nil
}

func (f *Factory) anyQueue(ctx context.Context) (*models.AgentQueue, error) {
	queues, err := f.client.ListQueues(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing queues: %w", err)
	}
	if len(queues) > 0 {
		return &queues[0], nil
	}

	f.opts.logger.Info("no build queues found, creating one", "queue", DefaultQueueName)
	q, err := f.client.CreateQueue(ctx, models.AgentQueue{Name: DefaultQueueName})
	if err != nil {
		return nil, fmt.Errorf("creating queue %q: %w", DefaultQueueName, err)
	}
	return q, nil
}

func newContainer(project *models.ProjectRef, definition *models.DefinitionRef, queue *models.AgentQueue, actual ActualBuild) (*models.Build, error) {
	params, err := json.Marshal(map[string]string{"build.config": actual.DisplayName()})
	if err != nil {
		return nil, fmt.Errorf("encoding build parameters: %w", err)
	}
	return &models.Build{
		Project:      project,
		Definition:   definition,
		Queue:        queue,
		Parameters:   string(params),
		Demands:      []models.Demand{},
		QueueOptions: models.QueueOptionsDoNotRun,
		SourceBranch: actual.SourceBranch(),
	}, nil
}

// lookupError marks not-found responses as lookup failures and passes other
// remote errors through.
func lookupError(err error, what string) error {
	if errors.Is(err, tfs.ErrNotFound) {
		return fmt.Errorf("%w: %s: %w", ErrLookup, what, err)
	}
	return fmt.Errorf("resolving %s: %w", what, err)
}

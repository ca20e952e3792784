// Package hooks implements the CI engine's lifecycle hooks on top of the
// facade: a chain creates and finishes the remote build, each job reports a
// task record under it.
package hooks

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/kiranshivaraju/tfsbridge/internal/cache"
	"github.com/kiranshivaraju/tfsbridge/internal/config"
	"github.com/kiranshivaraju/tfsbridge/internal/facade"
	"github.com/kiranshivaraju/tfsbridge/internal/tfs"
	"github.com/kiranshivaraju/tfsbridge/pkg/models"
)

// Skip reasons reported in Result.
const (
	ReasonDisabled    = "plan not enabled"
	ReasonNoBuild     = "no remote build for this chain"
	ReasonNoTask      = "no task record for this job"
	ReasonNoJobRecord = "remote job record missing"
)

// Result reports what a hook did.
type Result struct {
	Skipped bool   `json:"skipped"`
	Reason  string `json:"reason,omitempty"`
	BuildID int    `json:"build_id,omitempty"`
	TaskID  string `json:"task_id,omitempty"`
}

func skipped(reason string) Result {
	return Result{Skipped: true, Reason: reason}
}

// PlanSource resolves a CI plan key to its bridge configuration.
type PlanSource interface {
	Lookup(key string) config.Plan
}

// Runner is the hook surface exposed to transports.
type Runner interface {
	PreChain(ctx context.Context, ev models.ChainEvent) (Result, error)
	PreBuild(ctx context.Context, ev models.JobEvent) (Result, error)
	PostBuild(ctx context.Context, ev models.JobEvent) (Result, error)
	PostChain(ctx context.Context, ev models.ChainEvent) (Result, error)
}

var _ Runner = (*Service)(nil)

// Options tunes a Service. Zero values take defaults.
type Options struct {
	Logger     *slog.Logger
	ContextTTL time.Duration
	LockTTL    time.Duration
	LockWait   time.Duration
	Now        func() time.Time
	Facade     []facade.Option
}

// Service runs the four lifecycle hooks.
type Service struct {
	plans   PlanSource
	clients ClientProvider
	store   cache.Cache

	logger     *slog.Logger
	contextTTL time.Duration
	lockTTL    time.Duration
	lockWait   time.Duration
	now        func() time.Time
	facadeOpts []facade.Option
}

// NewService creates the hook service.
func NewService(plans PlanSource, clients ClientProvider, store cache.Cache, opts Options) *Service {
	s := &Service{
		plans:      plans,
		clients:    clients,
		store:      store,
		logger:     opts.Logger,
		contextTTL: opts.ContextTTL,
		lockTTL:    opts.LockTTL,
		lockWait:   opts.LockWait,
		now:        opts.Now,
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.contextTTL <= 0 {
		s.contextTTL = 24 * time.Hour
	}
	if s.lockTTL <= 0 {
		s.lockTTL = 2 * time.Minute
	}
	if s.lockWait <= 0 {
		s.lockWait = 30 * time.Second
	}
	if s.now == nil {
		s.now = time.Now
	}
	s.facadeOpts = append([]facade.Option{facade.WithLogger(s.logger), facade.WithClock(s.now)}, opts.Facade...)
	return s
}

// PreChain creates the remote build for a chain, starts it, and records its
// id for the chain and every job in it. A chain that already has a build
// keeps it: a repeated pre-chain attaches to that build instead of queueing
// another one.
func (s *Service) PreChain(ctx context.Context, ev models.ChainEvent) (Result, error) {
	if ev.ChainKey == "" {
		return Result{}, fmt.Errorf("%w: chain key is required", facade.ErrInvalidArgument)
	}
	plan, ok := s.enabled(ev.Plan)
	if !ok {
		return skipped(ReasonDisabled), nil
	}

	client, err := s.clients.Client(ctx, plan)
	if err != nil {
		return Result{}, fmt.Errorf("connecting to %s: %w", plan.ServerURL, err)
	}

	var buildID int
	err = cache.WithLock(ctx, s.store, cache.ChainLockKey(ev.ChainKey), s.lockTTL, s.lockWait, func(ctx context.Context) error {
		var err error
		buildID, err = s.chainBuild(ctx, client, plan, ev)
		return err
	})
	if err != nil {
		return Result{}, err
	}

	stored := strconv.Itoa(buildID)
	for _, job := range ev.Jobs {
		if err := s.store.Set(ctx, cache.BuildIDKey(job.Key), stored, s.contextTTL); err != nil {
			return Result{}, fmt.Errorf("storing build id for job %s: %w", job.Key, err)
		}
		if job.Stage != "" {
			if err := s.store.Set(ctx, cache.StageKey(job.Key), job.Stage, s.contextTTL); err != nil {
				return Result{}, fmt.Errorf("storing stage for job %s: %w", job.Key, err)
			}
		}
	}

	s.logger.Info("chain started on remote build",
		"plan", ev.Plan,
		"chain", ev.ChainKey,
		"build_id", buildID,
		"jobs", len(ev.Jobs),
	)
	return Result{BuildID: buildID}, nil
}

// chainBuild returns the build already recorded for the chain, or creates
// and starts a new one and records it. Callers hold the chain lock.
func (s *Service) chainBuild(ctx context.Context, client tfs.Client, plan config.Plan, ev models.ChainEvent) (int, error) {
	factory, err := facade.NewFactory(client, s.facadeOpts...)
	if err != nil {
		return 0, err
	}
	actual := NewChainBuild(ev)

	existing, found, err := s.buildID(ctx, ev.BuildID, ev.ChainKey)
	if err != nil {
		return 0, err
	}
	if found {
		bf, err := factory.GetBuild(ctx, existing, actual)
		if err != nil {
			return 0, err
		}
		if _, err := s.store.PutIfAbsent(ctx, cache.BuildIDKey(ev.ChainKey), strconv.Itoa(bf.BuildID()), s.contextTTL); err != nil {
			return 0, fmt.Errorf("storing build id: %w", err)
		}
		s.logger.Info("chain already has a remote build, reusing it",
			"plan", ev.Plan,
			"chain", ev.ChainKey,
			"build_id", bf.BuildID(),
		)
		return bf.BuildID(), nil
	}

	project, err := client.GetProject(ctx, plan.Project)
	if err != nil {
		return 0, lookupError(err, "project "+strconv.Quote(plan.Project))
	}
	definition, err := s.findDefinition(ctx, client, project, plan.BuildDefinition)
	if err != nil {
		return 0, err
	}

	bf, err := factory.CreateBuild(ctx, project, definition, actual)
	if err != nil {
		return 0, err
	}
	if err := bf.StartBuild(ctx); err != nil {
		return 0, err
	}

	stored, err := s.store.PutIfAbsent(ctx, cache.BuildIDKey(ev.ChainKey), strconv.Itoa(bf.BuildID()), s.contextTTL)
	if err != nil {
		return 0, fmt.Errorf("storing build id: %w", err)
	}
	id, err := strconv.Atoi(stored)
	if err != nil {
		return 0, fmt.Errorf("%w: stored build id %q", facade.ErrInvalidArgument, stored)
	}
	if id != bf.BuildID() {
		s.logger.Warn("chain build id recorded concurrently, keeping the recorded build",
			"chain", ev.ChainKey,
			"build_id", id,
			"orphaned_build_id", bf.BuildID(),
		)
	}
	return id, nil
}

// PreBuild creates and starts a task record for a job.
func (s *Service) PreBuild(ctx context.Context, ev models.JobEvent) (Result, error) {
	plan, ok := s.enabled(ev.Plan)
	if !ok {
		return skipped(ReasonDisabled), nil
	}

	buildID, found, err := s.buildID(ctx, ev.BuildID, ev.JobKey, ev.ChainKey)
	if err != nil {
		return Result{}, err
	}
	if !found {
		return skipped(ReasonNoBuild), nil
	}

	client, err := s.clients.Client(ctx, plan)
	if err != nil {
		return Result{}, fmt.Errorf("connecting to %s: %w", plan.ServerURL, err)
	}
	tf, err := s.taskFacade(ctx, client, buildID)
	if err != nil {
		return Result{}, err
	}

	taskID, err := tf.CreateTaskRecord(ctx, ev.ShortName)
	if err != nil {
		return Result{}, err
	}
	if taskID == uuid.Nil {
		return Result{Skipped: true, Reason: ReasonNoJobRecord, BuildID: buildID}, nil
	}

	if ev.JobKey != "" {
		if err := s.store.Set(ctx, cache.TaskIDKey(ev.JobKey), taskID.String(), s.contextTTL); err != nil {
			return Result{}, fmt.Errorf("storing task id: %w", err)
		}
	}

	var start time.Time
	if ev.StartTime != nil {
		start = *ev.StartTime
	}
	if err := tf.StartTaskRecord(ctx, taskID, start, ev.Agent); err != nil {
		return Result{}, err
	}

	s.logger.Info("task started",
		"plan", ev.Plan,
		"job", ev.JobKey,
		"build_id", buildID,
		"task_id", taskID,
	)
	return Result{BuildID: buildID, TaskID: taskID.String()}, nil
}

// PostBuild finishes a job's task record and uploads its log. Reading the
// local log file is best effort.
func (s *Service) PostBuild(ctx context.Context, ev models.JobEvent) (Result, error) {
	plan, ok := s.enabled(ev.Plan)
	if !ok {
		return skipped(ReasonDisabled), nil
	}

	buildID, found, err := s.buildID(ctx, ev.BuildID, ev.JobKey, ev.ChainKey)
	if err != nil {
		return Result{}, err
	}
	if !found {
		return skipped(ReasonNoBuild), nil
	}

	rawTask := ev.TaskID
	if rawTask == "" && ev.JobKey != "" {
		if rawTask, _, err = s.store.Get(ctx, cache.TaskIDKey(ev.JobKey)); err != nil {
			return Result{}, fmt.Errorf("reading task id: %w", err)
		}
	}
	if rawTask == "" {
		return Result{Skipped: true, Reason: ReasonNoTask, BuildID: buildID}, nil
	}
	taskID, err := uuid.Parse(rawTask)
	if err != nil {
		return Result{}, fmt.Errorf("%w: task id %q: %v", facade.ErrInvalidArgument, rawTask, err)
	}

	client, err := s.clients.Client(ctx, plan)
	if err != nil {
		return Result{}, fmt.Errorf("connecting to %s: %w", plan.ServerURL, err)
	}
	tf, err := s.taskFacade(ctx, client, buildID)
	if err != nil {
		return Result{}, err
	}

	if err := tf.FinishTaskRecord(ctx, taskID, s.now(), mapJobState(ev.State)); err != nil {
		return Result{}, err
	}
	if err := tf.UploadTaskLog(ctx, taskID, ev.LogLines); err != nil {
		return Result{}, err
	}
	if ev.LogFile != "" {
		if err := s.uploadLogFile(ctx, tf, taskID, ev.LogFile); err != nil {
			return Result{}, err
		}
	}

	s.logger.Info("task finished",
		"plan", ev.Plan,
		"job", ev.JobKey,
		"build_id", buildID,
		"task_id", taskID,
		"state", ev.State,
	)
	return Result{BuildID: buildID, TaskID: taskID.String()}, nil
}

// PostChain finishes the remote build and clears the chain's context.
func (s *Service) PostChain(ctx context.Context, ev models.ChainEvent) (Result, error) {
	plan, ok := s.enabled(ev.Plan)
	if !ok {
		return skipped(ReasonDisabled), nil
	}

	buildID, found, err := s.buildID(ctx, ev.BuildID, ev.ChainKey)
	if err != nil {
		return Result{}, err
	}
	if !found {
		s.logger.Warn("plan is enabled but no remote build was created for this chain",
			"plan", ev.Plan,
			"chain", ev.ChainKey,
		)
		return skipped(ReasonNoBuild), nil
	}

	client, err := s.clients.Client(ctx, plan)
	if err != nil {
		return Result{}, fmt.Errorf("connecting to %s: %w", plan.ServerURL, err)
	}
	factory, err := facade.NewFactory(client, s.facadeOpts...)
	if err != nil {
		return Result{}, err
	}
	actual := NewChainBuild(ev)
	bf, err := factory.GetBuild(ctx, buildID, actual)
	if err != nil {
		return Result{}, err
	}
	if err := bf.FinishBuild(ctx); err != nil {
		return Result{}, err
	}

	s.forget(ctx, ev)

	s.logger.Info("chain finished on remote build",
		"plan", ev.Plan,
		"chain", ev.ChainKey,
		"build_id", buildID,
		"result", facade.MapBuildResult(actual.Result()),
	)
	return Result{BuildID: buildID}, nil
}

func (s *Service) enabled(planKey string) (config.Plan, bool) {
	plan := s.plans.Lookup(planKey)
	if !plan.Enabled {
		s.logger.Debug("plan not enabled, hook skipped", "plan", planKey)
		return plan, false
	}
	return plan, true
}

// buildID returns the explicit id when set, else the first id stored under
// one of the scopes.
func (s *Service) buildID(ctx context.Context, explicit int, scopes ...string) (int, bool, error) {
	if explicit > 0 {
		return explicit, true, nil
	}
	for _, scope := range scopes {
		if scope == "" {
			continue
		}
		raw, ok, err := s.store.Get(ctx, cache.BuildIDKey(scope))
		if err != nil {
			return 0, false, fmt.Errorf("reading build id: %w", err)
		}
		if !ok || raw == "" {
			continue
		}
		id, err := strconv.Atoi(raw)
		if err != nil {
			return 0, false, fmt.Errorf("%w: stored build id %q", facade.ErrInvalidArgument, raw)
		}
		return id, true, nil
	}
	return 0, false, nil
}

// taskFacade attaches to the build under its lock so concurrent jobs do not
// both bootstrap a job record.
func (s *Service) taskFacade(ctx context.Context, client tfs.Client, buildID int) (*facade.TaskFacade, error) {
	factory, err := facade.NewFactory(client, s.facadeOpts...)
	if err != nil {
		return nil, err
	}

	var tf *facade.TaskFacade
	err = cache.WithLock(ctx, s.store, cache.BuildLockKey(buildID), s.lockTTL, s.lockWait, func(ctx context.Context) error {
		var err error
		tf, err = factory.TaskLevel(ctx, buildID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return tf, nil
}

// findDefinition matches a definition by exact name, or by id when the
// configured value is numeric.
func (s *Service) findDefinition(ctx context.Context, client tfs.Client, project *models.ProjectRef, nameOrID string) (*models.DefinitionRef, error) {
	if id, err := strconv.Atoi(nameOrID); err == nil {
		def, err := client.GetDefinition(ctx, project.ID.String(), id)
		if err != nil {
			return nil, lookupError(err, "build definition "+nameOrID)
		}
		return def, nil
	}

	defs, err := client.ListDefinitions(ctx, project.ID.String())
	if err != nil {
		return nil, fmt.Errorf("listing build definitions: %w", err)
	}
	for i := range defs {
		if defs[i].Name == nameOrID {
			return &defs[i], nil
		}
	}
	return nil, fmt.Errorf("%w: build definition %q", facade.ErrLookup, nameOrID)
}

// uploadLogFile streams a local job log to the task record. Local I/O
// failures are logged and swallowed. Remote failures are returned.
func (s *Service) uploadLogFile(ctx context.Context, tf *facade.TaskFacade, taskID uuid.UUID, path string) error {
	f, err := os.Open(path)
	if err != nil {
		s.logger.Warn("could not read job log file, upload skipped",
			"operation", "upload_task_log",
			"file", path,
			"error", err,
		)
		return nil
	}
	defer f.Close()

	src := &localReader{r: f}
	err = tf.UploadTaskLogStream(ctx, taskID, src)
	if err != nil && src.err != nil {
		s.logger.Warn("could not read job log file, upload skipped",
			"operation", "upload_task_log",
			"file", path,
			"error", src.err,
		)
		return nil
	}
	return err
}

// localReader remembers the first read error of the underlying file so it
// can be told apart from a failure of the remote call consuming it.
type localReader struct {
	r   io.Reader
	err error
}

func (l *localReader) Read(p []byte) (int, error) {
	n, err := l.r.Read(p)
	if err != nil && err != io.EOF && l.err == nil {
		l.err = err
	}
	return n, err
}

// forget drops the chain's execution context once the build is finished.
func (s *Service) forget(ctx context.Context, ev models.ChainEvent) {
	var keys []string
	if ev.ChainKey != "" {
		keys = append(keys, cache.BuildIDKey(ev.ChainKey))
	}
	for _, job := range ev.Jobs {
		keys = append(keys, cache.BuildIDKey(job.Key), cache.TaskIDKey(job.Key), cache.StageKey(job.Key))
	}
	for _, k := range keys {
		if err := s.store.Delete(ctx, k); err != nil {
			s.logger.Warn("failed to clear execution context", "key", k, "error", err)
		}
	}
}

func lookupError(err error, what string) error {
	if errors.Is(err, tfs.ErrNotFound) {
		return fmt.Errorf("%w: %s: %w", facade.ErrLookup, what, err)
	}
	return fmt.Errorf("resolving %s: %w", what, err)
}

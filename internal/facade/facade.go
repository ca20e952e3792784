// Package facade mirrors a CI engine's build lifecycle onto a remote build's
// timeline.
//
// A facade holds only identifiers. Every mutation re-reads the current remote
// state and patches it, so a facade can be rebuilt at any point from the
// remote build id alone. Records that have disappeared remotely are treated
// as already gone and the operation is skipped.
//
// Job-record bootstrap is a read-then-create with no remote compare-and-swap.
// Callers constructing facades for the same build id concurrently must
// serialize construction themselves.
package facade

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/tfsbridge/internal/logfeed"
	"github.com/kiranshivaraju/tfsbridge/internal/tfs"
	"github.com/kiranshivaraju/tfsbridge/pkg/models"
)

// logPathPrefix is prepended to a record id to form its log path.
const logPathPrefix = `logs\`

// Facade is the lifecycle surface shared by BuildFacade and TaskFacade.
type Facade interface {
	BuildID() int
	StartBuild(ctx context.Context) error
	FinishBuild(ctx context.Context) error
	CreateTaskRecord(ctx context.Context, name string) (uuid.UUID, error)
	StartTaskRecord(ctx context.Context, id uuid.UUID, start time.Time, worker string) error
	FinishTaskRecord(ctx context.Context, id uuid.UUID, finish time.Time, result models.TaskResult) error
	UploadJobLog(ctx context.Context, lines []string) error
	UploadTaskLog(ctx context.Context, id uuid.UUID, lines []string) error
	UploadTaskLogStream(ctx context.Context, id uuid.UUID, r io.Reader) error
	PostConsoleLog(ctx context.Context, lines []string) error
}

// Option configures facades built by a Factory.
type Option func(*options)

type options struct {
	logger     *slog.Logger
	now        func() time.Time
	newID      func() uuid.UUID
	batchLines int
	batchBytes int
}

func defaultOptions() options {
	return options{
		logger: slog.Default(),
		now:    time.Now,
		newID:  uuid.New,
	}
}

// WithLogger sets the logger diagnostics are written to.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithClock sets the clock used when a caller leaves a timestamp unset.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// WithIDGenerator sets how new timeline record ids are minted.
func WithIDGenerator(gen func() uuid.UUID) Option {
	return func(o *options) {
		if gen != nil {
			o.newID = gen
		}
	}
}

// WithFeedBatching bounds the size of each console feed post.
func WithFeedBatching(maxLines, maxBytes int) Option {
	return func(o *options) {
		o.batchLines = maxLines
		o.batchBytes = maxBytes
	}
}

// MapResult converts a CI build result into a timeline record result.
// Anything that is not explicitly a success or a cancellation is a failure.
func MapResult(r models.BuildResult) models.TaskResult {
	switch r {
	case models.BuildResultSucceeded:
		return models.TaskResultSucceeded
	case models.BuildResultCanceled:
		return models.TaskResultCanceled
	default:
		return models.TaskResultFailed
	}
}

// MapBuildResult normalizes a CI build result for the remote build container.
func MapBuildResult(r models.BuildResult) models.BuildResult {
	switch r {
	case models.BuildResultSucceeded, models.BuildResultCanceled:
		return r
	default:
		return models.BuildResultFailed
	}
}

// timeline is the reconciliation core shared by both facade variants.
type timeline struct {
	client tfs.Client
	opts   options

	buildID     int
	projectID   uuid.UUID
	planID      uuid.UUID
	timelineID  uuid.UUID
	jobRecordID uuid.UUID
}

// attach resolves the build's plan and timeline and makes sure the timeline
// has a job record with a log.
func attach(ctx context.Context, client tfs.Client, build *models.Build, jobName string, opts options) (*timeline, error) {
	if build.Project == nil || build.OrchestrationPlan == nil {
		return nil, fmt.Errorf("%w: build %d has no project or orchestration plan", ErrInvalidArgument, build.ID)
	}

	t := &timeline{
		client:    client,
		opts:      opts,
		buildID:   build.ID,
		projectID: build.Project.ID,
		planID:    build.OrchestrationPlan.PlanID,
	}

	plan, err := client.GetPlan(ctx, t.projectID, t.planID)
	if err != nil {
		return nil, fmt.Errorf("resolving plan for build %d: %w", build.ID, err)
	}
	if plan.Timeline == nil {
		return nil, fmt.Errorf("%w: plan %s has no timeline", ErrLookup, t.planID)
	}
	t.timelineID = plan.Timeline.ID

	job, err := t.jobRecord(ctx)
	if err != nil {
		return nil, err
	}
	if job == nil {
		job = &models.TimelineRecord{
			ID:    opts.newID(),
			Type:  models.RecordTypeJob,
			Name:  jobName,
			State: models.RecordStatePending,
		}
		if err := t.updateRecord(ctx, job); err != nil {
			return nil, fmt.Errorf("creating job record: %w", err)
		}
		opts.logger.Info("created job record",
			"build_id", t.buildID,
			"record_id", job.ID,
		)
	}

	if job.Log == nil {
		log, err := t.createLog(ctx, job.ID)
		if err != nil {
			return nil, err
		}
		job.Log = log
		if err := t.updateRecord(ctx, job); err != nil {
			return nil, fmt.Errorf("attaching job log: %w", err)
		}
	}

	t.jobRecordID = job.ID
	return t, nil
}

// BuildID returns the remote build id.
func (t *timeline) BuildID() int { return t.buildID }

// JobRecordID returns the id of the build's job record.
func (t *timeline) JobRecordID() uuid.UUID { return t.jobRecordID }

// CreateTaskRecord adds a pending task record under the job record and
// returns its id. It returns uuid.Nil without error when the job record no
// longer exists, in which case callers should skip task reporting.
func (t *timeline) CreateTaskRecord(ctx context.Context, name string) (uuid.UUID, error) {
	job, err := t.jobRecord(ctx)
	if err != nil {
		return uuid.Nil, err
	}
	if job == nil {
		t.opts.logger.Warn("job record missing, task not created",
			"operation", "create_task_record",
			"build_id", t.buildID,
			"task", name,
		)
		return uuid.Nil, nil
	}

	parent := job.ID
	rec := &models.TimelineRecord{
		ID:       t.opts.newID(),
		ParentID: &parent,
		Type:     models.RecordTypeTask,
		Name:     name,
		State:    models.RecordStatePending,
	}
	if rec.Log, err = t.createLog(ctx, rec.ID); err != nil {
		return uuid.Nil, err
	}
	if err := t.updateRecord(ctx, rec); err != nil {
		return uuid.Nil, fmt.Errorf("creating task record %q: %w", name, err)
	}
	return rec.ID, nil
}

// StartTaskRecord moves a record to in progress. A zero start means now.
func (t *timeline) StartTaskRecord(ctx context.Context, id uuid.UUID, start time.Time, worker string) error {
	rec, err := t.recordByID(ctx, id, "start_task_record")
	if err != nil || rec == nil {
		return err
	}
	if rec.State.Rank() > models.RecordStateInProgress.Rank() {
		t.opts.logger.Warn("record already completed, not restarting",
			"operation", "start_task_record",
			"build_id", t.buildID,
			"record_id", id,
		)
		return nil
	}

	started := t.orNow(start)
	rec.State = models.RecordStateInProgress
	rec.StartTime = &started
	rec.WorkerName = worker
	return t.updateRecord(ctx, rec)
}

// FinishTaskRecord completes a record with the given result. A zero finish
// means now.
func (t *timeline) FinishTaskRecord(ctx context.Context, id uuid.UUID, finish time.Time, result models.TaskResult) error {
	rec, err := t.recordByID(ctx, id, "finish_task_record")
	if err != nil || rec == nil {
		return err
	}

	finished := t.orNow(finish)
	rec.State = models.RecordStateCompleted
	rec.FinishTime = &finished
	rec.Result = result
	return t.updateRecord(ctx, rec)
}

// UploadTaskLog appends lines to a record's log. Nothing is sent when there
// are no lines or no id.
func (t *timeline) UploadTaskLog(ctx context.Context, id uuid.UUID, lines []string) error {
	if len(lines) == 0 || id == uuid.Nil {
		return nil
	}
	return t.UploadTaskLogStream(ctx, id, logfeed.Reader(lines))
}

// UploadTaskLogStream appends r to a record's log.
func (t *timeline) UploadTaskLogStream(ctx context.Context, id uuid.UUID, r io.Reader) error {
	if r == nil || id == uuid.Nil {
		return nil
	}

	rec, err := t.recordByID(ctx, id, "upload_task_log")
	if err != nil || rec == nil {
		return err
	}
	if rec.Log == nil {
		t.opts.logger.Warn("record has no log, upload skipped",
			"operation", "upload_task_log",
			"build_id", t.buildID,
			"record_id", id,
		)
		return nil
	}

	if err := t.client.AppendLog(ctx, t.projectID, t.planID, rec.Log.ID, r); err != nil {
		return fmt.Errorf("uploading log for record %s: %w", id, err)
	}
	return nil
}

// PostConsoleLog posts lines to the job record's console feed.
func (t *timeline) PostConsoleLog(ctx context.Context, lines []string) error {
	for _, batch := range logfeed.Batches(lines, t.opts.batchLines, t.opts.batchBytes) {
		if err := t.client.PostLines(ctx, t.projectID, t.planID, t.timelineID, t.jobRecordID, batch); err != nil {
			return fmt.Errorf("posting console feed: %w", err)
		}
	}
	return nil
}

// --- remote plumbing ---

func (t *timeline) records(ctx context.Context) ([]models.TimelineRecord, error) {
	recs, err := t.client.GetRecords(ctx, t.projectID, t.planID, t.timelineID)
	if err != nil {
		return nil, fmt.Errorf("reading timeline %s: %w", t.timelineID, err)
	}
	return recs, nil
}

func (t *timeline) jobRecord(ctx context.Context) (*models.TimelineRecord, error) {
	recs, err := t.records(ctx)
	if err != nil {
		return nil, err
	}
	for i := range recs {
		if recs[i].IsJob() {
			return &recs[i], nil
		}
	}
	return nil, nil
}

// recordByID returns nil, nil when the record is not on the live timeline.
func (t *timeline) recordByID(ctx context.Context, id uuid.UUID, op string) (*models.TimelineRecord, error) {
	recs, err := t.records(ctx)
	if err != nil {
		return nil, err
	}
	for i := range recs {
		if recs[i].ID == id {
			return &recs[i], nil
		}
	}
	t.opts.logger.Debug("record not on timeline, skipping",
		"operation", op,
		"build_id", t.buildID,
		"record_id", id,
	)
	return nil, nil
}

func (t *timeline) updateRecord(ctx context.Context, rec *models.TimelineRecord) error {
	_, err := t.client.UpdateRecords(ctx, t.projectID, t.planID, t.timelineID, []models.TimelineRecord{*rec})
	return err
}

func (t *timeline) createLog(ctx context.Context, recordID uuid.UUID) (*models.TaskLog, error) {
	log, err := t.client.CreateLog(ctx, t.projectID, t.planID, models.TaskLog{Path: logPathPrefix + recordID.String()})
	if err != nil {
		return nil, fmt.Errorf("creating log for record %s: %w", recordID, err)
	}
	t.opts.logger.Debug("created record log",
		"record_id", recordID,
		"log_id", log.ID,
		"path", log.Path,
	)
	return log, nil
}

func (t *timeline) getBuild(ctx context.Context) (*models.Build, error) {
	b, err := t.client.GetBuild(ctx, t.buildID)
	if err != nil {
		if errors.Is(err, tfs.ErrNotFound) {
			return nil, fmt.Errorf("%w: build %d: %w", ErrLookup, t.buildID, err)
		}
		return nil, fmt.Errorf("reading build %d: %w", t.buildID, err)
	}
	return b, nil
}

func (t *timeline) orNow(ts time.Time) time.Time {
	if ts.IsZero() {
		return t.opts.now()
	}
	return ts
}

// BuildFacade reports both job-level and task-level progress of a build.
type BuildFacade struct {
	*timeline
	actual ActualBuild
}

// StartBuild marks the remote build in progress.
func (f *BuildFacade) StartBuild(ctx context.Context) error {
	b, err := f.getBuild(ctx)
	if err != nil {
		return err
	}

	started := f.orNow(f.actual.StartTime())
	b.StartTime = &started
	b.Status = models.BuildStatusInProgress

	if _, err := f.client.UpdateBuild(ctx, b); err != nil {
		return fmt.Errorf("starting build %d: %w", f.buildID, err)
	}
	return nil
}

// FinishBuild completes the job record, then the remote build, with the CI
// build's result and source commit.
func (f *BuildFacade) FinishBuild(ctx context.Context) error {
	finished := f.orNow(f.actual.FinishTime())
	result := f.actual.Result()

	if err := f.FinishTaskRecord(ctx, f.jobRecordID, finished, MapResult(result)); err != nil {
		return err
	}

	b, err := f.getBuild(ctx)
	if err != nil {
		return err
	}
	b.FinishTime = &finished
	b.Result = MapBuildResult(result)
	b.Status = models.BuildStatusCompleted
	b.SourceVersion = f.actual.SourceCommit()

	f.opts.logger.Info("finishing build",
		"build_id", f.buildID,
		"result", b.Result,
		"source_version", b.SourceVersion,
	)

	if _, err := f.client.UpdateBuild(ctx, b); err != nil {
		return fmt.Errorf("finishing build %d: %w", f.buildID, err)
	}
	return nil
}

// UploadJobLog appends lines to the job record's log.
func (f *BuildFacade) UploadJobLog(ctx context.Context, lines []string) error {
	return f.UploadTaskLog(ctx, f.jobRecordID, lines)
}

// TaskFacade reports task-level progress only. Job-level operations are
// refused with a warning and never touch the remote build.
type TaskFacade struct {
	*timeline
}

// StartBuild is refused in task-only context: it logs a warning, leaves the
// remote build untouched and returns nil.
func (f *TaskFacade) StartBuild(ctx context.Context) error {
	f.refuse("start_build")
	return nil
}

// FinishBuild is refused in task-only context. The job record and the
// remote build keep their state.
func (f *TaskFacade) FinishBuild(ctx context.Context) error {
	f.refuse("finish_build")
	return nil
}

// UploadJobLog is refused in task-only context. Use UploadTaskLog with a
// task record id instead.
func (f *TaskFacade) UploadJobLog(ctx context.Context, lines []string) error {
	f.refuse("upload_job_log")
	return nil
}

func (f *TaskFacade) refuse(op string) {
	f.opts.logger.Warn("job-level operation invoked in task-only context",
		"operation", op,
		"build_id", f.buildID,
	)
}

// Compile-time checks that both variants implement Facade.
var (
	_ Facade = (*BuildFacade)(nil)
	_ Facade = (*TaskFacade)(nil)
)

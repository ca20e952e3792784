package facade

import (
	"bytes"
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kiranshivaraju/tfsbridge/internal/tfs"
	"github.com/kiranshivaraju/tfsbridge/internal/tfs/tfstest"
	"github.com/kiranshivaraju/tfsbridge/pkg/models"
)

// --- helpers ---

func testLogger() (*slog.Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	return slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})), &buf
}

func newTestFactory(t *testing.T, fake *tfstest.Fake, opts ...Option) (*Factory, *bytes.Buffer) {
	t.Helper()
	logger, buf := testLogger()
	opts = append([]Option{WithLogger(logger), WithClock(func() time.Time { return tfstest.Now })}, opts...)
	f, err := NewFactory(fake, opts...)
	require.NoError(t, err)
	return f, buf
}

type contoso struct {
	fake       *tfstest.Fake
	project    models.ProjectRef
	definition models.DefinitionRef
}

func seedContoso(t *testing.T, queues ...string) contoso {
	t.Helper()
	fake := tfstest.New()
	p := fake.AddProject("Contoso")
	d := fake.AddDefinition(p, 42, "CI-Main")
	for _, q := range queues {
		fake.AddQueue(q)
	}
	return contoso{fake: fake, project: p, definition: d}
}

func build17() BuildInfo {
	return BuildInfo{Name: "build-17", Branch: "main", Commit: "abc123", Worker: "agent-1"}
}

func jobRecords(recs []models.TimelineRecord) []models.TimelineRecord {
	var jobs []models.TimelineRecord
	for _, r := range recs {
		if r.IsJob() {
			jobs = append(jobs, r)
		}
	}
	return jobs
}

// --- construction ---

func TestNewFactory_NilClient(t *testing.T) {
	_, err := NewFactory(nil)
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestCreateBuildByID_Contoso(t *testing.T) {
	c := seedContoso(t, "default")
	f, _ := newTestFactory(t, c.fake)

	bf, err := f.CreateBuildByID(context.Background(), "Contoso", 42, build17())
	require.NoError(t, err)

	b, ok := c.fake.Build(bf.BuildID())
	require.True(t, ok)
	assert.Equal(t, models.QueueOptionsDoNotRun, b.QueueOptions)
	assert.Equal(t, "main", b.SourceBranch)
	assert.Equal(t, `{"build.config":"build-17"}`, b.Parameters)
	assert.NotNil(t, b.Demands)
	assert.Empty(t, b.Demands)
	require.NotNil(t, b.Queue)
	assert.Equal(t, "default", b.Queue.Name)
	require.NotNil(t, b.Project)
	assert.Equal(t, c.project.ID, b.Project.ID)
	require.NotNil(t, b.Definition)
	assert.Equal(t, 42, b.Definition.ID)

	jobs := jobRecords(c.fake.Records(bf.BuildID()))
	require.Len(t, jobs, 1)
	assert.Equal(t, "build-17", jobs[0].Name)
	assert.Equal(t, models.RecordStatePending, jobs[0].State)
	require.NotNil(t, jobs[0].Log)
	assert.Equal(t, `logs\`+jobs[0].ID.String(), jobs[0].Log.Path)
	assert.Equal(t, jobs[0].ID, bf.JobRecordID())

	assert.Equal(t, 0, c.fake.Calls("CreateQueue"))
}

func TestCreateBuild_CreatesDefaultQueueWhenNoneExist(t *testing.T) {
	c := seedContoso(t)
	f, _ := newTestFactory(t, c.fake)

	bf, err := f.CreateBuild(context.Background(), &c.project, &c.definition, build17())
	require.NoError(t, err)

	assert.Equal(t, 1, c.fake.Calls("CreateQueue"))
	queues := c.fake.Queues()
	require.Len(t, queues, 1)
	assert.Equal(t, DefaultQueueName, queues[0].Name)

	b, _ := c.fake.Build(bf.BuildID())
	require.NotNil(t, b.Queue)
	assert.Equal(t, "pluginsQueue", b.Queue.Name)
}

func TestCreateBuild_UsesFirstQueue(t *testing.T) {
	c := seedContoso(t, "first", "second")
	f, _ := newTestFactory(t, c.fake)

	bf, err := f.CreateBuild(context.Background(), &c.project, &c.definition, build17())
	require.NoError(t, err)

	b, _ := c.fake.Build(bf.BuildID())
	assert.Equal(t, "first", b.Queue.Name)
}

func TestCreateBuild_ArgumentErrors(t *testing.T) {
	c := seedContoso(t, "default")
	f, _ := newTestFactory(t, c.fake)
	ctx := context.Background()

	_, err := f.CreateBuild(ctx, &c.project, &c.definition, nil)
	assert.ErrorIs(t, err, ErrInvalidArgument)

	_, err = f.CreateBuildByID(ctx, "Contoso", 42, nil)
	assert.ErrorIs(t, err, ErrInvalidArgument)

	_, err = f.CreateBuildByID(ctx, "", 42, build17())
	assert.ErrorIs(t, err, ErrInvalidArgument)

	_, err = f.CreateBuild(ctx, nil, &c.definition, build17())
	assert.ErrorIs(t, err, ErrLookup)

	_, err = f.CreateBuild(ctx, &c.project, nil, build17())
	assert.ErrorIs(t, err, ErrLookup)

	assert.Equal(t, 0, c.fake.Mutations())
}

func TestCreateBuildByID_LookupErrors(t *testing.T) {
	c := seedContoso(t, "default")
	f, _ := newTestFactory(t, c.fake)
	ctx := context.Background()

	_, err := f.CreateBuildByID(ctx, "Fabrikam", 42, build17())
	assert.ErrorIs(t, err, ErrLookup)

	_, err = f.CreateBuildByID(ctx, "Contoso", 99, build17())
	assert.ErrorIs(t, err, ErrLookup)

	assert.Equal(t, 0, c.fake.Calls("QueueBuild"))
}

func TestCreateBuildByID_RemoteErrorIsNotLookup(t *testing.T) {
	c := seedContoso(t, "default")
	c.fake.FailOn("GetProject", tfs.ErrUnauthorized)
	f, _ := newTestFactory(t, c.fake)

	_, err := f.CreateBuildByID(context.Background(), "Contoso", 42, build17())
	assert.ErrorIs(t, err, tfs.ErrUnauthorized)
	assert.NotErrorIs(t, err, ErrLookup)
}

func TestCreateBuild_QueueFailurePropagates(t *testing.T) {
	c := seedContoso(t, "default")
	c.fake.FailOn("QueueBuild", tfs.ErrServiceError)
	f, _ := newTestFactory(t, c.fake)

	_, err := f.CreateBuild(context.Background(), &c.project, &c.definition, build17())
	assert.ErrorIs(t, err, tfs.ErrServiceError)
}

// --- attach ---

func TestGetBuild_ReusesJobRecord(t *testing.T) {
	c := seedContoso(t, "default")
	f, _ := newTestFactory(t, c.fake)
	ctx := context.Background()

	first, err := f.CreateBuild(ctx, &c.project, &c.definition, build17())
	require.NoError(t, err)
	createLogs := c.fake.Calls("CreateLog")

	second, err := f.GetBuild(ctx, first.BuildID(), build17())
	require.NoError(t, err)

	jobs := jobRecords(c.fake.Records(first.BuildID()))
	require.Len(t, jobs, 1)
	assert.Equal(t, first.JobRecordID(), second.JobRecordID())
	assert.Equal(t, createLogs, c.fake.Calls("CreateLog"), "existing job log must be reused")
}

func TestGetBuild_AttachesLogToExistingJobRecord(t *testing.T) {
	c := seedContoso(t)
	b := c.fake.AddBuild(c.project)
	existing := models.TimelineRecord{ID: uuid.New(), Type: "job", Name: "seeded", State: models.RecordStateInProgress}
	c.fake.AddRecord(b.ID, existing)
	f, _ := newTestFactory(t, c.fake)

	bf, err := f.GetBuild(context.Background(), b.ID, build17())
	require.NoError(t, err)

	assert.Equal(t, existing.ID, bf.JobRecordID())
	recs := c.fake.Records(b.ID)
	require.Len(t, recs, 1)
	require.NotNil(t, recs[0].Log)
	assert.Equal(t, "seeded", recs[0].Name)
	assert.Equal(t, models.RecordStateInProgress, recs[0].State)
}

func TestGetBuild_MissingBuild(t *testing.T) {
	c := seedContoso(t)
	f, _ := newTestFactory(t, c.fake)

	_, err := f.GetBuild(context.Background(), 404, build17())
	assert.ErrorIs(t, err, ErrLookup)

	_, err = f.TaskLevel(context.Background(), 404)
	assert.ErrorIs(t, err, ErrLookup)
}

func TestTaskLevel_CreatesUnnamedJobRecord(t *testing.T) {
	c := seedContoso(t)
	b := c.fake.AddBuild(c.project)
	f, _ := newTestFactory(t, c.fake)

	tf, err := f.TaskLevel(context.Background(), b.ID)
	require.NoError(t, err)

	jobs := jobRecords(c.fake.Records(b.ID))
	require.Len(t, jobs, 1)
	assert.Equal(t, "", jobs[0].Name)
	assert.Equal(t, jobs[0].ID, tf.JobRecordID())
}

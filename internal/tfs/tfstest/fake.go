// Package tfstest provides an in-memory fake of the remote build service
// client for tests.
package tfstest

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/tfsbridge/internal/tfs"
	"github.com/kiranshivaraju/tfsbridge/pkg/models"
)

// mutating lists the client methods that change remote state.
var mutating = []string{
	"CreateQueue", "QueueBuild", "UpdateBuild", "UpdateRecords",
	"CreateLog", "AppendLog", "PostLines",
}

// Fake is a thread-safe in-memory tfs.Client. Exported helpers seed and
// inspect the remote state; FailOn injects errors per method.
type Fake struct {
	mu sync.Mutex

	projects    []models.ProjectRef
	definitions map[uuid.UUID][]models.DefinitionRef
	queues      []models.AgentQueue
	builds      map[int]models.Build
	plans       map[uuid.UUID]models.OrchestrationPlan
	records     map[uuid.UUID][]models.TimelineRecord
	logs        map[int][]byte
	feed        map[uuid.UUID][]string

	calls map[string]int
	errs  map[string]error

	nextBuildID int
	nextLogID   int
	nextQueueID int
}

// New returns an empty fake.
func New() *Fake {
	return &Fake{
		definitions: make(map[uuid.UUID][]models.DefinitionRef),
		builds:      make(map[int]models.Build),
		plans:       make(map[uuid.UUID]models.OrchestrationPlan),
		records:     make(map[uuid.UUID][]models.TimelineRecord),
		logs:        make(map[int][]byte),
		feed:        make(map[uuid.UUID][]string),
		calls:       make(map[string]int),
		errs:        make(map[string]error),
		nextBuildID: 1,
		nextLogID:   1,
		nextQueueID: 1,
	}
}

// --- seeding ---

func (f *Fake) AddProject(name string) models.ProjectRef {
	f.mu.Lock()
	defer f.mu.Unlock()
	p := models.ProjectRef{ID: uuid.New(), Name: name}
	f.projects = append(f.projects, p)
	return p
}

func (f *Fake) AddDefinition(project models.ProjectRef, id int, name string) models.DefinitionRef {
	f.mu.Lock()
	defer f.mu.Unlock()
	p := project
	d := models.DefinitionRef{ID: id, Name: name, Project: &p}
	f.definitions[project.ID] = append(f.definitions[project.ID], d)
	return d
}

func (f *Fake) AddQueue(name string) models.AgentQueue {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.addQueueLocked(name)
}

// AddBuild seeds a queued build with its own plan and empty timeline.
func (f *Fake) AddBuild(project models.ProjectRef) models.Build {
	f.mu.Lock()
	defer f.mu.Unlock()
	p := project
	return f.queueLocked(models.Build{Project: &p})
}

// AddRecord seeds a timeline record directly, bypassing call accounting.
func (f *Fake) AddRecord(buildID int, rec models.TimelineRecord) {
	f.mu.Lock()
	defer f.mu.Unlock()
	tl := f.timelineLocked(buildID)
	f.records[tl] = append(f.records[tl], cloneRecord(rec))
}

// RemoveRecord deletes a record from the build's timeline.
func (f *Fake) RemoveRecord(buildID int, id uuid.UUID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	tl := f.timelineLocked(buildID)
	recs := f.records[tl]
	for i := range recs {
		if recs[i].ID == id {
			f.records[tl] = append(recs[:i], recs[i+1:]...)
			return
		}
	}
}

// FailOn makes every later call to method return err. A nil err clears it.
func (f *Fake) FailOn(method string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.errs, method)
		return
	}
	f.errs[method] = err
}

// --- inspection ---

// Calls returns how many times method was invoked.
func (f *Fake) Calls(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[method]
}

// Mutations returns the number of state-changing calls made so far.
func (f *Fake) Mutations() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, m := range mutating {
		n += f.calls[m]
	}
	return n
}

// TotalCalls returns the number of client calls of any kind.
func (f *Fake) TotalCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		n += c
	}
	return n
}

func (f *Fake) Build(id int) (models.Build, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.builds[id]
	return b, ok
}

func (f *Fake) Queues() []models.AgentQueue {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.AgentQueue(nil), f.queues...)
}

// Records returns a copy of the build's timeline.
func (f *Fake) Records(buildID int) []models.TimelineRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	return cloneRecords(f.records[f.timelineLocked(buildID)])
}

// Record returns one record of the build's timeline.
func (f *Fake) Record(buildID int, id uuid.UUID) (models.TimelineRecord, bool) {
	for _, r := range f.Records(buildID) {
		if r.ID == id {
			return r, true
		}
	}
	return models.TimelineRecord{}, false
}

// LogText returns everything appended to a log.
func (f *Fake) LogText(logID int) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return string(f.logs[logID])
}

// FeedLines returns the console lines posted for a record.
func (f *Fake) FeedLines(recordID uuid.UUID) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.feed[recordID]...)
}

// --- tfs.Client ---

func (f *Fake) ListProjects(ctx context.Context) ([]models.ProjectRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("ListProjects"); err != nil {
		return nil, err
	}
	return append([]models.ProjectRef{}, f.projects...), nil
}

func (f *Fake) GetProject(ctx context.Context, nameOrID string) (*models.ProjectRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("GetProject"); err != nil {
		return nil, err
	}
	p, ok := f.projectLocked(nameOrID)
	if !ok {
		return nil, fmt.Errorf("project %q: %w", nameOrID, tfs.ErrNotFound)
	}
	return &p, nil
}

func (f *Fake) ListDefinitions(ctx context.Context, project string) ([]models.DefinitionRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("ListDefinitions"); err != nil {
		return nil, err
	}
	p, ok := f.projectLocked(project)
	if !ok {
		return nil, fmt.Errorf("project %q: %w", project, tfs.ErrNotFound)
	}
	return append([]models.DefinitionRef{}, f.definitions[p.ID]...), nil
}

func (f *Fake) GetDefinition(ctx context.Context, project string, id int) (*models.DefinitionRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("GetDefinition"); err != nil {
		return nil, err
	}
	p, ok := f.projectLocked(project)
	if !ok {
		return nil, fmt.Errorf("project %q: %w", project, tfs.ErrNotFound)
	}
	for _, d := range f.definitions[p.ID] {
		if d.ID == id {
			return &d, nil
		}
	}
	return nil, fmt.Errorf("definition %d: %w", id, tfs.ErrNotFound)
}

func (f *Fake) ListQueues(ctx context.Context) ([]models.AgentQueue, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("ListQueues"); err != nil {
		return nil, err
	}
	return append([]models.AgentQueue{}, f.queues...), nil
}

func (f *Fake) CreateQueue(ctx context.Context, queue models.AgentQueue) (*models.AgentQueue, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("CreateQueue"); err != nil {
		return nil, err
	}
	q := f.addQueueLocked(queue.Name)
	return &q, nil
}

func (f *Fake) QueueBuild(ctx context.Context, build *models.Build) (*models.Build, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("QueueBuild"); err != nil {
		return nil, err
	}
	b := f.queueLocked(*build)
	return &b, nil
}

func (f *Fake) GetBuild(ctx context.Context, id int) (*models.Build, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("GetBuild"); err != nil {
		return nil, err
	}
	b, ok := f.builds[id]
	if !ok {
		return nil, fmt.Errorf("build %d: %w", id, tfs.ErrNotFound)
	}
	return &b, nil
}

func (f *Fake) UpdateBuild(ctx context.Context, build *models.Build) (*models.Build, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("UpdateBuild"); err != nil {
		return nil, err
	}
	if _, ok := f.builds[build.ID]; !ok {
		return nil, fmt.Errorf("build %d: %w", build.ID, tfs.ErrNotFound)
	}
	f.builds[build.ID] = *build
	b := *build
	return &b, nil
}

func (f *Fake) GetPlan(ctx context.Context, projectID, planID uuid.UUID) (*models.OrchestrationPlan, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("GetPlan"); err != nil {
		return nil, err
	}
	p, ok := f.plans[planID]
	if !ok {
		return nil, fmt.Errorf("plan %s: %w", planID, tfs.ErrNotFound)
	}
	return &p, nil
}

func (f *Fake) GetRecords(ctx context.Context, projectID, planID, timelineID uuid.UUID) ([]models.TimelineRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("GetRecords"); err != nil {
		return nil, err
	}
	return cloneRecords(f.records[timelineID]), nil
}

// UpdateRecords upserts records by id.
func (f *Fake) UpdateRecords(ctx context.Context, projectID, planID, timelineID uuid.UUID, records []models.TimelineRecord) ([]models.TimelineRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("UpdateRecords"); err != nil {
		return nil, err
	}
	existing := f.records[timelineID]
	for _, rec := range records {
		replaced := false
		for i := range existing {
			if existing[i].ID == rec.ID {
				existing[i] = cloneRecord(rec)
				replaced = true
				break
			}
		}
		if !replaced {
			existing = append(existing, cloneRecord(rec))
		}
	}
	f.records[timelineID] = existing
	return cloneRecords(records), nil
}

func (f *Fake) CreateLog(ctx context.Context, projectID, planID uuid.UUID, log models.TaskLog) (*models.TaskLog, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("CreateLog"); err != nil {
		return nil, err
	}
	created := models.TaskLog{ID: f.nextLogID, Path: log.Path}
	f.nextLogID++
	f.logs[created.ID] = nil
	return &created, nil
}

func (f *Fake) AppendLog(ctx context.Context, projectID, planID uuid.UUID, logID int, content io.Reader) error {
	data, err := io.ReadAll(content)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("AppendLog"); err != nil {
		return err
	}
	if _, ok := f.logs[logID]; !ok {
		return fmt.Errorf("log %d: %w", logID, tfs.ErrNotFound)
	}
	f.logs[logID] = append(f.logs[logID], data...)
	return nil
}

func (f *Fake) PostLines(ctx context.Context, projectID, planID, timelineID, recordID uuid.UUID, lines []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("PostLines"); err != nil {
		return err
	}
	f.feed[recordID] = append(f.feed[recordID], lines...)
	return nil
}

// --- internals (callers hold mu) ---

func (f *Fake) enter(method string) error {
	f.calls[method]++
	return f.errs[method]
}

func (f *Fake) projectLocked(nameOrID string) (models.ProjectRef, bool) {
	for _, p := range f.projects {
		if p.ID.String() == nameOrID || strings.EqualFold(p.Name, nameOrID) {
			return p, true
		}
	}
	return models.ProjectRef{}, false
}

func (f *Fake) addQueueLocked(name string) models.AgentQueue {
	q := models.AgentQueue{ID: f.nextQueueID, Name: name}
	f.nextQueueID++
	f.queues = append(f.queues, q)
	return q
}

func (f *Fake) queueLocked(b models.Build) models.Build {
	b.ID = f.nextBuildID
	f.nextBuildID++
	b.BuildNumber = strconv.Itoa(b.ID)
	b.Status = models.BuildStatusNotStarted

	plan := models.OrchestrationPlan{
		PlanID:   uuid.New(),
		PlanType: "Build",
		Timeline: &models.TimelineReference{ID: uuid.New()},
	}
	f.plans[plan.PlanID] = plan
	f.records[plan.Timeline.ID] = nil
	b.OrchestrationPlan = &models.PlanReference{PlanID: plan.PlanID}

	f.builds[b.ID] = b
	return b
}

func (f *Fake) timelineLocked(buildID int) uuid.UUID {
	b, ok := f.builds[buildID]
	if !ok || b.OrchestrationPlan == nil {
		return uuid.Nil
	}
	p := f.plans[b.OrchestrationPlan.PlanID]
	if p.Timeline == nil {
		return uuid.Nil
	}
	return p.Timeline.ID
}

func cloneRecord(r models.TimelineRecord) models.TimelineRecord {
	if r.Log != nil {
		l := *r.Log
		r.Log = &l
	}
	if r.StartTime != nil {
		t := *r.StartTime
		r.StartTime = &t
	}
	if r.FinishTime != nil {
		t := *r.FinishTime
		r.FinishTime = &t
	}
	if r.ParentID != nil {
		id := *r.ParentID
		r.ParentID = &id
	}
	return r
}

func cloneRecords(rs []models.TimelineRecord) []models.TimelineRecord {
	out := make([]models.TimelineRecord, 0, len(rs))
	for _, r := range rs {
		out = append(out, cloneRecord(r))
	}
	return out
}

// Now is a fixed instant tests can use as a clock.
var Now = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

// Compile-time check that Fake implements tfs.Client.
var _ tfs.Client = (*Fake)(nil)

// Package tfs is the REST client for the remote build-tracking service.
package tfs

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/tfsbridge/pkg/apipath"
	"github.com/kiranshivaraju/tfsbridge/pkg/models"
)

// Client is the interface for the remote build service. Every call is a
// single blocking request; nothing is retried.
type Client interface {
	ListProjects(ctx context.Context) ([]models.ProjectRef, error)
	GetProject(ctx context.Context, nameOrID string) (*models.ProjectRef, error)

	ListDefinitions(ctx context.Context, project string) ([]models.DefinitionRef, error)
	GetDefinition(ctx context.Context, project string, id int) (*models.DefinitionRef, error)

	ListQueues(ctx context.Context) ([]models.AgentQueue, error)
	CreateQueue(ctx context.Context, queue models.AgentQueue) (*models.AgentQueue, error)

	QueueBuild(ctx context.Context, build *models.Build) (*models.Build, error)
	GetBuild(ctx context.Context, id int) (*models.Build, error)
	UpdateBuild(ctx context.Context, build *models.Build) (*models.Build, error)

	GetPlan(ctx context.Context, projectID, planID uuid.UUID) (*models.OrchestrationPlan, error)
	GetRecords(ctx context.Context, projectID, planID, timelineID uuid.UUID) ([]models.TimelineRecord, error)
	UpdateRecords(ctx context.Context, projectID, planID, timelineID uuid.UUID, records []models.TimelineRecord) ([]models.TimelineRecord, error)

	CreateLog(ctx context.Context, projectID, planID uuid.UUID, log models.TaskLog) (*models.TaskLog, error)
	AppendLog(ctx context.Context, projectID, planID uuid.UUID, logID int, content io.Reader) error
	PostLines(ctx context.Context, projectID, planID, timelineID, recordID uuid.UUID, lines []string) error
}

// ClientConfig holds connection settings for one remote collection.
type ClientConfig struct {
	BaseURL  string
	Username string
	Password string
	Timeout  time.Duration
}

// HTTPClient implements Client over the service's REST API.
type HTTPClient struct {
	paths    apipath.Builder
	flavor   Flavor
	username string
	password string
	client   *http.Client
}

// NewHTTPClient creates a client that talks to the given flavor of the
// service without probing it first.
func NewHTTPClient(cfg ClientConfig, flavor Flavor) *HTTPClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPClient{
		paths:    apipath.New(cfg.BaseURL),
		flavor:   flavor,
		username: cfg.Username,
		password: cfg.Password,
		client:   &http.Client{Timeout: timeout},
	}
}

// Flavor returns the service flavor this client speaks.
func (c *HTTPClient) Flavor() Flavor { return c.flavor }

func (c *HTTPClient) ListProjects(ctx context.Context) ([]models.ProjectRef, error) {
	var resp listResponse[models.ProjectRef]
	if err := c.do(ctx, http.MethodGet, c.paths.Projects(), nil, &resp); err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	return resp.values(), nil
}

func (c *HTTPClient) GetProject(ctx context.Context, nameOrID string) (*models.ProjectRef, error) {
	var project models.ProjectRef
	if err := c.do(ctx, http.MethodGet, c.paths.Project(nameOrID), nil, &project); err != nil {
		return nil, fmt.Errorf("get project %q: %w", nameOrID, err)
	}
	return &project, nil
}

func (c *HTTPClient) ListDefinitions(ctx context.Context, project string) ([]models.DefinitionRef, error) {
	var resp listResponse[models.DefinitionRef]
	if err := c.do(ctx, http.MethodGet, c.paths.Definitions(project), nil, &resp); err != nil {
		return nil, fmt.Errorf("list definitions: %w", err)
	}
	return resp.values(), nil
}

func (c *HTTPClient) GetDefinition(ctx context.Context, project string, id int) (*models.DefinitionRef, error) {
	var def models.DefinitionRef
	if err := c.do(ctx, http.MethodGet, c.paths.Definition(project, id), nil, &def); err != nil {
		return nil, fmt.Errorf("get definition %d: %w", id, err)
	}
	return &def, nil
}

func (c *HTTPClient) ListQueues(ctx context.Context) ([]models.AgentQueue, error) {
	var resp listResponse[models.AgentQueue]
	if err := c.do(ctx, http.MethodGet, c.paths.Queues(), nil, &resp); err != nil {
		return nil, fmt.Errorf("list queues: %w", err)
	}
	return resp.values(), nil
}

func (c *HTTPClient) CreateQueue(ctx context.Context, queue models.AgentQueue) (*models.AgentQueue, error) {
	var created models.AgentQueue
	if err := c.doJSON(ctx, http.MethodPost, c.paths.Queues(), queue, &created); err != nil {
		return nil, fmt.Errorf("create queue %q: %w", queue.Name, err)
	}
	return &created, nil
}

func (c *HTTPClient) QueueBuild(ctx context.Context, build *models.Build) (*models.Build, error) {
	if build.Project == nil {
		return nil, errors.New("queue build: project is required")
	}
	var queued models.Build
	if err := c.doJSON(ctx, http.MethodPost, c.paths.QueueBuild(build.Project.ID.String()), build, &queued); err != nil {
		return nil, fmt.Errorf("queue build: %w", err)
	}
	return &queued, nil
}

func (c *HTTPClient) GetBuild(ctx context.Context, id int) (*models.Build, error) {
	var build models.Build
	if err := c.do(ctx, http.MethodGet, c.paths.Build(id), nil, &build); err != nil {
		return nil, fmt.Errorf("get build %d: %w", id, err)
	}
	return &build, nil
}

func (c *HTTPClient) UpdateBuild(ctx context.Context, build *models.Build) (*models.Build, error) {
	if build.Project == nil {
		return nil, errors.New("update build: project is required")
	}
	var updated models.Build
	u := c.paths.ProjectBuild(build.Project.ID.String(), build.ID)
	if err := c.doJSON(ctx, http.MethodPatch, u, build, &updated); err != nil {
		return nil, fmt.Errorf("update build %d: %w", build.ID, err)
	}
	return &updated, nil
}

func (c *HTTPClient) GetPlan(ctx context.Context, projectID, planID uuid.UUID) (*models.OrchestrationPlan, error) {
	var plan models.OrchestrationPlan
	if err := c.do(ctx, http.MethodGet, c.paths.Plan(projectID, planID), nil, &plan); err != nil {
		return nil, fmt.Errorf("get plan %s: %w", planID, err)
	}
	return &plan, nil
}

func (c *HTTPClient) GetRecords(ctx context.Context, projectID, planID, timelineID uuid.UUID) ([]models.TimelineRecord, error) {
	var resp listResponse[models.TimelineRecord]
	if err := c.do(ctx, http.MethodGet, c.paths.Records(projectID, planID, timelineID), nil, &resp); err != nil {
		return nil, fmt.Errorf("get timeline records: %w", err)
	}
	return resp.values(), nil
}

func (c *HTTPClient) UpdateRecords(ctx context.Context, projectID, planID, timelineID uuid.UUID, records []models.TimelineRecord) ([]models.TimelineRecord, error) {
	body := listResponse[models.TimelineRecord]{Count: len(records), Value: records}
	var resp listResponse[models.TimelineRecord]
	if err := c.doJSON(ctx, http.MethodPatch, c.paths.Records(projectID, planID, timelineID), body, &resp); err != nil {
		return nil, fmt.Errorf("update timeline records: %w", err)
	}
	return resp.values(), nil
}

func (c *HTTPClient) CreateLog(ctx context.Context, projectID, planID uuid.UUID, log models.TaskLog) (*models.TaskLog, error) {
	var created models.TaskLog
	if err := c.doJSON(ctx, http.MethodPost, c.paths.Logs(projectID, planID), log, &created); err != nil {
		return nil, fmt.Errorf("create log %q: %w", log.Path, err)
	}
	return &created, nil
}

func (c *HTTPClient) AppendLog(ctx context.Context, projectID, planID uuid.UUID, logID int, content io.Reader) error {
	req, err := c.newRequest(ctx, http.MethodPost, c.paths.Log(projectID, planID, logID), content)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	if err := c.send(req, nil); err != nil {
		return fmt.Errorf("append log %d: %w", logID, err)
	}
	return nil
}

func (c *HTTPClient) PostLines(ctx context.Context, projectID, planID, timelineID, recordID uuid.UUID, lines []string) error {
	body := listResponse[string]{Count: len(lines), Value: lines}
	if err := c.doJSON(ctx, http.MethodPost, c.paths.Feed(projectID, planID, timelineID, recordID), body, nil); err != nil {
		return fmt.Errorf("post console lines: %w", err)
	}
	return nil
}

// --- request plumbing ---

func (c *HTTPClient) doJSON(ctx context.Context, method, u string, in, out any) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("encoding request: %w", err)
	}
	req, err := c.newRequest(ctx, method, u, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.send(req, out)
}

func (c *HTTPClient) do(ctx context.Context, method, u string, body io.Reader, out any) error {
	req, err := c.newRequest(ctx, method, u, body)
	if err != nil {
		return err
	}
	return c.send(req, out)
}

func (c *HTTPClient) newRequest(ctx context.Context, method, u string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	c.setHeaders(req)
	return req, nil
}

func (c *HTTPClient) send(req *http.Request, out any) error {
	resp, err := c.client.Do(req)
	if err != nil {
		return classifyError(err)
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		return err
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

func (c *HTTPClient) setHeaders(req *http.Request) {
	req.Header.Set("Accept", "application/json")
	switch c.flavor {
	case FlavorHosted:
		// Hosted accounts take a personal access token as the password; the
		// user name is ignored but must not be empty.
		user := c.username
		if user == "" {
			user = "pat"
		}
		req.SetBasicAuth(user, c.password)
	default:
		if c.username != "" || c.password != "" {
			req.SetBasicAuth(c.username, c.password)
		}
		req.Header.Set("X-TFS-FedAuthRedirect", "Suppress")
	}
}

// checkStatus maps non-success responses to sentinel errors. A 203 is how the
// hosted service answers unauthenticated API calls (with a sign-in page).
func checkStatus(resp *http.Response) error {
	switch {
	case resp.StatusCode == http.StatusNonAuthoritativeInfo,
		resp.StatusCode == http.StatusUnauthorized,
		resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%w: status %d", ErrUnauthorized, resp.StatusCode)
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: status %d", ErrNotFound, resp.StatusCode)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%w: status %d: %s", ErrServiceError, resp.StatusCode, bytes.TrimSpace(body))
	}
	return nil
}

// classifyError maps transport-level errors to sentinel errors.
func classifyError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}

	return fmt.Errorf("%w: %v", ErrUnreachable, err)
}

// listResponse is the service's envelope for collections.
type listResponse[T any] struct {
	Count int `json:"count"`
	Value []T `json:"value"`
}

func (l listResponse[T]) values() []T {
	if l.Value == nil {
		return []T{}
	}
	return l.Value
}

// Compile-time check that HTTPClient implements Client.
var _ Client = (*HTTPClient)(nil)

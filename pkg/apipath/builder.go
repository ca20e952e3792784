// Package apipath builds resource URLs for the remote build service's REST API.
package apipath

import (
	"net/url"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

const (
	// DefaultAPIVersion is sent when the builder has no explicit version.
	DefaultAPIVersion = "2.0"

	// HubName is the distributed-task hub all build plans live in.
	HubName = "build"
)

// Builder constructs escaped resource URLs.
// All methods are pure functions with no side effects.
type Builder struct {
	BaseURL    string
	APIVersion string
}

// New returns a Builder rooted at a collection URL.
func New(baseURL string) Builder {
	return Builder{BaseURL: strings.TrimRight(baseURL, "/")}
}

func (b Builder) Projects() string {
	return b.build(nil, "_apis", "projects")
}

func (b Builder) Project(nameOrID string) string {
	return b.build(nil, "_apis", "projects", nameOrID)
}

func (b Builder) Definitions(project string) string {
	return b.build(nil, project, "_apis", "build", "definitions")
}

func (b Builder) Definition(project string, id int) string {
	return b.build(nil, project, "_apis", "build", "definitions", strconv.Itoa(id))
}

// Queues addresses the collection-level agent queues.
func (b Builder) Queues() string {
	return b.build(nil, "_apis", "build", "queues")
}

// QueueBuild addresses build creation; warnings from the service are ignored
// so a definition without a valid repository can still be queued.
func (b Builder) QueueBuild(project string) string {
	return b.build(url.Values{"ignoreWarnings": {"true"}}, project, "_apis", "build", "builds")
}

// Build addresses a build by id without a project scope.
func (b Builder) Build(id int) string {
	return b.build(nil, "_apis", "build", "builds", strconv.Itoa(id))
}

func (b Builder) ProjectBuild(project string, id int) string {
	return b.build(nil, project, "_apis", "build", "builds", strconv.Itoa(id))
}

func (b Builder) Plan(project, plan uuid.UUID) string {
	return b.build(nil, b.planSegments(project, plan)...)
}

func (b Builder) Records(project, plan, timeline uuid.UUID) string {
	segs := append(b.planSegments(project, plan), "timelines", timeline.String(), "records")
	return b.build(nil, segs...)
}

func (b Builder) Logs(project, plan uuid.UUID) string {
	segs := append(b.planSegments(project, plan), "logs")
	return b.build(nil, segs...)
}

func (b Builder) Log(project, plan uuid.UUID, logID int) string {
	segs := append(b.planSegments(project, plan), "logs", strconv.Itoa(logID))
	return b.build(nil, segs...)
}

func (b Builder) Feed(project, plan, timeline, record uuid.UUID) string {
	segs := append(b.planSegments(project, plan),
		"timelines", timeline.String(), "records", record.String(), "feed")
	return b.build(nil, segs...)
}

func (b Builder) planSegments(project, plan uuid.UUID) []string {
	return []string{project.String(), "_apis", "distributedtask", "hubs", HubName, "plans", plan.String()}
}

func (b Builder) build(query url.Values, segments ...string) string {
	var sb strings.Builder
	sb.WriteString(strings.TrimRight(b.BaseURL, "/"))
	for _, s := range segments {
		sb.WriteByte('/')
		sb.WriteString(url.PathEscape(s))
	}

	if query == nil {
		query = url.Values{}
	}
	version := b.APIVersion
	if version == "" {
		version = DefaultAPIVersion
	}
	query.Set("api-version", version)

	sb.WriteByte('?')
	sb.WriteString(query.Encode())
	return sb.String()
}

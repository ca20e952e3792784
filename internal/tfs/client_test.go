package tfs

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/tfsbridge/pkg/models"
)

// --- helpers ---

var (
	projectID  = uuid.MustParse("11111111-1111-1111-1111-111111111111")
	planID     = uuid.MustParse("22222222-2222-2222-2222-222222222222")
	timelineID = uuid.MustParse("33333333-3333-3333-3333-333333333333")
	recordID   = uuid.MustParse("44444444-4444-4444-4444-444444444444")
)

func tfsServer(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	return httptest.NewServer(handler)
}

func newTestClient(t *testing.T, baseURL string, flavor Flavor) *HTTPClient {
	t.Helper()
	return NewHTTPClient(ClientConfig{
		BaseURL:  baseURL,
		Username: "builder",
		Password: "s3cret",
		Timeout:  5 * time.Second,
	}, flavor)
}

func writeJSON(t *testing.T, w http.ResponseWriter, v any) {
	t.Helper()
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		t.Errorf("encoding response: %v", err)
	}
}

// --- project and definition lookups ---

func TestListProjects(t *testing.T) {
	ts := tfsServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/_apis/projects" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		if r.URL.Query().Get("api-version") != "2.0" {
			t.Errorf("unexpected api-version: %s", r.URL.Query().Get("api-version"))
		}
		writeJSON(t, w, map[string]any{
			"count": 2,
			"value": []models.ProjectRef{
				{ID: projectID, Name: "Contoso"},
				{ID: uuid.New(), Name: "Fabrikam"},
			},
		})
	})
	defer ts.Close()

	projects, err := newTestClient(t, ts.URL, FlavorOnPremises).ListProjects(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(projects) != 2 {
		t.Fatalf("expected 2 projects, got %d", len(projects))
	}
	if projects[0].ID != projectID || projects[0].Name != "Contoso" {
		t.Errorf("unexpected first project: %+v", projects[0])
	}
}

func TestListProjects_EmptyValueIsNotNil(t *testing.T) {
	ts := tfsServer(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, map[string]any{"count": 0})
	})
	defer ts.Close()

	projects, err := newTestClient(t, ts.URL, FlavorOnPremises).ListProjects(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if projects == nil || len(projects) != 0 {
		t.Errorf("expected empty non-nil slice, got %#v", projects)
	}
}

func TestGetDefinition(t *testing.T) {
	ts := tfsServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/Contoso/_apis/build/definitions/42" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		writeJSON(t, w, models.DefinitionRef{ID: 42, Name: "CI-Main"})
	})
	defer ts.Close()

	def, err := newTestClient(t, ts.URL, FlavorOnPremises).GetDefinition(context.Background(), "Contoso", 42)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if def.Name != "CI-Main" {
		t.Errorf("expected CI-Main, got %s", def.Name)
	}
}

// --- builds ---

func TestQueueBuild_SendsDoNotRunContainer(t *testing.T) {
	ts := tfsServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("unexpected method: %s", r.Method)
		}
		if r.URL.Path != "/"+projectID.String()+"/_apis/build/builds" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		if r.URL.Query().Get("ignoreWarnings") != "true" {
			t.Errorf("expected ignoreWarnings=true, got %q", r.URL.RawQuery)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("unexpected content type: %s", ct)
		}

		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("decoding body: %v", err)
		}
		if body["queueOptions"] != "doNotRun" {
			t.Errorf("unexpected queueOptions: %v", body["queueOptions"])
		}
		if demands, ok := body["demands"].([]any); !ok || len(demands) != 0 {
			t.Errorf("expected empty demands array, got %v", body["demands"])
		}

		writeJSON(t, w, models.Build{ID: 17, Status: models.BuildStatusNotStarted})
	})
	defer ts.Close()

	build, err := newTestClient(t, ts.URL, FlavorOnPremises).QueueBuild(context.Background(), &models.Build{
		Project:      &models.ProjectRef{ID: projectID},
		Demands:      []models.Demand{},
		QueueOptions: models.QueueOptionsDoNotRun,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if build.ID != 17 {
		t.Errorf("expected build 17, got %d", build.ID)
	}
}

func TestQueueBuild_RequiresProject(t *testing.T) {
	c := newTestClient(t, "http://127.0.0.1:1", FlavorOnPremises)
	if _, err := c.QueueBuild(context.Background(), &models.Build{}); err == nil {
		t.Fatal("expected error for build without project")
	}
}

func TestUpdateBuild_PatchesProjectScopedBuild(t *testing.T) {
	ts := tfsServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPatch {
			t.Errorf("unexpected method: %s", r.Method)
		}
		if r.URL.Path != "/"+projectID.String()+"/_apis/build/builds/17" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		var b models.Build
		json.NewDecoder(r.Body).Decode(&b)
		writeJSON(t, w, b)
	})
	defer ts.Close()

	updated, err := newTestClient(t, ts.URL, FlavorOnPremises).UpdateBuild(context.Background(), &models.Build{
		ID:      17,
		Project: &models.ProjectRef{ID: projectID},
		Status:  models.BuildStatusCompleted,
		Result:  models.BuildResultSucceeded,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if updated.Status != models.BuildStatusCompleted || updated.Result != models.BuildResultSucceeded {
		t.Errorf("unexpected build: %+v", updated)
	}
}

// --- timeline ---

func TestUpdateRecords_WrapsInCollectionEnvelope(t *testing.T) {
	ts := tfsServer(t, func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Count int                     `json:"count"`
			Value []models.TimelineRecord `json:"value"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("decoding body: %v", err)
		}
		if body.Count != 1 || len(body.Value) != 1 {
			t.Fatalf("expected one record, got count=%d len=%d", body.Count, len(body.Value))
		}
		if body.Value[0].Type != models.RecordTypeJob {
			t.Errorf("unexpected type: %s", body.Value[0].Type)
		}
		writeJSON(t, w, body)
	})
	defer ts.Close()

	rec := models.TimelineRecord{ID: recordID, Type: models.RecordTypeJob, State: models.RecordStatePending}
	got, err := newTestClient(t, ts.URL, FlavorOnPremises).UpdateRecords(
		context.Background(), projectID, planID, timelineID, []models.TimelineRecord{rec})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 1 || got[0].ID != recordID {
		t.Errorf("unexpected records: %+v", got)
	}
}

func TestAppendLog_StreamsOctets(t *testing.T) {
	ts := tfsServer(t, func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/logs/9") {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/octet-stream" {
			t.Errorf("unexpected content type: %s", ct)
		}
		body, _ := io.ReadAll(r.Body)
		if string(body) != "line one\nline two" {
			t.Errorf("unexpected body: %q", body)
		}
		w.WriteHeader(http.StatusOK)
	})
	defer ts.Close()

	err := newTestClient(t, ts.URL, FlavorOnPremises).AppendLog(
		context.Background(), projectID, planID, 9, strings.NewReader("line one\nline two"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestPostLines(t *testing.T) {
	ts := tfsServer(t, func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/records/"+recordID.String()+"/feed") {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		var body struct {
			Count int      `json:"count"`
			Value []string `json:"value"`
		}
		json.NewDecoder(r.Body).Decode(&body)
		if body.Count != 2 || body.Value[1] != "done" {
			t.Errorf("unexpected body: %+v", body)
		}
		w.WriteHeader(http.StatusNoContent)
	})
	defer ts.Close()

	err := newTestClient(t, ts.URL, FlavorOnPremises).PostLines(
		context.Background(), projectID, planID, timelineID, recordID, []string{"compiling", "done"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

// --- auth headers ---

func TestSetHeaders_OnPremises(t *testing.T) {
	ts := tfsServer(t, func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != "builder" || pass != "s3cret" {
			t.Errorf("unexpected basic auth: %q %q %v", user, pass, ok)
		}
		if r.Header.Get("X-TFS-FedAuthRedirect") != "Suppress" {
			t.Error("expected FedAuth redirect suppression header")
		}
		writeJSON(t, w, map[string]any{"count": 0, "value": []any{}})
	})
	defer ts.Close()

	if _, err := newTestClient(t, ts.URL, FlavorOnPremises).ListProjects(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestSetHeaders_HostedWithoutUsername(t *testing.T) {
	ts := tfsServer(t, func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user == "" || pass != "token" {
			t.Errorf("unexpected basic auth: %q %q %v", user, pass, ok)
		}
		if r.Header.Get("X-TFS-FedAuthRedirect") != "" {
			t.Error("hosted flavor must not send FedAuth header")
		}
		writeJSON(t, w, map[string]any{"count": 0, "value": []any{}})
	})
	defer ts.Close()

	c := NewHTTPClient(ClientConfig{BaseURL: ts.URL, Password: "token"}, FlavorHosted)
	if _, err := c.ListProjects(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

// --- error mapping ---

func TestStatusMapping(t *testing.T) {
	tests := []struct {
		name   string
		status int
		want   error
	}{
		{"non-authoritative sign-in page", http.StatusNonAuthoritativeInfo, ErrUnauthorized},
		{"unauthorized", http.StatusUnauthorized, ErrUnauthorized},
		{"forbidden", http.StatusForbidden, ErrUnauthorized},
		{"not found", http.StatusNotFound, ErrNotFound},
		{"server error", http.StatusInternalServerError, ErrServiceError},
		{"conflict", http.StatusConflict, ErrServiceError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := tfsServer(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(`{"message":"nope"}`))
			})
			defer ts.Close()

			_, err := newTestClient(t, ts.URL, FlavorOnPremises).GetBuild(context.Background(), 1)
			if !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
			if !IsServiceError(err) {
				t.Errorf("expected IsServiceError to be true for %v", err)
			}
		})
	}
}

func TestUnreachable(t *testing.T) {
	ts := tfsServer(t, func(w http.ResponseWriter, r *http.Request) {})
	url := ts.URL
	ts.Close()

	_, err := newTestClient(t, url, FlavorOnPremises).ListProjects(context.Background())
	if !errors.Is(err, ErrUnreachable) {
		t.Fatalf("expected ErrUnreachable, got %v", err)
	}
}

func TestTimeout(t *testing.T) {
	ts := tfsServer(t, func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	})
	defer ts.Close()

	c := NewHTTPClient(ClientConfig{BaseURL: ts.URL, Timeout: 20 * time.Millisecond}, FlavorOnPremises)
	_, err := c.ListProjects(context.Background())
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
}

func TestInvalidJSON(t *testing.T) {
	ts := tfsServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("<html>sign in</html>"))
	})
	defer ts.Close()

	_, err := newTestClient(t, ts.URL, FlavorOnPremises).GetBuild(context.Background(), 1)
	if err == nil {
		t.Fatal("expected decode error")
	}
	if IsServiceError(err) {
		t.Errorf("decode failure should not be classified as a service error: %v", err)
	}
}

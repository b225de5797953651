package session

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/HerbHall/fleethub/internal/config"
	"github.com/HerbHall/fleethub/internal/fleet"
	"github.com/HerbHall/fleethub/internal/testutil"
	"github.com/HerbHall/fleethub/pkg/models"
)

// newTestServer mounts the session module routes on a mux.
func newTestServer(t *testing.T) (*httptest.Server, *testutil.Outbound) {
	t.Helper()

	reg := fleet.NewRegistry(zap.NewNop())
	out := testutil.NewOutbound()
	reg.Upsert("d1", models.DeviceMetadata{}, out, "")

	m := New(reg, testutil.NewMockBus())
	if err := m.Init(config.New(nil), zap.NewNop()); err != nil {
		t.Fatalf("Init: %v", err)
	}

	mux := http.NewServeMux()
	for _, r := range m.Routes() {
		mux.HandleFunc(r.Method+" "+r.Path, r.Handler)
	}
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, out
}

func post(t *testing.T, url, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeSession(t *testing.T, resp *http.Response) models.Session {
	t.Helper()
	var s models.Session
	if err := json.NewDecoder(resp.Body).Decode(&s); err != nil {
		t.Fatalf("decode session: %v", err)
	}
	return s
}

func TestHandleCreate(t *testing.T) {
	srv, out := newTestServer(t)

	resp := post(t, srv.URL+"/sessions", `{"name":"run","nodes":["d1"],"sensors":["camera"],"duration":30}`)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, want 201", resp.StatusCode)
	}
	s := decodeSession(t, resp)
	if s.ID == "" || s.Token == "" {
		t.Errorf("session = %+v, want id and token", s)
	}
	if got := out.Types(); len(got) != 1 || got[0] != "session_start" {
		t.Errorf("device messages = %v, want [session_start]", got)
	}
}

func TestHandleCreate_BadRequest(t *testing.T) {
	srv, _ := newTestServer(t)

	tests := []struct {
		name string
		body string
	}{
		{"malformed json", `{`},
		{"missing name", `{"nodes":["d1"]}`},
		{"no nodes", `{"name":"x","nodes":[]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := post(t, srv.URL+"/sessions", tt.body)
			if resp.StatusCode != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", resp.StatusCode)
			}
			if ct := resp.Header.Get("Content-Type"); ct != "application/problem+json" {
				t.Errorf("Content-Type = %q, want application/problem+json", ct)
			}
		})
	}
}

func TestHandleLifecycle(t *testing.T) {
	srv, _ := newTestServer(t)

	created := decodeSession(t, post(t, srv.URL+"/sessions", `{"name":"run","nodes":["d1"]}`))

	resp, err := http.Get(srv.URL + "/sessions/" + created.ID)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get status = %d, want 200", resp.StatusCode)
	}

	if resp := post(t, srv.URL+"/sessions/"+created.ID+"/start", ""); resp.StatusCode != http.StatusOK {
		t.Errorf("start status = %d, want 200", resp.StatusCode)
	}

	stop := post(t, srv.URL+"/sessions/"+created.ID+"/stop", "")
	if stop.StatusCode != http.StatusOK {
		t.Fatalf("stop status = %d, want 200", stop.StatusCode)
	}
	if s := decodeSession(t, stop); s.Status != models.SessionStatusStopped || s.EndTime == nil {
		t.Errorf("stopped session = %+v", s)
	}

	if resp := post(t, srv.URL+"/sessions/"+created.ID+"/stop", ""); resp.StatusCode != http.StatusOK {
		t.Errorf("second stop status = %d, want 200", resp.StatusCode)
	}
	if resp := post(t, srv.URL+"/sessions/"+created.ID+"/start", ""); resp.StatusCode != http.StatusConflict {
		t.Errorf("start after stop status = %d, want 409", resp.StatusCode)
	}

	list, err := http.Get(srv.URL + "/sessions")
	if err != nil {
		t.Fatalf("GET list: %v", err)
	}
	defer list.Body.Close()
	var sessions []models.Session
	if err := json.NewDecoder(list.Body).Decode(&sessions); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(sessions) != 1 {
		t.Errorf("len(sessions) = %d, want 1", len(sessions))
	}
}

func TestHandleNotFound(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/sessions/nope")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("get status = %d, want 404", resp.StatusCode)
	}

	var p models.APIProblem
	if err := json.NewDecoder(resp.Body).Decode(&p); err != nil {
		t.Fatalf("decode problem: %v", err)
	}
	if p.Type != models.ProblemBaseURL+"not-found" || p.Instance != "/sessions/nope" {
		t.Errorf("problem = %+v", p)
	}

	for _, action := range []string{"start", "stop"} {
		if resp := post(t, srv.URL+"/sessions/nope/"+action, ""); resp.StatusCode != http.StatusNotFound {
			t.Errorf("%s status = %d, want 404", action, resp.StatusCode)
		}
	}
}

func TestModuleCounts(t *testing.T) {
	m := New(fleet.NewRegistry(zap.NewNop()), testutil.NewMockBus())
	if got := m.Counts(); got != nil {
		t.Errorf("Counts before Init = %v, want nil", got)
	}
	if err := m.Init(config.New(nil), zap.NewNop()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if got := m.Counts(); got["sessions"] != 0 || got["active_sessions"] != 0 {
		t.Errorf("Counts = %v", got)
	}
}

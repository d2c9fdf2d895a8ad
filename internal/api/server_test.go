package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/seantiz/forge/internal/auth"
	"github.com/seantiz/forge/internal/contract"
	"github.com/seantiz/forge/internal/engine"
	"github.com/seantiz/forge/internal/events"
	"github.com/seantiz/forge/internal/gate"
	"github.com/seantiz/forge/internal/handler"
	"github.com/seantiz/forge/internal/model"
	"github.com/seantiz/forge/internal/oracle"
	"github.com/seantiz/forge/internal/planner"
	"github.com/seantiz/forge/internal/queue"
	"github.com/seantiz/forge/internal/store"
)

// stubHandler answers every http_call step with a successful response.
type stubHandler struct{}

func (stubHandler) Handle(context.Context, handler.Request) (json.RawMessage, error) {
	return json.RawMessage(`{"success":true,"status":200}`), nil
}

func (stubHandler) Capabilities() handler.Capabilities {
	return handler.Capabilities{Name: "stub", StepType: model.StepHTTPCall, Idempotent: "key"}
}

type testEnv struct {
	srv    *Server
	store  *store.SQLStore
	bus    *events.Bus
	fanout *events.Fanout
	queue  *queue.Memory
	ts     *httptest.Server
}

// newTestEnv wires a server whose engine queues executions instead of running
// them, so tests drive steps through POST /run.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	s, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	bus := events.NewBus(logger)
	fanout := events.NewFanout()
	fanout.Attach(bus)
	q := queue.NewMemory()

	handlers := handler.Set{HTTP: stubHandler{}}
	g := gate.New(s, bus, oracle.Unavailable{}, gate.Config{MinOutputBytes: 1}, logger)
	p := planner.New(oracle.Unavailable{}, logger)
	sched := engine.NewScheduler(s, p, handlers, g, bus, engine.Config{}, logger)
	eng := engine.NewEngine(sched, s, engine.QueueDispatcher{Queue: q}, logger)
	t.Cleanup(eng.Shutdown)

	contracts := contract.NewService(s, bus, eng, logger)
	if err := contracts.SeedAgents(context.Background(), contract.DefaultAgents()); err != nil {
		t.Fatalf("SeedAgents: %v", err)
	}

	srv := NewServer(":0", Deps{
		Store:     s,
		Engine:    eng,
		Contracts: contracts,
		Handlers:  handlers,
		Fanout:    fanout,
	}, logger)

	env := &testEnv{srv: srv, store: s, bus: bus, fanout: fanout, queue: q}
	env.ts = httptest.NewServer(srv.Router())
	t.Cleanup(env.ts.Close)
	return env
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	return newTestEnv(t).srv
}

// do sends a request with an optional JSON body and admin identity.
func (e *testEnv) do(t *testing.T, method, path string, body any, admin bool) *http.Response {
	t.Helper()
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		r = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, e.ts.URL+path, r)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if admin {
		req.Header.Set(auth.HeaderSubject, "ops@example.com")
		req.Header.Set(auth.HeaderRoles, auth.RoleAdmin)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return v
}

func TestRequestIDHeader(t *testing.T) {
	srv := newTestServer(t)
	srv.Router().Get("/test", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/test")
	if err != nil {
		t.Fatalf("GET /test: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
}

func TestPanicRecovery(t *testing.T) {
	srv := newTestServer(t)
	srv.Router().Get("/panic", func(w http.ResponseWriter, r *http.Request) {
		panic("test panic")
	})

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/panic")
	if err != nil {
		t.Fatalf("GET /panic: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", resp.StatusCode)
	}
}

func TestCORSHeaders(t *testing.T) {
	srv := newTestServer(t)
	srv.Router().Get("/test", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	req, _ := http.NewRequest("OPTIONS", ts.URL+"/test", nil)
	req.Header.Set("Origin", "http://example.com")
	req.Header.Set("Access-Control-Request-Method", "POST")
	req.Header.Set("Access-Control-Request-Headers", auth.HeaderRoles)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("OPTIONS /test: %v", err)
	}
	defer resp.Body.Close()

	if v := resp.Header.Get("Access-Control-Allow-Origin"); v != "*" {
		t.Errorf("Access-Control-Allow-Origin = %q, want %q", v, "*")
	}
	if v := resp.Header.Get("Access-Control-Allow-Headers"); v == "" {
		t.Error("Access-Control-Allow-Headers missing for identity header")
	}
}

func TestAdminRoutesRequireRole(t *testing.T) {
	env := newTestEnv(t)

	cases := []struct {
		name    string
		headers map[string]string
		want    int
	}{
		{"anonymous", nil, http.StatusUnauthorized},
		{"no admin role", map[string]string{auth.HeaderSubject: "dev", auth.HeaderRoles: "reader"}, http.StatusForbidden},
		{"admin", map[string]string{auth.HeaderSubject: "ops", auth.HeaderRoles: "Reader, ADMIN"}, http.StatusNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req, _ := http.NewRequest(http.MethodPost, env.ts.URL+"/v1/executions/missing/abort", nil)
			for k, v := range tc.headers {
				req.Header.Set(k, v)
			}
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				t.Fatalf("POST abort: %v", err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != tc.want {
				t.Errorf("status = %d, want %d", resp.StatusCode, tc.want)
			}
		})
	}
}

func TestListHandlers(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, http.MethodGet, "/v1/handlers", nil, false)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	list := decode[[]handler.Capabilities](t, resp)
	if len(list) != 1 || list[0].StepType != model.StepHTTPCall {
		t.Errorf("handlers = %+v, want one http_call handler", list)
	}
}

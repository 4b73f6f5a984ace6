package health

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/szibis/logship/internal/circuit"
)

func serve(t *testing.T, h http.HandlerFunc, path string) (int, Response) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("expected application/json, got %s", ct)
	}
	var resp Response
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	return rec.Code, resp
}

type fakeStream struct {
	breaker  *circuit.Tracker
	stopping atomic.Bool
}

func (f *fakeStream) ShuttingDown() bool         { return f.stopping.Load() }
func (f *fakeStream) Circuit() *circuit.Tracker { return f.breaker }

func TestLiveHandler(t *testing.T) {
	c := New()
	if code, resp := serve(t, c.LiveHandler(), "/live"); code != http.StatusOK || resp.Status != StatusUp {
		t.Fatalf("got %d %s", code, resp.Status)
	}
	c.SetShuttingDown()
	if code, resp := serve(t, c.LiveHandler(), "/live"); code != http.StatusServiceUnavailable || resp.Status != StatusDown {
		t.Fatalf("got %d %s", code, resp.Status)
	}
}

func TestReadyHandler_Checks(t *testing.T) {
	c := New()
	if code, _ := serve(t, c.ReadyHandler(), "/ready"); code != http.StatusOK {
		t.Fatalf("expected 200 with no checks, got %d", code)
	}

	c.RegisterReadiness("checkpoint", func() error { return nil })
	c.RegisterReadiness("input", func() error { return errors.New("input closed") })

	code, resp := serve(t, c.ReadyHandler(), "/ready")
	if code != http.StatusServiceUnavailable || resp.Status != StatusDown {
		t.Fatalf("got %d %s", code, resp.Status)
	}
	if resp.Components["input"].Message != "input closed" || resp.Components["checkpoint"].Status != StatusUp {
		t.Fatalf("unexpected components: %+v", resp.Components)
	}

	c.SetShuttingDown()
	_, resp = serve(t, c.ReadyHandler(), "/ready")
	if resp.Components["process"].Message != "shutting down" {
		t.Fatalf("unexpected components: %+v", resp.Components)
	}
}

func TestRegisterStream_OpenWindow(t *testing.T) {
	br := circuit.New("main", circuit.Config{FailureThreshold: 1, Cooldown: time.Hour}, nil)
	s := &fakeStream{breaker: br}

	c := New()
	now := time.Now()
	c.now = func() time.Time { return now }
	c.RegisterStream("main", s, time.Minute)

	if status, _ := c.Ready(); status != StatusUp {
		t.Fatal("closed circuit must be ready")
	}

	br.RecordFailure()
	if br.State() != circuit.Open {
		t.Fatalf("breaker state = %s", br.State())
	}
	if status, _ := c.Ready(); status != StatusUp {
		t.Fatal("a circuit open within the window must still be ready")
	}

	now = now.Add(2 * time.Minute)
	status, comps := c.Ready()
	if status != StatusDown {
		t.Fatal("a circuit open beyond the window must not be ready")
	}
	if msg := comps["stream:main"].Message; !strings.Contains(msg, "circuit open") {
		t.Errorf("message = %q", msg)
	}

	br.RecordSuccess()
	if status, _ := c.Ready(); status != StatusUp {
		t.Fatal("closed circuit must be ready again")
	}

	s.stopping.Store(true)
	if status, _ := c.Ready(); status != StatusDown {
		t.Fatal("a stream shutting down must not be ready")
	}
}

package e2e

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"google.golang.org/protobuf/proto"

	collogs "go.opentelemetry.io/proto/otlp/collector/logs/v1"

	"github.com/szibis/logship/internal/checkpoint"
	"github.com/szibis/logship/internal/compression"
	"github.com/szibis/logship/internal/config"
	"github.com/szibis/logship/internal/encoding"
	"github.com/szibis/logship/internal/record"
	"github.com/szibis/logship/internal/stream"
)

// mockBackend is an ingestion endpoint that decodes OTLP log requests.
type mockBackend struct {
	mu       sync.Mutex
	failNext int
	requests []received
	records  int
}

type received struct {
	sequence uint64
	key      string
	digest   string
	records  int
	status   int
}

func (m *mockBackend) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if ce := r.Header.Get("Content-Encoding"); ce != "" {
		body, err = compression.Decompress(body, compression.Type(ce))
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
	}
	var req collogs.ExportLogsServiceRequest
	if err := proto.Unmarshal(body, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	n := 0
	for _, rl := range req.ResourceLogs {
		for _, sl := range rl.ScopeLogs {
			n += len(sl.LogRecords)
		}
	}
	seq, _ := strconv.ParseUint(r.Header.Get(encoding.HeaderBatchSequence), 10, 64)

	m.mu.Lock()
	defer m.mu.Unlock()
	status := http.StatusOK
	if m.failNext > 0 {
		m.failNext--
		status = http.StatusServiceUnavailable
	} else {
		m.records += n
	}
	m.requests = append(m.requests, received{
		sequence: seq,
		key:      r.Header.Get(encoding.HeaderIdempotencyKey),
		digest:   r.Header.Get(encoding.HeaderContentDigest),
		records:  n,
		status:   status,
	})
	w.WriteHeader(status)
}

func (m *mockBackend) snapshot() ([]received, int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]received(nil), m.requests...), m.records
}

func streamConfig(t *testing.T, endpoint string, startAfter uint64) stream.Config {
	t.Helper()
	sc := config.DefaultStreamConfig()
	sc.Name = "e2e"
	sc.Endpoint = endpoint
	sc.Format = "otlp"
	sc.Compression = "zstd"
	sc.BatchMaxRecords = 100
	sc.BatchMaxHold = 20 * time.Millisecond
	sc.RetryBaseDelay = time.Millisecond
	sc.RetryMaxDelay = 5 * time.Millisecond
	sc.CircuitFailureThreshold = 5
	sc.ShutdownGrace = 5 * time.Second
	cfg, err := sc.StreamConfig(startAfter, 0)
	if err != nil {
		t.Fatalf("StreamConfig: %v", err)
	}
	return cfg
}

// runStream ships n records through a real stream and shuts it down.
func runStream(t *testing.T, cfg stream.Config, sink checkpoint.Sink, n int) stream.Stats {
	t.Helper()
	s, err := stream.New(cfg, stream.Deps{Sink: sink})
	if err != nil {
		t.Fatalf("stream.New: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	runErr := make(chan error, 1)
	go func() { runErr <- s.Run(ctx) }()

	now := time.Now()
	for i := 0; i < n; i++ {
		origin := fmt.Sprintf("/var/log/app-%d.log", i%2)
		r := record.New(origin, []byte(fmt.Sprintf("line %d", i)), now, map[string]string{"level": "info"})
		if err := s.Enqueue(ctx, r); err != nil {
			t.Fatalf("Enqueue(%d): %v", i, err)
		}
	}

	st, err := s.Shutdown(ctx)
	if err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if err := <-runErr; err != nil {
		t.Fatalf("Run: %v", err)
	}
	return st
}

// TestE2E_FullPipeline_OTLP tests the complete flow: enqueue -> batch ->
// encode (OTLP + zstd) -> HTTP delivery with one retry -> checkpoint file.
func TestE2E_FullPipeline_OTLP(t *testing.T) {
	backend := &mockBackend{failNext: 1}
	srv := httptest.NewServer(backend)
	defer srv.Close()

	path := filepath.Join(t.TempDir(), "e2e.checkpoint")
	sink, err := checkpoint.NewFileSink(path)
	if err != nil {
		t.Fatalf("NewFileSink: %v", err)
	}

	st := runStream(t, streamConfig(t, srv.URL, sink.Last()), sink, 250)

	requests, records := backend.snapshot()
	if records != 250 {
		t.Errorf("backend received %d records, want 250", records)
	}
	if st.LostRecords != 0 || st.Enqueued != 250 {
		t.Errorf("unexpected stats: %+v", st)
	}
	if len(requests) < 2 || requests[0].status != http.StatusServiceUnavailable {
		t.Fatalf("expected the first attempt to fail, got %+v", requests)
	}
	retry := requests[1]
	if retry.sequence != requests[0].sequence || retry.key != requests[0].key || retry.digest != requests[0].digest {
		t.Errorf("retry differs from the first attempt: %+v vs %+v", retry, requests[0])
	}

	last, err := checkpoint.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if last != st.LastAcknowledged || last == 0 {
		t.Errorf("checkpoint = %d, want %d", last, st.LastAcknowledged)
	}
}

// TestE2E_ResumeFromCheckpoint verifies that a restarted stream continues the
// sequence after the persisted checkpoint, so idempotency keys never repeat.
func TestE2E_ResumeFromCheckpoint(t *testing.T) {
	backend := &mockBackend{}
	srv := httptest.NewServer(backend)
	defer srv.Close()

	path := filepath.Join(t.TempDir(), "e2e.checkpoint")
	first, err := checkpoint.NewFileSink(path)
	if err != nil {
		t.Fatalf("NewFileSink: %v", err)
	}
	runStream(t, streamConfig(t, srv.URL, first.Last()), first, 150)
	firstRun, _ := backend.snapshot()

	second, err := checkpoint.NewFileSink(path)
	if err != nil {
		t.Fatalf("NewFileSink: %v", err)
	}
	if second.Last() != first.Last() {
		t.Fatalf("reloaded checkpoint %d, want %d", second.Last(), first.Last())
	}
	runStream(t, streamConfig(t, srv.URL, second.Last()), second, 150)

	requests, records := backend.snapshot()
	if records != 300 {
		t.Errorf("backend received %d records, want 300", records)
	}
	keys := make(map[string]bool, len(requests))
	var prev uint64
	for i, r := range requests {
		if keys[r.key] {
			t.Errorf("idempotency key %s reused by request %d", r.key, i)
		}
		keys[r.key] = true
		if r.sequence <= prev {
			t.Errorf("request %d has sequence %d after %d", i, r.sequence, prev)
		}
		prev = r.sequence
	}
	if n := len(firstRun); n == 0 || requests[n].sequence != first.Last()+1 {
		t.Errorf("second run started at an unexpected sequence: %+v", requests[len(firstRun):])
	}
}

package stream

import (
	"context"
	"testing"
	"time"

	"github.com/szibis/logship/internal/encoding"
	"github.com/szibis/logship/internal/exporter"
	"github.com/szibis/logship/internal/record"
)

func TestShipper_DuplicateName(t *testing.T) {
	a, _ := New(baseConfig(), Deps{Deliverer: &fakeDeliverer{}})
	b, _ := New(baseConfig(), Deps{Deliverer: &fakeDeliverer{}})
	if _, err := NewShipper(a, b); err == nil {
		t.Fatal("expected duplicate name error")
	}
}

func TestShipper_IndependentStreams(t *testing.T) {
	var (
		cfgA = baseConfig()
		cfgB = baseConfig()
		da   = &fakeDeliverer{}
		db   = &fakeDeliverer{script: func(int, *encoding.Payload) exporter.Result { return ok400 }}
		ca   = &collector{}
		cb   = &collector{}
	)
	cfgA.Name, cfgB.Name = "b-first", "a-second"

	sa, err := New(cfgA, Deps{Deliverer: da, Sink: ca, LossHandler: ca})
	if err != nil {
		t.Fatal(err)
	}
	sb, err := New(cfgB, Deps{Deliverer: db, Sink: cb, LossHandler: cb})
	if err != nil {
		t.Fatal(err)
	}
	sh, err := NewShipper(sa, sb)
	if err != nil {
		t.Fatal(err)
	}
	if s, ok := sh.Stream("a-second"); !ok || s != sb {
		t.Fatal("Stream lookup failed")
	}

	errCh := make(chan error, 1)
	go func() { errCh <- sh.Run(context.Background()) }()

	for i := 0; i < 10; i++ {
		r := record.New("app", []byte("line"), time.UnixMilli(int64(i)), nil)
		if err := sa.Enqueue(context.Background(), r); err != nil {
			t.Fatal(err)
		}
		if err := sb.Enqueue(context.Background(), r); err != nil {
			t.Fatal(err)
		}
	}
	waitFor(t, "both streams resolved", func() bool {
		return len(ca.Acks()) == 1 && len(cb.Losses()) == 1
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	stats, err := sh.Shutdown(ctx)
	if err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}
	if err := <-errCh; err != nil {
		t.Fatalf("Run returned %v", err)
	}
	if len(stats) != 2 || stats[0].Name != "a-second" || stats[1].Name != "b-first" {
		t.Fatalf("stats not sorted by name: %+v", stats)
	}
	if stats[0].LostRecords != 10 || stats[1].Acknowledged != 1 {
		t.Errorf("a failing stream must not affect the other: %+v", stats)
	}
}

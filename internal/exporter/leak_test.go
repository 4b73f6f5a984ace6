package exporter

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.uber.org/goleak"
)

func TestLeakCheck_Deliver(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	e, err := New(Config{Endpoint: srv.URL}, nil)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 5; i++ {
		if res := e.Deliver(context.Background(), testPayload()); res.Outcome != Success {
			t.Fatalf("Deliver = %+v", res)
		}
	}
	_ = e.Close()
	srv.CloseClientConnections()
}

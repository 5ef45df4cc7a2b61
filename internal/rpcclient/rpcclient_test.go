package rpcclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestCallRoundTripsJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var args HealthArgs
		json.NewDecoder(r.Body).Decode(&args)
		json.NewEncoder(w).Encode(HealthReply{Status: "ok-" + args.From})
	}))
	defer srv.Close()

	c := New()
	var reply HealthReply
	if err := c.Call(context.Background(), srv.URL, "/health", HealthArgs{From: "n1"}, &reply); err != nil {
		t.Fatalf("call: %v", err)
	}
	if reply.Status != "ok-n1" {
		t.Fatalf("expected ok-n1, got %s", reply.Status)
	}
}

func TestCallWrapsTransportErrors(t *testing.T) {
	c := New()
	var reply HealthReply
	err := c.Call(context.Background(), "http://127.0.0.1:0", "/health", HealthArgs{}, &reply)
	if err == nil {
		t.Fatalf("expected an error calling an unreachable address")
	}
}

func TestCallTreats5xxAsTransportError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := New()
	var reply HealthReply
	if err := c.Call(context.Background(), srv.URL, "/health", HealthArgs{}, &reply); err == nil {
		t.Fatalf("expected a 5xx reply to surface as a transport error")
	}
}

//go:build load

// Package load holds soak-style throttle tests that are kept out of the
// default build. Run with: go test -tags load -timeout 60s ./tests/load/
package load

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/magnetar-ai/magnetar/internal/middleware"
)

func decisionStub() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"kind":"decision_recorded"}`))
	})
}

func post(h http.Handler, addr string) int {
	req := httptest.NewRequest(http.MethodPost, "/api/v1/sessions/s1/decisions", http.NoBody)
	req.RemoteAddr = addr
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec.Code
}

// TestDecisionFloodIsShed hammers the decision endpoint from a single
// client far past its budget. Nearly everything after the burst must be
// shed; only the refill trickle is allowed through.
func TestDecisionFloodIsShed(t *testing.T) {
	rl := middleware.NewRateLimiter(5, 20)
	h := rl.Handler(decisionStub())

	const workers = 8
	const perWorker = 250

	var ok, shed atomic.Int64
	var wg sync.WaitGroup
	wg.Add(workers)
	for range workers {
		go func() {
			defer wg.Done()
			for range perWorker {
				switch post(h, "203.0.113.50:9000") {
				case http.StatusOK:
					ok.Add(1)
				case http.StatusTooManyRequests:
					shed.Add(1)
				}
			}
		}()
	}
	wg.Wait()

	total := ok.Load() + shed.Load()
	t.Logf("total=%d ok=%d shed=%d", total, ok.Load(), shed.Load())
	if ok.Load() < 20 {
		t.Errorf("burst not honored: only %d requests admitted", ok.Load())
	}
	// 2000 near-instant requests against burst 20 at 5/s refill.
	if shed.Load() < total*9/10 {
		t.Errorf("shed %d of %d requests, want at least 90%%", shed.Load(), total)
	}
}

// TestClientsThrottledIndependently runs many clients concurrently, each
// staying inside its own budget. One noisy neighbor must not consume
// another client's tokens.
func TestClientsThrottledIndependently(t *testing.T) {
	rl := middleware.NewRateLimiter(1, 10)
	h := rl.Handler(decisionStub())

	const clients = 50
	var rejected atomic.Int64
	var wg sync.WaitGroup
	wg.Add(clients)
	for i := range clients {
		addr := fmt.Sprintf("10.1.%d.%d:7000", i/256, i%256)
		go func() {
			defer wg.Done()
			for range 10 {
				if post(h, addr) == http.StatusTooManyRequests {
					rejected.Add(1)
				}
			}
		}()
	}
	wg.Wait()

	if rejected.Load() != 0 {
		t.Errorf("%d in-budget requests rejected", rejected.Load())
	}
	if rl.Len() != clients {
		t.Errorf("tracked clients = %d, want %d", rl.Len(), clients)
	}
}

// TestSweeperEvictsIdleClientsUnderChurn fills the tracking table with
// one-shot clients and verifies the background sweeper drains it.
func TestSweeperEvictsIdleClientsUnderChurn(t *testing.T) {
	rl := middleware.NewRateLimiter(10, 10)
	h := rl.Handler(decisionStub())

	for i := range 1000 {
		post(h, fmt.Sprintf("10.2.%d.%d:7000", i/256, i%256))
	}
	if rl.Len() != 1000 {
		t.Fatalf("tracked clients = %d, want 1000", rl.Len())
	}

	stop := rl.StartCleanup(5*time.Millisecond, time.Millisecond)
	defer stop()

	deadline := time.Now().Add(5 * time.Second)
	for rl.Len() > 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if rl.Len() != 0 {
		t.Errorf("sweeper left %d clients tracked", rl.Len())
	}
}

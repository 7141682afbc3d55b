package middleware

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func newTestLimiter(perSecond, perDay int) (*RateLimiter, *time.Time) {
	l := NewRateLimiter(perSecond, perDay)
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }
	return l, &now
}

func doRequest(l *RateLimiter, remote string) *httptest.ResponseRecorder {
	handler := l.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	req := httptest.NewRequest(http.MethodGet, "/v1/apps/search", nil)
	req.RemoteAddr = remote
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestRateLimiterPerSecondWindow(t *testing.T) {
	l, now := newTestLimiter(3, 1000)

	for i := 0; i < 3; i++ {
		if rec := doRequest(l, "10.0.0.1:1234"); rec.Code != http.StatusOK {
			t.Fatalf("request %d: status = %d", i+1, rec.Code)
		}
	}

	rec := doRequest(l, "10.0.0.1:1234")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("over-limit status = %d, want 429", rec.Code)
	}
	if got := rec.Header().Get("X-RateLimit-Remaining-ip-per-second"); got != "0" {
		t.Fatalf("remaining-per-second = %q, want 0", got)
	}
	if got := rec.Header().Get("X-RateLimit-Limit-ip-per-second"); got != "3" {
		t.Fatalf("limit-per-second = %q, want 3", got)
	}

	// a new second reopens the window
	*now = now.Add(time.Second)
	if rec := doRequest(l, "10.0.0.1:1234"); rec.Code != http.StatusOK {
		t.Fatalf("after window roll: status = %d", rec.Code)
	}
}

func TestRateLimiterPerDayWindow(t *testing.T) {
	l, now := newTestLimiter(1000, 2)

	doRequest(l, "10.0.0.1:1234")
	doRequest(l, "10.0.0.1:1234")
	if rec := doRequest(l, "10.0.0.1:1234"); rec.Code != http.StatusTooManyRequests {
		t.Fatalf("over daily limit status = %d, want 429", rec.Code)
	}

	// another client has its own budget
	if rec := doRequest(l, "10.0.0.2:1234"); rec.Code != http.StatusOK {
		t.Fatalf("other client status = %d", rec.Code)
	}

	*now = now.Add(24 * time.Hour)
	if rec := doRequest(l, "10.0.0.1:1234"); rec.Code != http.StatusOK {
		t.Fatalf("after day roll: status = %d", rec.Code)
	}
}

func TestRateLimiterEvictsLapsedClients(t *testing.T) {
	l, now := newTestLimiter(1000, 1000)

	for i := 0; i < 50; i++ {
		doRequest(l, fmt.Sprintf("10.0.%d.1:1234", i))
	}
	l.mu.Lock()
	size := len(l.clients)
	l.mu.Unlock()
	if size != 50 {
		t.Fatalf("tracked clients = %d, want 50", size)
	}

	// once the day window lapses the next request sweeps the strangers out
	*now = now.Add(24*time.Hour + time.Minute)
	if rec := doRequest(l, "192.168.0.9:1234"); rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	l.mu.Lock()
	size = len(l.clients)
	l.mu.Unlock()
	if size != 1 {
		t.Fatalf("tracked clients after sweep = %d, want 1", size)
	}

	// a client that keeps calling is never swept
	doRequest(l, "192.168.0.9:1234")
	*now = now.Add(2 * time.Hour)
	doRequest(l, "192.168.0.9:1234")
	l.mu.Lock()
	_, kept := l.clients["192.168.0.9"]
	l.mu.Unlock()
	if !kept {
		t.Fatal("active client swept away")
	}
}

package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestSanitizeSite(t *testing.T) {
	testCases := []struct {
		name     string
		input    string
		expected string
	}{
		{"standard http", "http://example.com/path", "example.com"},
		{"standard https", "https://Example.com/path", "example.com"},
		{"no scheme", "example.com/path", "example.com"},
		{"just host", "example.com", "example.com"},
		{"host with port", "example.com:8080", "example.com"},
		{"ip address", "192.168.1.1", "192.168.1.1"},
		{"invalid url", "http://%", "unknown"},
		{"empty string", "", "unknown"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := SanitizeSite(tc.input); got != tc.expected {
				t.Errorf("SanitizeSite(%q) = %q; want %q", tc.input, got, tc.expected)
			}
		})
	}
}

func TestObserveHelpers(t *testing.T) {
	Init()
	Init()

	ObserveFetch("https://Bakery.example/menu", "ok", 512)
	ObserveFetch("https://bakery.example/", "ok", 0)
	if val := testutil.ToFloat64(fetchPagesTotal.WithLabelValues("bakery.example", "ok")); val != 2 {
		t.Errorf("expected 2 pages for bakery.example, got %f", val)
	}
	if val := testutil.ToFloat64(fetchBytesTotal.WithLabelValues("bakery.example")); val != 512 {
		t.Errorf("expected 512 bytes, got %f", val)
	}

	ObserveHeadlessPromotion(true)
	ObserveHeadlessPromotion(false)
	if val := testutil.ToFloat64(headlessPromotionsTotal.WithLabelValues("failed")); val != 1 {
		t.Errorf("expected one failed promotion, got %f", val)
	}

	before := testutil.ToFloat64(schedulerDispatchedTotal)
	ObserveSchedulerTick(10*time.Millisecond, 3, 1)
	if val := testutil.ToFloat64(schedulerDispatchedTotal); val != before+3 {
		t.Errorf("expected dispatched to grow by 3, got %f", val-before)
	}

	IncActiveWorkers()
	IncActiveWorkers()
	DecActiveWorkers()
	if val := testutil.ToFloat64(activeWorkers); val != 1 {
		t.Errorf("expected one active worker, got %f", val)
	}
}

// Fuzz test for SanitizeSite.
func FuzzSanitizeSite(f *testing.F) {
	testcases := []string{"http://example.com", "https://google.com", "ftp://example.com"}
	for _, tc := range testcases {
		f.Add(tc)
	}
	f.Fuzz(func(t *testing.T, orig string) {
		sanitized := SanitizeSite(orig)
		if sanitized == "" {
			t.Errorf("SanitizeSite(%q) returned an empty string", orig)
		}
	})
}

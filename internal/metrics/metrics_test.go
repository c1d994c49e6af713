package metrics

import (
	"errors"
	"testing"

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
		{"file reference", "file:///tmp/a.html", "unknown"},
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

func TestInit(t *testing.T) {
	Init()
	Init()

	if fetchesTotal == nil || fetchBytesTotal == nil ||
		httpRequestsTotal == nil || httpRequestDurationSeconds == nil {
		t.Fatal("Init() did not initialize metrics collectors")
	}

	ObserveFetch("http://init.test/a", "http", "new", 10)
	if val := testutil.ToFloat64(fetchesTotal.WithLabelValues("init.test", "http", "new")); val != 1 {
		t.Errorf("Expected fetchesTotal to be 1, got %f", val)
	}
	if val := testutil.ToFloat64(fetchBytesTotal.WithLabelValues("init.test")); val != 10 {
		t.Errorf("Expected fetchBytesTotal to be 10, got %f", val)
	}
}

func TestObserveCommit(t *testing.T) {
	ObserveCommit("metrics-test", "upsert", nil)
	ObserveCommit("metrics-test", "upsert", errors.New("boom"))
	if val := testutil.ToFloat64(commitsTotal.WithLabelValues("metrics-test", "upsert", "ok")); val != 1 {
		t.Errorf("Expected ok commits to be 1, got %f", val)
	}
	if val := testutil.ToFloat64(commitsTotal.WithLabelValues("metrics-test", "upsert", "error")); val != 1 {
		t.Errorf("Expected failed commits to be 1, got %f", val)
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

package check

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/hiberproxy/hiberproxy/internal/config"
	"github.com/hiberproxy/hiberproxy/internal/supervisor"
)

func TestRun_FiltersToRequestedHosts(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer backend.Close()
	addr := mustHost(t, backend.URL)

	startCmd, err := supervisor.ParseCommand("true")
	if err != nil {
		t.Fatalf("ParseCommand: %v", err)
	}

	cfg := &config.Config{
		Hosts: map[string]*config.HostConfig{
			"a.test": {
				Name: "a.test", Address: addr, HealthCheckPath: "/",
				Start: startCmd, StartTimeout: time.Second, StopTimeout: time.Second,
				HealthCheckInitialBackoffMs: 5, HealthCheckMaxBackoffSecs: 1,
			},
			"b.test": {
				Name: "b.test", Address: addr, HealthCheckPath: "/",
				Start: startCmd, StartTimeout: time.Second, StopTimeout: time.Second,
				HealthCheckInitialBackoffMs: 5, HealthCheckMaxBackoffSecs: 1,
			},
		},
	}

	var buf bytes.Buffer
	results, err := Run(context.Background(), cfg, []string{"a.test"}, &buf)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("expected exactly 1 filtered result, got %d", len(results))
	}
	if results[0].Host != "a.test" {
		t.Errorf("expected a.test, got %s", results[0].Host)
	}
}

func TestRun_ReportsStartHealthyStopOnSuccess(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer backend.Close()
	addr := mustHost(t, backend.URL)

	startCmd, err := supervisor.ParseCommand("true")
	if err != nil {
		t.Fatalf("ParseCommand: %v", err)
	}

	cfg := &config.Config{
		Hosts: map[string]*config.HostConfig{
			"a.test": {
				Name: "a.test", Address: addr, HealthCheckPath: "/",
				Start: startCmd, StartTimeout: time.Second, StopTimeout: time.Second,
				HealthCheckInitialBackoffMs: 5, HealthCheckMaxBackoffSecs: 1,
			},
		},
	}

	var buf bytes.Buffer
	results, err := Run(context.Background(), cfg, nil, &buf)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(results))
	}
	if !results[0].StartOk || !results[0].HealthyOk || !results[0].StopOk {
		t.Errorf("expected start/healthy/stop to all succeed, got %+v", results[0])
	}
}

func TestSummarize_AllPassed(t *testing.T) {
	var buf bytes.Buffer
	results := []Result{
		{Host: "a.test", StartOk: true, HealthyOk: true, StopOk: true, DownOk: true},
		{Host: "b.test", StartOk: true, HealthyOk: true, StopOk: true, DownOk: true},
	}
	if ok := Summarize(results, &buf); !ok {
		t.Error("expected Summarize to report all passed")
	}
}

func TestSummarize_SomeFailed(t *testing.T) {
	var buf bytes.Buffer
	results := []Result{
		{Host: "a.test", StartOk: true, HealthyOk: true, StopOk: true, DownOk: true},
		{Host: "b.test", StartOk: true, HealthyOk: false, StopOk: true, DownOk: true},
	}
	if ok := Summarize(results, &buf); ok {
		t.Error("expected Summarize to report a failure")
	}
}

func mustHost(t *testing.T, rawURL string) string {
	t.Helper()
	u, err := url.Parse(rawURL)
	if err != nil {
		t.Fatalf("parse %s: %v", rawURL, err)
	}
	return u.Host
}

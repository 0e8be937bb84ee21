// Package check implements the `check` CLI subcommand: for each configured
// (optionally filtered) host, run its start command, wait for it to become
// healthy, run its stop command, and wait for it to go unreachable again —
// printing a pass/fail mark per phase.
package check

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/hiberproxy/hiberproxy/internal/config"
	"github.com/hiberproxy/hiberproxy/internal/health"
	"github.com/hiberproxy/hiberproxy/internal/supervisor"
)

// Result is the per-host outcome of the start/healthy/stop/down cycle.
type Result struct {
	Host      string
	StartOk   bool
	HealthyOk bool
	StopOk    bool
	DownOk    bool
	Err       error
}

// Passed reports whether every phase for this host succeeded.
func (r Result) Passed() bool {
	return r.StartOk && r.HealthyOk && r.StopOk && r.DownOk
}

// Run exercises every host in cfg whose name is in filter (or every host,
// if filter is empty), in cfg.Hosts map iteration order (not defined), and
// writes a per-phase report to w. It returns the per-host results and an error only
// for fatal setup problems (an individual host's failure is reported via
// Result, not a returned error).
func Run(ctx context.Context, cfg *config.Config, filter []string, w io.Writer) ([]Result, error) {
	allowed := toSet(filter)

	var results []Result
	for name, hc := range cfg.Hosts {
		if len(allowed) > 0 && !allowed[name] {
			continue
		}
		results = append(results, checkHost(ctx, name, hc, w))
	}
	return results, nil
}

func checkHost(ctx context.Context, name string, hc *config.HostConfig, w io.Writer) Result {
	fmt.Fprintf(w, "== %s ==\n", name)
	res := Result{Host: name}

	prober := health.New()
	sup := supervisor.New()

	if err := sup.Spawn(ctx, hc.Start, nil); err != nil {
		fmt.Fprintf(w, "  [x] start: %v\n", err)
		res.Err = err
		return res
	}
	fmt.Fprintln(w, "  [v] start")
	res.StartOk = true

	initial, maxB := backoffBounds(hc)
	if prober.Probe(ctx, hc.Address, hc.HealthCheckPath, hc.StartTimeout, initial, maxB) == health.Ok {
		fmt.Fprintln(w, "  [v] healthy")
		res.HealthyOk = true
	} else {
		fmt.Fprintln(w, "  [x] healthy (timed out)")
	}

	if hc.Stop != nil {
		supervisor.RunStopCommand(*hc.Stop)
		fmt.Fprintln(w, "  [v] stop")
		res.StopOk = true
	} else if err := sup.Kill(ctx, hc.StopTimeout); err != nil {
		fmt.Fprintf(w, "  [x] stop: %v\n", err)
	} else {
		fmt.Fprintln(w, "  [v] stop")
		res.StopOk = true
	}

	if prober.WaitForDown(ctx, hc.Address, hc.HealthCheckPath, hc.StopTimeout, initial, maxB) == health.Ok {
		fmt.Fprintln(w, "  [v] down")
		res.DownOk = true
	} else {
		fmt.Fprintln(w, "  [x] down (timed out)")
	}

	return res
}

func backoffBounds(hc *config.HostConfig) (initial, max time.Duration) {
	return time.Duration(hc.HealthCheckInitialBackoffMs) * time.Millisecond,
		time.Duration(hc.HealthCheckMaxBackoffSecs) * time.Second
}

func toSet(names []string) map[string]bool {
	if len(names) == 0 {
		return nil
	}
	set := make(map[string]bool, len(names))
	for _, n := range names {
		set[n] = true
	}
	return set
}

// Summarize writes the overall pass/fail line and returns true iff every
// result passed.
func Summarize(results []Result, w io.Writer) bool {
	allOk := true
	for _, r := range results {
		if !r.Passed() {
			allOk = false
		}
	}
	if allOk {
		fmt.Fprintf(w, "\n%d/%d hosts passed\n", len(results), len(results))
	} else {
		passed := 0
		for _, r := range results {
			if r.Passed() {
				passed++
			}
		}
		fmt.Fprintf(w, "\n%d/%d hosts passed\n", passed, len(results))
	}
	return allOk
}

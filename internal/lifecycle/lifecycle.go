// Package lifecycle is the state machine at the heart of the proxy: for
// each managed host it decides whether a request may proceed
// (ensure_running_blocking / begin_start_nonblocking), and arms the idle
// timer that eventually tears the backend back down (schedule_kill).
//
// States per host: DOWN -> STARTING -> HEALTHY -> DRAINING -> DOWN.
// DRAINING -> HEALTHY is never permitted: once the kill task enters its
// critical section it runs to completion. A request arriving while draining
// does not wait for that critical section; it is handled by the host's
// state at that moment (child liveness and confirmed_healthy), so until the
// critical section clears confirmed_healthy it may be proxied to the
// stopping backend.
package lifecycle

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/hiberproxy/hiberproxy/internal/config"
	"github.com/hiberproxy/hiberproxy/internal/errs"
	"github.com/hiberproxy/hiberproxy/internal/health"
	"github.com/hiberproxy/hiberproxy/internal/metrics"
	"github.com/hiberproxy/hiberproxy/internal/registry"
	"github.com/hiberproxy/hiberproxy/internal/runid"
	"github.com/hiberproxy/hiberproxy/internal/sink"
	"github.com/hiberproxy/hiberproxy/internal/supervisor"
	"github.com/hiberproxy/hiberproxy/internal/tracker"
	"github.com/hiberproxy/hiberproxy/pkg/logger"
)

// Result is the outcome of ensure_running_blocking.
type Result int

const (
	Ok Result = iota
	StartFailed
)

// NonblockingResult is the outcome of begin_start_nonblocking.
type NonblockingResult int

const (
	Ready NonblockingResult = iota
	Pending
	NonblockingStartFailed
)

type hostState struct {
	name string
	cfg  *config.HostConfig
	sup  *supervisor.Supervisor
	tr   *tracker.Tracker

	mu               sync.Mutex
	confirmedHealthy bool
	runID            runid.RunID
	killCancel       chan struct{} // the current kill task's sleep-phase cancel signal, nil if none scheduled
	failedStarts     int           // consecutive start failures, reset to 0 on the next successful start
}

// Controller is the lifecycle engine for every lifecycle-managed host in the
// registry. One Controller serves the whole proxy process.
type Controller struct {
	prober *health.Prober
	sink   sink.Sink

	hosts map[string]*hostState
	starts singleflight.Group // collapses concurrent start attempts per host onto one in-flight call
}

// New builds a Controller for every Managed() entry in reg. Unmanaged
// entries (the admin API route) are not lifecycle hosts at all.
func New(reg *registry.Registry, prober *health.Prober, sk sink.Sink) *Controller {
	hosts := make(map[string]*hostState)
	for name, entry := range reg.All() {
		if !entry.Managed() {
			continue
		}
		hosts[name] = &hostState{
			name: name,
			cfg:  entry.Config,
			sup:  supervisor.New(),
			tr:   tracker.New(),
		}
	}
	return &Controller{prober: prober, sink: sk, hosts: hosts}
}

// IsManaged reports whether host is under lifecycle control at all.
func (c *Controller) IsManaged(host string) bool {
	_, ok := c.hosts[host]
	return ok
}

// IsConfirmedHealthy reports the host's current confirmed_healthy flag,
// used by the dispatcher to decide whether the cold-start-page fast path
// still applies to an incoming request.
func (c *Controller) IsConfirmedHealthy(host string) bool {
	hs, ok := c.hosts[host]
	if !ok {
		return false
	}
	hs.mu.Lock()
	defer hs.mu.Unlock()
	return hs.confirmedHealthy
}

// RunningCount reports how many managed hosts currently have a live child,
// for the backends_running gauge.
func (c *Controller) RunningCount() int {
	n := 0
	for _, hs := range c.hosts {
		if hs.sup.IsAlive() {
			n++
		}
	}
	return n
}

// EnsureRunningBlocking is 4.4.1: the normal upstream path. Blocks until the
// host is confirmed healthy or its start attempt fails.
func (c *Controller) EnsureRunningBlocking(ctx context.Context, host string) (Result, error) {
	hs, ok := c.hosts[host]
	if !ok {
		return StartFailed, fmt.Errorf("lifecycle: host %q is not managed", host)
	}

	hs.mu.Lock()
	alreadyUp := hs.sup.IsAlive() && hs.confirmedHealthy
	hs.mu.Unlock()
	if alreadyUp {
		return Ok, nil
	}

	v, err, _ := c.starts.Do(host, func() (interface{}, error) {
		return c.runStart(ctx, hs)
	})
	if err != nil {
		return StartFailed, err
	}
	return v.(Result), nil
}

// BeginStartNonblocking is 4.4.2: the cold-start-page path. It performs the
// same up-front checks as EnsureRunningBlocking but never waits on a start
// in progress — it kicks off (or joins) one via singleflight and returns
// Pending immediately, relying on IsConfirmedHealthy to be polled later by
// a subsequent blocking call once the background attempt completes.
func (c *Controller) BeginStartNonblocking(ctx context.Context, host string) (NonblockingResult, error) {
	hs, ok := c.hosts[host]
	if !ok {
		return NonblockingStartFailed, fmt.Errorf("lifecycle: host %q is not managed", host)
	}

	hs.mu.Lock()
	alive := hs.sup.IsAlive()
	healthy := hs.confirmedHealthy
	hs.mu.Unlock()
	if alive && healthy {
		return Ready, nil
	}

	if !alive && c.probeExternallyManaged(ctx, hs) {
		return Ready, nil
	}

	// Fire-and-forget: singleflight runs runStart in its own goroutine when
	// no call for this host is already in flight, and folds into the
	// existing one otherwise. We deliberately never read the returned
	// channel; the background attempt updates confirmedHealthy for the next
	// poller to observe. It runs detached from ctx's cancellation, so it
	// outlives the request that triggered it.
	bg := context.WithoutCancel(ctx)
	c.starts.DoChan(host, func() (interface{}, error) {
		return c.runStart(bg, hs)
	})
	return Pending, nil
}

// probeExternallyManaged issues a single health check (zero time budget,
// Probe's first attempt happens before its deadline math runs) to detect a
// backend that is already up outside the supervisor's control.
func (c *Controller) probeExternallyManaged(ctx context.Context, hs *hostState) bool {
	outcome := c.prober.Probe(ctx, hs.cfg.Address, hs.cfg.HealthCheckPath, 0, time.Millisecond, time.Millisecond)
	if outcome != health.Ok {
		return false
	}
	hs.mu.Lock()
	hs.confirmedHealthy = true
	hs.failedStarts = 0
	hs.mu.Unlock()
	metrics.FailedStartCountGauge.WithLabelValues(hs.name).Set(0)
	return true
}

// runStart performs steps 2-5 of 4.4.1, under the protection of
// c.starts.Do/DoChan so at most one of these runs per host at a time.
func (c *Controller) runStart(ctx context.Context, hs *hostState) (Result, error) {
	hs.mu.Lock()
	alreadyUp := hs.sup.IsAlive() && hs.confirmedHealthy
	alive := hs.sup.IsAlive()
	hs.mu.Unlock()
	if alreadyUp {
		return Ok, nil
	}

	if !alive && c.probeExternallyManaged(ctx, hs) {
		return Ok, nil
	}

	id := runid.New()
	hs.mu.Lock()
	hs.runID = id
	hs.confirmedHealthy = false
	hs.mu.Unlock()

	c.sink.AppStarted(hs.name, id)
	metrics.StartsTotalCounter.WithLabelValues(hs.name).Inc()
	if err := hs.sup.Spawn(ctx, hs.cfg.Start, &lineSinkAdapter{sink: c.sink, runID: id}); err != nil {
		c.sink.AppStartFailed(hs.name, id)
		metrics.StartFailuresTotalCounter.WithLabelValues(hs.name).Inc()
		hs.mu.Lock()
		hs.failedStarts++
		failed := hs.failedStarts
		hs.mu.Unlock()
		metrics.FailedStartCountGauge.WithLabelValues(hs.name).Set(float64(failed))
		return StartFailed, fmt.Errorf("%w: %v", errs.ErrStartFailed, err)
	}

	c.warmSiblings(ctx, hs.cfg.AlsoWarm)

	initial, maxB := backoffBounds(hs.cfg)
	outcome := c.prober.Probe(ctx, hs.cfg.Address, hs.cfg.HealthCheckPath, hs.cfg.StartTimeout, initial, maxB)
	if outcome == health.Ok {
		hs.mu.Lock()
		hs.confirmedHealthy = true
		hs.failedStarts = 0
		hs.mu.Unlock()
		metrics.FailedStartCountGauge.WithLabelValues(hs.name).Set(0)
		return Ok, nil
	}

	logger.Warn("lifecycle: host %q did not become healthy within %v, killing", hs.name, hs.cfg.StartTimeout)
	c.sink.AppStartFailed(hs.name, id)
	metrics.StartFailuresTotalCounter.WithLabelValues(hs.name).Inc()
	hs.mu.Lock()
	hs.failedStarts++
	failed := hs.failedStarts
	hs.mu.Unlock()
	metrics.FailedStartCountGauge.WithLabelValues(hs.name).Set(float64(failed))
	_ = hs.sup.Kill(ctx, hs.cfg.StopTimeout)
	return StartFailed, errs.ErrStartFailed
}

// warmSiblings fires begin_start_nonblocking for each of host's also_warm
// siblings, ignoring the result — a best-effort convenience, not part of
// the request's own success/failure path.
func (c *Controller) warmSiblings(ctx context.Context, siblings []string) {
	for _, name := range siblings {
		if _, ok := c.hosts[name]; !ok {
			continue
		}
		go func(h string) {
			if _, err := c.BeginStartNonblocking(ctx, h); err != nil {
				logger.Warn("lifecycle: also_warm %q failed: %v", h, err)
			}
		}(name)
	}
}

// ScheduleKill is 4.4.3. Called for every request once ensure-running has
// succeeded (before the request is proxied), and for every cold-start-page
// response. Records the request, computes the effective idle wait, and
// (re)arms the per-host kill task — cancelling only the sleep phase of any
// previously-scheduled task, never an in-progress critical section.
func (c *Controller) ScheduleKill(host string) {
	hs, ok := c.hosts[host]
	if !ok {
		return
	}

	hs.tr.Record()
	wait := c.effectiveWait(hs)

	hs.mu.Lock()
	if hs.killCancel != nil {
		// Closing an already-fired (or about-to-fire) channel is inert: the
		// prior task's select either already chose its timer branch (in
		// which case it is already past cancellation) or it observes the
		// close and returns without entering its critical section. Either
		// way at most one critical section ever runs per generation.
		close(hs.killCancel)
	}
	cancel := make(chan struct{})
	hs.killCancel = cancel
	runID := hs.runID
	hs.mu.Unlock()

	go c.runKillTask(hs, cancel, wait, runID)
}

func (c *Controller) effectiveWait(hs *hostState) time.Duration {
	if !hs.cfg.AdaptiveWait {
		return hs.cfg.WaitPeriod
	}
	shortRPM, longRPM := hs.tr.Rates()
	r := math.Max(shortRPM, longRPM)
	return tracker.EffectiveWait(r, hs.cfg.LowReqPerHour, hs.cfg.HighReqPerHour, hs.cfg.MinWaitPeriod, hs.cfg.MaxWaitPeriod)
}

func (c *Controller) runKillTask(hs *hostState, cancel chan struct{}, wait time.Duration, runID runid.RunID) {
	timer := time.NewTimer(wait)
	select {
	case <-cancel:
		timer.Stop()
		return
	case <-timer.C:
	}

	// CRITICAL SECTION — not cancellable past this point.
	hs.mu.Lock()
	if hs.killCancel == cancel {
		hs.killCancel = nil
	}
	hs.mu.Unlock()

	ctx := context.Background()
	_ = hs.sup.Kill(ctx, hs.cfg.StopTimeout)
	if hs.cfg.Stop != nil {
		supervisor.RunStopCommand(*hs.cfg.Stop)
	}

	hs.mu.Lock()
	hs.confirmedHealthy = false
	hs.mu.Unlock()

	metrics.StopsTotalCounter.WithLabelValues(hs.name).Inc()
	c.sink.AppStopped(hs.name, runID)

	initial, maxB := backoffBounds(hs.cfg)
	outcome := c.prober.WaitForDown(ctx, hs.cfg.Address, hs.cfg.HealthCheckPath, hs.cfg.StopTimeout, initial, maxB)
	if outcome == health.TimedOut {
		logger.Warn("lifecycle: host %q did not go unreachable within %v of stopping", hs.name, hs.cfg.StopTimeout)
		metrics.StopFailuresTotalCounter.WithLabelValues(hs.name).Inc()
		c.sink.AppStopFailed(hs.name, runID)
	}
}

func backoffBounds(cfg *config.HostConfig) (initial, max time.Duration) {
	return time.Duration(cfg.HealthCheckInitialBackoffMs) * time.Millisecond,
		time.Duration(cfg.HealthCheckMaxBackoffSecs) * time.Second
}

// lineSinkAdapter binds a RunId to the sink's AppendStdout/AppendStderr
// calls so the supervisor's line reader doesn't need to know about
// correlation ids.
type lineSinkAdapter struct {
	sink  sink.Sink
	runID runid.RunID
}

func (a *lineSinkAdapter) AppendStdout(line string) { a.sink.AppendStdout(a.runID, line) }
func (a *lineSinkAdapter) AppendStderr(line string) { a.sink.AppendStderr(a.runID, line) }

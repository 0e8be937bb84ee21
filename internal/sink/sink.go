// Package sink persists lifecycle events and captured process output so the
// out-of-scope reporting/analytics surface has something real to read. The
// lifecycle controller and the process supervisor are the producers; this
// package is the only consumer.
package sink

import "github.com/hiberproxy/hiberproxy/internal/runid"

// Sink is the contract the lifecycle controller and supervisor write
// through. It never returns an error to its callers. A sink that cannot
// keep up does not drop events: its methods block until the event is
// queued, so a slow sink is felt by the caller as backpressure.
type Sink interface {
	AppStarted(host string, id runid.RunID)
	AppStopped(host string, id runid.RunID)
	AppStartFailed(host string, id runid.RunID)
	AppStopFailed(host string, id runid.RunID)
	AppendStdout(id runid.RunID, line string)
	AppendStderr(id runid.RunID, line string)
}

// NopSink discards everything. Useful when database_url is unset, and in
// tests that don't care about persistence.
type NopSink struct{}

func (NopSink) AppStarted(string, runid.RunID)     {}
func (NopSink) AppStopped(string, runid.RunID)      {}
func (NopSink) AppStartFailed(string, runid.RunID)  {}
func (NopSink) AppStopFailed(string, runid.RunID)   {}
func (NopSink) AppendStdout(runid.RunID, string)    {}
func (NopSink) AppendStderr(runid.RunID, string)    {}

// Package dispatcher is the HTTP/HTTPS front door: it resolves the
// incoming Host header against the registry, short-circuits ACME HTTP-01
// challenges, drives the lifecycle controller, and streams the request
// through to the resolved backend.
//
// The main proxy path deliberately bypasses the Echo stack the rest of this
// repository uses for its internal admin/metrics server — transparent
// byte-streaming and per-handshake SNI certificate selection are exactly
// what net/http and httputil.ReverseProxy are built for, and routing them
// through middleware built for JSON APIs would only get in the way.
package dispatcher

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/hiberproxy/hiberproxy/internal/acme"
	"github.com/hiberproxy/hiberproxy/internal/certstore"
	"github.com/hiberproxy/hiberproxy/internal/lifecycle"
	"github.com/hiberproxy/hiberproxy/internal/metrics"
	"github.com/hiberproxy/hiberproxy/internal/registry"
	"github.com/hiberproxy/hiberproxy/pkg/logger"
)

const acmeChallengePrefix = "/.well-known/acme-challenge/"

// Dispatcher binds the proxy's HTTP listener (always) and HTTPS listener
// (when TLS is enabled) and serves every proxied request.
type Dispatcher struct {
	reg       *registry.Registry
	lc        *lifecycle.Controller
	responder *acme.Responder
	certStore *certstore.Store // nil when TLS is disabled

	proxyMu sync.Mutex
	proxies map[string]*httputil.ReverseProxy

	httpServer  *http.Server
	httpsServer *http.Server
}

// New builds a Dispatcher. certStore may be nil; Start only binds an HTTPS
// listener when tlsEnabled is true on that call.
func New(reg *registry.Registry, lc *lifecycle.Controller, responder *acme.Responder, certStore *certstore.Store) *Dispatcher {
	return &Dispatcher{
		reg:       reg,
		lc:        lc,
		responder: responder,
		certStore: certStore,
		proxies:   make(map[string]*httputil.ReverseProxy),
	}
}

// Start binds the HTTP listener at httpAddr, and — if tlsEnabled — the
// HTTPS listener at httpsAddr with a per-handshake SNI certificate
// callback. Blocks until either listener fails or ctx is cancelled; either
// event shuts every listener down, and the first listener error is
// returned.
func (d *Dispatcher) Start(ctx context.Context, httpAddr, httpsAddr string, tlsEnabled bool) error {
	g, gctx := errgroup.WithContext(ctx)

	d.httpServer = &http.Server{Addr: httpAddr, Handler: http.HandlerFunc(d.ServeHTTP)}
	g.Go(func() error {
		logger.Info("dispatcher: HTTP listening on %s", httpAddr)
		if err := d.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("http listener: %w", err)
		}
		return nil
	})

	if tlsEnabled {
		if d.certStore == nil {
			return fmt.Errorf("dispatcher: TLS enabled but no cert store configured")
		}
		d.httpsServer = &http.Server{
			Addr:    httpsAddr,
			Handler: http.HandlerFunc(d.ServeHTTP),
			TLSConfig: &tls.Config{
				GetCertificate: d.certStore.GetCertificate,
			},
		}
		g.Go(func() error {
			logger.Info("dispatcher: HTTPS listening on %s", httpsAddr)
			if err := d.httpsServer.ListenAndServeTLS("", ""); err != nil && err != http.ErrServerClosed {
				return fmt.Errorf("https listener: %w", err)
			}
			return nil
		})
	}

	// A failed listener or a cancelled ctx stops every listener, so that
	// g.Wait returns.
	g.Go(func() error {
		<-gctx.Done()
		d.Shutdown(context.Background())
		return nil
	})

	return g.Wait()
}

// Shutdown gracefully stops both listeners.
func (d *Dispatcher) Shutdown(ctx context.Context) {
	if d.httpServer != nil {
		if err := d.httpServer.Shutdown(ctx); err != nil {
			logger.Warn("dispatcher: HTTP shutdown: %v", err)
		}
	}
	if d.httpsServer != nil {
		if err := d.httpsServer.Shutdown(ctx); err != nil {
			logger.Warn("dispatcher: HTTPS shutdown: %v", err)
		}
	}
}

// ServeHTTP implements the per-request flow of 4.6: ACME short-circuit,
// registry lookup, cold-start-page branch, ensure-running, schedule-kill,
// stream.
func (d *Dispatcher) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if d.serveACMEChallenge(w, r) {
		return
	}

	entry, ok := d.reg.Lookup(r.Host)
	if !ok {
		logger.Warn("dispatcher: no host configured for %q", r.Host)
		http.Error(w, "Bad Gateway", http.StatusBadGateway)
		return
	}

	if entry.Managed() {
		if d.tryColdStartPage(w, r, entry) {
			return
		}

		res, err := d.lc.EnsureRunningBlocking(r.Context(), entry.Host)
		if err != nil || res != lifecycle.Ok {
			logger.Warn("dispatcher: host %q failed to start: %v", entry.Host, err)
			http.Error(w, "Bad Gateway", http.StatusBadGateway)
			return
		}
		d.lc.ScheduleKill(entry.Host)
	}

	d.proxyFor(entry.Address()).ServeHTTP(w, r)
}

func (d *Dispatcher) serveACMEChallenge(w http.ResponseWriter, r *http.Request) bool {
	if !strings.HasPrefix(r.URL.Path, acmeChallengePrefix) {
		return false
	}
	token := strings.TrimPrefix(r.URL.Path, acmeChallengePrefix)
	keyAuth, ok := d.responder.Get(token)
	if !ok {
		return false
	}
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(keyAuth))
	return true
}

// tryColdStartPage implements 4.4.4. Returns true if it wrote the
// cold-start page; false means nothing was written and the caller should
// continue the normal blocking path.
func (d *Dispatcher) tryColdStartPage(w http.ResponseWriter, r *http.Request, entry *registry.Entry) bool {
	cfg := entry.Config
	if !cfg.ColdStartPage {
		return false
	}
	if d.lc.IsConfirmedHealthy(entry.Host) {
		return false
	}
	if !lifecycle.IsBrowserNavigation(r) {
		return false
	}

	res, err := d.lc.BeginStartNonblocking(r.Context(), entry.Host)
	if err == nil && res == lifecycle.Ready {
		return false
	}

	d.lc.ScheduleKill(entry.Host)
	metrics.ColdStartPageServedTotalCounter.WithLabelValues(entry.Host).Inc()
	writeColdStartPage(w, entry.Host, cfg.ColdStartPageHTML)
	return true
}

func writeColdStartPage(w http.ResponseWriter, host, customHTML string) {
	h := w.Header()
	h.Set("Content-Type", "text/html; charset=utf-8")
	h.Set("Cache-Control", "no-store")
	h.Set("Refresh", "2")
	w.WriteHeader(http.StatusAccepted)
	_, _ = w.Write([]byte(lifecycle.ColdStartPageHTML(host, customHTML)))
}

// proxyFor returns a cached reverse proxy for address, building one the
// first time it is needed. The default Director only rewrites req.URL, so
// the original Host header is preserved exactly as spec.md §4.6 requires.
func (d *Dispatcher) proxyFor(address string) *httputil.ReverseProxy {
	d.proxyMu.Lock()
	defer d.proxyMu.Unlock()

	if p, ok := d.proxies[address]; ok {
		return p
	}

	target := &url.URL{Scheme: "http", Host: address}
	p := httputil.NewSingleHostReverseProxy(target)
	p.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		logger.Warn("dispatcher: upstream %s error: %v", address, err)
		w.WriteHeader(http.StatusBadGateway)
	}
	d.proxies[address] = p
	return p
}

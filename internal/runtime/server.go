package runtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/drblury/eventflow/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/eventflow/internal/runtime/logging"
	telemetrypkg "github.com/drblury/eventflow/internal/runtime/telemetry"
)

// EngineStats is the payload of Stats and the /stats endpoint.
type EngineStats struct {
	Subscriptions []telemetrypkg.SubscriptionStats `json:"subscriptions"`
	Resource      ResourceUsage                    `json:"resource"`
	CollectedAt   time.Time                        `json:"collected_at"`
}

// Stats returns per-subscription delivery statistics and process resource
// usage.
func (e *Engine) Stats() EngineStats {
	return EngineStats{
		Subscriptions: e.telemetry.Stats.Snapshot(),
		Resource:      e.resourceTracker.Snapshot(),
		CollectedAt:   time.Now().UTC(),
	}
}

// RegisterHTTPHandler mounts handler on the server listening on port. Servers
// start with Start and shut down with Stop.
func (e *Engine) RegisterHTTPHandler(port int, pattern string, handler http.Handler) {
	e.httpServersMu.Lock()
	defer e.httpServersMu.Unlock()

	if e.httpServers == nil {
		e.httpServers = make(map[int]*http.ServeMux)
	}

	mux, ok := e.httpServers[port]
	if !ok {
		mux = http.NewServeMux()
		e.httpServers[port] = mux
	}

	mux.Handle(pattern, handler)
}

func (e *Engine) startHTTPServers() {
	e.httpServersMu.Lock()
	defer e.httpServersMu.Unlock()

	for port, mux := range e.httpServers {
		addr := fmt.Sprintf(":%d", port)
		srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		e.servers = append(e.servers, srv)

		e.Logger.Info("Starting HTTP server", loggingpkg.LogFields{"address": addr})
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				e.Logger.Error("Failed to start HTTP server", err, loggingpkg.LogFields{"address": addr})
			}
		}()
	}
}

func (e *Engine) stopHTTPServers(ctx context.Context) error {
	e.httpServersMu.Lock()
	servers := e.servers
	e.servers = nil
	e.httpServersMu.Unlock()

	var errs []error
	for _, srv := range servers {
		if err := srv.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown HTTP server %s: %w", srv.Addr, err))
		}
	}
	return errors.Join(errs...)
}

func (e *Engine) handleGetStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := jsoncodec.Encode(w, e.Stats()); err != nil {
		e.Logger.Error("Failed to encode stats", err, nil)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
	}
}

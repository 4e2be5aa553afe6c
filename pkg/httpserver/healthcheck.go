package httpserver

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/dmitrymomot/notikit/pkg/logger"
)

// probeTimeout bounds a single readiness probe.
const probeTimeout = 3 * time.Second

// Probe is a named readiness check, e.g. a database ping.
type Probe struct {
	Name  string
	Check func(context.Context) error
}

// HealthCheckHandler serves liveness when no probes are given ("ALIVE") and
// readiness otherwise: every probe must succeed for "READY", else 503.
func HealthCheckHandler(log *slog.Logger, probes ...Probe) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		if len(probes) == 0 {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ALIVE"))
			return
		}

		for _, p := range probes {
			if err := runProbe(r.Context(), p); err != nil {
				log.LogAttrs(r.Context(), slog.LevelError, "readiness check failed",
					logger.Component(p.Name),
					logger.Error(err),
				)
				w.WriteHeader(http.StatusServiceUnavailable)
				_, _ = w.Write([]byte("NOT_READY"))
				return
			}
		}

		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("READY"))
	}
}

func runProbe(ctx context.Context, p Probe) error {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	return p.Check(ctx)
}

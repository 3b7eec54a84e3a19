package httpserver

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/dev-geek/syntopia-v1-sub001/pkg/logger"
)

// Check tests one dependency.
type Check func(ctx context.Context) error

// checkTimeout bounds one readiness check.
const checkTimeout = 3 * time.Second

// HealthCheckHandler serves liveness ("ALIVE") when no checks are given and
// readiness otherwise: 200 "READY" when every check passes, 503 "NOT_READY"
// on the first failure.
func HealthCheckHandler(log *slog.Logger, checks ...Check) http.HandlerFunc {
	if log == nil {
		log = logger.Discard()
	}
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		if len(checks) == 0 {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ALIVE"))
			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
		defer cancel()
		for _, check := range checks {
			if err := check(ctx); err != nil {
				log.WarnContext(ctx, "readiness check failed", logger.Error(err))
				w.WriteHeader(http.StatusServiceUnavailable)
				_, _ = w.Write([]byte("NOT_READY"))
				return
			}
		}

		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("READY"))
	}
}

// Package target is a small HTTP server to point load tests at while trying
// out a configuration.
package target

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// Config controls the default endpoint.
type Config struct {
	// Delay is added to every response on "/"
	Delay time.Duration

	// Jitter adds a random extra delay in [0, Jitter)
	Jitter time.Duration

	// Status is returned by "/" (default 200)
	Status int

	// ErrorRate is the fraction of "/" requests answered with 500
	ErrorRate float64
}

// Handler returns the target's routes:
//
//	/        configured delay, status and error rate
//	/fast    10-50ms
//	/slow    1-2s
//	/spike   20ms, 5% of requests take 2s
//	/error   20% 500, 20% 429, rest 200
//	/health  immediate 200
func Handler(cfg Config) http.Handler {
	if cfg.Status == 0 {
		cfg.Status = http.StatusOK
	}

	mux := http.NewServeMux()

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if !sleep(r.Context(), cfg.Delay+jitter(cfg.Jitter)) {
			return
		}
		if cfg.ErrorRate > 0 && rand.Float64() < cfg.ErrorRate {
			respond(w, http.StatusInternalServerError)
			return
		}
		respond(w, cfg.Status)
	})

	mux.HandleFunc("/fast", func(w http.ResponseWriter, r *http.Request) {
		if sleep(r.Context(), 10*time.Millisecond+jitter(40*time.Millisecond)) {
			respond(w, http.StatusOK)
		}
	})

	mux.HandleFunc("/slow", func(w http.ResponseWriter, r *http.Request) {
		if sleep(r.Context(), time.Second+jitter(time.Second)) {
			respond(w, http.StatusOK)
		}
	})

	// P99 will be terrible, P50 will be fine.
	mux.HandleFunc("/spike", func(w http.ResponseWriter, r *http.Request) {
		d := 20 * time.Millisecond
		if rand.Float32() < 0.05 {
			d = 2 * time.Second
		}
		if sleep(r.Context(), d) {
			respond(w, http.StatusOK)
		}
	})

	mux.HandleFunc("/error", func(w http.ResponseWriter, r *http.Request) {
		switch rnd := rand.Float32(); {
		case rnd < 0.2:
			respond(w, http.StatusInternalServerError)
		case rnd < 0.4:
			respond(w, http.StatusTooManyRequests)
		default:
			respond(w, http.StatusOK)
		}
	})

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		respond(w, http.StatusOK)
	})

	return mux
}

func jitter(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(max)))
}

// sleep waits for d unless the client goes away first.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func respond(w http.ResponseWriter, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = fmt.Fprintf(w, `{"status":%q,"code":%d}`, statusWord(status), status)
}

func statusWord(status int) string {
	if status >= 200 && status < 400 {
		return "ok"
	}
	return "error"
}

// Serve runs the target on ln until ctx is cancelled, then shuts down,
// giving open requests five seconds to finish.
func Serve(ctx context.Context, ln net.Listener, cfg Config, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}

	server := &http.Server{
		Handler:           Handler(cfg),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("target server listening",
			zap.String("addr", ln.Addr().String()),
			zap.Duration("delay", cfg.Delay),
			zap.Int("status", cfg.Status))
		errCh <- server.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("target server shutdown: %w", err)
	}
	logger.Info("target server stopped")
	return nil
}

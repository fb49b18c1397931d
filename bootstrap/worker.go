package bootstrap

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"aegis/service"
	"aegis/soar"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
)

const (
	healthCheckTimeout = 2 * time.Second
	serverShutdownWait = 5 * time.Second
)

// Worker drains PENDING executions through the service and exposes the
// process metrics and health endpoints
type Worker struct {
	app        *App
	interval   time.Duration
	batchSize  int
	listenAddr string

	mu       sync.Mutex
	inflight map[string]struct{}
}

// NewWorker creates a worker from the app's worker and metrics settings
func NewWorker(app *App) *Worker {
	interval := app.Config.Worker.PollInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	batch := app.Config.Worker.BatchSize
	if batch <= 0 {
		batch = 20
	}
	return &Worker{
		app:        app,
		interval:   interval,
		batchSize:  batch,
		listenAddr: app.Config.Metrics.ListenAddr,
		inflight:   make(map[string]struct{}),
	}
}

// Router serves /metrics and /healthz
func (w *Worker) Router() *mux.Router {
	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/healthz", w.handleHealth).Methods(http.MethodGet)
	return r
}

func (w *Worker) handleHealth(rw http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	body := map[string]interface{}{
		"status":  "ok",
		"running": w.app.Service.Running(),
	}
	status := http.StatusOK
	if err := w.app.Storage.SQLite.HealthCheck(ctx); err != nil {
		body["status"] = "unhealthy"
		body["database"] = err.Error()
		status = http.StatusServiceUnavailable
	}
	if w.app.Redis != nil {
		if err := w.app.Redis.Ping(ctx).Err(); err != nil {
			body["status"] = "unhealthy"
			body["redis"] = err.Error()
			status = http.StatusServiceUnavailable
		}
	}

	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	_ = json.NewEncoder(rw).Encode(body)
}

// Run recovers executions interrupted by a previous crash, then polls until
// ctx is cancelled. In-flight executions are waited for before it returns.
func (w *Worker) Run(ctx context.Context) error {
	sugar := w.app.Sugar

	recovered, err := w.app.Service.RecoverInterrupted(ctx)
	if err != nil {
		return fmt.Errorf("failed to recover interrupted executions: %w", err)
	}
	if recovered > 0 {
		sugar.Warnw("Marked interrupted executions as failed", "count", recovered)
	}

	g, gctx := errgroup.WithContext(ctx)

	if w.listenAddr != "" {
		server := &http.Server{
			Addr:              w.listenAddr,
			Handler:           w.Router(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			sugar.Infow("Metrics server listening", "addr", w.listenAddr)
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), serverShutdownWait)
			defer cancel()
			return server.Shutdown(shutdownCtx)
		})
	}

	g.Go(func() error {
		ticker := time.NewTicker(w.interval)
		defer ticker.Stop()
		for {
			if _, err := w.Poll(gctx); err != nil && gctx.Err() == nil {
				sugar.Errorw("Failed to poll pending executions", "error", err)
			}
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
			}
		}
	})

	err = g.Wait()
	sugar.Info("Waiting for running executions to finish")
	w.app.Service.Wait()
	return err
}

// Poll dispatches up to one batch of PENDING executions and returns how many
// were handed to the service. Dispatch stops early when the service queue is
// full; the rest are picked up by a later poll.
func (w *Worker) Poll(ctx context.Context) (int, error) {
	pending, err := w.app.Storage.Executions.GetPendingExecutions(ctx, w.batchSize)
	if err != nil {
		return 0, err
	}

	dispatched := 0
	for _, exec := range pending {
		if !w.markInflight(exec.ID) {
			continue
		}
		// Runs outlive the poll context; Run waits for them on shutdown.
		err := w.app.Service.ExecuteAsync(context.WithoutCancel(ctx), exec.ID, w.finished(exec.ID))
		if errors.Is(err, service.ErrQueueFull) {
			w.clearInflight(exec.ID)
			break
		}
		if err != nil {
			w.clearInflight(exec.ID)
			return dispatched, err
		}
		dispatched++
	}
	return dispatched, nil
}

func (w *Worker) finished(id string) func(*soar.Execution, error) {
	return func(exec *soar.Execution, err error) {
		w.clearInflight(id)
		switch {
		case err == nil:
			w.app.Sugar.Infow("Execution finished",
				"execution_id", id,
				"playbook_id", exec.PlaybookID,
				"status", exec.Status)
		case errors.Is(err, service.ErrExecutionLocked), errors.Is(err, service.ErrExecutionNotPending):
			w.app.Sugar.Debugw("Execution taken by another worker", "execution_id", id)
		default:
			w.app.Sugar.Errorw("Execution failed to run", "execution_id", id, "error", err)
		}
	}
}

func (w *Worker) markInflight(id string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.inflight[id]; ok {
		return false
	}
	w.inflight[id] = struct{}{}
	return true
}

func (w *Worker) clearInflight(id string) {
	w.mu.Lock()
	delete(w.inflight, id)
	w.mu.Unlock()
}

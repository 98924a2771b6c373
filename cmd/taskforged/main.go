package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/taskforge/taskforge/internal/config"
	"github.com/taskforge/taskforge/internal/dispatch"
	"github.com/taskforge/taskforge/internal/events"
	"github.com/taskforge/taskforge/internal/exec"
	"github.com/taskforge/taskforge/internal/graph"
	"github.com/taskforge/taskforge/internal/metrics"
	"github.com/taskforge/taskforge/internal/pool"
	"github.com/taskforge/taskforge/internal/priority"
	"github.com/taskforge/taskforge/internal/queue"
	"github.com/taskforge/taskforge/internal/state"
	"github.com/taskforge/taskforge/internal/store"
	"github.com/taskforge/taskforge/internal/task"
)

func main() {
	metricsAddr := flag.String("metrics-addr", ":9090", "Address for the /metrics and /plan endpoints (empty disables)")
	dbPath := flag.String("db", "", "Override the configured database path")
	flag.Parse()

	// Signal-aware context for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.LoadDefault()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}
	if *dbPath != "" {
		cfg.DBPath = *dbPath
	}

	st, err := store.NewSQLiteStore(ctx, cfg.DBPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening store: %v\n", err)
		os.Exit(1)
	}
	defer st.Close()

	bus := events.NewBus()
	defer bus.Close()

	resolver := graph.NewResolver(st, time.Duration(cfg.Graph.CacheTTLMS)*time.Millisecond)
	calc := priority.NewCalculator(cfg.Weights)
	q := queue.NewService(st, resolver, calc, bus, cfg.Tasks)
	agents := pool.NewPool(st, bus, cfg.Pool)
	m := metrics.New(prometheus.DefaultRegisterer)

	staleness := time.Duration(cfg.Pool.HeartbeatTimeoutMS) * time.Millisecond
	snapshotEvery := time.Duration(cfg.Dispatch.SnapshotIntervalMS) * time.Millisecond
	manager := state.NewManager(st, q, resolver, agents, bus, staleness, snapshotEvery)

	// Reconcile whatever the previous process left behind
	if err := manager.Recover(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error during recovery: %v\n", err)
		os.Exit(1)
	}

	if err := agents.Start(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error starting agent pool: %v\n", err)
		os.Exit(1)
	}

	// Payload execution is a collaborator; deployments replace this with
	// their own executor. The default acknowledges the task and echoes
	// its description.
	executor := exec.ExecutorFunc(func(ctx context.Context, t *task.Task) (exec.Result, error) {
		return exec.Result{Output: t.Description}, nil
	})

	dispatcher := dispatch.New(cfg.Dispatch, cfg.Retry, q, agents, executor, bus, m)

	go m.Watch(ctx, bus)

	if *metricsAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			mux.HandleFunc("/plan", func(w http.ResponseWriter, r *http.Request) {
				plan, err := q.ExecutionPlan(r.Context())
				if err != nil {
					http.Error(w, err.Error(), http.StatusInternalServerError)
					return
				}
				w.Header().Set("Content-Type", "application/json")
				if err := json.NewEncoder(w).Encode(plan); err != nil {
					log.Printf("ERROR: encoding execution plan: %v", err)
				}
			})
			if err := http.ListenAndServe(*metricsAddr, mux); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Printf("ERROR: metrics listener: %v", err)
			}
		}()
	}

	go func() {
		if err := manager.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("ERROR: state manager: %v", err)
		}
	}()

	log.Printf("taskforged started (db %s, %d-%d agents)", cfg.DBPath, cfg.Pool.MinAgents, cfg.Pool.MaxAgents)

	if err := dispatcher.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// Command iif-stress drives concurrent producer/consumer pipelines through
// a fence manager and reports whether every fence ID came back.
package main

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"
	"github.com/sugawarayuuta/sonnet"
	"golang.org/x/sync/errgroup"

	iif "github.com/ehrlich-b/go-iif"
	"github.com/ehrlich-b/go-iif/backend"
	"github.com/ehrlich-b/go-iif/internal/logging"
	"github.com/ehrlich-b/go-iif/observer"
)

func main() {
	cfg, err := loadConfig(os.Args[1:])
	if errors.Is(err, pflag.ErrHelp) {
		os.Exit(0)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "iif-stress: %v\n", err)
		os.Exit(2)
	}

	// Set up logging
	logConfig := logging.DefaultConfig()
	logConfig.Format = cfg.LogFormat
	if cfg.Verbose {
		logConfig.Level = logging.LevelDebug
	}
	logger := logging.NewLogger(logConfig)
	logging.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if cfg.Duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Duration)
		defer cancel()
	}

	env, err := newEnv(cfg, logger)
	if err != nil {
		logger.Error("failed to create fence manager", "error", err)
		os.Exit(1)
	}

	if cfg.MetricsAddr != "" {
		srv := &http.Server{
			Addr:    cfg.MetricsAddr,
			Handler: promhttp.HandlerFor(env.registry, promhttp.HandlerOpts{}),
		}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server failed", "error", err)
			}
		}()
		defer srv.Close()
		logger.Info("serving metrics", "addr", cfg.MetricsAddr)
	}

	go dumpOnSIGUSR1(env)

	logger.Info("starting stress run",
		"workers", cfg.Workers,
		"cycles", cfg.Cycles,
		"duration", cfg.Duration,
		"signalers", cfg.Signalers,
		"waiters", cfg.Waiters,
		"fences_per_ip", cfg.FencesPerIP)

	rep, err := env.run(ctx)
	if err != nil {
		logger.Error("stress run failed", "error", err)
	}

	fmt.Printf("Cycles: %d in %s\n", rep.Cycles, rep.Elapsed)
	fmt.Printf("Exhausted: %d  Cancelled waits: %d  Without handle: %d\n", rep.Exhausted, rep.Cancelled, rep.NoHandle)
	fmt.Printf("Retires: %d (%.1f%% early)  Double signals: %d\n",
		rep.Metrics.Retires, rep.Metrics.EarlyRetirePct, rep.Metrics.DoubleSignals)

	if cfg.Report != "" {
		if werr := writeReport(cfg.Report, rep); werr != nil {
			logger.Error("failed to write report", "path", cfg.Report, "error", werr)
			err = errors.Join(err, werr)
		}
	}

	if len(rep.Leaked) > 0 {
		logger.Error("fences still hold IDs after shutdown", "count", len(rep.Leaked))
		os.Exit(1)
	}
	if err != nil {
		os.Exit(1)
	}
}

// env is everything one stress run shares between workers
type env struct {
	cfg      config
	logger   *logging.Logger
	registry *prometheus.Registry
	table    *backend.Memory
	handles  *backend.Handles
	mgr      *iif.Manager

	cycles    atomic.Uint64
	exhausted atomic.Uint64
	cancelled atomic.Uint64
	noHandle  atomic.Uint64
}

func newEnv(cfg config, logger *logging.Logger) (*env, error) {
	registry := prometheus.NewRegistry()
	prom := observer.NewPrometheus("iif")
	if err := prom.Register(registry); err != nil {
		return nil, err
	}

	table := backend.NewMemory(cfg.FencesPerIP * int(iif.NumIPs))
	mgr, err := iif.NewManager(table, &iif.Config{
		FencesPerIP:  cfg.FencesPerIP,
		MaxSignalers: max(cfg.Signalers, iif.DefaultMaxSignalers),
		Logger:       logger,
		Observer:     prom,
	})
	if err != nil {
		return nil, err
	}

	return &env{
		cfg:      cfg,
		logger:   logger,
		registry: registry,
		table:    table,
		handles:  backend.NewHandles(cfg.MaxHandles),
		mgr:      mgr,
	}, nil
}

// report is the JSON summary of a run
type report struct {
	Config    config                 `json:"config"`
	Elapsed   string                 `json:"elapsed"`
	Cycles    uint64                 `json:"cycles"`
	Exhausted uint64                 `json:"exhausted"`
	Cancelled uint64                 `json:"cancelled"`
	NoHandle  uint64                 `json:"no_handle"`
	Metrics   iif.MetricsSnapshot    `json:"metrics"`
	Table     map[string]interface{} `json:"table"`
	Leaked    []iif.FenceInfo        `json:"leaked,omitempty"`
}

// run starts the workers and waits for them. The report is always
// returned, even when a worker failed.
func (e *env) run(ctx context.Context) (*report, error) {
	start := time.Now()

	g, gctx := errgroup.WithContext(ctx)
	for w := 0; w < e.cfg.Workers; w++ {
		g.Go(func() error {
			for i := 0; e.cfg.Cycles == 0 || i < e.cfg.Cycles; i++ {
				if gctx.Err() != nil {
					return nil
				}
				if err := e.cycle(gctx, w, i); err != nil {
					return fmt.Errorf("worker %d cycle %d: %w", w, i, err)
				}
			}
			return nil
		})
	}
	err := g.Wait()

	e.handles.CloseAll()

	return &report{
		Config:    e.cfg,
		Elapsed:   time.Since(start).String(),
		Cycles:    e.cycles.Load(),
		Exhausted: e.exhausted.Load(),
		Cancelled: e.cancelled.Load(),
		NoHandle:  e.noHandle.Load(),
		Metrics:   e.mgr.MetricsSnapshot(),
		Table:     e.table.Stats(),
		Leaked:    e.mgr.Fences(),
	}, err
}

// cycle runs one fence through its whole life: allocation, handle,
// concurrent signalers, waiters on other IPs, and release
func (e *env) cycle(ctx context.Context, worker, n int) error {
	ip := iif.IP(worker % int(iif.NumIPs))
	log := e.logger.WithIP(ip.String())

	f, err := e.mgr.AllocateWithOptions(ip, e.cfg.Signalers, &iif.FenceOptions{
		Name: fmt.Sprintf("w%d-c%d", worker, n),
	})
	if errors.Is(err, iif.ErrExhausted) {
		e.exhausted.Add(1)
		runtime.Gosched()
		return nil
	}
	if err != nil {
		return err
	}
	defer f.Put()
	log = log.WithFence(f.ID())

	fd, err := f.InstallHandle(e.handles)
	if errors.Is(err, iif.ErrTooManyHandles) {
		e.noHandle.Add(1)
		fd = -1
	} else if err != nil {
		return err
	}

	submitted := make(chan struct{})
	if err := f.AddAllSubmittedCallback(&iif.AllSubmittedCallback{
		Func: func(*iif.Fence, *iif.AllSubmittedCallback) { close(submitted) },
	}); err != nil {
		return err
	}

	var signalers errgroup.Group
	for s := 0; s < e.cfg.Signalers; s++ {
		signalers.Go(func() error {
			if _, err := f.SubmitSignaler(); err != nil {
				return err
			}
			runtime.Gosched()
			f.Signal()
			return nil
		})
	}

	<-submitted

	registered := 0
	for k := 0; k < e.cfg.Waiters; k++ {
		waiter := iif.IP((int(ip) + 1 + k) % int(iif.NumIPs))
		remaining, err := f.SubmitWaiter(waiter)
		if err != nil {
			return errors.Join(err, signalers.Wait())
		}
		if remaining != 0 {
			err := fmt.Errorf("waiter deferred after submission completed (%d remaining)", remaining)
			return errors.Join(err, signalers.Wait())
		}
		registered++
	}

	if fd >= 0 && registered > 0 {
		waitCtx := ctx
		if rand.IntN(100) < e.cfg.CancelPct {
			var cancel context.CancelFunc
			waitCtx, cancel = context.WithTimeout(ctx, time.Microsecond)
			defer cancel()
		}
		if err := e.handles.Wait(waitCtx, fd); err != nil {
			if waitCtx.Err() == nil {
				return errors.Join(err, signalers.Wait())
			}
			e.cancelled.Add(1)
			log.Debug("wait gave up", "fd", fd, "error", err)
		}
	}

	// closing before the waiters leave retires the ID on the last Waited
	if fd >= 0 && n%2 == 0 {
		if err := e.handles.Close(fd); err != nil {
			return err
		}
		fd = -1
	}
	for k := 0; k < registered; k++ {
		f.Waited()
	}
	if fd >= 0 {
		if err := e.handles.Close(fd); err != nil {
			return err
		}
	}

	if err := signalers.Wait(); err != nil {
		return err
	}
	e.cycles.Add(1)
	return nil
}

func writeReport(path string, rep *report) error {
	data, err := sonnet.Marshal(rep)
	if err != nil {
		return err
	}
	data = append(data, '\n')

	if path == "-" {
		_, err = os.Stdout.Write(data)
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// dumpOnSIGUSR1 writes goroutine stacks and live fences to stderr
func dumpOnSIGUSR1(e *env) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGUSR1)
	for range ch {
		buf := make([]byte, 1024*1024)
		n := runtime.Stack(buf, true)
		fmt.Fprintf(os.Stderr, "\n=== FULL GOROUTINE STACK DUMP ===\n%s\n=== END STACK DUMP ===\n\n", buf[:n])

		fences := e.mgr.Fences()
		data, err := sonnet.Marshal(fences)
		if err != nil {
			logging.Error("failed to encode live fences", "error", err)
			continue
		}
		fmt.Fprintf(os.Stderr, "=== LIVE FENCES (%d) ===\n%s\n", len(fences), data)
		logging.Info("dumped state", "goroutine_bytes", n, "live_fences", len(fences))
	}
}

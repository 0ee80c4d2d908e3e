package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/sengine/sengine/internal/api/router"
	"github.com/sengine/sengine/internal/broker"
	"github.com/sengine/sengine/pkg/logging"
)

const (
	// Delay between broker connect and consumer start, so queue declaration
	// settles before the first basic.consume.
	stabilizationDelay = 2 * time.Second

	monitorInterval  = 30 * time.Second
	monitorTableEach = 10 // cycles between full depth tables (5 min)
	depthWarnLimit   = 100
)

// Supervisor starts the runtime's workers in dependency order and drives
// graceful shutdown: scheduler first, then consumers, then connections.
type Supervisor struct {
	rt     *Runtime
	logger *logging.Logger

	stabilization time.Duration
	httpServer    *http.Server
}

func NewSupervisor(rt *Runtime) *Supervisor {
	return &Supervisor{
		rt:            rt,
		logger:        rt.Logger.Component("supervisor"),
		stabilization: stabilizationDelay,
	}
}

// Run blocks until ctx is cancelled (signal) or the broker fails fatally.
// The returned error is non-nil only for fatal failures that should exit
// the process non-zero.
func (s *Supervisor) Run(ctx context.Context) error {
	rt := s.rt

	s.logger.Info("waiting for broker to stabilise", "delay", s.stabilization)
	select {
	case <-ctx.Done():
		s.shutdown(nil)
		return nil
	case <-time.After(s.stabilization):
	}

	for _, c := range rt.Consumers {
		if err := rt.Bus.Subscribe(c.Queue, c.Tag, c.Prefetch, c.Handler); err != nil {
			s.shutdown(nil)
			return fmt.Errorf("bootstrap: subscribe %s: %w", c.Queue, err)
		}
		s.logger.Info("consumer started", "queue", c.Queue, "tag", c.Tag, "prefetch", c.Prefetch)
	}

	var cancelScheduler context.CancelFunc
	if rt.Scheduler != nil {
		var schedCtx context.Context
		schedCtx, cancelScheduler = context.WithCancel(context.Background())
		go rt.Scheduler.Run(schedCtx)
		s.logger.Info("pre-queue scheduler started")
	}

	monitorCtx, cancelMonitor := context.WithCancel(context.Background())
	go s.monitorQueues(monitorCtx)

	s.startOpsServer()

	var fatalErr error
	select {
	case <-ctx.Done():
		s.logger.Info("shutdown signal received")
	case err := <-rt.Bus.Fatal():
		s.logger.Error("broker failed fatally", "error", err)
		fatalErr = err
	}

	cancelMonitor()
	if cancelScheduler != nil {
		cancelScheduler()
	}
	s.shutdown(fatalErr)
	return fatalErr
}

// shutdown stops intake before draining: the scheduler is already cancelled
// by the caller, consumers stop receiving, in-flight handlers get the kill
// timeout, then connections close.
func (s *Supervisor) shutdown(cause error) {
	rt := s.rt
	s.logger.Info("stopping consumers", "kill_timeout", rt.Config.KillTimeout)
	rt.Bus.StopConsumers(rt.Config.KillTimeout)

	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.logger.Warn("ops server shutdown", "error", err)
		}
		cancel()
	}

	rt.CloseInfra()
	if cause == nil {
		s.logger.Info("shutdown complete")
	}
}

func (s *Supervisor) startOpsServer() {
	handler := router.New(&router.Config{
		DB:             s.rt.Pools,
		Broker:         s.rt.Bus,
		MetricsHandler: s.rt.MetricsHandler(),
	})
	s.httpServer = &http.Server{
		Addr:              ":" + s.rt.Config.Port,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		s.logger.Info("ops server listening", "addr", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("ops server failed", "error", err)
		}
	}()
}

// monitorQueues wakes every 30s, warns on any queue above the depth limit
// and logs a full table every five minutes.
func (s *Supervisor) monitorQueues(ctx context.Context) {
	ticker := time.NewTicker(monitorInterval)
	defer ticker.Stop()
	cycle := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cycle++
			s.checkDepths(cycle%monitorTableEach == 0)
		}
	}
}

func (s *Supervisor) checkDepths(logTable bool) {
	if !s.rt.Bus.IsConnected() {
		return
	}
	var table []string
	for _, queue := range broker.MonitoredQueues() {
		depth, err := s.rt.Bus.QueueDepth(queue)
		if err != nil {
			s.logger.Warn("queue depth check failed", "queue", queue, "error", err)
			continue
		}
		s.rt.Metrics.SetQueueDepth(queue, depth)
		if depth > depthWarnLimit {
			s.logger.Warn("queue depth above limit", "queue", queue, "depth", depth, "limit", depthWarnLimit)
		}
		table = append(table, fmt.Sprintf("%s=%d", queue, depth))
	}
	if logTable && len(table) > 0 {
		s.logger.Info("queue depths", "table", strings.Join(table, " "))
	}
}

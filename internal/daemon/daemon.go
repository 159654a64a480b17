package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/msageha/dirpoller/internal/events"
	"github.com/msageha/dirpoller/internal/history"
	"github.com/msageha/dirpoller/internal/lock"
	"github.com/msageha/dirpoller/internal/metrics"
	"github.com/msageha/dirpoller/internal/model"
	"github.com/msageha/dirpoller/internal/pipeline"
	"github.com/msageha/dirpoller/internal/submit"
	"github.com/msageha/dirpoller/internal/uds"
)

type LogLevel int

const (
	LogLevelDebug LogLevel = iota
	LogLevelInfo
	LogLevelWarn
	LogLevelError
)

func parseLogLevel(s string) LogLevel {
	switch strings.ToLower(s) {
	case "debug":
		return LogLevelDebug
	case "info":
		return LogLevelInfo
	case "warn", "warning":
		return LogLevelWarn
	case "error":
		return LogLevelError
	default:
		return LogLevelInfo
	}
}

// Daemon is the dirpoller process: the poller, its worker pool and the
// admin, metrics and audit surfaces around them.
type Daemon struct {
	stateDir string
	config   model.Config
	logLevel LogLevel
	logger   *log.Logger
	logFile  io.Closer

	fileLock *lock.FileLock
	server   *uds.Server
	metrics  *metrics.Metrics
	bus      *events.Bus
	audit    *events.AuditLogger
	history  *history.Store

	submitters map[string]submit.Submitter
	pool       *WorkerPool
	poller     *Poller
	notifier   *folderNotifier
	httpServer *http.Server

	unsubscribe []func()
	startedAt   time.Time

	ctx       context.Context
	cancel    context.CancelFunc
	groupDone chan struct{}
	groupErr  error
	shutdown  sync.Once

	forceExit atomic.Bool
}

// New creates a Daemon logging to <state_dir>/logs/dirpoller.log.
func New(cfg model.Config) (*Daemon, error) {
	logPath := filepath.Join(cfg.Daemon.StateDir, "logs", "dirpoller.log")
	if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	logFile := &lumberjack.Logger{
		Filename:   logPath,
		MaxSize:    cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
	}
	return newDaemon(cfg, logFile, logFile)
}

// newDaemon is the internal constructor for testing.
func newDaemon(cfg model.Config, w io.Writer, closer io.Closer) (*Daemon, error) {
	ctx, cancel := context.WithCancel(context.Background())

	stateDir := cfg.Daemon.StateDir
	d := &Daemon{
		stateDir:   stateDir,
		config:     cfg,
		logLevel:   parseLogLevel(cfg.Logging.Level),
		logger:     log.New(w, "", 0),
		logFile:    closer,
		fileLock:   lock.NewFileLock(filepath.Join(stateDir, "locks", "daemon.lock")),
		server:     uds.NewServer(filepath.Join(stateDir, uds.DefaultSocketName)),
		metrics:    metrics.New(),
		bus:        events.NewBus(256),
		submitters: make(map[string]submit.Submitter),
		ctx:        ctx,
		cancel:     cancel,
	}
	d.metrics.RegisterEventDrops(d.bus.Dropped)
	return d, nil
}

// Run starts the daemon and blocks until shutdown completes.
func (d *Daemon) Run() error {
	// Step 1: Acquire file lock
	if err := os.MkdirAll(filepath.Join(d.stateDir, "locks"), 0755); err != nil {
		return fmt.Errorf("ensure lock dir: %w", err)
	}
	if err := d.fileLock.TryLock(); err != nil {
		return fmt.Errorf("daemon lock: %w", err)
	}
	d.startedAt = time.Now()
	d.log(LogLevelInfo, "daemon starting pid=%d", os.Getpid())

	// Step 2: Audit log and outcome history
	if err := d.openRecorders(); err != nil {
		d.cleanup()
		return err
	}

	// Step 3: Watched folders and their submitters
	folders, err := d.buildFolders(d.ctx)
	if err != nil {
		d.cleanup()
		return fmt.Errorf("configure folders: %w", err)
	}

	// Step 4: Worker pool and poller; resumes leftover processing folders
	pc := d.config.Poller
	d.pool = NewWorkerPool(pc.MinWorkers, pc.MaxWorkers, pc.QueueSize,
		time.Duration(pc.IdleTimeoutSec)*time.Second, d.logger)
	d.poller = NewPoller(PollerOptions{
		Folders: folders,
		Env: &pipeline.Env{
			ProcessingRoot:    pc.ProcessingFolder,
			AppProcessingRoot: pc.AppProcessingFolder,
			ErrorRoot:         pc.ErrorFolder,
		},
		Interval:            time.Duration(pc.PollIntervalSec) * time.Second,
		MaxInProcess:        pc.MaxFilesInProcess,
		DefaultErrorHandler: NewAlertHandler(d.metrics, d.logger, d.logLevel),
		Metrics:             d.metrics,
		Bus:                 d.bus,
		Logger:              d.logger,
		LogLevel:            d.logLevel,
	}, d.pool)
	if err := d.poller.Start(d.ctx); err != nil {
		d.pool.Shutdown(0)
		d.poller = nil
		d.cleanup()
		return err
	}

	// Step 5: Optional fsnotify wake-up
	if pc.Notify {
		n, err := newFolderNotifier(d.poller)
		if err != nil {
			d.log(LogLevelWarn, "fsnotify disabled: %v", err)
		} else {
			d.notifier = n
		}
	}

	// Step 6: Register UDS handlers and start the server
	d.server.SetLogger(d.logger)
	d.registerHandlers()
	if err := d.server.Start(); err != nil {
		d.Shutdown()
		return fmt.Errorf("start UDS server: %w", err)
	}
	d.log(LogLevelInfo, "UDS server listening on %s", filepath.Join(d.stateDir, uds.DefaultSocketName))

	// Step 7: Start background loops
	g, gctx := errgroup.WithContext(d.ctx)
	g.Go(func() error { return d.poller.Run(gctx) })
	if d.notifier != nil {
		g.Go(func() error { return d.notifier.run(gctx) })
	}
	if addr := d.config.Daemon.MetricsAddr; addr != "" {
		d.httpServer = &http.Server{
			Addr:              addr,
			Handler:           metrics.Router(d.metrics, func() any { return d.status() }),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			if err := d.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		d.log(LogLevelInfo, "metrics listening on %s", addr)
	}
	d.groupDone = make(chan struct{})
	go func() {
		d.groupErr = g.Wait()
		close(d.groupDone)
	}()
	d.log(LogLevelInfo, "daemon ready")

	// Step 8: Wait for signals
	d.waitSignals(gctx)

	return d.groupErr
}

// AuditLogPath is the checksummed JSONL audit trail inside stateDir.
func AuditLogPath(stateDir string) string {
	return filepath.Join(stateDir, "logs", "audit.jsonl")
}

// openRecorders subscribes the audit log and, when enabled, the outcome
// history to the event bus.
func (d *Daemon) openRecorders() error {
	audit, err := events.NewAuditLogger(AuditLogPath(d.stateDir), d.config.Logging.MaxSizeMB, d.config.Logging.MaxBackups)
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	audit.EnableChecksum(true)
	d.audit = audit
	d.unsubscribe = append(d.unsubscribe, d.bus.SubscribeAll(func(ev events.Event) {
		if err := audit.Record(ev); err != nil {
			d.log(LogLevelWarn, "audit log write: %v", err)
		}
	}))

	if !d.config.History.Enabled {
		return nil
	}
	store, err := history.Open(d.config.History.Path)
	if err != nil {
		return fmt.Errorf("open history: %w", err)
	}
	d.history = store
	d.unsubscribe = append(d.unsubscribe, store.Attach(d.bus, func(err error) {
		d.log(LogLevelWarn, "history record: %v", err)
	}))
	return nil
}

// registerHandlers registers UDS request handlers.
func (d *Daemon) registerHandlers() {
	d.server.Handle(uds.CmdPing, func(context.Context, *uds.Request) (any, error) {
		return map[string]string{"status": "ok"}, nil
	})

	d.server.Handle(uds.CmdStatus, func(context.Context, *uds.Request) (any, error) {
		return d.status(), nil
	})

	d.server.Handle(uds.CmdScan, func(context.Context, *uds.Request) (any, error) {
		d.poller.Wake()
		return map[string]string{"status": "scan_requested"}, nil
	})

	d.server.Handle(uds.CmdHistory, uds.Handle(d.handleHistory))

	d.server.Handle(uds.CmdShutdown, func(context.Context, *uds.Request) (any, error) {
		d.log(LogLevelInfo, "shutdown requested via UDS")
		go d.Shutdown()
		return map[string]string{"status": "shutdown_accepted"}, nil
	})
}

// HistoryParams are the parameters of the history command.
type HistoryParams struct {
	Folder string `json:"folder,omitempty"`
	Limit  int    `json:"limit,omitempty"`
}

func (d *Daemon) handleHistory(ctx context.Context, params HistoryParams) (any, error) {
	if d.history == nil {
		return nil, uds.Errorf(uds.ErrCodeUnavailable, "history is not enabled")
	}
	if params.Limit < 0 {
		return nil, uds.Errorf(uds.ErrCodeValidation, "limit must be positive, got %d", params.Limit)
	}
	if params.Limit == 0 {
		params.Limit = 20
	}
	return d.history.Recent(ctx, params.Folder, params.Limit)
}

// Status is served by the status command and the /status endpoint.
type Status struct {
	PID       int            `json:"pid"`
	StartedAt time.Time      `json:"started_at"`
	Poller    *PollerStatus  `json:"poller,omitempty"`
	Outcomes  map[string]int `json:"outcomes,omitempty"`
}

func (d *Daemon) status() Status {
	st := Status{PID: os.Getpid(), StartedAt: d.startedAt}
	if d.poller != nil {
		ps := d.poller.Status()
		st.Poller = &ps
	}
	if d.history != nil {
		if counts, err := d.history.Counts(d.ctx); err == nil {
			st.Outcomes = counts
		}
	}
	return st
}

// waitSignals blocks until a shutdown signal is received or ctx ends.
func (d *Daemon) waitSignals(ctx context.Context) {
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		d.log(LogLevelInfo, "received signal=%s, initiating graceful shutdown", sig)
	case <-ctx.Done():
		d.log(LogLevelInfo, "background loop stopped, initiating graceful shutdown")
	}

	// Second signal → force exit
	go func() {
		<-sigCh
		d.log(LogLevelWarn, "received second signal, forcing exit")
		d.forceExit.Store(true)
		os.Exit(1)
	}()

	d.Shutdown()
}

// Shutdown performs graceful shutdown (idempotent via sync.Once).
func (d *Daemon) Shutdown() {
	d.shutdown.Do(func() {
		d.log(LogLevelInfo, "shutdown started")

		// 1. Cancel context (stops the poll loop)
		d.cancel()

		// 2. Stop producers
		if d.notifier != nil {
			d.notifier.Close()
		}
		if d.server != nil {
			d.server.Stop()
		}
		if d.httpServer != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := d.httpServer.Shutdown(ctx); err != nil {
				d.log(LogLevelWarn, "metrics server shutdown: %v", err)
			}
			cancel()
		}

		// 3. Drain in-flight with timeout
		timeout := d.config.Daemon.ShutdownTimeoutSec
		if timeout <= 0 {
			timeout = 30
		}
		deadline := time.Now().Add(time.Duration(timeout) * time.Second)

		if d.groupDone != nil {
			select {
			case <-d.groupDone:
			case <-time.After(time.Until(deadline)):
				d.log(LogLevelWarn, "poll loop did not stop within %ds", timeout)
			}
		}
		if d.pool != nil {
			if d.pool.Shutdown(time.Until(deadline)) {
				d.log(LogLevelInfo, "all workers drained")
			} else {
				d.log(LogLevelWarn, "shutdown timeout after %ds, some files are still in process", timeout)
			}
		}
		if d.poller != nil {
			d.poller.Stop()
		}

		// 4. Cleanup
		d.log(LogLevelInfo, "daemon stopped")
		d.cleanup()
	})
}

// cleanup releases resources.
func (d *Daemon) cleanup() {
	d.closeSubmitters()
	for _, unsub := range d.unsubscribe {
		unsub()
	}
	d.unsubscribe = nil
	d.bus.Close()
	if d.history != nil {
		d.history.Close()
		d.history = nil
	}
	if d.audit != nil {
		d.audit.Close()
		d.audit = nil
	}
	d.fileLock.Unlock()
	if d.logFile != nil {
		d.logFile.Close()
		d.logFile = nil
	}
}

func (d *Daemon) log(level LogLevel, format string, args ...any) {
	if level < d.logLevel {
		return
	}
	levelStr := "INFO"
	switch level {
	case LogLevelDebug:
		levelStr = "DEBUG"
	case LogLevelWarn:
		levelStr = "WARN"
	case LogLevelError:
		levelStr = "ERROR"
	}
	msg := fmt.Sprintf(format, args...)
	d.logger.Printf("%s %s daemon: %s", time.Now().Format(time.RFC3339), levelStr, msg)
}

package daemon

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/msageha/dirpoller/internal/events"
	"github.com/msageha/dirpoller/internal/lock"
	"github.com/msageha/dirpoller/internal/metrics"
	"github.com/msageha/dirpoller/internal/pipeline"
	"github.com/msageha/dirpoller/internal/statelog"
)

// DefaultBackoff is the delay before each retry, indexed by retry count.
// A file that already used every entry fails.
var DefaultBackoff = []time.Duration{
	10 * time.Second,
	30 * time.Second,
	60 * time.Second,
	300 * time.Second,
	900 * time.Second,
}

const (
	// resubmitDelay is applied to ready files the pool could not accept.
	resubmitDelay = 100 * time.Millisecond
	// minSleep is the shortest pause between two cycles.
	minSleep = 10 * time.Millisecond
)

// PollerOptions configures a Poller.
type PollerOptions struct {
	Folders      []*pipeline.Folder
	Env          *pipeline.Env
	Interval     time.Duration
	MaxInProcess int
	Backoff      []time.Duration
	// DefaultErrorHandler serves folders without their own handler and
	// processing folders that match no configured folder.
	DefaultErrorHandler pipeline.ErrorHandler

	Metrics  *metrics.Metrics
	Bus      *events.Bus
	Logger   *log.Logger
	LogLevel LogLevel
}

type folderState struct {
	folder *pipeline.Folder
	lock   *lock.FileLock

	lockFailed atomic.Bool
	// blockedUntil is a unix nano timestamp; zero means not blocked.
	blockedUntil atomic.Int64
}

// Poller scans the watched folders, tracks new files until they are stable
// and hands them to the executor. The tracking map is owned by the goroutine
// running Run.
type Poller struct {
	folders      []*folderState
	env          *pipeline.Env
	exec         executor
	retries      *RetryQueue
	interval     time.Duration
	maxInProcess int64
	backoff      []time.Duration
	onFailure    pipeline.ErrorHandler

	tracked      map[string]*pipeline.FileContext
	trackedCount atomic.Int64
	inProcess    atomic.Int64

	processingLock *lock.FileLock
	wake           chan struct{}

	metrics  *metrics.Metrics
	bus      *events.Bus
	logger   *log.Logger
	logLevel LogLevel
	now      func() time.Time
}

func NewPoller(opts PollerOptions, exec executor) *Poller {
	env := opts.Env
	if env == nil {
		env = &pipeline.Env{}
	}
	interval := opts.Interval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	maxInProcess := opts.MaxInProcess
	if maxInProcess <= 0 {
		maxInProcess = 100
	}
	backoff := opts.Backoff
	if backoff == nil {
		backoff = DefaultBackoff
	}
	m := opts.Metrics
	if m == nil {
		m = metrics.New()
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}

	p := &Poller{
		env:            env,
		exec:           exec,
		retries:        NewRetryQueue(),
		interval:       interval,
		maxInProcess:   int64(maxInProcess),
		backoff:        backoff,
		onFailure:      opts.DefaultErrorHandler,
		tracked:        make(map[string]*pipeline.FileContext),
		processingLock: lock.NewFolderLock(env.ProcessingRoot),
		wake:           make(chan struct{}, 1),
		metrics:        m,
		bus:            opts.Bus,
		logger:         logger,
		logLevel:       opts.LogLevel,
		now:            env.Now,
	}
	if p.now == nil {
		p.now = time.Now
	}
	if p.onFailure == nil {
		p.onFailure = NewAlertHandler(m, logger, opts.LogLevel)
	}
	for _, f := range opts.Folders {
		p.folders = append(p.folders, &folderState{folder: f, lock: lock.NewFolderLock(f.Path)})
	}
	return p
}

// Start locks the processing root for the lifetime of the poller and
// resumes the processing folders left by an earlier run.
func (p *Poller) Start(ctx context.Context) error {
	for _, dir := range []string{p.env.ProcessingRoot, p.env.ErrorRoot, p.env.AppProcessingRoot} {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("ensure dir %s: %w", dir, err)
		}
	}
	if err := p.processingLock.TryLock(); err != nil {
		return fmt.Errorf("processing folder lock: %w", err)
	}
	if err := p.restartProcessing(ctx); err != nil {
		p.processingLock.Unlock()
		return err
	}
	return nil
}

// Stop releases the processing root lock.
func (p *Poller) Stop() {
	if err := p.processingLock.Unlock(); err != nil {
		p.log(LogLevelWarn, "release processing folder lock: %v", err)
	}
}

// Wake starts the next cycle early. It never blocks.
func (p *Poller) Wake() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// Run polls until ctx is cancelled.
func (p *Poller) Run(ctx context.Context) error {
	p.log(LogLevelInfo, "polling %d folder(s) every %s", len(p.folders), p.interval)
	for {
		start := time.Now()
		p.cycle(ctx)
		elapsed := time.Since(start)
		p.metrics.ScanDuration.Observe(elapsed.Seconds())

		sleep := p.interval - elapsed
		if sleep <= minSleep {
			if ctx.Err() != nil {
				return nil
			}
			continue
		}
		select {
		case <-ctx.Done():
			return nil
		case <-p.wake:
		case <-time.After(sleep):
		}
	}
}

// cycle runs one poll pass.
func (p *Poller) cycle(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	if p.drainRetries(ctx) {
		if p.inProcess.Load() < p.maxInProcess {
			seen := make(map[string]bool)
			scanned := make(map[*pipeline.Folder]bool)
			for _, fs := range p.folders {
				if ctx.Err() != nil {
					return
				}
				if p.scanFolder(ctx, fs, seen) {
					scanned[fs.folder] = true
				}
			}
			p.purge(seen, scanned)
		}
	}
	p.updateGauges()
}

// drainRetries submits every due retry. It returns false when the executor
// rejected one, which skips the scan phase of this cycle.
func (p *Poller) drainRetries(ctx context.Context) bool {
	for {
		entry, ok := p.retries.PopDue(p.now())
		if !ok {
			return true
		}
		if err := p.dispatch(ctx, entry.FC); err != nil {
			p.retries.Add(entry.FC, entry.Due)
			p.log(LogLevelDebug, "retry of %s deferred: %v", entry.FC.FileID, err)
			return false
		}
	}
}

// scanFolder lists one watched folder under its lock. It reports whether
// the folder was listed.
func (p *Poller) scanFolder(ctx context.Context, fs *folderState, seen map[string]bool) bool {
	f := fs.folder
	now := p.now()
	if until := fs.blockedUntil.Load(); until != 0 {
		if now.UnixNano() < until {
			p.log(LogLevelDebug, "folder=%s input blocked until %s", f.Name, time.Unix(0, until).Format(time.RFC3339))
			return false
		}
		fs.blockedUntil.Store(0)
		p.log(LogLevelInfo, "folder=%s input unblocked", f.Name)
	}

	if err := fs.lock.TryLock(); err != nil {
		if !fs.lockFailed.Swap(true) {
			p.log(LogLevelWarn, "folder=%s lock failed, skipping until it can be acquired: %v", f.Name, err)
			p.metrics.LockFailures.WithLabelValues(f.Name).Inc()
		}
		return false
	}
	if fs.lockFailed.Swap(false) {
		p.log(LogLevelInfo, "folder=%s lock acquired again", f.Name)
	}
	defer func() {
		if err := fs.lock.Unlock(); err != nil {
			p.log(LogLevelWarn, "folder=%s unlock: %v", f.Name, err)
		}
	}()

	entries, err := os.ReadDir(f.Path)
	if err != nil {
		p.log(LogLevelError, "folder=%s scan failed: %v", f.Name, err)
		return false
	}

	// Every listed file is marked seen so purge only forgets files that
	// disappeared. Once the in-process cap is hit, tracking stops for the
	// rest of the listing.
	tracking := true
	for _, e := range entries {
		name := e.Name()
		if !e.Type().IsRegular() || pipeline.IsBookkeepingFile(name) || !f.Accepts(name) {
			continue
		}
		path := filepath.Join(f.Path, name)
		seen[path] = true

		if tracking && p.inProcess.Load() >= p.maxInProcess {
			tracking = false
		}
		if !tracking {
			continue
		}

		fc, ok := p.tracked[path]
		if !ok {
			info, err := e.Info()
			if err != nil {
				continue
			}
			fc = pipeline.NewFileContext(f, path, info, p.env)
			p.tracked[path] = fc
			p.metrics.FilesSeen.Inc()
			p.bus.Publish(events.EventFileSeen, fileEventData(fc))
			p.log(LogLevelDebug, "tracking file_id=%s path=%s", fc.FileID, path)
		}
		if !fc.RetryAt.IsZero() && now.Before(fc.RetryAt) {
			continue
		}

		ready, err := p.canStartProcessing(ctx, fc)
		if err != nil {
			delete(p.tracked, path)
			p.handleFileError(fc, err)
			continue
		}
		if !ready {
			continue
		}
		delete(p.tracked, path)
		if err := p.dispatch(ctx, fc); err != nil {
			p.log(LogLevelDebug, "file_id=%s queued for resubmission: %v", fc.FileID, err)
			p.retries.Add(fc, p.now().Add(resubmitDelay))
		}
	}
	return true
}

// canStartProcessing advances a tracked file until it sits in its
// processing folder. It counts the file against the in-process cap once.
func (p *Poller) canStartProcessing(ctx context.Context, fc *pipeline.FileContext) (bool, error) {
	for fc.State.Before(statelog.InProcessing) {
		from := fc.State.ID
		ready, err := fc.Advance(ctx)
		if err != nil {
			return false, err
		}
		if !ready {
			return false, nil
		}
		p.publishTransition(fc, from)
	}
	fc.RetryAt = time.Time{}
	if !fc.InFlight {
		fc.InFlight = true
		p.inProcess.Add(1)
	}
	return true, nil
}

// dispatch hands fc to the executor. Tasks outlive ctx cancellation so a
// started submission is not cut off by shutdown.
func (p *Poller) dispatch(ctx context.Context, fc *pipeline.FileContext) error {
	taskCtx := context.WithoutCancel(ctx)
	return p.exec.Submit(func() { p.process(taskCtx, fc) })
}

// park puts a file that failed before reaching its processing folder back
// into the tracking map until fc.RetryAt.
func (p *Poller) park(fc *pipeline.FileContext) {
	p.tracked[fc.OriginalFile] = fc
}

func (p *Poller) purge(seen map[string]bool, scanned map[*pipeline.Folder]bool) {
	for path, fc := range p.tracked {
		if scanned[fc.Folder] && !seen[path] {
			p.log(LogLevelDebug, "file_id=%s path=%s disappeared, no longer tracked", fc.FileID, path)
			delete(p.tracked, path)
		}
	}
}

func (p *Poller) updateGauges() {
	p.trackedCount.Store(int64(len(p.tracked)))
	p.metrics.Tracked.Set(float64(len(p.tracked)))
	p.metrics.InProcess.Set(float64(p.inProcess.Load()))
	p.metrics.RetryQueue.Set(float64(p.retries.Len()))
	if pool, ok := p.exec.(*WorkerPool); ok {
		st := pool.Stats()
		p.metrics.PoolWorkers.Set(float64(st.Workers))
		p.metrics.PoolQueued.Set(float64(st.Queued))
	}
}

// blockFolder pauses intake for folder until until.
func (p *Poller) blockFolder(folder *pipeline.Folder, until time.Time) {
	for _, fs := range p.folders {
		if fs.folder == folder {
			fs.blockedUntil.Store(until.UnixNano())
			p.log(LogLevelWarn, "folder=%s input blocked until %s", folder.Name, until.Format(time.RFC3339))
			return
		}
	}
}

func (p *Poller) folderByName(name string) *pipeline.Folder {
	for _, fs := range p.folders {
		if fs.folder.Name == name {
			return fs.folder
		}
	}
	return nil
}

func (p *Poller) publishTransition(fc *pipeline.FileContext, from statelog.StateID) {
	data := fileEventData(fc)
	data["from"] = from.String()
	data["to"] = fc.State.String()
	p.bus.Publish(events.EventStateChanged, data)
}

// FolderStatus describes one watched folder.
type FolderStatus struct {
	Name         string     `json:"name"`
	Path         string     `json:"path"`
	LockFailed   bool       `json:"lock_failed"`
	BlockedUntil *time.Time `json:"blocked_until,omitempty"`
}

// RetryStatus describes one queued retry.
type RetryStatus struct {
	FileID     string    `json:"file_id"`
	State      string    `json:"state"`
	RetryCount int       `json:"retry_count"`
	Due        time.Time `json:"due"`
}

// PollerStatus is the snapshot served by the status command.
type PollerStatus struct {
	InProcess int            `json:"in_process"`
	Tracked   int            `json:"tracked"`
	Retries   []RetryStatus  `json:"retries"`
	Folders   []FolderStatus `json:"folders"`
	Pool      *PoolStats     `json:"pool,omitempty"`
}

// Status may be called from any goroutine.
func (p *Poller) Status() PollerStatus {
	st := PollerStatus{
		InProcess: int(p.inProcess.Load()),
		Tracked:   int(p.trackedCount.Load()),
		Retries:   []RetryStatus{},
	}
	for _, e := range p.retries.Snapshot() {
		st.Retries = append(st.Retries, RetryStatus{
			FileID:     e.FC.FileID,
			State:      e.FC.State.String(),
			RetryCount: e.FC.RetryCount,
			Due:        e.Due,
		})
	}
	for _, fs := range p.folders {
		fst := FolderStatus{Name: fs.folder.Name, Path: fs.folder.Path, LockFailed: fs.lockFailed.Load()}
		if until := fs.blockedUntil.Load(); until != 0 {
			t := time.Unix(0, until)
			fst.BlockedUntil = &t
		}
		st.Folders = append(st.Folders, fst)
	}
	if pool, ok := p.exec.(*WorkerPool); ok {
		ps := pool.Stats()
		st.Pool = &ps
	}
	return st
}

func fileEventData(fc *pipeline.FileContext) map[string]any {
	folder := ""
	if fc.Folder != nil {
		folder = fc.Folder.Name
	}
	return map[string]any{
		"file_id":       fc.FileID,
		"folder":        folder,
		"original_file": fc.OriginalFile,
		"current_file":  fc.CurrentFile,
		"state":         fc.State.String(),
		"retry_count":   fc.RetryCount,
		"size":          fc.Size,
	}
}

func (p *Poller) log(level LogLevel, format string, args ...any) {
	if level < p.logLevel {
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
	p.logger.Printf("%s %s poller: %s", time.Now().Format(time.RFC3339), levelStr, msg)
}

package daemon

import (
	"bytes"
	"context"
	"log"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/msageha/dirpoller/internal/lock"
	"github.com/msageha/dirpoller/internal/metrics"
	"github.com/msageha/dirpoller/internal/pipeline"
	"github.com/msageha/dirpoller/internal/submit"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// inlineExecutor runs every task on the calling goroutine.
type inlineExecutor struct{}

func (inlineExecutor) Submit(task func()) error {
	task()
	return nil
}

type rejectingExecutor struct{}

func (rejectingExecutor) Submit(func()) error { return ErrPoolSaturated }

// deferredExecutor keeps tasks until the test runs them.
type deferredExecutor struct {
	tasks []func()
}

func (d *deferredExecutor) Submit(task func()) error {
	d.tasks = append(d.tasks, task)
	return nil
}

func (d *deferredExecutor) runAll() {
	tasks := d.tasks
	d.tasks = nil
	for _, task := range tasks {
		task()
	}
}

type recordingSubmitter struct {
	mu   sync.Mutex
	jobs []*submit.Job
	errs []error
	// always, when set, is returned once errs is exhausted.
	always error
}

func (r *recordingSubmitter) Submit(_ context.Context, job *submit.Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs = append(r.jobs, job)
	if len(r.errs) > 0 {
		err := r.errs[0]
		r.errs = r.errs[1:]
		return err
	}
	return r.always
}

func (r *recordingSubmitter) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.jobs)
}

func (r *recordingSubmitter) setAlways(err error) {
	r.mu.Lock()
	r.always = err
	r.mu.Unlock()
}

type harness struct {
	root    string
	watched string
	env     *pipeline.Env
	clock   *testClock
	folder  *pipeline.Folder
	sub     *recordingSubmitter
	metrics *metrics.Metrics
	logs    *bytes.Buffer
	p       *Poller
}

// newHarness prepares the directories and a poller for folder "IN". The
// poller is not started.
func newHarness(t *testing.T, exec executor) *harness {
	t.Helper()
	root := t.TempDir()
	h := &harness{
		root:    root,
		watched: filepath.Join(root, "in"),
		clock:   newTestClock(),
		sub:     &recordingSubmitter{},
		metrics: metrics.New(),
		logs:    &bytes.Buffer{},
	}
	h.env = &pipeline.Env{
		ProcessingRoot:    filepath.Join(root, "processing"),
		AppProcessingRoot: filepath.Join(root, "app"),
		ErrorRoot:         filepath.Join(root, "error"),
		Now:               h.clock.Now,
	}
	for _, dir := range []string{h.watched, h.env.ProcessingRoot, h.env.AppProcessingRoot, h.env.ErrorRoot} {
		require.NoError(t, os.MkdirAll(dir, 0755))
	}
	h.folder = h.newFolder(t, h.sub)
	h.p = h.newPoller(exec)
	return h
}

func (h *harness) newFolder(t *testing.T, sub submit.Submitter) *pipeline.Folder {
	t.Helper()
	filter, err := pipeline.NewGlobFilter("*.xml")
	require.NoError(t, err)
	return &pipeline.Folder{
		Name:     "IN",
		Path:     h.watched,
		Filter:   filter,
		CanRetry: true,
		Job: pipeline.JobSpec{
			Name:       "import",
			Parameters: []pipeline.Parameter{{Name: "path", Type: pipeline.ParamFilePath}},
		},
		Submitter: sub,
	}
}

func (h *harness) newPoller(exec executor) *Poller {
	return NewPoller(PollerOptions{
		Folders:  []*pipeline.Folder{h.folder},
		Env:      h.env,
		Interval: time.Second,
		Metrics:  h.metrics,
		Logger:   log.New(h.logs, "", 0),
		LogLevel: LogLevelDebug,
	}, exec)
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	require.NoError(t, h.p.Start(context.Background()))
	p := h.p
	t.Cleanup(p.Stop)
}

func (h *harness) drop(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(h.watched, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func (h *harness) cycle() {
	h.p.cycle(context.Background())
}

// names lists dir without lock sentinels.
func names(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	var out []string
	for _, e := range entries {
		if e.Name() == lock.FolderLockName {
			continue
		}
		out = append(out, e.Name())
	}
	sort.Strings(out)
	return out
}

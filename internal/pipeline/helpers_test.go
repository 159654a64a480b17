package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/msageha/dirpoller/internal/statelog"
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

type recordingSubmitter struct {
	mu   sync.Mutex
	jobs []*submit.Job
	errs []error
}

// Submit returns the queued errors in order, then succeeds.
func (r *recordingSubmitter) Submit(_ context.Context, job *submit.Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs = append(r.jobs, job)
	if len(r.errs) > 0 {
		err := r.errs[0]
		r.errs = r.errs[1:]
		return err
	}
	return nil
}

func (r *recordingSubmitter) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.jobs)
}

type fixture struct {
	watched string
	env     *Env
	clock   *testClock
	folder  *Folder
	sub     *recordingSubmitter
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	root := t.TempDir()
	f := &fixture{
		watched: filepath.Join(root, "in"),
		clock:   newTestClock(),
		sub:     &recordingSubmitter{},
	}
	f.env = &Env{
		ProcessingRoot:    filepath.Join(root, "processing"),
		AppProcessingRoot: filepath.Join(root, "app"),
		ErrorRoot:         filepath.Join(root, "error"),
		Now:               f.clock.Now,
	}
	for _, dir := range []string{f.watched, f.env.ProcessingRoot, f.env.AppProcessingRoot, f.env.ErrorRoot} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			t.Fatalf("mkdir %s: %v", dir, err)
		}
	}
	f.folder = &Folder{
		Name:      "IN",
		Path:      f.watched,
		Submitter: f.sub,
		Job: JobSpec{
			Name:       "import",
			Parameters: []Parameter{{Name: "path", Type: ParamFilePath}},
		},
	}
	return f
}

// drop writes a file into the watched folder and returns a tracking context for it.
func (f *fixture) drop(t *testing.T, name, content string) *FileContext {
	t.Helper()
	path := filepath.Join(f.watched, name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat %s: %v", path, err)
	}
	return NewFileContext(f.folder, path, info, f.env)
}

// runToEnd advances fc until it is finished or fails.
func runToEnd(t *testing.T, fc *FileContext) error {
	t.Helper()
	for i := 0; i < 20; i++ {
		if fc.State.Finished() {
			return nil
		}
		ready, err := fc.Advance(context.Background())
		if err != nil {
			return err
		}
		if !ready {
			t.Fatalf("state %s not ready", fc.State)
		}
	}
	t.Fatalf("context did not finish: %s", fc)
	return nil
}

func readLog(t *testing.T, dir string) []statelog.Entry {
	t.Helper()
	entries, err := statelog.ReadFile(filepath.Join(dir, statelog.FileName))
	if err != nil {
		t.Fatalf("read state log: %v", err)
	}
	return entries
}

func entryStates(entries []statelog.Entry) []statelog.StateID {
	ids := make([]statelog.StateID, len(entries))
	for i, e := range entries {
		ids[i] = e.State
	}
	return ids
}

func submitUnavailable(err error) error { return submit.Unavailable(err) }

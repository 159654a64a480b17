package daemon

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/msageha/dirpoller/internal/events"
	"github.com/msageha/dirpoller/internal/pipeline"
	"github.com/msageha/dirpoller/internal/statelog"
)

// process runs on a worker: it executes fc's states until the file is
// finished or a state fails.
func (p *Poller) process(ctx context.Context, fc *pipeline.FileContext) {
	for !fc.State.Finished() {
		from := fc.State.ID
		start := time.Now()
		ready, err := fc.Advance(ctx)
		if from == statelog.Trigger {
			p.metrics.TriggerDuration.Observe(time.Since(start).Seconds())
		}
		if err != nil {
			p.handleFileError(fc, err)
			return
		}
		if !ready {
			p.handleFileError(fc, pipeline.Internal(fmt.Sprintf("state %s was not ready on a worker", from)))
			return
		}
		p.publishTransition(fc, from)
	}
	p.fileFinished(fc)
}

// fileFinished releases a completed file and deletes its processing folder.
func (p *Poller) fileFinished(fc *pipeline.FileContext) {
	if err := fc.CloseLog(); err != nil {
		p.log(LogLevelWarn, "file_id=%s close state log: %v", fc.FileID, err)
	}
	p.release(fc)

	if fc.ProcessingFolder != "" {
		if err := os.RemoveAll(fc.ProcessingFolder); err != nil {
			p.log(LogLevelError, "file_id=%s remove processing folder %s: %v", fc.FileID, fc.ProcessingFolder, err)
		}
	}

	p.metrics.FilesSucceeded.Inc()
	p.metrics.FileSize.Observe(float64(fc.Size))
	if len(fc.History) > 0 {
		p.metrics.ProcessingDuration.Observe(p.now().Sub(fc.History[0].At).Seconds())
	}
	p.bus.Publish(events.EventFileFinished, fileEventData(fc))
	p.log(LogLevelInfo, "file_id=%s finished original=%s", fc.FileID, fc.OriginalFile)
}

// release takes fc off the in-process count if it is on it.
func (p *Poller) release(fc *pipeline.FileContext) {
	if fc.InFlight {
		fc.InFlight = false
		p.inProcess.Add(-1)
	}
}

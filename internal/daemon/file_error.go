package daemon

import (
	"fmt"

	"github.com/msageha/dirpoller/internal/events"
	"github.com/msageha/dirpoller/internal/pipeline"
	"github.com/msageha/dirpoller/internal/statelog"
)

// handleFileError schedules a retry for retryable failures while the
// backoff table lasts, otherwise fails the file.
//
// Files that never reached their processing folder go back to the tracking
// map; all others wait in the retry queue.
func (p *Poller) handleFileError(fc *pipeline.FileContext, err error) {
	kind := pipeline.KindOf(err)
	if kind.Retryable() && fc.RetryCount < len(p.backoff) {
		due := p.now().Add(p.backoff[fc.RetryCount])
		fc.RetryCount++
		if kind == pipeline.KindRetryBlockInput && fc.Folder != nil {
			p.blockFolder(fc.Folder, due)
		}

		// Once queued, fc may be picked up by another worker; nothing below
		// the Add reads it.
		data := fileEventData(fc)
		data["kind"] = kind.String()
		data["error"] = err.Error()
		data["due"] = due
		msg := fmt.Sprintf("file_id=%s state=%s retry %d/%d at %s: %v",
			fc.FileID, fc.State, fc.RetryCount, len(p.backoff), due.Format("15:04:05"), err)

		if fc.State.Before(statelog.InProcessing) {
			fc.RetryAt = due
			p.park(fc)
		} else {
			p.retries.Add(fc, due)
		}

		p.metrics.Retries.WithLabelValues(kind.String()).Inc()
		p.bus.Publish(events.EventFileRetry, data)
		p.log(LogLevelWarn, "%s", msg)
		return
	}

	if kind == pipeline.KindInternal {
		p.log(LogLevelError, "file_id=%s internal error in state %s: %v", fc.FileID, fc.State, err)
	}
	p.failFile(fc, err)
}

// failFile moves fc to the error area and reports it to the error handler.
func (p *Poller) failFile(fc *pipeline.FileContext, cause error) {
	kind := pipeline.KindOf(cause)
	dest, err := fc.MoveToErrorArea(cause)
	if err != nil {
		p.log(LogLevelError, "file_id=%s unable to move to the error folder: %v", fc.FileID, err)
	}
	p.release(fc)
	p.metrics.FilesFailed.Inc()

	data := fileEventData(fc)
	data["kind"] = kind.String()
	data["error"] = cause.Error()
	data["error_folder"] = dest
	p.bus.Publish(events.EventFileFailed, data)

	handler := p.onFailure
	if fc.Folder != nil && fc.Folder.ErrorHandler != nil {
		handler = fc.Folder.ErrorHandler
	}
	handler.HandleFileError(fc, cause)
}

package daemon

import (
	"fmt"
	"log"
	"time"

	"github.com/msageha/dirpoller/internal/metrics"
	"github.com/msageha/dirpoller/internal/pipeline"
)

// Error handler names accepted in folder configuration.
const (
	ErrorHandlerAlert = "alert"
	ErrorHandlerLog   = "log"
)

// NewErrorHandler returns the handler registered under name.
func NewErrorHandler(name string, m *metrics.Metrics, logger *log.Logger, level LogLevel) (pipeline.ErrorHandler, error) {
	switch name {
	case "", ErrorHandlerAlert:
		return NewAlertHandler(m, logger, level), nil
	case ErrorHandlerLog:
		return NewLogHandler(logger, level), nil
	default:
		return nil, fmt.Errorf("unknown error handler %q", name)
	}
}

// NewAlertHandler raises an alert for every failed file: an error line in
// the log and the alerts counter.
func NewAlertHandler(m *metrics.Metrics, logger *log.Logger, level LogLevel) pipeline.ErrorHandler {
	return pipeline.ErrorHandlerFunc(func(fc *pipeline.FileContext, cause error) {
		if m != nil {
			m.Alerts.Inc()
		}
		logHandler(logger, level, LogLevelError, "ALERT file processing failed", fc, cause)
	})
}

// NewLogHandler only logs failed files at warn level.
func NewLogHandler(logger *log.Logger, level LogLevel) pipeline.ErrorHandler {
	return pipeline.ErrorHandlerFunc(func(fc *pipeline.FileContext, cause error) {
		logHandler(logger, level, LogLevelWarn, "file processing failed", fc, cause)
	})
}

func logHandler(logger *log.Logger, threshold, level LogLevel, msg string, fc *pipeline.FileContext, cause error) {
	if logger == nil || level < threshold {
		return
	}
	levelStr := "ERROR"
	if level == LogLevelWarn {
		levelStr = "WARN"
	}
	folder := ""
	if fc.Folder != nil {
		folder = fc.Folder.Name
	}
	logger.Printf("%s %s error_handler: %s file_id=%s folder=%s original=%s location=%s kind=%s: %v",
		time.Now().Format(time.RFC3339), levelStr, msg,
		fc.FileID, folder, fc.OriginalFile, fc.ProcessingFolder, pipeline.KindOf(cause), cause)
}

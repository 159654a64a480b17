package daemon

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/msageha/dirpoller/internal/events"
	"github.com/msageha/dirpoller/internal/pipeline"
)

// restartProcessing resumes every processing folder found at startup.
// Folders whose watched folder is no longer configured, and folders that
// cannot be restored, go to the error area.
func (p *Poller) restartProcessing(ctx context.Context) error {
	root := p.env.ProcessingRoot
	entries, err := os.ReadDir(root)
	if err != nil {
		return fmt.Errorf("read processing folder %s: %w", root, err)
	}

	restarted := 0
	for _, e := range entries {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !e.IsDir() {
			continue
		}
		name := e.Name()
		dir := filepath.Join(root, name)

		var folder *pipeline.Folder
		if folderName, _, ok := pipeline.SplitProcessingFolderName(name); ok {
			folder = p.folderByName(folderName)
		}

		fc, restoreErr := pipeline.RestoreFileContext(folder, dir, p.env)
		fc.InFlight = true
		p.inProcess.Add(1)
		restarted++
		p.metrics.FilesRestarted.Inc()
		p.bus.Publish(events.EventFileRestarted, fileEventData(fc))

		switch {
		case folder == nil:
			p.log(LogLevelWarn, "processing folder %s belongs to no configured folder", name)
			p.failFile(fc, pipeline.Abort("no configured input folder for processing folder "+name, nil))
		case restoreErr != nil:
			p.handleFileError(fc, pipeline.Abort("processing could not be resumed", restoreErr))
		case fc.State.Finished():
			p.log(LogLevelInfo, "file_id=%s already finished, removing %s", fc.FileID, dir)
			p.fileFinished(fc)
		default:
			p.log(LogLevelInfo, "file_id=%s resuming from %s", fc.FileID, dir)
			p.retries.Add(fc, p.now())
		}
	}
	if restarted > 0 {
		p.log(LogLevelInfo, "restarted %d processing folder(s)", restarted)
	}
	return nil
}

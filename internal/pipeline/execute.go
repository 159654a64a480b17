package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/msageha/dirpoller/internal/lock"
	"github.com/msageha/dirpoller/internal/statelog"
	"github.com/msageha/dirpoller/internal/submit"
)

// Advance executes the current state once. It returns false when the state
// is not ready yet; that path has no side effects and may be repeated. On
// success the context holds the next state.
func (fc *FileContext) Advance(ctx context.Context) (bool, error) {
	switch fc.State.ID {
	case statelog.Tracking:
		return fc.track(), nil
	case statelog.MoveToProcessing:
		return fc.moveToProcessing()
	case statelog.InProcessing:
		return true, fc.inProcessing()
	case statelog.MoveToAppProcessing:
		return true, fc.moveToAppProcessing()
	case statelog.Trigger:
		return true, fc.trigger(ctx)
	case statelog.Resume:
		return true, fc.resume()
	case statelog.Finished:
		return true, nil
	default:
		return false, Internal(fmt.Sprintf("state %s cannot be executed", fc.State))
	}
}

// track reports ready once size and mtime stayed unchanged for the folder's
// track time. Any change restarts the window.
func (fc *FileContext) track() bool {
	info, err := os.Stat(fc.CurrentFile)
	if err != nil {
		return false
	}
	if info.Size() != fc.Size || !info.ModTime().Equal(fc.ModTime) {
		fc.Size = info.Size()
		fc.ModTime = info.ModTime()
		fc.unchangedSince = time.Time{}
		return false
	}

	now := fc.env.now()
	if fc.unchangedSince.IsZero() {
		fc.unchangedSince = now
	}
	if now.Sub(fc.unchangedSince) < fc.Folder.TrackTime {
		return false
	}

	fc.setState(MoveToProcessingState())
	return true
}

func (fc *FileContext) moveToProcessing() (bool, error) {
	if fc.FileID == "" {
		return false, Internal("file id is not set")
	}
	src := fc.CurrentFile

	release, err := lock.TryLockFile(src)
	switch {
	case errors.Is(err, lock.ErrLocked):
		return false, nil
	case os.IsPermission(err):
		return false, Abort("file could not be locked, check write permissions: "+src, err)
	case err != nil:
		return false, Retry("file locking failed: "+src, err)
	}
	defer release()

	if fc.ProcessingFolder == "" {
		dir := filepath.Join(fc.env.ProcessingRoot, fc.FileID)
		if err := os.Mkdir(dir, 0755); err != nil && !os.IsExist(err) {
			return false, Abort("unable to create the processing folder: "+dir, err)
		}
		fc.ProcessingFolder = dir
	}

	dst := filepath.Join(fc.ProcessingFolder, filepath.Base(src))
	if err := moveFile(src, dst); err != nil {
		return false, Retry(fmt.Sprintf("the renaming of file %s to %s failed", src, dst), err)
	}
	fc.CurrentFile = dst

	fc.setState(InProcessingState())
	return true, nil
}

func (fc *FileContext) inProcessing() error {
	if fc.CurrentFile == "" {
		return Abort("current file is not set", nil)
	}
	if _, err := os.Stat(fc.CurrentFile); err != nil {
		return Abort("file does not exist: "+fc.CurrentFile, err)
	}
	if fc.Folder == nil {
		return Internal("configured input folder is not set")
	}

	rec := statelog.InProcessingRecord{
		FileID:         fc.FileID,
		OriginalPath:   fc.OriginalFile,
		ProcessingPath: fc.CurrentFile,
		Size:           fc.Size,
		LastModified:   fc.ModTime.UnixMilli(),
	}
	if err := fc.writeEntry(statelog.InProcessing, rec, true); err != nil {
		return err
	}

	if fc.Folder.MoveFile {
		fc.setState(MoveToAppProcessingState())
	} else {
		fc.setState(TriggerState())
	}
	return nil
}

func (fc *FileContext) moveToAppProcessing() error {
	appRoot := fc.env.AppProcessingRoot
	if appRoot == "" {
		return Abort("trigger requires an application processing folder but it has not been configured", nil)
	}
	if fc.FileID == "" {
		return Internal("file id is not set")
	}

	s := &fc.State
	if s.appMoved {
		fc.setState(TriggerState())
		return nil
	}
	if s.appSrc == "" {
		s.appSrc = fc.CurrentFile
	}
	if s.appDst == "" {
		s.appDst = filepath.Join(appRoot, fc.FileID+filepath.Ext(s.appSrc))
	}

	rec := statelog.AppMoveRecord{Src: s.appSrc, Dst: s.appDst}
	if err := fc.writeEntry(statelog.MoveToAppProcessing, rec, false); err != nil {
		return err
	}
	if !alreadyMoved(s.appSrc, s.appDst) {
		if err := moveFile(s.appSrc, s.appDst); err != nil {
			return Retry(fmt.Sprintf("the renaming of file %s to %s failed", s.appSrc, s.appDst), err)
		}
	}
	if err := fc.finishEntry(); err != nil {
		return err
	}

	fc.CurrentFile = s.appDst
	fc.setState(TriggerState())
	return nil
}

func (fc *FileContext) trigger(ctx context.Context) error {
	if fc.Folder == nil || fc.Folder.Submitter == nil {
		return Internal("no submitter configured for the input folder")
	}
	s := &fc.State
	if s.triggerSent {
		if s.triggerSucceeded {
			fc.setState(FinishedState())
			return nil
		}
		if !fc.Folder.CanRetry {
			return Abort("job has already been sent and probably failed", nil)
		}
	}

	job, err := BuildJob(fc)
	if err != nil {
		return buildFailure(err)
	}

	if err := fc.writeEntry(statelog.Trigger, nil, false); err != nil {
		return err
	}
	s.triggerSent = true

	if err := fc.Folder.Submitter.Submit(ctx, job); err != nil {
		return classifySubmitError(fc, err)
	}

	if err := fc.finishEntry(); err != nil {
		return err
	}
	s.triggerSucceeded = true
	fc.setState(FinishedState())
	return nil
}

// buildFailure retries a failed payload build, pausing intake when the
// input's storage is unreachable.
func buildFailure(err error) error {
	const msg = "unable to create the job payload"
	if submit.IsUnavailable(err) {
		return BlockInput(msg, err)
	}
	return Retry(msg, err)
}

func classifySubmitError(fc *FileContext, err error) error {
	msg := "error triggering the job for " + fc.CurrentFile
	switch {
	case submit.IsPermanent(err):
		return Abort(msg, err)
	case !fc.Folder.CanRetry:
		return Abort(msg, err)
	case submit.IsUnavailable(err):
		return BlockInput(msg, err)
	default:
		return Retry(msg, err)
	}
}

func (fc *FileContext) resume() error {
	rec := statelog.ResumeRecord{ProcessingFolder: fc.ProcessingFolder}
	if err := fc.writeEntry(statelog.Resume, rec, false); err != nil {
		return err
	}

	last := fc.State.resumeTo
	for last != nil && last.ID == statelog.Resume {
		last = last.resumeTo
	}
	if last != nil {
		fc.setState(*last)
	} else {
		file, err := findProcessingFile(fc.ProcessingFolder)
		if err != nil {
			return Abort("no file found from the processing folder: "+fc.ProcessingFolder, err)
		}
		info, err := os.Stat(file)
		if err != nil {
			return Abort("file does not exist: "+file, err)
		}
		fc.OriginalFile = file
		fc.CurrentFile = file
		fc.Size = info.Size()
		fc.ModTime = info.ModTime()
		fc.setState(InProcessingState())
	}

	return fc.finishEntry()
}

type binaryRecord interface {
	MarshalBinary() ([]byte, error)
}

func (fc *FileContext) writeEntry(id statelog.StateID, rec binaryRecord, finished bool) error {
	l, err := fc.stateLog()
	if err != nil {
		return err
	}
	var payload []byte
	if rec != nil {
		if payload, err = rec.MarshalBinary(); err != nil {
			return Abort("unable to encode state "+id.String(), err)
		}
	}
	if err := l.Start(id, payload, finished); err != nil {
		return Abort("unable to write state "+id.String()+" to the file state log", err)
	}
	return nil
}

func (fc *FileContext) finishEntry() error {
	l, err := fc.stateLog()
	if err != nil {
		return err
	}
	if err := l.Finish(); err != nil {
		if errors.Is(err, statelog.ErrNoStartEntry) {
			return Internal("no start entry written")
		}
		return Abort("unable to write state finished timestamp to the file state log", err)
	}
	return nil
}

// findProcessingFile returns the first file in dir that is not bookkeeping.
func findProcessingFile(dir string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", err
	}
	for _, e := range entries {
		if e.IsDir() || IsBookkeepingFile(e.Name()) {
			continue
		}
		return filepath.Join(dir, e.Name()), nil
	}
	return "", os.ErrNotExist
}

// IsBookkeepingFile reports whether name is written by the poller itself.
func IsBookkeepingFile(name string) bool {
	return name == statelog.FileName || name == ErrorInfoFileName || name == lock.FolderLockName
}

// moveFile renames src to dst, refusing to overwrite. Both paths must be on
// the same filesystem.
func moveFile(src, dst string) error {
	if _, err := os.Lstat(dst); err == nil {
		return fmt.Errorf("destination file already exists: %s", dst)
	}
	return os.Rename(src, dst)
}

func alreadyMoved(src, dst string) bool {
	if _, err := os.Stat(src); !os.IsNotExist(err) {
		return false
	}
	_, err := os.Stat(dst)
	return err == nil
}

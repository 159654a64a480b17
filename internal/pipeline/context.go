// Package pipeline implements the per-file state machine: tracking a file in
// a watched folder until it is stable, isolating it in a processing folder,
// triggering the downstream job and recording every step in the state log.
package pipeline

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/msageha/dirpoller/internal/statelog"
)

// Env holds the roots and clock shared by all contexts of one poller.
type Env struct {
	ProcessingRoot    string
	AppProcessingRoot string
	ErrorRoot         string
	Now               func() time.Time
}

func (e *Env) now() time.Time {
	if e.Now == nil {
		return time.Now()
	}
	return e.Now()
}

// ErrorHandler is called after a failed file was moved to the error area.
type ErrorHandler interface {
	HandleFileError(fc *FileContext, cause error)
}

// ErrorHandlerFunc adapts a function to ErrorHandler.
type ErrorHandlerFunc func(fc *FileContext, cause error)

func (f ErrorHandlerFunc) HandleFileError(fc *FileContext, cause error) { f(fc, cause) }

// FileContext tracks one input file through the pipeline.
//
// A context is advanced by exactly one goroutine at a time: the poller while
// the file is tracked, then a single worker task.
type FileContext struct {
	FileID           string
	OriginalFile     string
	CurrentFile      string
	ProcessingFolder string
	Folder           *Folder

	State   State
	History []Snapshot

	RetryCount int
	Size       int64
	ModTime    time.Time

	// InFlight is set while the file counts against the in-process cap.
	InFlight bool
	// RetryAt parks a not-yet-moved file in the tracking map until it is due.
	RetryAt time.Time

	unchangedSince time.Time
	env            *Env
	log            *statelog.Log
}

// NewFileID returns "<FOLDER>-<guid without dashes>".
func NewFileID(folder *Folder) string {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	if folder == nil {
		return id
	}
	return folder.Name + "-" + id
}

// SplitProcessingFolderName splits "<FOLDER>-<id>" at the last '-'.
// ok is false when the name has no folder part.
func SplitProcessingFolderName(name string) (folder, id string, ok bool) {
	i := strings.LastIndexByte(name, '-')
	if i <= 0 {
		return "", "", false
	}
	return name[:i], name[i+1:], true
}

// NewFileContext creates the context for a newly seen file in folder.
// The file's current size and mtime become the first observation.
func NewFileContext(folder *Folder, path string, info os.FileInfo, env *Env) *FileContext {
	fc := &FileContext{
		FileID:       NewFileID(folder),
		OriginalFile: path,
		CurrentFile:  path,
		Folder:       folder,
		env:          env,
	}
	if info != nil {
		fc.Size = info.Size()
		fc.ModTime = info.ModTime()
	}
	fc.setState(TrackingState())
	return fc
}

// RestoreFileContext rebuilds the context of a processing folder left over by
// an earlier run. The returned context is in the Resume state.
func RestoreFileContext(folder *Folder, processingFolder string, env *Env) (*FileContext, error) {
	fc := &FileContext{
		Folder:           folder,
		ProcessingFolder: processingFolder,
		env:              env,
	}

	var last *State
	entries, err := statelog.ReadFile(fc.logPath())
	switch {
	case err == nil:
		last = fc.replay(entries)
	case errors.Is(err, os.ErrNotExist):
	default:
		return fc, Abort("unable to read the file state log", err)
	}

	if fc.FileID == "" {
		fc.FileID = filepath.Base(processingFolder)
	}
	fc.setState(ResumeState(last))
	return fc, nil
}

// replay applies entries to fc and returns the last complete state, or nil.
// Consecutive entries of the same type update a single state.
func (fc *FileContext) replay(entries []statelog.Entry) *State {
	var cur *State
	for _, e := range entries {
		var s State
		if cur != nil && cur.ID == e.State {
			s = *cur
		} else {
			var prev *State
			if cur != nil {
				p := *cur
				prev = &p
			}
			s = stateFor(e.State, prev)
		}
		if err := fc.apply(&s, e); err != nil {
			break
		}
		cur = &s
	}
	return cur
}

func (fc *FileContext) apply(s *State, e statelog.Entry) error {
	switch e.State {
	case statelog.InProcessing:
		var r statelog.InProcessingRecord
		if err := r.UnmarshalBinary(e.Payload); err != nil {
			return err
		}
		fc.FileID = r.FileID
		fc.OriginalFile = r.OriginalPath
		fc.CurrentFile = r.ProcessingPath
		fc.Size = r.Size
		fc.ModTime = time.UnixMilli(r.LastModified)
	case statelog.Resume:
		var r statelog.ResumeRecord
		if err := r.UnmarshalBinary(e.Payload); err != nil {
			return err
		}
	case statelog.MoveToAppProcessing:
		var r statelog.AppMoveRecord
		if err := r.UnmarshalBinary(e.Payload); err != nil {
			return err
		}
		s.appSrc, s.appDst = r.Src, r.Dst
		if e.IsFinished() {
			s.appMoved = true
			fc.CurrentFile = r.Dst
		}
	case statelog.Trigger:
		s.triggerSent = true
		s.triggerSucceeded = e.IsFinished()
	}
	return nil
}

func (fc *FileContext) setState(s State) {
	fc.State = s
	fc.History = append(fc.History, Snapshot{State: s.ID, At: fc.env.now()})
}

func (fc *FileContext) logPath() string {
	return filepath.Join(fc.ProcessingFolder, statelog.FileName)
}

// stateLog returns the log of the processing folder, opening it on first use.
func (fc *FileContext) stateLog() (*statelog.Log, error) {
	if fc.log != nil {
		return fc.log, nil
	}
	if fc.ProcessingFolder == "" {
		return nil, Internal("processing folder is not set")
	}
	fc.log = statelog.New(fc.logPath())
	fc.log.Now = fc.env.now
	return fc.log, nil
}

// CloseLog releases the state log file handle.
func (fc *FileContext) CloseLog() error {
	if fc.log == nil {
		return nil
	}
	err := fc.log.Close()
	fc.log = nil
	return err
}

// Env returns the environment the context was created with.
func (fc *FileContext) Env() *Env { return fc.env }

func (fc *FileContext) String() string {
	return fmt.Sprintf("%s[%s %s]", fc.FileID, fc.State, fc.CurrentFile)
}

package pipeline

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/msageha/dirpoller/internal/model"
	"github.com/msageha/dirpoller/internal/statelog"
	"github.com/msageha/dirpoller/internal/yaml"
)

// ErrorInfoFileName is the diagnostic written next to a failed file.
const ErrorInfoFileName = "__FC_ERROR_INFO.yaml"

// ErrErrorFolderExists is returned when the error area already holds a
// folder with the same name.
var ErrErrorFolderExists = errors.New("error folder already exists")

// MoveToErrorArea closes the state log, moves the file's folder into the
// error root and writes the diagnostic there. A file that never reached the
// processing root is moved into a new "<errorRoot>/<fileId>" folder. The
// returned path is the folder in the error area; it is set even when only the
// diagnostic could not be written.
func (fc *FileContext) MoveToErrorArea(cause error) (string, error) {
	if err := fc.CloseLog(); err != nil {
		return "", fmt.Errorf("close state log: %w", err)
	}
	root := fc.env.ErrorRoot
	if root == "" {
		return "", fmt.Errorf("error folder is not configured")
	}

	var dest string
	if fc.ProcessingFolder != "" {
		dest = filepath.Join(root, filepath.Base(fc.ProcessingFolder))
		if err := moveFile(fc.ProcessingFolder, dest); err != nil {
			if _, statErr := os.Lstat(dest); statErr == nil {
				return "", fmt.Errorf("%w: %s", ErrErrorFolderExists, dest)
			}
			return "", fmt.Errorf("move %s to error folder: %w", fc.ProcessingFolder, err)
		}
		if rel, ok := within(fc.ProcessingFolder, fc.CurrentFile); ok {
			fc.CurrentFile = filepath.Join(dest, rel)
		} else if fc.State.Before(statelog.InProcessing) && fc.CurrentFile != "" {
			// The move into the processing folder never happened.
			target := filepath.Join(dest, filepath.Base(fc.CurrentFile))
			if err := moveFile(fc.CurrentFile, target); err == nil {
				fc.CurrentFile = target
			} else if !os.IsNotExist(err) {
				return dest, fmt.Errorf("move %s to error folder: %w", fc.CurrentFile, err)
			}
		}
		fc.ProcessingFolder = dest
	} else {
		dest = filepath.Join(root, fc.FileID)
		if err := os.Mkdir(dest, 0755); err != nil {
			if os.IsExist(err) {
				return "", fmt.Errorf("%w: %s", ErrErrorFolderExists, dest)
			}
			return "", fmt.Errorf("create error folder: %w", err)
		}
		if fc.CurrentFile != "" {
			target := filepath.Join(dest, filepath.Base(fc.CurrentFile))
			if err := moveFile(fc.CurrentFile, target); err != nil && !os.IsNotExist(err) {
				return dest, fmt.Errorf("move %s to error folder: %w", fc.CurrentFile, err)
			}
			fc.CurrentFile = target
		}
	}

	fc.setState(ErrorState())

	if err := yaml.AtomicWrite(filepath.Join(dest, ErrorInfoFileName), fc.errorInfo(dest, cause)); err != nil {
		return dest, fmt.Errorf("write %s: %w", ErrorInfoFileName, err)
	}
	return dest, nil
}

func (fc *FileContext) errorInfo(dir string, cause error) *model.ErrorInfo {
	info := &model.ErrorInfo{
		SchemaVersion: yaml.CurrentSchemaVersion,
		FileType:      yaml.FileTypeErrorInfo,
		ErrorTime:     fc.env.now().UTC().Format(time.RFC3339Nano),
		Kind:          KindOf(cause).String(),
		FileID:        fc.FileID,
		CurrentFile:   fc.CurrentFile,
		OriginalFile: model.OriginalFileInfo{
			Path: fc.OriginalFile,
			Size: fc.Size,
		},
		Trace:      ErrorTrace(cause),
		RetryCount: fc.RetryCount,
	}
	if fc.Folder != nil {
		info.Folder = fc.Folder.Name
	}
	if !fc.ModTime.IsZero() {
		info.OriginalFile.LastModified = fc.ModTime.UTC().Format(time.RFC3339Nano)
	}
	for _, s := range fc.History {
		info.Transitions = append(info.Transitions, model.StateTransition{
			State: s.State.String(),
			At:    s.At.UTC().Format(time.RFC3339Nano),
		})
	}

	entries, err := statelog.ReadFile(filepath.Join(dir, statelog.FileName))
	if err == nil {
		info.FileStates = FileStates(entries)
	}
	return info
}

// FileStates describes replayed log entries for diagnostics and dumps.
func FileStates(entries []statelog.Entry) []model.FileStateRecord {
	out := make([]model.FileStateRecord, 0, len(entries))
	for _, e := range entries {
		out = append(out, model.FileStateRecord{
			State:      e.State.String(),
			Started:    statelog.FormatMillis(e.Started),
			Finished:   statelog.FormatMillis(e.Finished),
			Attributes: statelog.Describe(e),
		})
	}
	return out
}

// ErrorTrace flattens an error chain into its messages, outermost first.
// Joined errors are followed through their last element.
func ErrorTrace(err error) []string {
	var trace []string
	for err != nil {
		trace = append(trace, err.Error())
		next := errors.Unwrap(err)
		if next == nil {
			if multi, ok := err.(interface{ Unwrap() []error }); ok {
				if errs := multi.Unwrap(); len(errs) > 0 {
					next = errs[len(errs)-1]
				}
			}
		}
		err = next
	}
	return trace
}

func within(dir, path string) (string, bool) {
	if path == "" {
		return "", false
	}
	rel, err := filepath.Rel(dir, path)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", false
	}
	return rel, true
}

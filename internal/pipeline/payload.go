package pipeline

import (
	"bytes"
	"encoding/base64"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"syscall"
	"unicode/utf8"

	"github.com/msageha/dirpoller/internal/submit"
)

// storageDown lists errnos of a network filesystem that lost its server.
var storageDown = []error{syscall.ESTALE, syscall.ENOTCONN, syscall.EHOSTDOWN, syscall.EHOSTUNREACH, syscall.ETIMEDOUT}

// readError marks reads that failed because the storage holding the file is
// unreachable as unavailable.
func readError(path string, err error) error {
	err = fmt.Errorf("read %s: %w", path, err)
	for _, errno := range storageDown {
		if errors.Is(err, errno) {
			return submit.Unavailable(err)
		}
	}
	return err
}

// BuildJob assembles the job for the context's current file from the
// folder's parameter list.
func BuildJob(fc *FileContext) (*submit.Job, error) {
	if fc.Folder == nil {
		return nil, errors.New("no input folder")
	}
	job := &submit.Job{
		ID:         fc.FileID,
		Name:       fc.Folder.Job.Name,
		Folder:     fc.Folder.Name,
		FileName:   filepath.Base(fc.OriginalFile),
		CreatedAt:  fc.env.now().UTC(),
		Parameters: make(map[string]any, len(fc.Folder.Job.Parameters)),
	}

	var content []byte
	readContent := func() ([]byte, error) {
		if content != nil {
			return content, nil
		}
		b, err := os.ReadFile(fc.CurrentFile)
		if err != nil {
			return nil, readError(fc.CurrentFile, err)
		}
		content = b
		return content, nil
	}

	for _, p := range fc.Folder.Job.Parameters {
		var (
			v   any
			err error
		)
		switch p.Type {
		case ParamFileName:
			v = filepath.Base(fc.CurrentFile)
		case ParamFilePath:
			v = fc.CurrentFile
		case ParamFileSize:
			var info os.FileInfo
			if info, err = os.Stat(fc.CurrentFile); err == nil {
				v = info.Size()
			}
		case ParamContentText:
			var b []byte
			if b, err = readContent(); err == nil {
				if !utf8.Valid(b) {
					err = fmt.Errorf("%s is not valid UTF-8 text", fc.CurrentFile)
				}
				v = string(b)
			}
		case ParamContentBase64:
			var b []byte
			if b, err = readContent(); err == nil {
				v = base64.StdEncoding.EncodeToString(b)
			}
		case ParamContentXML:
			var b []byte
			if b, err = readContent(); err == nil {
				err = checkXML(b)
				v = string(b)
			}
		case ParamConfiguredFolder:
			f := fc.Folder
			folder := map[string]any{
				"name":           f.Name,
				"path":           f.Path,
				"track_time_sec": int64(f.TrackTime.Seconds()),
			}
			if f.Filter != nil {
				folder["filter"] = f.Filter.String()
			}
			v = folder
		default:
			err = fmt.Errorf("unknown parameter type %q", p.Type)
		}
		if err != nil {
			return nil, fmt.Errorf("parameter %s: %w", p.Name, err)
		}
		job.Parameters[p.Name] = v
	}
	return job, nil
}

// checkXML reports whether b is a well-formed XML document with a root element.
func checkXML(b []byte) error {
	dec := xml.NewDecoder(bytes.NewReader(b))
	root := false
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("malformed xml: %w", err)
		}
		if _, ok := tok.(xml.StartElement); ok {
			root = true
		}
	}
	if !root {
		return errors.New("malformed xml: no root element")
	}
	return nil
}

// SortedParameters converts a name→type map into a stable parameter list.
func SortedParameters(m map[string]string) []Parameter {
	params := make([]Parameter, 0, len(m))
	for name, typ := range m {
		params = append(params, Parameter{Name: name, Type: typ})
	}
	sort.Slice(params, func(i, j int) bool { return params[i].Name < params[j].Name })
	return params
}

package pipeline

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/msageha/dirpoller/internal/submit"
)

// Parameter types understood by BuildJob.
const (
	ParamFileName         = "filename"
	ParamFilePath         = "filepath"
	ParamFileSize         = "filesize"
	ParamContentText      = "content-text"
	ParamContentBase64    = "content-base64"
	ParamContentXML       = "content-xml"
	ParamConfiguredFolder = "configured-folder"
)

// Parameter maps one job parameter name to the file attribute it carries.
type Parameter struct {
	Name string
	Type string
}

// JobSpec describes the downstream job built for every file of a folder.
type JobSpec struct {
	Name       string
	Parameters []Parameter
}

// Filter selects the file names a folder picks up.
type Filter interface {
	Match(name string) bool
	String() string
}

// Folder is one watched input directory.
type Folder struct {
	// Name is the normalized logical name; it prefixes processing folder names.
	Name string
	Path string

	// TrackTime is how long size and mtime must stay unchanged.
	TrackTime time.Duration
	Filter    Filter

	// CanRetry allows re-sending a trigger whose outcome is unknown.
	CanRetry bool
	// MoveFile routes files through the application processing folder.
	MoveFile bool

	Job          JobSpec
	Submitter    submit.Submitter
	ErrorHandler ErrorHandler
}

// NormalizeFolderName upper-cases name and replaces every character outside
// [A-Z0-9] with '_'. The result never contains '-', which separates the
// folder name from the file id in processing folder names.
func NormalizeFolderName(name string) string {
	var sb strings.Builder
	for _, r := range strings.ToUpper(name) {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			sb.WriteRune(r)
		} else {
			sb.WriteByte('_')
		}
	}
	return sb.String()
}

func (f *Folder) String() string {
	return fmt.Sprintf("%s (%s)", f.Name, f.Path)
}

// Accepts reports whether a directory entry name should be tracked.
func (f *Folder) Accepts(name string) bool {
	if f.Filter == nil {
		return true
	}
	return f.Filter.Match(name)
}

type globFilter struct {
	pattern string
}

// NewGlobFilter returns a case-insensitive shell-pattern filter.
func NewGlobFilter(pattern string) (Filter, error) {
	p := strings.ToLower(pattern)
	if _, err := filepath.Match(p, ""); err != nil {
		return nil, fmt.Errorf("invalid glob %q: %w", pattern, err)
	}
	return globFilter{pattern: p}, nil
}

func (g globFilter) Match(name string) bool {
	ok, _ := filepath.Match(g.pattern, strings.ToLower(name))
	return ok
}

func (g globFilter) String() string { return "glob:" + g.pattern }

type regexFilter struct {
	re *regexp.Regexp
}

// NewRegexFilter returns a case-insensitive filter that must match the whole name.
func NewRegexFilter(pattern string) (Filter, error) {
	re, err := regexp.Compile("(?i)^(?:" + pattern + ")$")
	if err != nil {
		return nil, fmt.Errorf("invalid regex %q: %w", pattern, err)
	}
	return regexFilter{re: re}, nil
}

func (r regexFilter) Match(name string) bool { return r.re.MatchString(name) }

func (r regexFilter) String() string { return "regex:" + r.re.String() }

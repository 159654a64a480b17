// Package submit delivers job payloads to the downstream system.
package submit

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Job is the payload handed to a Submitter for one file.
type Job struct {
	ID         string         `json:"id"`
	Name       string         `json:"name"`
	Folder     string         `json:"folder"`
	FileName   string         `json:"file_name"`
	CreatedAt  time.Time      `json:"created_at"`
	Parameters map[string]any `json:"parameters"`
}

// Submitter sends a job and blocks until the downstream system accepted or
// rejected it. Errors may be classified with Permanent or Unavailable.
type Submitter interface {
	Submit(ctx context.Context, job *Job) error
}

// Closer is implemented by submitters holding connections.
type Closer interface {
	Close() error
}

// Func adapts a function to Submitter.
type Func func(ctx context.Context, job *Job) error

func (f Func) Submit(ctx context.Context, job *Job) error {
	return f(ctx, job)
}

var (
	// ErrPermanent marks a rejection that will not succeed on retry.
	ErrPermanent = errors.New("permanent submit failure")
	// ErrUnavailable marks a downstream outage; intake should pause.
	ErrUnavailable = errors.New("downstream unavailable")
)

type classified struct {
	class error
	err   error
}

func (c *classified) Error() string { return fmt.Sprintf("%v: %v", c.class, c.err) }
func (c *classified) Unwrap() []error {
	return []error{c.class, c.err}
}

// Permanent wraps err so IsPermanent reports true.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &classified{class: ErrPermanent, err: err}
}

// Unavailable wraps err so IsUnavailable reports true.
func Unavailable(err error) error {
	if err == nil {
		return nil
	}
	return &classified{class: ErrUnavailable, err: err}
}

func IsPermanent(err error) bool   { return errors.Is(err, ErrPermanent) }
func IsUnavailable(err error) bool { return errors.Is(err, ErrUnavailable) }

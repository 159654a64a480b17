package statelog

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"time"
)

// ErrNoStartEntry is returned by Finish when no entry is awaiting its finish patch.
var ErrNoStartEntry = errors.New("no start entry written")

// Log appends entries to one state log file. It is not safe for concurrent
// use; a processing folder is only ever advanced by one worker at a time.
type Log struct {
	path      string
	file      *os.File
	lastStart int64

	// Now supplies entry timestamps. Defaults to time.Now.
	Now func() time.Time
}

// New returns a Log for path. The file is created on the first write.
func New(path string) *Log {
	return &Log{path: path, lastStart: -1, Now: time.Now}
}

func (l *Log) Path() string {
	return l.path
}

func (l *Log) open() error {
	if l.file != nil {
		return nil
	}
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return fmt.Errorf("open state log %s: %w", l.path, err)
	}
	l.file = f
	return nil
}

// Start appends an entry for state. When finished is false the entry carries
// the in-progress sentinel until Finish patches it.
func (l *Log) Start(state StateID, payload []byte, finished bool) error {
	if err := l.open(); err != nil {
		return err
	}
	now := l.Now().UnixMilli()
	e := Entry{State: state, Started: now, Finished: NotFinished, Payload: payload}
	if finished {
		e.Finished = now
	}
	data, err := MarshalEntry(e)
	if err != nil {
		return err
	}

	pos, err := l.file.Seek(0, io.SeekEnd)
	if err != nil {
		return fmt.Errorf("seek state log: %w", err)
	}
	if _, err := l.file.Write(data); err != nil {
		return fmt.Errorf("write %s entry to %s: %w", state, l.path, err)
	}
	if err := l.file.Sync(); err != nil {
		return fmt.Errorf("sync state log: %w", err)
	}
	l.lastStart = pos
	return nil
}

// Finish patches the finish timestamp of the most recent Start entry in place.
func (l *Log) Finish() error {
	if l.lastStart < 0 || l.file == nil {
		return ErrNoStartEntry
	}
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(l.Now().UnixMilli()))
	if _, err := l.file.WriteAt(ts[:], l.lastStart+finishOffset); err != nil {
		return fmt.Errorf("patch finish timestamp in %s: %w", l.path, err)
	}
	if err := l.file.Sync(); err != nil {
		return fmt.Errorf("sync state log: %w", err)
	}
	l.lastStart = -1
	return nil
}

// Close releases the file handle. The log may be reopened by a later write.
func (l *Log) Close() error {
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	l.lastStart = -1
	return err
}

// ReadFile replays all well-formed entries of the log at path.
func ReadFile(path string) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ReadEntries(f)
}

// ReadEntries decodes entries until EOF or the first invalid or truncated
// entry. A damaged tail is not an error: it only ends the replay.
func ReadEntries(r io.Reader) ([]Entry, error) {
	br := bufio.NewReader(r)
	var entries []Entry
	for {
		marker, err := br.ReadByte()
		if err == io.EOF {
			return entries, nil
		}
		if err != nil {
			return entries, fmt.Errorf("read state log: %w", err)
		}
		if marker != startMarker {
			return entries, nil
		}

		var n [2]byte
		if _, err := io.ReadFull(br, n[:]); err != nil {
			return entries, tailErr(err)
		}
		body := make([]byte, binary.BigEndian.Uint16(n[:]))
		if _, err := io.ReadFull(br, body); err != nil {
			return entries, tailErr(err)
		}

		e, err := decodeBody(body)
		if err != nil {
			return entries, nil
		}
		entries = append(entries, e)
	}
}

func tailErr(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return nil
	}
	return fmt.Errorf("read state log: %w", err)
}

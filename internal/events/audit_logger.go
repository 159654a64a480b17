package events

import (
	"bufio"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

// DefaultMaxSizeMB is the size at which the audit log is rotated.
const DefaultMaxSizeMB = 100

// LogEntry is one JSONL line of the audit log.
type LogEntry struct {
	Timestamp time.Time      `json:"timestamp"`
	EventType string         `json:"event_type"`
	FileID    string         `json:"file_id,omitempty"`
	Folder    string         `json:"folder,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
	Checksum  string         `json:"checksum,omitempty"`
}

// AuditLogger appends file lifecycle events as JSON lines. Rotation and
// retention of old files is delegated to lumberjack.
type AuditLogger struct {
	mu             sync.Mutex
	out            *lumberjack.Logger
	enableChecksum bool
}

// NewAuditLogger opens the audit log at logPath, rotating at maxSizeMB and
// keeping maxBackups rotated files (0 keeps all).
func NewAuditLogger(logPath string, maxSizeMB, maxBackups int) (*AuditLogger, error) {
	if maxSizeMB <= 0 {
		maxSizeMB = DefaultMaxSizeMB
	}
	if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
		return nil, fmt.Errorf("create audit log directory: %w", err)
	}
	return &AuditLogger{
		out: &lumberjack.Logger{
			Filename:   logPath,
			MaxSize:    maxSizeMB,
			MaxBackups: maxBackups,
		},
	}, nil
}

// Record converts a bus event into an audit entry.
func (l *AuditLogger) Record(ev Event) error {
	entry := LogEntry{
		Timestamp: ev.Timestamp,
		EventType: string(ev.Type),
		Details:   make(map[string]any, len(ev.Data)),
	}
	for k, v := range ev.Data {
		switch k {
		case "file_id":
			entry.FileID, _ = v.(string)
		case "folder":
			entry.Folder, _ = v.(string)
		default:
			entry.Details[k] = v
		}
	}
	if len(entry.Details) == 0 {
		entry.Details = nil
	}
	return l.WriteEntry(&entry)
}

// WriteEntry appends entry as one JSON line.
func (l *AuditLogger) WriteEntry(entry *LogEntry) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	if l.enableChecksum {
		entry.Checksum = checksum(*entry)
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal audit entry: %w", err)
	}
	data = append(data, '\n')
	if _, err := l.out.Write(data); err != nil {
		return fmt.Errorf("write audit entry: %w", err)
	}
	return nil
}

// EnableChecksum adds an FNV-1a checksum to every following entry.
func (l *AuditLogger) EnableChecksum(enable bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.enableChecksum = enable
}

// Rotate closes the current file and starts a new one.
func (l *AuditLogger) Rotate() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.out.Rotate()
}

func (l *AuditLogger) Path() string { return l.out.Filename }

func (l *AuditLogger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.out.Close()
}

func checksum(entry LogEntry) string {
	entry.Checksum = ""
	data, err := json.Marshal(entry)
	if err != nil {
		return ""
	}
	h := fnv.New64a()
	_, _ = h.Write(data)
	return fmt.Sprintf("%016x", h.Sum64())
}

// VerifyLogIntegrity counts the parseable entries of an audit log and how
// many of them carry no checksum or a matching one.
func VerifyLogIntegrity(logPath string) (total, valid int, err error) {
	f, err := os.Open(logPath)
	if err != nil {
		return 0, 0, fmt.Errorf("open audit log: %w", err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		var entry LogEntry
		if err := json.Unmarshal(sc.Bytes(), &entry); err != nil {
			continue
		}
		total++
		if entry.Checksum == "" || checksum(entry) == entry.Checksum {
			valid++
		}
	}
	return total, valid, sc.Err()
}

package statelog

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"strconv"
	"time"
)

// InProcessingRecord is the payload of an IN_PROCESSING entry.
// Empty path strings mean "not set".
type InProcessingRecord struct {
	FileID         string
	OriginalPath   string
	ProcessingPath string
	Size           int64
	LastModified   int64 // Unix ms
}

func (r InProcessingRecord) MarshalBinary() ([]byte, error) {
	var buf bytes.Buffer
	for _, s := range []string{r.FileID, r.OriginalPath, r.ProcessingPath} {
		if err := writeString(&buf, s); err != nil {
			return nil, err
		}
	}
	binary.Write(&buf, binary.BigEndian, r.Size)
	binary.Write(&buf, binary.BigEndian, r.LastModified)
	return buf.Bytes(), nil
}

func (r *InProcessingRecord) UnmarshalBinary(data []byte) error {
	rd := bytes.NewReader(data)
	var err error
	if r.FileID, err = readString(rd); err != nil {
		return err
	}
	if r.OriginalPath, err = readString(rd); err != nil {
		return err
	}
	if r.ProcessingPath, err = readString(rd); err != nil {
		return err
	}
	if err := binary.Read(rd, binary.BigEndian, &r.Size); err != nil {
		return fmt.Errorf("read size: %w", err)
	}
	if err := binary.Read(rd, binary.BigEndian, &r.LastModified); err != nil {
		return fmt.Errorf("read last modified: %w", err)
	}
	return nil
}

// ResumeRecord is the payload of a RESUME entry.
type ResumeRecord struct {
	ProcessingFolder string
}

func (r ResumeRecord) MarshalBinary() ([]byte, error) {
	var buf bytes.Buffer
	if err := writeString(&buf, r.ProcessingFolder); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (r *ResumeRecord) UnmarshalBinary(data []byte) error {
	s, err := readString(bytes.NewReader(data))
	if err != nil {
		return err
	}
	r.ProcessingFolder = s
	return nil
}

// AppMoveRecord is the payload of a MOVE_TO_APP_PROCESSING entry.
type AppMoveRecord struct {
	Src string
	Dst string
}

func (r AppMoveRecord) MarshalBinary() ([]byte, error) {
	var buf bytes.Buffer
	if err := writeString(&buf, r.Src); err != nil {
		return nil, err
	}
	if err := writeString(&buf, r.Dst); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (r *AppMoveRecord) UnmarshalBinary(data []byte) error {
	rd := bytes.NewReader(data)
	var err error
	if r.Src, err = readString(rd); err != nil {
		return err
	}
	if r.Dst, err = readString(rd); err != nil {
		return err
	}
	return nil
}

// Describe renders an entry's payload as named fields for dumps and error
// diagnostics. Payloads that fail to decode yield a single "error" field.
func Describe(e Entry) map[string]string {
	fields := map[string]string{}
	var err error
	switch e.State {
	case InProcessing:
		var r InProcessingRecord
		if err = r.UnmarshalBinary(e.Payload); err == nil {
			fields["file_id"] = r.FileID
			fields["original_file"] = r.OriginalPath
			fields["processing_file"] = r.ProcessingPath
			fields["original_size"] = strconv.FormatInt(r.Size, 10)
			fields["original_last_modified"] = FormatMillis(r.LastModified)
		}
	case Resume:
		var r ResumeRecord
		if err = r.UnmarshalBinary(e.Payload); err == nil {
			fields["processing_folder"] = r.ProcessingFolder
		}
	case MoveToAppProcessing:
		var r AppMoveRecord
		if err = r.UnmarshalBinary(e.Payload); err == nil {
			fields["src_file"] = r.Src
			fields["dest_file"] = r.Dst
		}
	}
	if err != nil {
		return map[string]string{"error": err.Error()}
	}
	return fields
}

// FormatMillis formats a Unix-millisecond timestamp, or "" for the sentinel.
func FormatMillis(ms int64) string {
	if ms == NotFinished {
		return ""
	}
	return time.UnixMilli(ms).UTC().Format(time.RFC3339Nano)
}

// Package statelog implements the append-only binary state log kept in every
// processing folder. The layout is shared with other poller instances and
// with earlier runs of this process, so it must stay bit-exact:
//
//	0x57 | len uint16 | started int64 | finished int64 | state uint8 | payload | 0xED
//
// Integers are big-endian, len counts the bytes following the length field,
// timestamps are Unix milliseconds and finished is -1 while the step runs.
package statelog

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// FileName is the name of the log inside a processing folder.
const FileName = "__FC_STATELOG.log"

const (
	startMarker byte = 0x57
	endMarker   byte = 0xED

	// headerSize covers marker, length, both timestamps and the state id.
	headerSize = 1 + 2 + 8 + 8 + 1
	// finishOffset is the position of the finish timestamp inside an entry.
	finishOffset = 11
	// minBody is the smallest valid length field value (empty payload).
	minBody = headerSize - 3 + 1
)

// NotFinished marks an entry whose step has not completed.
const NotFinished int64 = -1

// StateID identifies the state an entry belongs to. Values are persisted.
type StateID uint8

const (
	Tracking StateID = iota
	MoveToProcessing
	InProcessing
	MoveToAppProcessing
	Trigger
	Finished
	Resume
	Error
)

var stateNames = [...]string{
	Tracking:            "TRACKING",
	MoveToProcessing:    "MOVE_TO_PROCESSING",
	InProcessing:        "IN_PROCESSING",
	MoveToAppProcessing: "MOVE_TO_APP_PROCESSING",
	Trigger:             "TRIGGER",
	Finished:            "FINISHED",
	Resume:              "RESUME",
	Error:               "ERROR",
}

func (s StateID) String() string {
	if s.Valid() {
		return stateNames[s]
	}
	return fmt.Sprintf("STATE(%d)", uint8(s))
}

func (s StateID) Valid() bool {
	return int(s) < len(stateNames)
}

// ErrEntryTooLarge is returned when an encoded entry does not fit the length field.
var ErrEntryTooLarge = errors.New("state log entry too large")

// Entry is one decoded log record.
type Entry struct {
	State    StateID
	Started  int64
	Finished int64
	Payload  []byte
}

func (e Entry) IsFinished() bool {
	return e.Finished != NotFinished
}

// MarshalEntry encodes e in the on-disk layout.
func MarshalEntry(e Entry) ([]byte, error) {
	total := headerSize + len(e.Payload) + 1
	if total-3 > math.MaxInt16 {
		return nil, fmt.Errorf("%w: %d bytes", ErrEntryTooLarge, total)
	}
	buf := make([]byte, total)
	buf[0] = startMarker
	binary.BigEndian.PutUint16(buf[1:3], uint16(total-3))
	binary.BigEndian.PutUint64(buf[3:11], uint64(e.Started))
	binary.BigEndian.PutUint64(buf[finishOffset:19], uint64(e.Finished))
	buf[19] = byte(e.State)
	copy(buf[headerSize:], e.Payload)
	buf[total-1] = endMarker
	return buf, nil
}

// decodeBody parses the bytes that follow the length field.
func decodeBody(body []byte) (Entry, error) {
	if len(body) < minBody {
		return Entry{}, fmt.Errorf("entry body too short: %d bytes", len(body))
	}
	if body[len(body)-1] != endMarker {
		return Entry{}, fmt.Errorf("invalid end marker 0x%02X", body[len(body)-1])
	}
	e := Entry{
		Started:  int64(binary.BigEndian.Uint64(body[0:8])),
		Finished: int64(binary.BigEndian.Uint64(body[8:16])),
		State:    StateID(body[16]),
	}
	if !e.State.Valid() {
		return Entry{}, fmt.Errorf("invalid state id %d", body[16])
	}
	if n := len(body) - minBody; n > 0 {
		e.Payload = append([]byte(nil), body[17:17+n]...)
	}
	return e, nil
}

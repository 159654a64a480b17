package statelog

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedClock(ms ...int64) func() time.Time {
	i := 0
	return func() time.Time {
		v := ms[len(ms)-1]
		if i < len(ms) {
			v = ms[i]
		}
		i++
		return time.UnixMilli(v)
	}
}

func TestMarshalEntry_Layout(t *testing.T) {
	data, err := MarshalEntry(Entry{State: Trigger, Started: 1, Finished: NotFinished})
	require.NoError(t, err)

	want := []byte{
		0x57,
		0x00, 0x12, // 18 bytes follow
		0, 0, 0, 0, 0, 0, 0, 1,
		0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF,
		0x04,
		0xED,
	}
	assert.Equal(t, want, data)
}

func TestLog_StartFinishPatchesInPlace(t *testing.T) {
	path := filepath.Join(t.TempDir(), FileName)
	l := New(path)
	l.Now = fixedClock(1000, 2000, 3000)

	rec, err := InProcessingRecord{FileID: "IN-abc", OriginalPath: "/in/a.txt", ProcessingPath: "/proc/IN-abc/a.txt", Size: 100, LastModified: 42}.MarshalBinary()
	require.NoError(t, err)
	require.NoError(t, l.Start(InProcessing, rec, true))
	require.NoError(t, l.Start(Trigger, nil, false))

	before, err := os.ReadFile(path)
	require.NoError(t, err)

	require.NoError(t, l.Finish())
	require.NoError(t, l.Close())

	after, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, len(before), len(after), "finish must not append")

	entries, err := ReadFile(path)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	assert.Equal(t, InProcessing, entries[0].State)
	assert.Equal(t, int64(1000), entries[0].Started)
	assert.Equal(t, int64(1000), entries[0].Finished)

	assert.Equal(t, Trigger, entries[1].State)
	assert.Equal(t, int64(2000), entries[1].Started)
	assert.Equal(t, int64(3000), entries[1].Finished)

	var got InProcessingRecord
	require.NoError(t, got.UnmarshalBinary(entries[0].Payload))
	assert.Equal(t, "IN-abc", got.FileID)
	assert.Equal(t, "/proc/IN-abc/a.txt", got.ProcessingPath)
	assert.Equal(t, int64(100), got.Size)
}

func TestLog_FinishWithoutStart(t *testing.T) {
	l := New(filepath.Join(t.TempDir(), FileName))
	assert.ErrorIs(t, l.Finish(), ErrNoStartEntry)

	require.NoError(t, l.Start(Trigger, nil, false))
	require.NoError(t, l.Finish())
	assert.ErrorIs(t, l.Finish(), ErrNoStartEntry, "second finish has nothing to patch")
	l.Close()
}

func TestLog_ReopenAppends(t *testing.T) {
	path := filepath.Join(t.TempDir(), FileName)
	l := New(path)
	require.NoError(t, l.Start(InProcessing, mustRecord(t), true))
	require.NoError(t, l.Close())

	l2 := New(path)
	require.NoError(t, l2.Start(Trigger, nil, false))
	require.NoError(t, l2.Close())

	entries, err := ReadFile(path)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.False(t, entries[1].IsFinished())
}

func TestReadEntries_StopsAtDamagedTail(t *testing.T) {
	first, err := MarshalEntry(Entry{State: InProcessing, Started: 1, Finished: 1, Payload: mustRecord(t)})
	require.NoError(t, err)
	second, err := MarshalEntry(Entry{State: Trigger, Started: 2, Finished: NotFinished})
	require.NoError(t, err)
	full := append(append([]byte{}, first...), second...)

	tests := []struct {
		name string
		data []byte
		want int
	}{
		{"empty", nil, 0},
		{"complete", full, 2},
		{"truncated inside second", full[:len(first)+5], 1},
		{"truncated length field", full[:len(first)+2], 1},
		{"garbage marker", append(append([]byte{}, first...), 0x00, 0x01), 1},
		{"bad end marker", append(append([]byte{}, first[:len(first)-1]...), 0x00), 0},
		{"bad state id", corruptState(t, second), 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			entries, err := ReadEntries(bytes.NewReader(tt.data))
			require.NoError(t, err)
			assert.Len(t, entries, tt.want)
		})
	}
}

func TestReadFile_Missing(t *testing.T) {
	_, err := ReadFile(filepath.Join(t.TempDir(), FileName))
	assert.True(t, os.IsNotExist(err))
}

func TestStrings_ModifiedUTF8(t *testing.T) {
	tests := []struct {
		in   string
		want []byte
	}{
		{"", []byte{0, 0}},
		{"a", []byte{0, 1, 'a'}},
		{"\x00", []byte{0, 2, 0xC0, 0x80}},
		{"é", []byte{0, 2, 0xC3, 0xA9}},
		{"€", []byte{0, 3, 0xE2, 0x82, 0xAC}},
		{"😀", []byte{0, 6, 0xED, 0xA0, 0xBD, 0xED, 0xB8, 0x80}},
	}
	for _, tt := range tests {
		var buf bytes.Buffer
		require.NoError(t, writeString(&buf, tt.in))
		assert.Equal(t, tt.want, buf.Bytes(), "encode %q", tt.in)

		got, err := readString(bytes.NewReader(buf.Bytes()))
		require.NoError(t, err)
		assert.Equal(t, tt.in, got)
	}
}

func TestDescribe(t *testing.T) {
	payload, err := AppMoveRecord{Src: "/p/a.txt", Dst: "/app/ID.txt"}.MarshalBinary()
	require.NoError(t, err)

	fields := Describe(Entry{State: MoveToAppProcessing, Payload: payload})
	assert.Equal(t, "/p/a.txt", fields["src_file"])
	assert.Equal(t, "/app/ID.txt", fields["dest_file"])

	bad := Describe(Entry{State: Resume, Payload: []byte{0, 9}})
	assert.Contains(t, bad, "error")
}

func TestStateID_String(t *testing.T) {
	assert.Equal(t, "MOVE_TO_APP_PROCESSING", MoveToAppProcessing.String())
	assert.Equal(t, "ERROR", Error.String())
	assert.Equal(t, "STATE(9)", StateID(9).String())
}

func mustRecord(t *testing.T) []byte {
	t.Helper()
	data, err := InProcessingRecord{FileID: "F-1", OriginalPath: "/in/f", ProcessingPath: "/p/f"}.MarshalBinary()
	require.NoError(t, err)
	return data
}

func corruptState(t *testing.T, entry []byte) []byte {
	t.Helper()
	out := append([]byte{}, entry...)
	out[19] = 0x20
	return out
}

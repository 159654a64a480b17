package statelog

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"unicode/utf16"
)

var errStringTooLong = errors.New("string exceeds 65535 encoded bytes")

// writeString appends s in Java DataOutput.writeUTF form: a uint16 byte count
// followed by modified UTF-8 (NUL as 0xC0 0x80, supplementary runes as two
// three-byte surrogates).
func writeString(buf *bytes.Buffer, s string) error {
	units := utf16.Encode([]rune(s))
	var enc []byte
	for _, u := range units {
		switch {
		case u >= 0x0001 && u <= 0x007F:
			enc = append(enc, byte(u))
		case u <= 0x07FF:
			enc = append(enc, byte(0xC0|(u>>6)&0x1F), byte(0x80|u&0x3F))
		default:
			enc = append(enc, byte(0xE0|(u>>12)&0x0F), byte(0x80|(u>>6)&0x3F), byte(0x80|u&0x3F))
		}
	}
	if len(enc) > math.MaxUint16 {
		return errStringTooLong
	}
	var n [2]byte
	binary.BigEndian.PutUint16(n[:], uint16(len(enc)))
	buf.Write(n[:])
	buf.Write(enc)
	return nil
}

func readString(r *bytes.Reader) (string, error) {
	var n uint16
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return "", fmt.Errorf("read string length: %w", err)
	}
	enc := make([]byte, n)
	if _, err := io.ReadFull(r, enc); err != nil {
		return "", fmt.Errorf("read string bytes: %w", err)
	}

	units := make([]uint16, 0, len(enc))
	for i := 0; i < len(enc); {
		c := enc[i]
		switch {
		case c < 0x80:
			units = append(units, uint16(c))
			i++
		case c&0xE0 == 0xC0:
			if i+1 >= len(enc) || enc[i+1]&0xC0 != 0x80 {
				return "", fmt.Errorf("malformed string at byte %d", i)
			}
			units = append(units, uint16(c&0x1F)<<6|uint16(enc[i+1]&0x3F))
			i += 2
		case c&0xF0 == 0xE0:
			if i+2 >= len(enc) || enc[i+1]&0xC0 != 0x80 || enc[i+2]&0xC0 != 0x80 {
				return "", fmt.Errorf("malformed string at byte %d", i)
			}
			units = append(units, uint16(c&0x0F)<<12|uint16(enc[i+1]&0x3F)<<6|uint16(enc[i+2]&0x3F))
			i += 3
		default:
			return "", fmt.Errorf("malformed string at byte %d", i)
		}
	}
	return string(utf16.Decode(units)), nil
}

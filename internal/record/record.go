// Package record defines the fixed-width telemetry record and its wire
// encoding. Records are 12 bytes, little-endian, and carry no framing,
// so a log file is a flat concatenation of records that can be decoded
// on any platform.
package record

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Size is the encoded width of one record in bytes.
const Size = 12

// Entry is one captured telemetry event.
type Entry struct {
	Timestamp uint32 // microseconds, monotonic within a session
	Event     int32  // identifier from the event catalog
	Parameter int32  // event-specific payload
}

// Encode writes e into b, which must be at least Size bytes.
func Encode(b []byte, e Entry) {
	binary.LittleEndian.PutUint32(b[0:4], e.Timestamp)
	binary.LittleEndian.PutUint32(b[4:8], uint32(e.Event))
	binary.LittleEndian.PutUint32(b[8:12], uint32(e.Parameter))
}

// Decode reads one record from b, which must be at least Size bytes.
func Decode(b []byte) Entry {
	return Entry{
		Timestamp: binary.LittleEndian.Uint32(b[0:4]),
		Event:     int32(binary.LittleEndian.Uint32(b[4:8])),
		Parameter: int32(binary.LittleEndian.Uint32(b[8:12])),
	}
}

// Writer encodes records onto an io.Writer.
type Writer struct {
	w   io.Writer
	buf [Size]byte
}

// NewWriter returns a Writer emitting records to w.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// Write encodes and writes a single record.
func (w *Writer) Write(e Entry) error {
	Encode(w.buf[:], e)
	if _, err := w.w.Write(w.buf[:]); err != nil {
		return fmt.Errorf("write record: %w", err)
	}
	return nil
}

// Reader decodes records from an io.Reader.
type Reader struct {
	r   io.Reader
	buf [Size]byte
}

// NewReader returns a Reader decoding records from r.
func NewReader(r io.Reader) *Reader {
	return &Reader{r: r}
}

// Next returns the next record. It returns io.EOF at a clean record
// boundary and io.ErrUnexpectedEOF if the stream ends mid-record.
func (r *Reader) Next() (Entry, error) {
	if _, err := io.ReadFull(r.r, r.buf[:]); err != nil {
		if err == io.EOF {
			return Entry{}, io.EOF
		}
		if err == io.ErrUnexpectedEOF {
			return Entry{}, io.ErrUnexpectedEOF
		}
		return Entry{}, fmt.Errorf("read record: %w", err)
	}
	return Decode(r.buf[:]), nil
}

package hprof

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/sigurn/crc16"
)

// ChecksumError reports a heap dump segment whose body does not match its
// checksum record.
type ChecksumError struct {
	Segment int
	Offset  int64 // offset of the segment record in the dump
	Want    uint16
	Got     uint16
}

func (e *ChecksumError) Error() string {
	return fmt.Sprintf("hprof: segment %d at offset %d: checksum %#04x, computed %#04x", e.Segment, e.Offset, e.Want, e.Got)
}

// ErrTruncated is returned when a dump ends before its HEAP DUMP END record.
var ErrTruncated = errors.New("hprof: truncated dump")

// Verify reads a dump, checks every segment against its checksum and
// returns what the dump holds. Dumps without checksum records (from other
// writers) are accepted as long as they parse.
func Verify(r io.Reader) (Stats, error) {
	br := bufio.NewReader(r)
	var st Stats

	m, err := br.ReadString(0)
	if err != nil {
		return st, fmt.Errorf("hprof: read header: %w", err)
	}
	if m[:len(m)-1] != magic {
		return st, fmt.Errorf("hprof: bad magic %q", m[:len(m)-1])
	}
	var hdr [12]byte
	if _, err := io.ReadFull(br, hdr[:]); err != nil {
		return st, fmt.Errorf("hprof: read header: %w", err)
	}
	ids := int(binary.BigEndian.Uint32(hdr[:4]))
	if ids != 4 && ids != 8 {
		return st, fmt.Errorf("hprof: unsupported identifier size %d", ids)
	}
	offset := int64(len(m) + len(hdr))

	var (
		pending       bool
		pendingSum    uint16
		pendingOffset int64
		ended         bool
		head          [recordHeaderSize]byte
		body          []byte
	)
	for {
		if _, err := io.ReadFull(br, head[:]); err != nil {
			if err == io.EOF && ended {
				break
			}
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				return st, ErrTruncated
			}
			return st, fmt.Errorf("hprof: %w", err)
		}
		tag := Tag(head[0])
		n := binary.BigEndian.Uint32(head[5:])
		if int64(n) > 1<<30 {
			return st, fmt.Errorf("hprof: %v record at offset %d: length %d too large", tag, offset, n)
		}
		if cap(body) < int(n) {
			body = make([]byte, n)
		}
		body = body[:n]
		if _, err := io.ReadFull(br, body); err != nil {
			return st, ErrTruncated
		}
		if ended {
			return st, fmt.Errorf("hprof: %v record at offset %d after HEAP DUMP END", tag, offset)
		}
		if pending && tag != TagSegmentChecksum {
			// Written by a tool without checksums.
			pending = false
		}

		switch tag {
		case TagString:
			st.Strings++
		case TagHeapDumpSegment:
			st.Segments++
			if err := parseSegment(body, ids, &st); err != nil {
				return st, fmt.Errorf("hprof: segment %d at offset %d: %w", st.Segments, offset, err)
			}
			pending = true
			pendingSum = crc16.Checksum(body, crcTable)
			pendingOffset = offset
		case TagSegmentChecksum:
			if !pending {
				return st, fmt.Errorf("hprof: checksum record at offset %d follows no segment", offset)
			}
			if len(body) != 2 {
				return st, fmt.Errorf("hprof: checksum record at offset %d has length %d", offset, len(body))
			}
			if want := binary.BigEndian.Uint16(body); want != pendingSum {
				return st, &ChecksumError{Segment: st.Segments, Offset: pendingOffset, Want: want, Got: pendingSum}
			}
			pending = false
		case TagHeapDumpEnd:
			ended = true
		}
		offset += recordHeaderSize + int64(n)
	}
	st.Bytes = offset
	return st, nil
}

// segmentReader walks the sub-records of a segment body.
type segmentReader struct {
	b   []byte
	ids int
	err error
}

func (r *segmentReader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || n > len(r.b) {
		r.err = io.ErrUnexpectedEOF
		return nil
	}
	v := r.b[:n]
	r.b = r.b[n:]
	return v
}

func (r *segmentReader) skip(n int) {
	r.take(n)
}

func (r *segmentReader) u1() uint8 {
	if b := r.take(1); b != nil {
		return b[0]
	}
	return 0
}

func (r *segmentReader) u2() uint16 {
	if b := r.take(2); b != nil {
		return binary.BigEndian.Uint16(b)
	}
	return 0
}

func (r *segmentReader) u4() uint32 {
	if b := r.take(4); b != nil {
		return binary.BigEndian.Uint32(b)
	}
	return 0
}

// value skips a value of type t.
func (r *segmentReader) value(t basicType) {
	size := t.size(r.ids)
	if size == 0 && r.err == nil {
		r.err = fmt.Errorf("invalid basic type %d", t)
	}
	r.skip(size)
}

func parseSegment(b []byte, ids int, st *Stats) error {
	r := &segmentReader{b: b, ids: ids}
	for len(r.b) > 0 && r.err == nil {
		sub := r.u1()
		switch sub {
		case subRootJNIGlobal:
			st.Roots++
			r.skip(2 * ids)
		case subRootJNILocal:
			st.Roots++
			r.skip(ids + 8)
		case subRootFinalizing:
			st.Roots++
			r.skip(ids)
		case subHeapDumpInfo:
			r.skip(4 + ids)
		case subClassDump:
			st.Classes++
			r.skip(ids + 4 + 6*ids + 4)
			for range r.u2() {
				r.skip(2)
				r.value(basicType(r.u1()))
			}
			for range r.u2() {
				r.skip(ids)
				r.value(basicType(r.u1()))
			}
			for range r.u2() {
				r.skip(ids)
				if t := basicType(r.u1()); t.size(ids) == 0 && r.err == nil {
					r.err = fmt.Errorf("invalid field type %d", t)
				}
			}
		case subInstanceDump:
			st.Instances++
			r.skip(ids + 4 + ids)
			r.skip(int(r.u4()))
		case subObjectArrayDump:
			st.ObjectArrays++
			r.skip(ids + 4)
			n := int(r.u4())
			r.skip(ids)
			r.skip(n * ids)
		case subPrimitiveArrayDump:
			st.PrimitiveArrays++
			r.skip(ids + 4)
			n := int(r.u4())
			t := basicType(r.u1())
			if t.size(ids) == 0 && r.err == nil {
				r.err = fmt.Errorf("invalid array type %d", t)
			}
			r.skip(n * t.size(ids))
		default:
			return fmt.Errorf("unknown sub-record %#x", sub)
		}
	}
	return r.err
}

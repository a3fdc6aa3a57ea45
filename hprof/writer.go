package hprof

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/andypeng2015/heapcore/gc"
	"github.com/andypeng2015/heapcore/gc/mirror"
	"github.com/gofrs/flock"
	"github.com/sigurn/crc16"
)

// output builds one record at a time and writes it out once complete, with
// its length filled in.
type output struct {
	w        io.Writer
	rec      []byte
	started  bool
	segments int
	n        int64
	err      error
}

func (o *output) startRecord(tag Tag) {
	o.endRecord()
	// Time 0 (relative to the header), length patched by endRecord.
	o.rec = append(o.rec[:0], byte(tag), 0, 0, 0, 0, 0xde, 0xad, 0xde, 0xad)
	o.started = true
}

func (o *output) endRecord() {
	if !o.started {
		return
	}
	o.started = false
	body := o.rec[recordHeaderSize:]
	binary.BigEndian.PutUint32(o.rec[5:], uint32(len(body)))
	o.write(o.rec)
	if Tag(o.rec[0]) == TagHeapDumpSegment {
		var sum [recordHeaderSize + 2]byte
		sum[0] = byte(TagSegmentChecksum)
		binary.BigEndian.PutUint32(sum[5:], 2)
		binary.BigEndian.PutUint16(sum[9:], crc16.Checksum(body, crcTable))
		o.write(sum[:])
		o.segments++
	}
}

func (o *output) write(b []byte) {
	if o.err != nil {
		return
	}
	n, err := o.w.Write(b)
	o.n += int64(n)
	o.err = err
}

// length returns the body length of the current record.
func (o *output) length() int {
	return len(o.rec) - recordHeaderSize
}

func (o *output) u1(v uint8) {
	o.rec = append(o.rec, v)
}

func (o *output) u2(v uint16) {
	o.rec = binary.BigEndian.AppendUint16(o.rec, v)
}

func (o *output) u4(v uint32) {
	o.rec = binary.BigEndian.AppendUint32(o.rec, v)
}

func (o *output) id(v uint64) {
	o.rec = binary.BigEndian.AppendUint64(o.rec, v)
}

func (o *output) bytes(b []byte) {
	o.rec = append(o.rec, b...)
}

func objectID(obj *mirror.Object) uint64 {
	if obj == nil {
		return 0
	}
	return uint64(obj.Addr())
}

// noFrame is the frame number of a root not tied to a stack frame.
const noFrame = 0xFFFFFFFF

type classInfo struct {
	serial uint32
	id     uint64
	dumped bool
}

// dumper encodes the heap while the mutators are suspended. The string and
// class tables it fills are written in front of the body afterwards.
type dumper struct {
	body    output
	strings map[string]uint32
	order   []string
	classes map[*mirror.Class]*classInfo
	list    []*mirror.Class
	globals map[*gc.GlobalRef]uint64

	objectsInSegment int
	heapInfoWritten  bool
	stats            Stats
}

func newDumper(body io.Writer) *dumper {
	d := &dumper{
		body:    output{w: body},
		strings: make(map[string]uint32),
		classes: make(map[*mirror.Class]*classInfo),
		globals: make(map[*gc.GlobalRef]uint64),
	}
	d.body.startRecord(TagHeapDumpSegment)
	return d
}

func (d *dumper) stringID(s string) uint32 {
	if id, ok := d.strings[s]; ok {
		return id
	}
	id := uint32(len(d.order) + 1)
	d.strings[s] = id
	d.order = append(d.order, s)
	return id
}

func (d *dumper) class(c *mirror.Class) *classInfo {
	if ci, ok := d.classes[c]; ok {
		return ci
	}
	serial := uint32(len(d.list) + 1)
	ci := &classInfo{serial: serial, id: uint64(serial) * mirror.ObjectAlignment}
	d.classes[c] = ci
	d.list = append(d.list, c)
	d.stringID(prettyDescriptor(c.Descriptor))
	return ci
}

func (d *dumper) checkSegment() {
	if d.objectsInSegment >= maxObjectsPerSegment || d.body.length() >= maxBytesPerSegment {
		d.body.startRecord(TagHeapDumpSegment)
		d.objectsInSegment = 0
		d.heapInfoWritten = false
	}
	d.objectsInSegment++
}

func (d *dumper) WalkRoot(r gc.Root) {
	d.checkSegment()
	d.stats.Roots++
	out := &d.body
	switch r.Kind {
	case gc.RootLocal:
		out.u1(subRootJNILocal)
		out.id(objectID(r.Object))
		out.u4(r.Thread.ID())
		out.u4(noFrame)
	case gc.RootGlobal:
		id, ok := d.globals[r.Global]
		if !ok {
			id = uint64(len(d.globals) + 1)
			d.globals[r.Global] = id
		}
		out.u1(subRootJNIGlobal)
		out.id(objectID(r.Object))
		out.id(id)
	case gc.RootFinalizing:
		out.u1(subRootFinalizing)
		out.id(objectID(r.Object))
	}
}

func (d *dumper) WalkObject(obj *mirror.Object) {
	c := obj.Class()
	ci := d.class(c)
	if !ci.dumped {
		ci.dumped = true
		d.checkSegment()
		d.dumpClass(c, ci)
	}
	d.checkSegment()
	out := &d.body
	if !d.heapInfoWritten {
		d.heapInfoWritten = true
		out.u1(subHeapDumpInfo)
		out.u4(heapApp)
		out.id(uint64(d.stringID(heapAppName)))
	}
	switch {
	case c.RefArray:
		d.stats.ObjectArrays++
		out.u1(subObjectArrayDump)
		out.id(objectID(obj))
		out.u4(0)
		out.u4(uint32(obj.Len()))
		out.id(ci.id)
		for i := 0; i < obj.NumRefs(); i++ {
			out.id(objectID(obj.Ref(i)))
		}
	case c.ComponentSize > 0:
		d.stats.PrimitiveArrays++
		t, n := elementType(c, obj.Len())
		out.u1(subPrimitiveArrayDump)
		out.id(objectID(obj))
		out.u4(0)
		out.u4(uint32(n))
		out.u1(uint8(t))
		out.bytes(obj.Data())
	default:
		d.stats.Instances++
		out.u1(subInstanceDump)
		out.id(objectID(obj))
		out.u4(0)
		out.id(ci.id)
		data := obj.Data()
		out.u4(uint32(obj.NumRefs()*idSize + len(data)))
		for i := 0; i < obj.NumRefs(); i++ {
			out.id(objectID(obj.Ref(i)))
		}
		out.bytes(data)
	}
}

// dumpClass writes a CLASS DUMP. Reference fields come first, then one byte
// field per byte of primitive data, matching the layout of INSTANCE DUMP.
func (d *dumper) dumpClass(c *mirror.Class, ci *classInfo) {
	d.stats.Classes++
	out := &d.body
	out.u1(subClassDump)
	out.id(ci.id)
	out.u4(0) // stack trace
	for range 6 {
		// Super class, class loader, signers, protection domain and two
		// reserved ids.
		out.id(0)
	}
	if c.IsArray() {
		out.u4(0)
		out.u2(0) // constant pool
		out.u2(0) // static fields
		out.u2(0)
		return
	}
	out.u4(uint32(c.NumRefs*idSize + c.DataSize))
	out.u2(0)
	out.u2(0)
	out.u2(uint16(c.NumRefs + c.DataSize))
	for i := range c.NumRefs {
		out.id(uint64(d.stringID(fmt.Sprintf("ref%d", i))))
		out.u1(uint8(typeObject))
	}
	for i := range c.DataSize {
		out.id(uint64(d.stringID(fmt.Sprintf("b%d", i))))
		out.u1(uint8(typeByte))
	}
}

// elementType picks the primitive type of an array class and returns the
// element count to report. Element sizes with no matching type are dumped
// as bytes.
func elementType(c *mirror.Class, length int) (basicType, int) {
	if len(c.Descriptor) == 2 && c.Descriptor[0] == '[' {
		var t basicType
		switch c.Descriptor[1] {
		case 'Z':
			t = typeBoolean
		case 'B':
			t = typeByte
		case 'C':
			t = typeChar
		case 'S':
			t = typeShort
		case 'I':
			t = typeInt
		case 'F':
			t = typeFloat
		case 'J':
			t = typeLong
		case 'D':
			t = typeDouble
		}
		if t != 0 && t.size(idSize) == c.ComponentSize {
			return t, length
		}
	}
	switch c.ComponentSize {
	case 1:
		return typeByte, length
	case 2:
		return typeShort, length
	case 4:
		return typeInt, length
	case 8:
		return typeLong, length
	}
	return typeByte, length * c.ComponentSize
}

// Dump writes a heap dump of h to w. Mutators are suspended and collections
// held off while the heap is encoded; the dump is written to w afterwards.
// It must not be called from inside Thread.Run.
func Dump(h *gc.Heap, w io.Writer) (Stats, error) {
	var body bytes.Buffer
	d := newDumper(&body)
	if err := h.Walk(d); err != nil {
		return Stats{}, fmt.Errorf("hprof: %w", err)
	}
	d.body.startRecord(TagHeapDumpEnd)
	d.body.endRecord()

	head := output{w: w}
	writeHeader(&head, time.Now())
	for i, s := range d.order {
		head.startRecord(TagString)
		head.id(uint64(i + 1))
		head.bytes([]byte(s))
	}
	for _, c := range d.list {
		ci := d.classes[c]
		head.startRecord(TagLoadClass)
		head.u4(ci.serial)
		head.id(ci.id)
		head.u4(0)
		head.id(uint64(d.strings[prettyDescriptor(c.Descriptor)]))
	}
	// An empty stack trace, so tools find serial 0.
	head.startRecord(TagStackTrace)
	head.u4(0)
	head.u4(0)
	head.u4(0)
	head.endRecord()
	if head.err == nil {
		var n int64
		n, head.err = body.WriteTo(w)
		head.n += n
	}
	if head.err != nil {
		return Stats{}, fmt.Errorf("hprof: write: %w", head.err)
	}

	st := d.stats
	st.Strings = len(d.order)
	st.Segments = d.body.segments
	st.Bytes = head.n
	h.Logger().Info("heap dump",
		"objects", st.Objects(),
		"classes", st.Classes,
		"roots", st.Roots,
		"segments", st.Segments,
		"bytes", st.Bytes)
	return st, nil
}

func writeHeader(o *output, now time.Time) {
	hdr := append([]byte(magic), 0)
	hdr = binary.BigEndian.AppendUint32(hdr, idSize)
	ms := uint64(now.UnixMilli())
	hdr = binary.BigEndian.AppendUint32(hdr, uint32(ms>>32))
	hdr = binary.BigEndian.AppendUint32(hdr, uint32(ms))
	o.write(hdr)
}

// WriteFile dumps the heap to path. An exclusive lock on path+".lock" keeps
// concurrent dumps to the same path, from this or other processes, from
// interleaving, and the dump only replaces path once it is complete.
func WriteFile(h *gc.Heap, path string) (Stats, error) {
	lock := flock.New(path + ".lock")
	if err := lock.Lock(); err != nil {
		return Stats{}, fmt.Errorf("hprof: lock %s: %w", path, err)
	}
	defer lock.Unlock()

	f, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp*")
	if err != nil {
		return Stats{}, fmt.Errorf("hprof: %w", err)
	}
	defer os.Remove(f.Name())
	bw := bufio.NewWriter(f)
	st, err := Dump(h, bw)
	if err == nil {
		err = bw.Flush()
	}
	if err == nil {
		err = f.Sync()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return Stats{}, fmt.Errorf("hprof: %s: %w", path, err)
	}
	if err := os.Rename(f.Name(), path); err != nil {
		return Stats{}, fmt.Errorf("hprof: %w", err)
	}
	return st, nil
}

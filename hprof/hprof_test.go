package hprof

import (
	"bytes"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/andypeng2015/heapcore/gc"
	"github.com/andypeng2015/heapcore/gc/mirror"
	"github.com/andypeng2015/heapcore/gc/task"
)

var (
	nodeClass  = &mirror.Class{Descriptor: "Lcom/example/Node;", NumRefs: 2, DataSize: 16}
	bytesClass = &mirror.Class{Descriptor: "[B", ComponentSize: 1}
	nodesClass = &mirror.Class{Descriptor: "[Lcom/example/Node;", RefArray: true}
)

func newHeap(t *testing.T) (*gc.Heap, *task.Thread) {
	t.Helper()
	opts := gc.DefaultOptions()
	opts.Capacity = 8 << 20
	opts.InitialSize = 1 << 20
	opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	opts.OnFatal = func(err error) {
		t.Errorf("fatal heap error: %v", err)
	}
	h, err := gc.New(opts)
	if err != nil {
		t.Fatal(err)
	}
	self, err := h.AttachThread("main")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		h.DetachThread(self)
		h.Close()
	})
	return h, self
}

func alloc(t *testing.T, h *gc.Heap, self *task.Thread, c *mirror.Class, length int) *mirror.Object {
	t.Helper()
	o, err := h.AllocObject(self, c, length)
	if err != nil {
		t.Fatal(err)
	}
	return o
}

var pattern = bytes.Repeat([]byte{0xAB, 0xCD}, 32)

// fillHeap allocates a small graph: an array of nodes, two of them linked,
// and a byte array holding pattern. Five objects, five local roots and one
// global root.
func fillHeap(t *testing.T, h *gc.Heap, self *task.Thread) {
	t.Helper()
	arr := alloc(t, h, self, nodesClass, 2)
	a := alloc(t, h, self, nodeClass, 0)
	b := alloc(t, h, self, nodeClass, 0)
	data := alloc(t, h, self, bytesClass, len(pattern))
	alloc(t, h, self, nodeClass, 0)
	self.Run(func() {
		h.SetRef(arr, 0, a)
		h.SetRef(arr, 1, b)
		h.SetRef(a, 0, b)
		h.SetRef(b, 1, data)
		copy(data.Data(), pattern)
	})
	h.NewGlobalRef(arr)
}

func TestDumpAndVerify(t *testing.T) {
	h, self := newHeap(t)
	fillHeap(t, h, self)

	var buf bytes.Buffer
	st, err := Dump(h, &buf)
	if err != nil {
		t.Fatal(err)
	}
	if st.Instances != 3 || st.ObjectArrays != 1 || st.PrimitiveArrays != 1 {
		t.Errorf("dumped %d instances, %d object arrays, %d primitive arrays; want 3, 1, 1",
			st.Instances, st.ObjectArrays, st.PrimitiveArrays)
	}
	if st.Classes != 3 {
		t.Errorf("dumped %d classes, want 3", st.Classes)
	}
	if st.Roots != 6 {
		t.Errorf("dumped %d roots, want 6", st.Roots)
	}
	if st.Bytes != int64(buf.Len()) {
		t.Errorf("Bytes = %d, wrote %d", st.Bytes, buf.Len())
	}
	if !bytes.HasPrefix(buf.Bytes(), []byte(magic+"\x00")) {
		t.Error("dump does not start with the HPROF magic")
	}
	for _, name := range []string{"com.example.Node", "com.example.Node[]", "byte[]"} {
		if !bytes.Contains(buf.Bytes(), []byte(name)) {
			t.Errorf("class name %q missing from the string table", name)
		}
	}

	got, err := Verify(bytes.NewReader(buf.Bytes()))
	if err != nil {
		t.Fatal(err)
	}
	if got != st {
		t.Errorf("Verify read\n%+v\nDump wrote\n%+v", got, st)
	}
}

func TestDumpSplitsSegments(t *testing.T) {
	h, self := newHeap(t)
	const n = 300
	for range n {
		alloc(t, h, self, nodeClass, 0)
	}
	var buf bytes.Buffer
	st, err := Dump(h, &buf)
	if err != nil {
		t.Fatal(err)
	}
	if st.Instances != n {
		t.Errorf("dumped %d instances, want %d", st.Instances, n)
	}
	// Each node takes two entries (a root and an instance), so at most 64
	// nodes fit in a segment.
	if st.Segments < 2*n/maxObjectsPerSegment {
		t.Errorf("%d segments for %d roots and objects", st.Segments, 2*n)
	}
	got, err := Verify(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if got.Segments != st.Segments || got.Objects() != n {
		t.Errorf("Verify found %d segments and %d objects", got.Segments, got.Objects())
	}
}

func TestVerifyDetectsCorruption(t *testing.T) {
	h, self := newHeap(t)
	fillHeap(t, h, self)
	var buf bytes.Buffer
	if _, err := Dump(h, &buf); err != nil {
		t.Fatal(err)
	}
	dump := buf.Bytes()

	t.Run("payload", func(t *testing.T) {
		bad := bytes.Clone(dump)
		i := bytes.Index(bad, pattern)
		if i < 0 {
			t.Fatal("byte array payload not found in the dump")
		}
		bad[i+7] ^= 0xFF
		_, err := Verify(bytes.NewReader(bad))
		var ce *ChecksumError
		if !errors.As(err, &ce) {
			t.Fatalf("Verify error = %v, want a *ChecksumError", err)
		}
		if ce.Want == ce.Got {
			t.Errorf("checksum error with equal sums: %v", ce)
		}
	})
	t.Run("truncated", func(t *testing.T) {
		_, err := Verify(bytes.NewReader(dump[:len(dump)-recordHeaderSize-3]))
		if !errors.Is(err, ErrTruncated) {
			t.Errorf("Verify error = %v, want ErrTruncated", err)
		}
	})
	t.Run("magic", func(t *testing.T) {
		bad := bytes.Clone(dump)
		bad[0] = 'j'
		if _, err := Verify(bytes.NewReader(bad)); err == nil {
			t.Error("Verify accepted a bad magic")
		}
	})
}

func TestWriteFile(t *testing.T) {
	h, self := newHeap(t)
	fillHeap(t, h, self)
	path := filepath.Join(t.TempDir(), "heap.hprof")
	st, err := WriteFile(h, path)
	if err != nil {
		t.Fatal(err)
	}
	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	got, err := Verify(f)
	if err != nil {
		t.Fatal(err)
	}
	if got != st {
		t.Errorf("file holds %+v, wrote %+v", got, st)
	}
	matches, _ := filepath.Glob(path + ".tmp*")
	if len(matches) != 0 {
		t.Errorf("temporary files left behind: %v", matches)
	}
}

func TestPrettyDescriptor(t *testing.T) {
	tests := []struct{ in, want string }{
		{"Ljava/lang/String;", "java.lang.String"},
		{"[B", "byte[]"},
		{"[[I", "int[][]"},
		{"[Ljava/lang/Object;", "java.lang.Object[]"},
		{"Node", "Node"},
		{"[Q", "Q[]"},
	}
	for _, tc := range tests {
		if got := prettyDescriptor(tc.in); got != tc.want {
			t.Errorf("prettyDescriptor(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

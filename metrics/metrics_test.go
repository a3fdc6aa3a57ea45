package metrics

import (
	"io"
	"log/slog"
	"math"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/andypeng2015/heapcore/gc"
	"github.com/andypeng2015/heapcore/gc/collector"
	"github.com/andypeng2015/heapcore/gc/mirror"
)

func TestAll(t *testing.T) {
	all := All()
	if len(all) != len(metrics) {
		t.Fatalf("All returned %d descriptions, want %d", len(all), len(metrics))
	}
	if !sort.SliceIsSorted(all, func(i, j int) bool { return all[i].Name < all[j].Name }) {
		t.Error("descriptions not sorted by name")
	}
	seen := make(map[string]bool)
	for _, d := range all {
		if seen[d.Name] {
			t.Errorf("duplicate metric %s", d.Name)
		}
		seen[d.Name] = true
		if !strings.HasPrefix(d.Name, "/") || !strings.Contains(d.Name, ":") {
			t.Errorf("metric name %q is not /path:unit", d.Name)
		}
		if d.Kind == KindBad || d.Description == "" {
			t.Errorf("metric %s incompletely described", d.Name)
		}
	}
}

func TestRead(t *testing.T) {
	opts := gc.DefaultOptions()
	opts.Capacity = 8 << 20
	opts.InitialSize = 1 << 20
	opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	h, err := gc.New(opts)
	if err != nil {
		t.Fatal(err)
	}
	defer h.Close()
	self, err := h.AttachThread("main")
	if err != nil {
		t.Fatal(err)
	}
	defer h.DetachThread(self)

	class := &mirror.Class{Descriptor: "LThing;", DataSize: 24}
	frame := self.LocalFrame()
	for range 10 {
		if _, err := h.AllocObject(self, class, 0); err != nil {
			t.Fatal(err)
		}
	}
	self.PopLocalFrame(frame)
	h.CollectGarbage(collector.CauseExplicit, false)
	h.RegisterNativeAllocation(4096)

	all := All()
	samples := make([]Sample, len(all)+1)
	for i, d := range all {
		samples[i].Name = d.Name
	}
	samples[len(all)].Name = "/no/such:metric"
	Read(h, samples)

	for i, d := range all {
		if samples[i].Value.Kind() != d.Kind {
			t.Errorf("%s: kind %v, want %v", d.Name, samples[i].Value.Kind(), d.Kind)
		}
	}
	if samples[len(all)].Value.Kind() != KindBad {
		t.Error("unknown metric did not read as KindBad")
	}

	values := make(map[string]Value)
	for _, s := range samples {
		values[s.Name] = s.Value
	}
	for name, want := range map[string]uint64{
		"/gc/cycles/total:gc-cycles":  1,
		"/gc/heap/allocs:objects":     10,
		"/gc/heap/allocs:bytes":       10 * uint64(class.ObjectSize(0)),
		"/gc/heap/frees:objects":      10,
		"/gc/heap/objects:objects":    0,
		"/gc/heap/live:bytes":         0,
		"/gc/native/registered:bytes": 4096,
		"/gc/native/watermark:bytes":  (8 << 20) / 32,
		"/gc/heap/limit:bytes":        8 << 20,
	} {
		if got := values[name].Uint64(); got != want {
			t.Errorf("%s = %d, want %d", name, got, want)
		}
	}

	hist := values["/gc/pauses:seconds"].Float64Histogram()
	var n uint64
	for _, c := range hist.Counts {
		n += c
	}
	if n != 2 {
		t.Errorf("pause histogram holds %d pauses, want 2", n)
	}
	if total := values["/gc/pauses/total:seconds"].Float64(); total <= 0 || math.IsNaN(total) {
		t.Errorf("total pause %v", total)
	}
}

func TestPauseHistogram(t *testing.T) {
	h := pauseHistogram([]time.Duration{0, 500 * time.Microsecond, time.Millisecond, time.Minute}).Float64Histogram()
	if len(h.Counts) != len(h.Buckets)-1 {
		t.Fatalf("%d counts for %d buckets", len(h.Counts), len(h.Buckets))
	}
	want := map[int]uint64{0: 1, 3: 1, 4: 1, 8: 1}
	for i, c := range h.Counts {
		if c != want[i] {
			t.Errorf("bucket [%v, %v) holds %d, want %d", h.Buckets[i], h.Buckets[i+1], c, want[i])
		}
	}
}

func TestValuePanicsOnWrongKind(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("Float64 on a uint64 value did not panic")
		}
	}()
	uint64Value(1).Float64()
}

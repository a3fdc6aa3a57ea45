package gc

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"time"

	"github.com/andypeng2015/heapcore/gc/collector"
	"github.com/andypeng2015/heapcore/gc/monitor"
)

// Heap sizing defaults.
const (
	DefaultCapacity             = 64 << 20
	DefaultInitialSize          = 2 << 20
	DefaultMaxFree              = 2 << 20
	DefaultMinFree              = DefaultMaxFree / 4
	DefaultTargetUtilization    = 0.5
	DefaultHeapGrowthMultiplier = 2.0
	DefaultLargeObjectThreshold = 12 << 10

	DefaultNativeBlockingFactor      = 4
	DefaultNativeBlockTimeout        = 250 * time.Millisecond
	DefaultFinalizerTimeout          = 10 * time.Second
	DefaultBackgroundTransitionDelay = 5 * time.Second
	DefaultHeapTrimDelay             = 5 * time.Second
	DefaultMinHSCInterval            = 100 * time.Second
)

// Bounds on the headroom left before a concurrent collection has to finish.
const (
	minConcurrentRemainingBytes = 128 << 10
	maxConcurrentRemainingBytes = 512 << 10
)

// Options configures a Heap. Zero fields take their default, except for the
// booleans, which are taken as given: start from DefaultOptions to get them.
type Options struct {
	// Capacity is the most the heap can ever grow to (-Xmx).
	Capacity uintptr
	// InitialSize is the starting footprint (-Xms).
	InitialSize uintptr
	// GrowthLimit caps the footprint below Capacity. Zero means Capacity.
	GrowthLimit uintptr

	// Objects of at least LargeObjectThreshold bytes go to the large object
	// space.
	LargeObjectThreshold uintptr

	ForegroundCollector collector.Type
	// BackgroundCollector is used while the process state is
	// ProcessStateJankImperceptible. TypeHomogeneousSpaceCompact means to
	// compact once and keep the foreground collector.
	BackgroundCollector collector.Type

	TargetUtilization    float64
	MinFree              uintptr
	MaxFree              uintptr
	HeapGrowthMultiplier float64

	// NativeWatermark is the number of native bytes registered since the
	// last collection after which a collection is requested (times
	// HeapGrowthMultiplier). Zero means Capacity/32.
	NativeWatermark uint64
	// NativeBlockingFactor times the watermark is where registering threads
	// start to run a collection themselves and wait for finalizers.
	NativeBlockingFactor float64
	// NativeBlockTimeout bounds how long a registering thread waits for
	// finalizers after a blocking collection.
	NativeBlockTimeout time.Duration

	// FinalizerTimeout is how long a single finalizer may run before the
	// watchdog reports it to OnFatal.
	FinalizerTimeout time.Duration

	BackgroundTransitionDelay time.Duration
	HeapTrimDelay             time.Duration

	// DisableHomogeneousSpaceCompaction turns PerformHomogeneousSpaceCompact
	// into ErrorUnsupported. Collector transitions still work.
	DisableHomogeneousSpaceCompaction bool
	// UseHomogeneousSpaceCompactionForOOM lets a failing allocation compact
	// the heap, at most once every MinHSCInterval.
	UseHomogeneousSpaceCompactionForOOM bool
	MinHSCInterval                      time.Duration

	MaxSpinsBeforeThinLockInflation int

	// VerifyPreGC checks the heap at the start of every collection and
	// reports corruption to OnFatal.
	VerifyPreGC bool

	Logger *slog.Logger
	// OnFatal is called for unrecoverable conditions such as a finalizer
	// timing out. The default logs and exits the process.
	OnFatal func(error)
}

// DefaultOptions returns the options used for zero fields.
func DefaultOptions() Options {
	return Options{
		Capacity:                            DefaultCapacity,
		InitialSize:                         DefaultInitialSize,
		LargeObjectThreshold:                DefaultLargeObjectThreshold,
		ForegroundCollector:                 collector.TypeCMS,
		BackgroundCollector:                 collector.TypeHomogeneousSpaceCompact,
		TargetUtilization:                   DefaultTargetUtilization,
		MinFree:                             DefaultMinFree,
		MaxFree:                             DefaultMaxFree,
		HeapGrowthMultiplier:                DefaultHeapGrowthMultiplier,
		NativeBlockingFactor:                DefaultNativeBlockingFactor,
		NativeBlockTimeout:                  DefaultNativeBlockTimeout,
		FinalizerTimeout:                    DefaultFinalizerTimeout,
		BackgroundTransitionDelay:           DefaultBackgroundTransitionDelay,
		HeapTrimDelay:                       DefaultHeapTrimDelay,
		UseHomogeneousSpaceCompactionForOOM: true,
		MinHSCInterval:                      DefaultMinHSCInterval,
		MaxSpinsBeforeThinLockInflation:     monitor.DefaultMaxSpins,
	}
}

// withDefaults fills in zero fields and checks the result.
func (o Options) withDefaults() (Options, error) {
	d := DefaultOptions()
	if o.Capacity == 0 {
		o.Capacity = d.Capacity
	}
	if o.InitialSize == 0 {
		o.InitialSize = min(d.InitialSize, o.Capacity)
	}
	if o.GrowthLimit == 0 {
		o.GrowthLimit = o.Capacity
	}
	if o.LargeObjectThreshold == 0 {
		o.LargeObjectThreshold = d.LargeObjectThreshold
	}
	if o.ForegroundCollector == collector.TypeNone {
		o.ForegroundCollector = d.ForegroundCollector
	}
	if o.BackgroundCollector == collector.TypeNone {
		o.BackgroundCollector = d.BackgroundCollector
	}
	if o.TargetUtilization == 0 {
		o.TargetUtilization = d.TargetUtilization
	}
	if o.MinFree == 0 {
		o.MinFree = d.MinFree
	}
	if o.MaxFree == 0 {
		o.MaxFree = d.MaxFree
	}
	if o.HeapGrowthMultiplier == 0 {
		o.HeapGrowthMultiplier = d.HeapGrowthMultiplier
	}
	if o.NativeWatermark == 0 {
		o.NativeWatermark = uint64(o.Capacity / 32)
	}
	if o.NativeBlockingFactor == 0 {
		o.NativeBlockingFactor = d.NativeBlockingFactor
	}
	if o.NativeBlockTimeout == 0 {
		o.NativeBlockTimeout = d.NativeBlockTimeout
	}
	if o.FinalizerTimeout == 0 {
		o.FinalizerTimeout = d.FinalizerTimeout
	}
	if o.BackgroundTransitionDelay == 0 {
		o.BackgroundTransitionDelay = d.BackgroundTransitionDelay
	}
	if o.HeapTrimDelay == 0 {
		o.HeapTrimDelay = d.HeapTrimDelay
	}
	if o.MinHSCInterval == 0 {
		o.MinHSCInterval = d.MinHSCInterval
	}
	if o.MaxSpinsBeforeThinLockInflation == 0 {
		o.MaxSpinsBeforeThinLockInflation = d.MaxSpinsBeforeThinLockInflation
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.OnFatal == nil {
		logger := o.Logger
		o.OnFatal = func(err error) {
			logger.Error("fatal heap error", "err", err)
			os.Exit(2)
		}
	}
	return o, o.validate()
}

func (o *Options) validate() error {
	var errs []error
	if o.InitialSize > o.Capacity {
		errs = append(errs, fmt.Errorf("initial size %d larger than capacity %d", o.InitialSize, o.Capacity))
	}
	if o.GrowthLimit > o.Capacity {
		errs = append(errs, fmt.Errorf("growth limit %d larger than capacity %d", o.GrowthLimit, o.Capacity))
	}
	switch o.ForegroundCollector {
	case collector.TypeCMS, collector.TypeMS, collector.TypeSS:
	default:
		errs = append(errs, fmt.Errorf("%s can not be the foreground collector", o.ForegroundCollector))
	}
	switch o.BackgroundCollector {
	case collector.TypeCMS, collector.TypeMS, collector.TypeSS, collector.TypeHomogeneousSpaceCompact:
	default:
		errs = append(errs, fmt.Errorf("%s can not be the background collector", o.BackgroundCollector))
	}
	if o.TargetUtilization <= 0 || o.TargetUtilization >= 1 {
		errs = append(errs, fmt.Errorf("target utilization %v not in (0, 1)", o.TargetUtilization))
	}
	if o.MinFree > o.MaxFree {
		errs = append(errs, fmt.Errorf("min free %d larger than max free %d", o.MinFree, o.MaxFree))
	}
	if o.HeapGrowthMultiplier < 1 {
		errs = append(errs, fmt.Errorf("heap growth multiplier %v below 1", o.HeapGrowthMultiplier))
	}
	if o.NativeBlockingFactor < 1 {
		errs = append(errs, fmt.Errorf("native blocking factor %v below 1", o.NativeBlockingFactor))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("gc: invalid options: %w", err)
	}
	return nil
}

// growthMultiplier is the multiplier for the current process state: only a
// foreground process trades memory for fewer collections.
func (h *Heap) growthMultiplier() float64 {
	h.gcMu.Lock()
	defer h.gcMu.Unlock()
	if h.processState == ProcessStateJankPerceptible {
		return h.opts.HeapGrowthMultiplier
	}
	return 1
}

// growForUtilization picks the next target footprint after a collection so
// that live data takes up about TargetUtilization of the heap, and decides
// when the next concurrent collection starts and of which type it is.
func (h *Heap) growForUtilization(it *collector.Iteration, allocatedBefore uint64) {
	allocated := h.bytesAllocated.Load()
	target := h.targetFootprint.Load()
	mult := h.growthMultiplier()
	minFree := uint64(float64(h.opts.MinFree) * mult)
	maxFree := uint64(float64(h.opts.MaxFree) * mult)

	next := collector.GcTypeFull
	if it.Type != collector.GcTypeSticky {
		delta := uint64(float64(allocated)/h.opts.TargetUtilization) - allocated
		target = allocated + uint64(float64(delta)*mult)
		target = min(target, allocated+maxFree)
		target = max(target, allocated+minFree)
		next = collector.GcTypeSticky
	} else {
		// Based on how close the heap is to its target, pick a sticky or a
		// full collection next.
		if allocated+minFree <= target {
			next = collector.GcTypeSticky
		}
		if allocated+maxFree < target {
			target = allocated + maxFree
		} else {
			target = max(allocated, target)
		}
	}
	target = min(target, h.growthLimit.Load())
	h.targetFootprint.Store(target)

	plan := h.collectorType()
	h.gcMu.Lock()
	if plan == collector.TypeSS {
		next = collector.GcTypeFull
	}
	h.nextGcType = next
	h.gcMu.Unlock()

	if !plan.IsConcurrent() {
		h.concurrentStartBytes.Store(math.MaxUint64)
		return
	}
	// Estimate how much will be allocated while the next collection runs
	// from how much was allocated while this one ran.
	freed := it.FreedBytes + it.FreedLargeBytes
	var during uint64
	if allocated+freed > allocatedBefore {
		during = allocated + freed - allocatedBefore
	}
	remaining := min(max(during, minConcurrentRemainingBytes), maxConcurrentRemainingBytes)
	h.concurrentStartBytes.Store(concurrentStart(target, remaining, allocated))
}

// concurrentStart returns where the next concurrent collection starts.
func concurrentStart(target, remaining, allocated uint64) uint64 {
	if remaining > target {
		remaining = min(minConcurrentRemainingBytes, target)
	}
	return max(target-remaining, allocated)
}

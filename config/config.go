// Package config reads heap options from YAML files and from ART-style
// runtime option strings, and turns them into gc.Options.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/andypeng2015/heapcore/gc"
	"github.com/andypeng2015/heapcore/gc/collector"
	"github.com/inhies/go-bytesize"
	"gopkg.in/yaml.v2"
)

// Size is a byte count. In YAML it may be written as a plain number of bytes
// or with a unit: "64MB", "512KB", "12k".
type Size uint64

// ParseSize parses a byte count. A number without unit is in bytes; the
// single letter units k, m and g of the -Xmx family are accepted too.
func ParseSize(s string) (Size, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, errors.New("empty size")
	}
	if n, err := strconv.ParseUint(s, 10, 64); err == nil {
		return Size(n), nil
	}
	switch s[len(s)-1] {
	case 'k', 'K', 'm', 'M', 'g', 'G':
		s += "B"
	}
	b, err := bytesize.Parse(s)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", s, err)
	}
	if b < 0 {
		return 0, fmt.Errorf("invalid size %q: negative", s)
	}
	return Size(b), nil
}

func (s Size) String() string {
	return bytesize.New(float64(s)).String()
}

// UnmarshalYAML accepts both numbers and strings with a unit.
func (s *Size) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var n uint64
	if err := unmarshal(&n); err == nil {
		*s = Size(n)
		return nil
	}
	var str string
	if err := unmarshal(&str); err != nil {
		return err
	}
	v, err := ParseSize(str)
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// MarshalYAML writes whole megabytes and kilobytes with their unit, anything
// else as a number, so Load reads back the exact value.
func (s Size) MarshalYAML() (interface{}, error) {
	switch {
	case s == 0:
		return uint64(0), nil
	case s%(1<<30) == 0:
		return fmt.Sprintf("%dGB", s>>30), nil
	case s%(1<<20) == 0:
		return fmt.Sprintf("%dMB", s>>20), nil
	case s%(1<<10) == 0:
		return fmt.Sprintf("%dKB", s>>10), nil
	}
	return uint64(s), nil
}

// Options are the user facing heap tunables.
type Options struct {
	MaxHeap     Size `yaml:"max_heap"`     // -Xmx
	InitialHeap Size `yaml:"initial_heap"` // -Xms
	GrowthLimit Size `yaml:"growth_limit,omitempty"`

	LargeObjectThreshold Size `yaml:"large_object_threshold"`

	ForegroundGC string `yaml:"foreground_gc"`
	BackgroundGC string `yaml:"background_gc"`

	TargetUtilization    float64 `yaml:"target_utilization"`
	MinFree              Size    `yaml:"min_free"`
	MaxFree              Size    `yaml:"max_free"`
	HeapGrowthMultiplier float64 `yaml:"heap_growth_multiplier"`

	// NativeWatermark of zero means MaxHeap/32.
	NativeWatermark      Size          `yaml:"native_watermark,omitempty"`
	NativeBlockingFactor float64       `yaml:"native_blocking_factor"`
	NativeBlockTimeout   time.Duration `yaml:"native_block_timeout"`

	FinalizerTimeout          time.Duration `yaml:"finalizer_timeout"`
	BackgroundTransitionDelay time.Duration `yaml:"background_transition_delay"`
	HeapTrimDelay             time.Duration `yaml:"heap_trim_delay"`

	DisableHomogeneousSpaceCompaction bool          `yaml:"disable_homogeneous_space_compaction"`
	HomogeneousSpaceCompactForOOM     bool          `yaml:"homogeneous_space_compact_for_oom"`
	MinHomogeneousSpaceCompactGap     time.Duration `yaml:"min_homogeneous_space_compact_interval"`

	MaxSpinsBeforeThinLockInflation int  `yaml:"max_spins_before_thin_lock_inflation"`
	VerifyPreGC                     bool `yaml:"verify_pre_gc"`
}

// Defaults returns the options a heap gets when nothing is configured.
func Defaults() Options {
	d := gc.DefaultOptions()
	return Options{
		MaxHeap:                           Size(d.Capacity),
		InitialHeap:                       Size(d.InitialSize),
		LargeObjectThreshold:              Size(d.LargeObjectThreshold),
		ForegroundGC:                      d.ForegroundCollector.String(),
		BackgroundGC:                      d.BackgroundCollector.String(),
		TargetUtilization:                 d.TargetUtilization,
		MinFree:                           Size(d.MinFree),
		MaxFree:                           Size(d.MaxFree),
		HeapGrowthMultiplier:              d.HeapGrowthMultiplier,
		NativeBlockingFactor:              d.NativeBlockingFactor,
		NativeBlockTimeout:                d.NativeBlockTimeout,
		FinalizerTimeout:                  d.FinalizerTimeout,
		BackgroundTransitionDelay:         d.BackgroundTransitionDelay,
		HeapTrimDelay:                     d.HeapTrimDelay,
		DisableHomogeneousSpaceCompaction: d.DisableHomogeneousSpaceCompaction,
		HomogeneousSpaceCompactForOOM:     d.UseHomogeneousSpaceCompactionForOOM,
		MinHomogeneousSpaceCompactGap:     d.MinHSCInterval,
		MaxSpinsBeforeThinLockInflation:   d.MaxSpinsBeforeThinLockInflation,
	}
}

// Load reads the YAML file at path over the defaults. Unknown keys are an
// error.
func Load(path string) (Options, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Options{}, fmt.Errorf("config: %w", err)
	}
	o, err := Parse(data)
	if err != nil {
		return Options{}, fmt.Errorf("config: %s: %w", path, err)
	}
	return o, nil
}

// Parse decodes YAML over the defaults and validates the result.
func Parse(data []byte) (Options, error) {
	o := Defaults()
	if err := yaml.UnmarshalStrict(data, &o); err != nil {
		return Options{}, err
	}
	if err := o.Validate(); err != nil {
		return Options{}, err
	}
	return o, nil
}

// Marshal encodes o as YAML, in the format Load reads.
func (o Options) Marshal() ([]byte, error) {
	return yaml.Marshal(o)
}

// Validate reports every invalid field.
func (o Options) Validate() error {
	var errs []error
	if o.MaxHeap == 0 {
		errs = append(errs, errors.New("max_heap must be set"))
	}
	if o.InitialHeap > o.MaxHeap {
		errs = append(errs, fmt.Errorf("initial_heap %v larger than max_heap %v", o.InitialHeap, o.MaxHeap))
	}
	if o.GrowthLimit > o.MaxHeap {
		errs = append(errs, fmt.Errorf("growth_limit %v larger than max_heap %v", o.GrowthLimit, o.MaxHeap))
	}
	if o.LargeObjectThreshold < minLargeObjectThreshold {
		errs = append(errs, fmt.Errorf("large_object_threshold %v below %v", o.LargeObjectThreshold, Size(minLargeObjectThreshold)))
	}
	fg, err := collector.ParseType(o.ForegroundGC)
	if err != nil {
		errs = append(errs, fmt.Errorf("foreground_gc: %w", err))
	} else if fg == collector.TypeHomogeneousSpaceCompact {
		errs = append(errs, errors.New("foreground_gc: HSC is only a background collector"))
	}
	if _, err := collector.ParseType(o.BackgroundGC); err != nil {
		errs = append(errs, fmt.Errorf("background_gc: %w", err))
	}
	if o.TargetUtilization <= 0 || o.TargetUtilization >= 1 {
		errs = append(errs, fmt.Errorf("target_utilization %v not in (0, 1)", o.TargetUtilization))
	}
	if o.MinFree > o.MaxFree {
		errs = append(errs, fmt.Errorf("min_free %v larger than max_free %v", o.MinFree, o.MaxFree))
	}
	if o.HeapGrowthMultiplier < 1 {
		errs = append(errs, fmt.Errorf("heap_growth_multiplier %v below 1", o.HeapGrowthMultiplier))
	}
	if o.NativeBlockingFactor < 1 {
		errs = append(errs, fmt.Errorf("native_blocking_factor %v below 1", o.NativeBlockingFactor))
	}
	if o.FinalizerTimeout < 0 || o.NativeBlockTimeout < 0 {
		errs = append(errs, errors.New("timeouts must not be negative"))
	}
	if o.MaxSpinsBeforeThinLockInflation < 0 {
		errs = append(errs, errors.New("max_spins_before_thin_lock_inflation must not be negative"))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid options: %w", err)
	}
	return nil
}

// minLargeObjectThreshold keeps small objects out of the page granular large
// object space.
const minLargeObjectThreshold = 3 << 10

// HeapOptions converts o into the options of gc.New. The logger and the
// fatal error hook are left for the caller.
func (o Options) HeapOptions() (gc.Options, error) {
	if err := o.Validate(); err != nil {
		return gc.Options{}, err
	}
	fg, _ := collector.ParseType(o.ForegroundGC)
	bg, _ := collector.ParseType(o.BackgroundGC)
	watermark := uint64(o.NativeWatermark)
	if watermark == 0 {
		watermark = uint64(o.MaxHeap) / 32
	}
	return gc.Options{
		Capacity:                            uintptr(o.MaxHeap),
		InitialSize:                         uintptr(o.InitialHeap),
		GrowthLimit:                         uintptr(o.GrowthLimit),
		LargeObjectThreshold:                uintptr(o.LargeObjectThreshold),
		ForegroundCollector:                 fg,
		BackgroundCollector:                 bg,
		TargetUtilization:                   o.TargetUtilization,
		MinFree:                             uintptr(o.MinFree),
		MaxFree:                             uintptr(o.MaxFree),
		HeapGrowthMultiplier:                o.HeapGrowthMultiplier,
		NativeWatermark:                     watermark,
		NativeBlockingFactor:                o.NativeBlockingFactor,
		NativeBlockTimeout:                  o.NativeBlockTimeout,
		FinalizerTimeout:                    o.FinalizerTimeout,
		BackgroundTransitionDelay:           o.BackgroundTransitionDelay,
		HeapTrimDelay:                       o.HeapTrimDelay,
		DisableHomogeneousSpaceCompaction:   o.DisableHomogeneousSpaceCompaction,
		UseHomogeneousSpaceCompactionForOOM: o.HomogeneousSpaceCompactForOOM,
		MinHSCInterval:                      o.MinHomogeneousSpaceCompactGap,
		MaxSpinsBeforeThinLockInflation:     o.MaxSpinsBeforeThinLockInflation,
		VerifyPreGC:                         o.VerifyPreGC,
	}, nil
}

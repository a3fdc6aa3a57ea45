package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/andypeng2015/heapcore/gc/collector"
	"github.com/google/shlex"
)

// ParseRuntimeOptions applies an option string in the style of a Java
// command line on top of o, for example:
//
//	-Xmx64m -Xms4m -Xgc:CMS,preverify -XX:BackgroundGC=HSC
//
// Options are split like a shell would split them. Every option that can
// not be applied is reported; the others are applied anyway.
func ParseRuntimeOptions(s string, o *Options) error {
	args, err := shlex.Split(s)
	if err != nil {
		return fmt.Errorf("config: split runtime options: %w", err)
	}
	var errs []error
	for _, arg := range args {
		if err := o.applyRuntimeOption(arg); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", arg, err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("config: runtime options: %w", err)
	}
	return nil
}

var errUnknownOption = errors.New("unknown option")

func (o *Options) applyRuntimeOption(arg string) error {
	switch {
	case strings.HasPrefix(arg, "-Xmx"):
		return parseMemoryOption(arg[len("-Xmx"):], &o.MaxHeap)
	case strings.HasPrefix(arg, "-Xms"):
		return parseMemoryOption(arg[len("-Xms"):], &o.InitialHeap)
	case strings.HasPrefix(arg, "-Xgc:"):
		return o.parseGcOption(arg[len("-Xgc:"):])
	case arg == "-XX:EnableHSpaceCompactForOOM":
		o.HomogeneousSpaceCompactForOOM = true
		return nil
	case arg == "-XX:DisableHSpaceCompactForOOM":
		o.HomogeneousSpaceCompactForOOM = false
		return nil
	case strings.HasPrefix(arg, "-XX:"):
		name, value, ok := strings.Cut(arg[len("-XX:"):], "=")
		if !ok {
			return errUnknownOption
		}
		return o.parseXXOption(name, value)
	}
	return errUnknownOption
}

func (o *Options) parseXXOption(name, value string) error {
	switch name {
	case "HeapGrowthLimit":
		return parseMemoryOption(value, &o.GrowthLimit)
	case "HeapMinFree":
		return parseMemoryOption(value, &o.MinFree)
	case "HeapMaxFree":
		return parseMemoryOption(value, &o.MaxFree)
	case "LargeObjectThreshold":
		return parseMemoryOption(value, &o.LargeObjectThreshold)
	case "NativeWatermark":
		return parseMemoryOption(value, &o.NativeWatermark)
	case "HeapTargetUtilization":
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return err
		}
		if f < 0.1 || f > 0.9 {
			return fmt.Errorf("%v out of range [0.1, 0.9]", f)
		}
		o.TargetUtilization = f
	case "ForegroundHeapGrowthMultiplier":
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return err
		}
		o.HeapGrowthMultiplier = f
	case "BackgroundGC":
		t, err := collector.ParseType(value)
		if err != nil {
			return err
		}
		o.BackgroundGC = t.String()
	case "FinalizerTimeoutMs":
		return parseMillis(value, &o.FinalizerTimeout)
	case "NativeBlockTimeoutMs":
		return parseMillis(value, &o.NativeBlockTimeout)
	case "MaxSpinsBeforeThinLockInflation":
		n, err := strconv.ParseUint(value, 10, 31)
		if err != nil {
			return err
		}
		o.MaxSpinsBeforeThinLockInflation = int(n)
	default:
		return errUnknownOption
	}
	return nil
}

// parseGcOption handles the comma separated list after -Xgc:. A collector
// name picks the foreground collector; the rest toggle heap verification.
func (o *Options) parseGcOption(list string) error {
	if list == "" {
		return nil
	}
	for _, opt := range strings.Split(list, ",") {
		switch opt {
		case "preverify":
			o.VerifyPreGC = true
		case "nopreverify":
			o.VerifyPreGC = false
		default:
			t, err := collector.ParseType(opt)
			if err != nil || t == collector.TypeHomogeneousSpaceCompact {
				return fmt.Errorf("unknown -Xgc option %s", opt)
			}
			o.ForegroundGC = t.String()
		}
	}
	return nil
}

// parseMemoryOption parses a memory size the way -Xmx does: digits,
// optionally followed by one of k, m or g, and a multiple of 1024.
func parseMemoryOption(s string, dst *Size) error {
	digits := s
	if n := len(s); n > 0 && strings.ContainsRune("kKmMgG", rune(s[n-1])) {
		digits = s[:n-1]
	}
	if digits == "" || strings.TrimLeft(digits, "0123456789") != "" {
		return fmt.Errorf("invalid memory size %q", s)
	}
	v, err := ParseSize(s)
	if err != nil {
		return err
	}
	if v%1024 != 0 {
		return fmt.Errorf("memory size %q is not a multiple of 1024", s)
	}
	*dst = v
	return nil
}

func parseMillis(s string, dst *time.Duration) error {
	n, err := strconv.ParseUint(s, 10, 63)
	if err != nil {
		return err
	}
	*dst = time.Duration(n) * time.Millisecond
	return nil
}

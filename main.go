// Command heapstress runs stress scenarios against a managed heap and
// reports what the collector did.
package main

import (
	"bufio"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/andypeng2015/heapcore/config"
	"github.com/andypeng2015/heapcore/debug"
	"github.com/andypeng2015/heapcore/diagnostics"
	"github.com/andypeng2015/heapcore/gc"
	"github.com/andypeng2015/heapcore/hprof"
	"github.com/andypeng2015/heapcore/metrics"
	"github.com/inhies/go-bytesize"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
)

func usage() {
	fmt.Fprintln(os.Stderr, "heapstress runs stress scenarios against a managed heap.")
	fmt.Fprintln(os.Stderr)
	fmt.Fprintln(os.Stderr, "usage:")
	fmt.Fprintln(os.Stderr, "  heapstress <command> [flags] [arguments]")
	fmt.Fprintln(os.Stderr)
	fmt.Fprintln(os.Stderr, "commands:")
	for _, s := range scenarios {
		fmt.Fprintf(os.Stderr, "  %-11s %s\n", s.name, s.help)
	}
	fmt.Fprintln(os.Stderr, "  verify      check the checksums of heap dump files")
	fmt.Fprintln(os.Stderr, "  options     print the effective heap options as YAML")
	fmt.Fprintln(os.Stderr, "  metrics     list the supported metrics")
	fmt.Fprintln(os.Stderr, "  help        print this help text")
	fmt.Fprintln(os.Stderr)
	fmt.Fprintln(os.Stderr, "flags:")
	flag.PrintDefaults()
}

// newLogger returns a logger writing to f. Level names are colored only when
// f is a terminal; escape sequences are stripped otherwise.
func newLogger(f *os.File, level slog.Level) *slog.Logger {
	color := isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
	var w io.Writer
	if color {
		w = colorable.NewColorable(f)
	} else {
		w = colorable.NewNonColorable(f)
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{
		Level: level,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if color && len(groups) == 0 && a.Key == slog.LevelKey {
				if l, ok := a.Value.Any().(slog.Level); ok {
					a.Value = slog.StringValue(levelColor(l) + l.String() + "\x1b[0m")
				}
			}
			return a
		},
	}))
}

func levelColor(l slog.Level) string {
	switch {
	case l >= slog.LevelError:
		return "\x1b[31m"
	case l >= slog.LevelWarn:
		return "\x1b[33m"
	case l >= slog.LevelInfo:
		return "\x1b[36m"
	default:
		return "\x1b[90m"
	}
}

// loadOptions reads the YAML file at path, if any, and applies the runtime
// option string on top of it.
func loadOptions(path, runtimeOptions string) (config.Options, error) {
	opts := config.Defaults()
	if path != "" {
		var err error
		opts, err = config.Load(path)
		if err != nil {
			return config.Options{}, err
		}
	}
	if runtimeOptions != "" {
		if err := config.ParseRuntimeOptions(runtimeOptions, &opts); err != nil {
			return config.Options{}, err
		}
		if err := opts.Validate(); err != nil {
			return config.Options{}, err
		}
	}
	return opts, nil
}

// handleError prints err, one diagnostic per line, and exits.
func handleError(err error) {
	if err == nil {
		return
	}
	diagnostics.CreateDiagnostics(err).WriteTo(os.Stderr)
	os.Exit(1)
}

// verifyFiles checks every heap dump in paths and prints what it holds.
func verifyFiles(w io.Writer, paths []string) error {
	if len(paths) == 0 {
		return errors.New("verify: no heap dump files given")
	}
	var errs []error
	for _, path := range paths {
		st, err := verifyFile(path)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", path, err))
			continue
		}
		fmt.Fprintf(w, "%s: ok, %d objects in %d classes, %d roots, %d segments, %s\n",
			path, st.Objects(), st.Classes, st.Roots, st.Segments, bytesize.New(float64(st.Bytes)))
	}
	return errors.Join(errs...)
}

func verifyFile(path string) (hprof.Stats, error) {
	f, err := os.Open(path)
	if err != nil {
		return hprof.Stats{}, err
	}
	defer f.Close()
	return hprof.Verify(bufio.NewReader(f))
}

func printMetrics(w io.Writer, h *gc.Heap) {
	all := metrics.All()
	samples := make([]metrics.Sample, len(all))
	for i, d := range all {
		samples[i].Name = d.Name
	}
	metrics.Read(h, samples)
	for _, s := range samples {
		switch s.Value.Kind() {
		case metrics.KindUint64:
			fmt.Fprintf(w, "%-44s %d\n", s.Name, s.Value.Uint64())
		case metrics.KindFloat64:
			fmt.Fprintf(w, "%-44s %g\n", s.Name, s.Value.Float64())
		case metrics.KindFloat64Histogram:
			hist := s.Value.Float64Histogram()
			var parts []string
			for i, c := range hist.Counts {
				if c != 0 {
					parts = append(parts, fmt.Sprintf("[%g,%g):%d", hist.Buckets[i], hist.Buckets[i+1], c))
				}
			}
			fmt.Fprintf(w, "%-44s %s\n", s.Name, strings.Join(parts, " "))
		}
	}
}

// printSummary prints the collector statistics after a scenario.
func printSummary(w io.Writer, h *gc.Heap) {
	var stats debug.GCStats
	stats.PauseQuantiles = make([]time.Duration, 5)
	debug.ReadGCStats(h, &stats)
	var ms gc.MemStats
	h.ReadMemStats(&ms)

	fmt.Fprintf(w, "collector:     %s (%s)\n", ms.Collector, ms.MainSpace)
	fmt.Fprintf(w, "collections:   %d, %d compactions, %d compactions rejected\n", stats.NumGC, ms.NumHSC, ms.NumHSCRejected)
	fmt.Fprintf(w, "allocated:     %d objects, %s\n", ms.TotalObjectsAllocated, bytesize.New(float64(ms.TotalBytesAllocated)))
	fmt.Fprintf(w, "freed:         %d objects, %s\n", ms.TotalObjectsFreed, bytesize.New(float64(ms.TotalBytesFreed)))
	fmt.Fprintf(w, "live:          %d objects, %s of %s\n", ms.Objects, bytesize.New(float64(ms.BytesAllocated)), bytesize.New(float64(ms.TargetFootprint)))
	fmt.Fprintf(w, "native:        %s, watermark %s\n", bytesize.New(float64(ms.NativeBytes)), bytesize.New(float64(ms.NativeWatermark)))
	fmt.Fprintf(w, "finalizers:    %d run, %d pending\n", ms.FinalizersRun, ms.PendingFinalizers)
	fmt.Fprintf(w, "monitors:      %d live, %d inflated, %d deflated\n", ms.Monitors, ms.MonitorsInflated, ms.MonitorsDeflated)
	if stats.NumGC > 0 {
		q := stats.PauseQuantiles
		fmt.Fprintf(w, "pauses:        %d, total %v, min %v, median %v, max %v\n", len(stats.Pause), stats.PauseTotal, q[0], q[2], q[4])
	}
}

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "No command-line arguments supplied.")
		usage()
		os.Exit(1)
	}
	command := os.Args[1]

	configPath := flag.String("config", "", "YAML file with heap options")
	runtimeOptions := flag.String("X", "", "runtime options, for example \"-Xmx64m -Xgc:CMS -XX:BackgroundGC=SS\"")
	verbose := flag.Bool("v", false, "log every collection and transition")
	limit := flag.String("limit", "", "memory limit applied after the heap is created, like 32MB")
	printAll := flag.Bool("metrics", false, "print every metric after the scenario")
	var p params
	flag.IntVar(&p.threads, "threads", 16, "number of mutator threads (oom)")
	flag.IntVar(&p.lists, "lists", 1000, "lists allocated by each thread (oom)")
	flag.IntVar(&p.chunks, "chunks", 256, "number of native allocations (native)")
	flag.DurationVar(&p.sleep, "sleep", 10*time.Millisecond, "pause between native allocations (native)")
	flag.IntVar(&p.depth, "depth", 10, "depth of the object tree (compact, transition, dump)")
	flag.StringVar(&p.output, "o", "heap.hprof", "heap dump file (dump)")
	flag.CommandLine.Parse(os.Args[2:])

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := newLogger(os.Stderr, level)

	switch command {
	case "help", "-h", "--help":
		usage()
		return
	case "verify":
		handleError(verifyFiles(os.Stdout, flag.Args()))
		return
	case "metrics":
		for _, d := range metrics.All() {
			fmt.Printf("%-44s %s\n", d.Name, d.Description)
		}
		return
	}

	opts, err := loadOptions(*configPath, *runtimeOptions)
	handleError(err)
	if command == "options" {
		data, err := opts.Marshal()
		handleError(err)
		os.Stdout.Write(data)
		return
	}

	s := findScenario(command)
	if s == nil {
		fmt.Fprintln(os.Stderr, "Unknown command:", command)
		usage()
		os.Exit(1)
	}
	h, err := newHeap(opts, logger)
	handleError(err)
	if *limit != "" {
		size, err := config.ParseSize(*limit)
		if err != nil {
			h.Close()
			handleError(fmt.Errorf("-limit: %w", err))
		}
		prev := debug.SetMemoryLimit(h, int64(size))
		logger.Info("memory limit", "limit", bytesize.New(float64(h.GrowthLimit())), "previous", bytesize.New(float64(prev)))
	}

	start := time.Now()
	err = runScenario(s, h, p, os.Stdout)
	if err == nil {
		fmt.Printf("%s: ok in %v\n", s.name, time.Since(start).Round(time.Millisecond))
		printSummary(os.Stdout, h)
		if *printAll {
			printMetrics(os.Stdout, h)
		}
	}
	if cerr := h.Close(); err == nil {
		err = cerr
	}
	handleError(err)
}

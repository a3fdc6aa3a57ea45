// Package collector names the collector plans, the kinds of collection and
// their causes, and keeps per-collection bookkeeping.
package collector

import (
	"fmt"
	"strings"
)

// Type is a collector plan.
type Type uint8

const (
	TypeNone Type = iota
	// TypeMS is stop-the-world mark-sweep over the free-list space.
	TypeMS
	// TypeCMS is concurrent mark-sweep: roots are marked in a pause, the
	// graph is marked concurrently and dirty cards are rescanned in a second
	// pause.
	TypeCMS
	// TypeSS is the semi-space copying collector over two bump pointer
	// spaces.
	TypeSS
	// TypeHomogeneousSpaceCompact is not a plan of its own: it names the
	// copy of the free-list space into its backup space.
	TypeHomogeneousSpaceCompact
	// TypeHeapTrim marks the heap as busy while trimming unused pages.
	TypeHeapTrim
)

var typeNames = [...]string{
	TypeNone:                    "None",
	TypeMS:                      "MS",
	TypeCMS:                     "CMS",
	TypeSS:                      "SS",
	TypeHomogeneousSpaceCompact: "HSC",
	TypeHeapTrim:                "HeapTrim",
}

func (t Type) String() string {
	if int(t) < len(typeNames) {
		return typeNames[t]
	}
	return fmt.Sprintf("Type(%d)", t)
}

// IsMoving reports whether the plan relocates objects.
func (t Type) IsMoving() bool {
	return t == TypeSS || t == TypeHomogeneousSpaceCompact
}

// IsConcurrent reports whether the plan marks concurrently with mutators.
func (t Type) IsConcurrent() bool {
	return t == TypeCMS
}

// ParseType parses a plan name as used in options ("CMS", "MS", "SS",
// "HSC"). Case is ignored.
func ParseType(s string) (Type, error) {
	for t, name := range typeNames {
		if t != int(TypeNone) && t != int(TypeHeapTrim) && strings.EqualFold(s, name) {
			return Type(t), nil
		}
	}
	switch strings.ToLower(s) {
	case "homogeneousspacecompact":
		return TypeHomogeneousSpaceCompact, nil
	case "semispace":
		return TypeSS, nil
	}
	return TypeNone, fmt.Errorf("collector: unknown collector type %q", s)
}

// GcType is how much of the heap a collection covers.
type GcType uint8

const (
	// GcTypeNone is returned when no collection ran.
	GcTypeNone GcType = iota
	// GcTypeSticky only collects objects allocated since the last
	// collection; older objects are treated as live.
	GcTypeSticky
	// GcTypeFull collects the whole heap.
	GcTypeFull
)

func (t GcType) String() string {
	switch t {
	case GcTypeNone:
		return "none"
	case GcTypeSticky:
		return "sticky"
	case GcTypeFull:
		return "full"
	default:
		return "!err"
	}
}

// Cause is why a collection was started.
type Cause uint8

const (
	CauseNone Cause = iota
	// CauseForAlloc: an allocation failed.
	CauseForAlloc
	// CauseBackground: the allocated bytes crossed the concurrent start
	// threshold.
	CauseBackground
	// CauseExplicit: an explicit request.
	CauseExplicit
	// CauseForNativeAlloc: native allocations crossed the watermark.
	CauseForNativeAlloc
	CauseCollectorTransition
	CauseDisableMovingGc
	CauseHomogeneousSpaceCompact
	CauseTrim
)

var causeNames = [...]string{
	CauseNone:                    "None",
	CauseForAlloc:                "Alloc",
	CauseBackground:              "Background",
	CauseExplicit:                "Explicit",
	CauseForNativeAlloc:          "NativeAlloc",
	CauseCollectorTransition:     "CollectorTransition",
	CauseDisableMovingGc:         "DisableMovingGc",
	CauseHomogeneousSpaceCompact: "HomogeneousSpaceCompact",
	CauseTrim:                    "HeapTrim",
}

func (c Cause) String() string {
	if int(c) < len(causeNames) {
		return causeNames[c]
	}
	return fmt.Sprintf("Cause(%d)", c)
}

// Package humanunits parses the human-readable size and duration
// strings accepted by topic configuration (SPEC_FULL §C.2/§C.3):
// max_topic_size as e.g. "10GB" or "unlimited", and message_expiry as
// e.g. "15m" or "2 days". Both fields are tri-state: unset means "use
// the server default", an explicit value overrides it, and the literal
// word "unlimited"/"none" disables the ceiling entirely.
package humanunits

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// SizeKind distinguishes the three states a size-bounded setting can
// take: inherit the server default, an explicit byte ceiling, or no
// ceiling at all.
type SizeKind uint8

const (
	SizeServerDefault SizeKind = iota
	SizeCustom
	SizeUnlimited
)

// Size is a parsed max_topic_size value.
type Size struct {
	Kind  SizeKind
	Bytes uint64
}

// binary-unit suffixes, longest first so "GB" isn't shadowed by a
// hypothetical single-letter match.
var sizeUnits = []struct {
	suffix string
	factor uint64
}{
	{"EB", 1 << 60},
	{"PB", 1 << 50},
	{"TB", 1 << 40},
	{"GB", 1 << 30},
	{"MB", 1 << 20},
	{"KB", 1 << 10},
	{"B", 1},
}

// ParseSize parses a human size string like "10GB" or "512MB". An
// empty string returns SizeServerDefault; "unlimited" or "none"
// (case-insensitive) returns SizeUnlimited. Units are binary (1GB =
// 1<<30 bytes), matching the broker's segment/retention byte math
// elsewhere.
func ParseSize(s string) (Size, error) {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return Size{Kind: SizeServerDefault}, nil
	}
	lower := strings.ToLower(trimmed)
	if lower == "unlimited" || lower == "none" {
		return Size{Kind: SizeUnlimited}, nil
	}

	for _, u := range sizeUnits {
		if strings.HasSuffix(lower, strings.ToLower(u.suffix)) {
			numPart := strings.TrimSpace(trimmed[:len(trimmed)-len(u.suffix)])
			n, err := strconv.ParseFloat(numPart, 64)
			if err != nil {
				return Size{}, fmt.Errorf("humanunits: invalid size %q: %w", s, err)
			}
			if n < 0 {
				return Size{}, fmt.Errorf("humanunits: invalid size %q: negative", s)
			}
			return Size{Kind: SizeCustom, Bytes: uint64(n * float64(u.factor))}, nil
		}
	}

	n, err := strconv.ParseUint(trimmed, 10, 64)
	if err != nil {
		return Size{}, fmt.Errorf("humanunits: invalid size %q", s)
	}
	return Size{Kind: SizeCustom, Bytes: n}, nil
}

// DurationKind distinguishes a message_expiry setting's three states.
type DurationKind uint8

const (
	DurationServerDefault DurationKind = iota
	DurationCustom
	DurationUnlimited
)

// Duration is a parsed message_expiry value.
type Duration struct {
	Kind  DurationKind
	Value time.Duration
}

var durationUnits = []struct {
	suffix string
	unit   time.Duration
}{
	{"days", 24 * time.Hour},
	{"day", 24 * time.Hour},
	{"d", 24 * time.Hour},
	{"h", time.Hour},
	{"m", time.Minute},
	{"s", time.Second},
}

// ParseDuration parses a human duration string like "15m", "2h", or
// "2 days". An empty string returns DurationServerDefault; "unlimited"
// or "none" (case-insensitive) returns DurationUnlimited. Unlike
// time.ParseDuration, a bare "<n> days"/"<n>d" form is accepted since
// that's how retention windows are usually expressed operationally.
func ParseDuration(s string) (Duration, error) {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return Duration{Kind: DurationServerDefault}, nil
	}
	lower := strings.ToLower(trimmed)
	if lower == "unlimited" || lower == "none" {
		return Duration{Kind: DurationUnlimited}, nil
	}

	if d, err := time.ParseDuration(strings.ReplaceAll(lower, " ", "")); err == nil {
		if d < 0 {
			return Duration{}, fmt.Errorf("humanunits: invalid duration %q: negative", s)
		}
		return Duration{Kind: DurationCustom, Value: d}, nil
	}

	for _, u := range durationUnits {
		if strings.HasSuffix(lower, u.suffix) {
			numPart := strings.TrimSpace(lower[:len(lower)-len(u.suffix)])
			n, err := strconv.ParseFloat(numPart, 64)
			if err != nil {
				continue
			}
			if n < 0 {
				return Duration{}, fmt.Errorf("humanunits: invalid duration %q: negative", s)
			}
			return Duration{Kind: DurationCustom, Value: time.Duration(n * float64(u.unit))}, nil
		}
	}

	return Duration{}, fmt.Errorf("humanunits: invalid duration %q", s)
}

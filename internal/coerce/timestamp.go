package coerce

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Sentinels per spec.md §4.1: the downstream JSON type system cannot
// represent PostgreSQL's full -4713..294276 AD range, so anything outside
// [0001-01-01, 9999-12-31 23:59:59.999] is clamped to the max sentinel.
const (
	maxTimestampSentinel = "9999-12-31T23:59:59.999+00:00"
	maxDateSentinel      = "9999-12-31T00:00:00+00:00"
)

// decomposedTimestamp holds the parsed fields of a PostgreSQL timestamp text
// value, independent of Go's time.Time (which cannot represent years outside
// roughly [-292277022399, 292277026596] but more importantly can't easily
// distinguish "parsed with a non-proleptic calendar" without extra care).
type decomposedTimestamp struct {
	year, month, day          int
	hour, minute, second      int
	microsecond               int
	offsetSeconds             int
	hasOffset                 bool
	isBC                      bool
}

// decomposeTimestampText parses a PostgreSQL timestamp text representation,
// e.g. "2024-01-02 03:04:05.123456+05:30" or "10000-09-01 20:10:56" or
// "0001-01-01 00:00:00 BC". ok is false when the string cannot be parsed at
// all (treated the same as an out-of-range value: clamp to the sentinel).
func decomposeTimestampText(s string) (ts decomposedTimestamp, ok bool) {
	s = strings.TrimSpace(s)
	if strings.HasSuffix(s, " BC") {
		ts.isBC = true
		s = strings.TrimSuffix(s, " BC")
	} else if strings.HasSuffix(s, " AD") {
		s = strings.TrimSuffix(s, " AD")
	}

	parts := strings.SplitN(s, " ", 2)
	if len(parts) != 2 {
		// Allow a "T" separator too, in case the source already emitted ISO.
		parts = strings.SplitN(s, "T", 2)
		if len(parts) != 2 {
			return ts, false
		}
	}
	datePart, timePart := parts[0], parts[1]

	dparts := strings.Split(datePart, "-")
	if len(dparts) != 3 {
		return ts, false
	}
	var err error
	if ts.year, err = strconv.Atoi(dparts[0]); err != nil {
		return ts, false
	}
	if ts.month, err = strconv.Atoi(dparts[1]); err != nil {
		return ts, false
	}
	if ts.day, err = strconv.Atoi(dparts[2]); err != nil {
		return ts, false
	}

	clock, offsetStr, hasOffset := splitOffset(timePart)
	ts.hasOffset = hasOffset
	if hasOffset {
		off, err := parseOffset(offsetStr)
		if err != nil {
			return ts, false
		}
		ts.offsetSeconds = off
	}

	cparts := strings.SplitN(clock, ".", 2)
	hms := strings.Split(cparts[0], ":")
	if len(hms) != 3 {
		return ts, false
	}
	if ts.hour, err = strconv.Atoi(hms[0]); err != nil {
		return ts, false
	}
	if ts.minute, err = strconv.Atoi(hms[1]); err != nil {
		return ts, false
	}
	if ts.second, err = strconv.Atoi(hms[2]); err != nil {
		return ts, false
	}
	if len(cparts) == 2 {
		frac := cparts[1]
		for len(frac) < 6 {
			frac += "0"
		}
		frac = frac[:6]
		if ts.microsecond, err = strconv.Atoi(frac); err != nil {
			return ts, false
		}
	}
	return ts, true
}

// splitOffset finds a trailing "+HH[:MM]" / "-HH[:MM]" suffix on a clock
// string, if any. The search starts at index 1 to skip a possible leading
// sign (there never is one here, but this keeps it symmetric with
// parseTimeWithOffset).
func splitOffset(s string) (clock, offset string, ok bool) {
	for i := 1; i < len(s); i++ {
		if s[i] == '+' || s[i] == '-' {
			return s[:i], s[i:], true
		}
	}
	return s, "", false
}

func parseOffset(s string) (int, error) {
	sign := 1
	if strings.HasPrefix(s, "-") {
		sign = -1
	}
	s = strings.TrimPrefix(s, "+")
	s = strings.TrimPrefix(s, "-")
	s = strings.ReplaceAll(s, ":", "")
	switch len(s) {
	case 2:
		h, err := strconv.Atoi(s)
		if err != nil {
			return 0, err
		}
		return sign * h * 3600, nil
	case 4:
		h, err := strconv.Atoi(s[:2])
		if err != nil {
			return 0, err
		}
		m, err := strconv.Atoi(s[2:])
		if err != nil {
			return 0, err
		}
		return sign * (h*3600 + m*60), nil
	default:
		h, err := strconv.Atoi(s)
		if err != nil {
			return 0, err
		}
		return sign * h * 3600, nil
	}
}

func formatOffset(totalSeconds int) string {
	sign := "+"
	if totalSeconds < 0 {
		sign = "-"
		totalSeconds = -totalSeconds
	}
	hh := totalSeconds / 3600
	mm := (totalSeconds % 3600) / 60
	return fmt.Sprintf("%s%02d:%02d", sign, hh, mm)
}

func formatISO(ts decomposedTimestamp, forceUTCOffset bool) string {
	base := fmt.Sprintf("%04d-%02d-%02dT%02d:%02d:%02d", ts.year, ts.month, ts.day, ts.hour, ts.minute, ts.second)
	if ts.microsecond != 0 {
		base += fmt.Sprintf(".%06d", ts.microsecond)
	}
	if forceUTCOffset || !ts.hasOffset {
		return base + "+00:00"
	}
	return base + formatOffset(ts.offsetSeconds)
}

func decomposeFromTime(t time.Time) decomposedTimestamp {
	_, offset := t.Zone()
	return decomposedTimestamp{
		year:        t.Year(),
		month:       int(t.Month()),
		day:         t.Day(),
		hour:        t.Hour(),
		minute:      t.Minute(),
		second:      t.Second(),
		microsecond: t.Nanosecond() / 1000,
		offsetSeconds: offset,
		hasOffset:   true,
	}
}

func decomposeValue(value interface{}) (decomposedTimestamp, bool) {
	switch v := value.(type) {
	case string:
		return decomposeTimestampText(v)
	case time.Time:
		return decomposeFromTime(v), true
	default:
		return decomposedTimestamp{}, false
	}
}

// coerceTimestampWithoutTZ normalizes to ISO 8601 with a +00:00 offset,
// clamping anything outside [0001-01-01, 9999-12-31 23:59:59.999] (or
// unparseable, or BC-suffixed) to the max sentinel.
func coerceTimestampWithoutTZ(value interface{}) (interface{}, error) {
	ts, ok := decomposeValue(value)
	if !ok || ts.isBC || ts.year < 1 || ts.year > 9999 {
		return maxTimestampSentinel, nil
	}
	return formatISO(ts, true), nil
}

// coerceTimestampWithTZ normalizes to ISO 8601 preserving offset. Per
// spec.md §4.1 and §9, this clamps the same out-of-range cases as the
// without-tz variant, but *additionally* clamps year==1 (the minimum of the
// representable range) to the max sentinel -- an asymmetry with the
// without-tz case that is carried forward verbatim for wire compatibility.
func coerceTimestampWithTZ(value interface{}) (interface{}, error) {
	ts, ok := decomposeValue(value)
	if !ok || ts.isBC || ts.year <= 1 || ts.year > 9999 {
		return maxTimestampSentinel, nil
	}
	return formatISO(ts, false), nil
}

// coerceDate renders "YYYY-MM-DDT00:00:00+00:00", clamping year > 9999 to
// the max date sentinel.
func coerceDate(value interface{}) (interface{}, error) {
	ts, ok := decomposeValue(value)
	if !ok {
		// value may be a bare "YYYY-MM-DD" with no time component.
		s, isStr := value.(string)
		if !isStr {
			return nil, fmt.Errorf("coercing date value: unsupported type %T", value)
		}
		parts := strings.Split(strings.TrimSpace(s), "-")
		if len(parts) != 3 {
			return maxDateSentinel, nil
		}
		year, err1 := strconv.Atoi(parts[0])
		month, err2 := strconv.Atoi(parts[1])
		day, err3 := strconv.Atoi(parts[2])
		if err1 != nil || err2 != nil || err3 != nil {
			return maxDateSentinel, nil
		}
		ts = decomposedTimestamp{year: year, month: month, day: day}
	}
	if ts.year > 9999 {
		return maxDateSentinel, nil
	}
	if ts.year < 1 || ts.isBC {
		return maxDateSentinel, nil
	}
	return fmt.Sprintf("%04d-%02d-%02dT00:00:00+00:00", ts.year, ts.month, ts.day), nil
}

// coerceTimeWithTZ converts to UTC, drops the offset, and emits HH:MM:SS.
// A leading "24" hour is treated as "00" before conversion.
func coerceTimeWithTZ(value interface{}) (interface{}, error) {
	s, ok := value.(string)
	if !ok {
		return nil, fmt.Errorf("coercing time with time zone: expected string, got %T", value)
	}
	if strings.HasPrefix(s, "24") {
		s = "00" + s[2:]
	}
	hh, mm, ss, offsetSeconds, err := parseTimeWithOffset(s)
	if err != nil {
		return nil, fmt.Errorf("parsing time with time zone %q: %w", s, err)
	}
	total := hh*3600 + mm*60 + ss - offsetSeconds
	total = ((total % 86400) + 86400) % 86400
	return fmt.Sprintf("%02d:%02d:%02d", total/3600, (total%3600)/60, total%60), nil
}

// coerceTimeWithoutTZ emits HH:MM:SS, treating a leading "24" hour as "00".
func coerceTimeWithoutTZ(value interface{}) (interface{}, error) {
	s, ok := value.(string)
	if !ok {
		return nil, fmt.Errorf("coercing time without time zone: expected string, got %T", value)
	}
	if strings.HasPrefix(s, "24") {
		s = "00" + s[2:]
	}
	parts := strings.SplitN(s, ".", 2)
	hms := strings.Split(parts[0], ":")
	if len(hms) != 3 {
		return nil, fmt.Errorf("parsing time without time zone %q: expected HH:MM:SS", s)
	}
	hh, err1 := strconv.Atoi(hms[0])
	mm, err2 := strconv.Atoi(hms[1])
	ss, err3 := strconv.Atoi(hms[2])
	if err1 != nil || err2 != nil || err3 != nil {
		return nil, fmt.Errorf("parsing time without time zone %q", s)
	}
	return fmt.Sprintf("%02d:%02d:%02d", hh, mm, ss), nil
}

func parseTimeWithOffset(s string) (hh, mm, ss, offsetSeconds int, err error) {
	clock, offsetStr, hasOffset := splitOffset(s)
	parts := strings.Split(clock, ":")
	if len(parts) < 2 {
		return 0, 0, 0, 0, fmt.Errorf("invalid time %q", s)
	}
	if hh, err = strconv.Atoi(parts[0]); err != nil {
		return 0, 0, 0, 0, err
	}
	if mm, err = strconv.Atoi(parts[1]); err != nil {
		return 0, 0, 0, 0, err
	}
	if len(parts) > 2 {
		secStr := strings.SplitN(parts[2], ".", 2)[0]
		if ss, err = strconv.Atoi(secStr); err != nil {
			return 0, 0, 0, 0, err
		}
	}
	if hasOffset {
		if offsetSeconds, err = parseOffset(offsetStr); err != nil {
			return 0, 0, 0, 0, err
		}
	}
	return hh, mm, ss, offsetSeconds, nil
}

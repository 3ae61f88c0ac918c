// Package civiltime renders instants from the records store as wall-clock
// time in a named civil zone. Zones are always resolved by IANA name so that
// historical and future daylight-saving rules apply; a fixed UTC offset is
// never substituted.
package civiltime

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrInvalidTimestamp is returned when a raw value cannot be anchored to an
// absolute instant. Error messages never include the raw value.
var ErrInvalidTimestamp = errors.New("invalid timestamp")

const (
	// ISOLayout is ISO-8601 with an explicit numeric UTC offset (never "Z").
	ISOLayout = "2006-01-02T15:04:05-07:00"
	// DateLayout is the calendar date form used for date-only fields.
	DateLayout = "2006-01-02"
)

var offsetLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999-07",
}

var naiveLayouts = []string{
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04",
	"2006-01-02 15:04",
}

// LoadZone resolves an IANA zone name. Empty names are rejected rather than
// silently mapped to UTC or the host zone.
func LoadZone(name string) (*time.Location, error) {
	if strings.TrimSpace(name) == "" {
		return nil, fmt.Errorf("civiltime: zone name is empty")
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("civiltime: load zone %q: %w", name, err)
	}
	return loc, nil
}

// ToCivilISO converts raw into target's wall-clock time and formats it with
// the UTC offset in effect at that instant. time.Time values are treated as
// absolute instants. Strings carrying an offset are parsed as such; naive
// strings are wall-clock times in source (UTC when source is nil).
func ToCivilISO(raw any, source, target *time.Location) (string, error) {
	if target == nil {
		return "", fmt.Errorf("civiltime: target zone is required")
	}
	t, err := Instant(raw, source)
	if err != nil {
		return "", err
	}
	return t.In(target).Format(ISOLayout), nil
}

// Instant anchors raw to an absolute instant.
func Instant(raw any, source *time.Location) (time.Time, error) {
	switch v := raw.(type) {
	case time.Time:
		if v.IsZero() {
			return time.Time{}, fmt.Errorf("%w: zero time", ErrInvalidTimestamp)
		}
		return v, nil
	case *time.Time:
		if v == nil || v.IsZero() {
			return time.Time{}, fmt.Errorf("%w: null time", ErrInvalidTimestamp)
		}
		return *v, nil
	case string:
		return parseString(strings.TrimSpace(v), source)
	default:
		return time.Time{}, fmt.Errorf("%w: unsupported type %T", ErrInvalidTimestamp, raw)
	}
}

func parseString(s string, source *time.Location) (time.Time, error) {
	if s == "" {
		return time.Time{}, fmt.Errorf("%w: empty string", ErrInvalidTimestamp)
	}
	for _, layout := range offsetLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	if source == nil {
		source = time.UTC
	}
	for _, layout := range naiveLayouts {
		if wall, err := time.Parse(layout, s); err == nil {
			return ResolveLocal(wall, source), nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: unrecognised layout", ErrInvalidTimestamp)
}

// ResolveLocal interprets the clock fields of wall as a wall-clock reading in
// loc (wall's own location is ignored) and returns the matching instant.
//
// Readings inside a fall-back overlap resolve to the earlier offset, i.e. the
// first occurrence. Readings inside a spring-forward gap are advanced by the
// length of the gap (02:30 in a 02:00-03:00 gap becomes 03:30).
func ResolveLocal(wall time.Time, loc *time.Location) time.Time {
	asUTC := time.Date(wall.Year(), wall.Month(), wall.Day(),
		wall.Hour(), wall.Minute(), wall.Second(), wall.Nanosecond(), time.UTC)

	_, offBefore := asUTC.Add(-24 * time.Hour).In(loc).Zone()
	_, offAfter := asUTC.Add(24 * time.Hour).In(loc).Zone()

	var valid []time.Time
	for _, off := range uniqueOffsets(offBefore, offAfter) {
		inst := asUTC.Add(-time.Duration(off) * time.Second)
		if sameWall(inst.In(loc), asUTC) {
			valid = append(valid, inst)
		}
	}

	switch len(valid) {
	case 0:
		return asUTC.Add(-time.Duration(offBefore) * time.Second)
	case 1:
		return valid[0]
	default:
		if valid[1].Before(valid[0]) {
			return valid[1]
		}
		return valid[0]
	}
}

func uniqueOffsets(a, b int) []int {
	if a == b {
		return []int{a}
	}
	return []int{a, b}
}

func sameWall(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd &&
		a.Hour() == b.Hour() && a.Minute() == b.Minute() &&
		a.Second() == b.Second() && a.Nanosecond() == b.Nanosecond()
}

// FormatDate renders a date-only value. time.Time values keep their own
// calendar date (no zone shift); strings must start with YYYY-MM-DD.
func FormatDate(raw any) (string, error) {
	switch v := raw.(type) {
	case time.Time:
		if v.IsZero() {
			return "", fmt.Errorf("%w: zero date", ErrInvalidTimestamp)
		}
		return v.Format(DateLayout), nil
	case string:
		s := strings.TrimSpace(v)
		if len(s) < len(DateLayout) {
			return "", fmt.Errorf("%w: date too short", ErrInvalidTimestamp)
		}
		d, err := time.Parse(DateLayout, s[:len(DateLayout)])
		if err != nil {
			return "", fmt.Errorf("%w: unrecognised date layout", ErrInvalidTimestamp)
		}
		return d.Format(DateLayout), nil
	default:
		return "", fmt.Errorf("%w: unsupported type %T", ErrInvalidTimestamp, raw)
	}
}

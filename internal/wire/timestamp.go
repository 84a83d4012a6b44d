package wire

import "time"

// absoluteTimeLayout is the yyMMddHHmmss format mandated by spec §6 for
// encoding absolute-expiration instants in the host's wall-clock zone.
const absoluteTimeLayout = "060102150405"

// EncodeAbsoluteTime renders t (in its own location) using the wire format.
func EncodeAbsoluteTime(t time.Time) string {
	return t.Format(absoluteTimeLayout)
}

// ParseAbsoluteTime parses a wire-format absolute expiration in loc (the
// host's configured wall-clock zone; callers typically pass time.Local).
func ParseAbsoluteTime(s string, loc *time.Location) (time.Time, error) {
	if loc == nil {
		loc = time.Local
	}
	return time.ParseInLocation(absoluteTimeLayout, s, loc)
}

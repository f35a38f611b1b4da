// Human readable byte amounts & durations for CLI output
package hajhumanize

import (
	"fmt"
	"math"
	"strconv"
	"time"
)

const (
	kiB = 1024
	MiB = 1024 * kiB
	GiB = 1024 * MiB
	TiB = 1024 * GiB
	PiB = 1024 * TiB
)

// negative amounts (e.g. over-committed space) keep their sign
func Bytes(num int64) string {
	if num < 0 {
		return "-" + Bytes(-num)
	}

	units := []struct {
		size int64
		name string
	}{
		{PiB, "PiB"},
		{TiB, "TiB"},
		{GiB, "GiB"},
		{MiB, "MiB"},
		{kiB, "kiB"},
	}

	for _, unit := range units {
		if num >= unit.size {
			return fmt.Sprintf("%.02f %s", float64(num)/float64(unit.size), unit.name)
		}
	}

	return fmt.Sprintf("%d B", num)
}

// rounds to the largest unit that is at least one
func Duration(dur time.Duration) string {
	if dur < 0 {
		dur = -dur
	}

	milliseconds := float64(dur.Milliseconds())

	round := func(unit float64) int {
		return int(math.Round(milliseconds / unit))
	}

	plural := func(num int, singular string) string {
		if num == 1 {
			return strconv.Itoa(num) + " " + singular
		}
		return strconv.Itoa(num) + " " + singular + "s"
	}

	switch {
	case round(86400*1000) > 0:
		return plural(round(86400*1000), "day")
	case round(3600*1000) > 0:
		return plural(round(3600*1000), "hour")
	case round(60*1000) > 0:
		return plural(round(60*1000), "minute")
	case round(1000) > 0:
		return plural(round(1000), "second")
	default:
		return plural(int(milliseconds), "millisecond")
	}
}

// "in 3 days" | "3 days ago"
func Relative(t time.Time, now time.Time) string {
	if t.Before(now) {
		return Duration(now.Sub(t)) + " ago"
	}

	return "in " + Duration(t.Sub(now))
}

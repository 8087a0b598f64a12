package gopvt

import (
	"math"
	"time"
)

// GTime is a GPS time instant expressed as week number and seconds of week.
type GTime struct {
	Week int
	Sec  float64
}

// GPS time origin: 1980/1/6 00:00:00 UTC.
var gpsOrigin = time.Date(1980, 1, 6, 0, 0, 0, 0, time.UTC)

func NewGTime(dt time.Time) GTime {
	t := dt.Unix() - gpsOrigin.Unix()
	return GTime{
		Week: int(t / (3600 * 24 * 7)),
		Sec:  float64(t%(3600*24*7)) + float64(dt.Nanosecond())/1e9,
	}
}

func (p GTime) ToTime() time.Time {
	i := int64(math.Trunc(p.Sec))
	t := int64(3600*24*7*p.Week) + i + gpsOrigin.Unix()
	n := int64((p.Sec - float64(i)) * 1e9)
	return time.Unix(t, n).UTC()
}

// Sub returns p - b in seconds.
func (p GTime) Sub(b GTime) float64 {
	return float64(p.Week-b.Week)*3600*24*7 + p.Sec - b.Sec
}

// Add returns p shifted by sec seconds, normalized to the week boundary.
func (p GTime) Add(sec float64) GTime {
	s := p.Sec + sec
	w := p.Week
	for s >= 3600*24*7 {
		s -= 3600 * 24 * 7
		w++
	}
	for s < 0 {
		s += 3600 * 24 * 7
		w--
	}
	return GTime{Week: w, Sec: s}
}

func (p GTime) Less(b GTime) bool {
	if p.Week == b.Week {
		return p.Sec < b.Sec
	}
	return p.Week < b.Week
}

func (p GTime) IsZero() bool {
	return p.Week == 0 && p.Sec == 0
}

package gopvt

import (
	"fmt"
	"os"
)

// ------------------------------------
// Mini functions
// ------------------------------------

func SQ(x float64) float64 {
	return x * x
}

func ToDeg(rad float64) float64 {
	return rad / PI * 180.0
}

func ToRad(deg float64) float64 {
	return deg / 180.0 * PI
}

// ------------------------------------
// Trace output
// ------------------------------------

// Tracer receives leveled diagnostic output (1: warnings, 2: per-epoch
// summary, 3: per-satellite detail, 4: matrices). Replace TraceFunc to
// redirect; the default writes to stderr gated by TraceLevel.
type Tracer func(level int, format string, a ...any)

// TraceLevel gates the default tracer. 0 silences it.
var TraceLevel int

// TraceFunc is the active tracer.
var TraceFunc Tracer = func(level int, format string, a ...any) {
	if TraceLevel >= level {
		fmt.Fprintf(os.Stderr, format, a...)
	}
}

func tracef(level int, format string, a ...any) {
	if TraceFunc != nil {
		TraceFunc(level, format, a...)
	}
}

// log.go - per-subsystem logging gated by Config.Trace
//
// Grounded on audio_chip.go's log.Printf call - stdlib log, no
// third-party structured logger, since none appears anywhere in the
// wider dependency surface for this domain (see DESIGN.md "Ambient
// stack").

package main

import (
	"io"
	"log"
	"os"
)

// subsystemLog wraps a *log.Logger with a boolean gate so call sites
// read "if traced, log" without re-checking the flag source each time.
type subsystemLog struct {
	l      *log.Logger
	traced bool
}

func newSubsystemLog(w io.Writer, prefix string, traced bool) *subsystemLog {
	if w == nil {
		w = os.Stderr
	}
	return &subsystemLog{
		l:      log.New(w, prefix, log.LstdFlags|log.Lmicroseconds),
		traced: traced,
	}
}

func (s *subsystemLog) Printf(format string, args ...any) {
	if s == nil || !s.traced {
		return
	}
	s.l.Printf(format, args...)
}

package proxy

import (
	"github.com/sirupsen/logrus"
)

// Debug, when true, enables per-chunk read/write tracing, mirroring the
// teacher's package-level SIPDebug gate in transport/tcp.go. Kept separate
// from the zerolog pinned INFO lines so the two logging concerns never mix.
var Debug bool

var traceLog = logrus.New()

// SetDebug toggles Debug and, when enabling, raises traceLog's level so the
// Debugf calls below actually emit (logrus defaults to InfoLevel).
func SetDebug(on bool) {
	Debug = on
	if on {
		traceLog.SetLevel(logrus.DebugLevel)
	}
}

func traceRead(caller, raddr string, n int) {
	if !Debug {
		return
	}
	traceLog.WithField("caller", caller).Debugf("read %d bytes <- %s", n, raddr)
}

func traceWrite(caller, raddr string, n int) {
	if !Debug {
		return
	}
	traceLog.WithField("caller", caller).Debugf("wrote %d bytes -> %s", n, raddr)
}

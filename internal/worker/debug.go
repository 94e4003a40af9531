package worker

import (
	"log"
	"os"
	"strings"
	"sync/atomic"
)

var workerDebugEnabled atomic.Bool

func init() {
	workerDebugEnabled.Store(strings.EqualFold(os.Getenv("CHATSTATE_DEBUG"), "1"))
}

// SetDebug toggles write queue tracing.
func SetDebug(on bool) {
	workerDebugEnabled.Store(on)
}

func debugLog(format string, args ...interface{}) {
	if workerDebugEnabled.Load() {
		log.Printf(format, args...)
	}
}

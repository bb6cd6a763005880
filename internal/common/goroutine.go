package common

import (
	"fmt"
	"runtime/debug"
	"sync/atomic"

	"github.com/ternarybob/arbor"
)

var (
	workersStarted atomic.Int64
	workersRunning atomic.Int64
)

// WorkerCounts reports how many SafeGo workers were started and how many are still running
func WorkerCounts() (started, running int64) {
	return workersStarted.Load(), workersRunning.Load()
}

// SafeGo runs fn on its own goroutine. A panic in fn is logged with its stack
// and swallowed, so one bad execution or event handler cannot take the
// service down. A nil logger falls back to the global one.
func SafeGo(logger arbor.ILogger, name string, fn func()) {
	workersStarted.Add(1)
	workersRunning.Add(1)

	go func() {
		defer workersRunning.Add(-1)
		defer func() {
			r := recover()
			if r == nil {
				return
			}
			if logger == nil {
				logger = GetLogger()
			}
			logger.Error().
				Str("worker", name).
				Str("panic", fmt.Sprint(r)).
				Str("stack", string(debug.Stack())).
				Msg("Worker panicked, recovered")
		}()

		fn()
	}()
}

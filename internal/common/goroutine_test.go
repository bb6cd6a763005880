package common

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/ternarybob/arbor"
)

func TestSafeGo_RecoversAndCounts(t *testing.T) {
	startedBefore, _ := WorkerCounts()

	var wg sync.WaitGroup
	wg.Add(2)
	SafeGo(arbor.NewLogger(), "panics", func() {
		defer wg.Done()
		panic("boom")
	})
	SafeGo(nil, "panics-without-logger", func() {
		defer wg.Done()
		panic("boom")
	})
	wg.Wait()

	started, _ := WorkerCounts()
	assert.Equal(t, startedBefore+2, started)
	assert.Eventually(t, func() bool {
		_, running := WorkerCounts()
		return running == 0
	}, time.Second, 10*time.Millisecond, "recovered workers still counted as running")
}

package postgres

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLockJobReleasesEntry(t *testing.T) {
	r := NewEventRepo(nil)

	unlock := r.lockJob("job1")
	r.mu.Lock()
	assert.Len(t, r.jobMu, 1)
	r.mu.Unlock()

	unlock()
	r.mu.Lock()
	assert.Empty(t, r.jobMu, "last release drops the per-job entry")
	r.mu.Unlock()
}

func TestLockJobSerializesAndCleansUp(t *testing.T) {
	r := NewEventRepo(nil)

	const holders = 32
	var wg sync.WaitGroup
	counter := 0
	for i := 0; i < holders; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := r.lockJob("job1")
			counter++
			unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, holders, counter)
	r.mu.Lock()
	defer r.mu.Unlock()
	assert.Empty(t, r.jobMu)
}

func TestLockJobIndependentPerJob(t *testing.T) {
	r := NewEventRepo(nil)

	u1 := r.lockJob("job1")
	u2 := r.lockJob("job2")
	r.mu.Lock()
	assert.Len(t, r.jobMu, 2)
	r.mu.Unlock()

	u1()
	u2()
	r.mu.Lock()
	defer r.mu.Unlock()
	assert.Empty(t, r.jobMu)
}

package testutil

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFakeClock_StartsAtEpoch(t *testing.T) {
	clock := NewFakeClock(time.Time{})
	assert.Equal(t, Epoch, clock.Now())
}

func TestFakeClock_Advance(t *testing.T) {
	clock := NewFakeClock(time.Time{})

	clock.Advance(45 * time.Second)
	assert.Equal(t, Epoch.Add(45*time.Second), clock.Now())

	// Never runs backwards
	clock.Advance(-time.Hour)
	assert.Equal(t, Epoch.Add(45*time.Second), clock.Now())
}

func TestFakeClock_SetAndReset(t *testing.T) {
	clock := NewFakeClock(time.Time{})

	clock.Set(Epoch.Add(time.Minute))
	assert.Equal(t, Epoch.Add(time.Minute), clock.Now())

	clock.Set(Epoch)
	assert.Equal(t, Epoch.Add(time.Minute), clock.Now(), "Set must not move backwards")

	clock.Reset(time.Time{})
	assert.Equal(t, Epoch, clock.Now())
}

func TestFakeClock_ConcurrentAdvance(t *testing.T) {
	clock := NewFakeClock(time.Time{})
	const goroutines = 100

	var wg sync.WaitGroup
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			clock.Advance(time.Second)
		}()
	}
	wg.Wait()

	assert.Equal(t, Epoch.Add(goroutines*time.Second), clock.Now())
}

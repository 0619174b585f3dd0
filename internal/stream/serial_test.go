package stream

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSerialQueueRunsNestedTasksAfterCurrent(t *testing.T) {
	var q serialQueue
	var got []int

	q.do(func() {
		got = append(got, 1)
		q.do(func() { got = append(got, 3) })
		got = append(got, 2)
	})

	assert.Equal(t, []int{1, 2, 3}, got)
}

func TestSerialQueueNeverOverlaps(t *testing.T) {
	var (
		q       serialQueue
		mu      sync.Mutex
		running int
		overlap bool
		total   int
		wg      sync.WaitGroup
	)

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			q.run(func() {
				mu.Lock()
				running++
				if running > 1 {
					overlap = true
				}
				mu.Unlock()

				total++

				mu.Lock()
				running--
				mu.Unlock()
			})
		}()
	}
	wg.Wait()

	assert.False(t, overlap)
	assert.Equal(t, 50, total)
}

func TestSerialQueueHandDrainsOffTheCaller(t *testing.T) {
	var q serialQueue
	release := make(chan struct{})
	ran := make(chan struct{})

	returned := make(chan struct{})
	go func() {
		q.hand(func() {
			<-release
			close(ran)
		})
		close(returned)
	}()

	select {
	case <-returned:
	case <-time.After(time.Second):
		t.Fatal("hand ran the task on the calling goroutine")
	}

	close(release)
	q.wait()
	select {
	case <-ran:
	default:
		t.Fatal("wait returned before the task ran")
	}
}

func TestSerialQueueWaitCoversNestedTasks(t *testing.T) {
	var q serialQueue
	var got []int

	q.hand(func() {
		got = append(got, 1)
		q.hand(func() { got = append(got, 2) })
	})
	q.wait()

	assert.Equal(t, []int{1, 2}, got)
}

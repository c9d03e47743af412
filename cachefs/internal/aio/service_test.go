package aio

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testTask struct {
	exec    func()
	stopped atomic.Bool
}

func (t *testTask) Exec() {
	if t.exec != nil {
		t.exec()
	}
}

func (t *testTask) ServiceStopped() {
	t.stopped.Store(true)
}

func Test_ServiceRunsTasks(t *testing.T) {
	s := NewService()
	s.Start(2)
	defer s.Stop()

	var wg sync.WaitGroup
	var cnt atomic.Int32
	for range 10 {
		wg.Add(1)
		s.PushReadQueue(&testTask{exec: func() {
			cnt.Add(1)
			wg.Done()
		}})
	}
	wg.Wait()
	assert.Equal(t, int32(10), cnt.Load())
}

func Test_ServiceWriteQueueIsSingleThreaded(t *testing.T) {
	s := NewService()
	s.Start(1)
	defer s.Stop()

	var mu sync.Mutex
	var concurrent, maxConcurrent int
	var wg sync.WaitGroup
	for range 20 {
		wg.Add(1)
		s.PushWriteQueue(&testTask{exec: func() {
			mu.Lock()
			concurrent++
			if concurrent > maxConcurrent {
				maxConcurrent = concurrent
			}
			mu.Unlock()
			time.Sleep(time.Millisecond)
			mu.Lock()
			concurrent--
			mu.Unlock()
			wg.Done()
		}})
	}
	wg.Wait()
	assert.Equal(t, 1, maxConcurrent)
}

func Test_ServicePushFrontOrdering(t *testing.T) {
	s := NewService()

	var mu sync.Mutex
	order := []int{}
	record := func(id int) *testTask {
		return &testTask{exec: func() {
			mu.Lock()
			order = append(order, id)
			mu.Unlock()
		}}
	}

	// Queue before starting the workers so the order is deterministic.
	s.PushReadQueue(record(1))
	s.PushReadQueue(record(2))
	s.PushFrontReadQueue(record(3))
	require.Equal(t, 3, s.ReadQueueSize())

	s.Start(1)
	defer s.Stop()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 3
	}, time.Second, time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{3, 1, 2}, order)
}

func Test_ServiceRefusesDuplicateQueuedTask(t *testing.T) {
	s := NewService()

	task := &testTask{}
	s.PushWriteQueue(task)
	s.PushWriteQueue(task)
	assert.Equal(t, 1, s.WriteQueueSize())
}

func Test_ServiceStopReleasesQueuedTasks(t *testing.T) {
	s := NewService()

	t1 := &testTask{}
	t2 := &testTask{}
	s.PushReadQueue(t1)
	s.PushWriteQueue(t2)

	// No worker ever ran: both tasks must observe the stop.
	s.Stop()

	assert.True(t, t1.stopped.Load())
	assert.True(t, t2.stopped.Load())
	assert.Equal(t, 0, s.ReadQueueSize())
	assert.Equal(t, 0, s.WriteQueueSize())
}

func Test_ServicePushAfterStop(t *testing.T) {
	s := NewService()
	s.Start(1)
	s.Stop()

	task := &testTask{}
	s.PushReadQueue(task)
	assert.True(t, task.stopped.Load())
	assert.Equal(t, 0, s.ReadQueueSize())
}

func Test_ServiceStopIsIdempotent(t *testing.T) {
	s := NewService()
	s.Start(1)
	s.Stop()
	s.Stop()
}

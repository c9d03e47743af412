// Package aio runs the per-volume disk task queues: one pool of reader
// workers and one writer worker, each draining its own queue. All
// cross-thread communication of the cache engine goes through these two
// queues.
package aio

import (
	"container/list"
	"sync"

	"go.uber.org/zap"
)

// Task is a unit of work executed on an AIO worker. Exec runs on a worker
// goroutine and may perform blocking positioned I/O. ServiceStopped is
// invoked instead of Exec once the service has stopped; after Stop returns
// no task will ever run again.
type Task interface {
	Exec()
	ServiceStopped()
}

type queue struct {
	l *list.List
	// Tasks currently linked into l; lets Enqueue avoid double-queueing a
	// task that is already pending.
	queued map[Task]*list.Element
}

func newQueue() *queue {
	return &queue{l: list.New(), queued: make(map[Task]*list.Element)}
}

func (q *queue) push(t Task, front bool) bool {
	if _, ok := q.queued[t]; ok {
		return false
	}
	var e *list.Element
	if front {
		e = q.l.PushFront(t)
	} else {
		e = q.l.PushBack(t)
	}
	q.queued[t] = e
	return true
}

func (q *queue) pop() (Task, bool) {
	e := q.l.Front()
	if e == nil {
		return nil, false
	}
	q.l.Remove(e)
	t := e.Value.(Task)
	delete(q.queued, t)
	return t, true
}

func (q *queue) size() int { return q.l.Len() }

// Service owns the two task queues of one volume and the worker goroutines
// draining them.
type Service struct {
	mu      sync.Mutex
	cond    *sync.Cond
	readQ   *queue
	writeQ  *queue
	started bool
	stopped bool
	wg      sync.WaitGroup
	log     *zap.SugaredLogger
}

type options struct {
	Log *zap.SugaredLogger
}

// Option configures the service.
type Option func(*options)

// WithLog sets the logger for the service.
func WithLog(log *zap.SugaredLogger) Option {
	return func(o *options) {
		o.Log = log
	}
}

// NewService creates a stopped service; call Start to spin up the workers.
func NewService(opts ...Option) *Service {
	o := &options{Log: zap.NewNop().Sugar()}
	for _, opt := range opts {
		opt(o)
	}
	s := &Service{
		readQ:  newQueue(),
		writeQ: newQueue(),
		log:    o.Log,
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Start launches numReadWorkers goroutines draining the read queue and one
// goroutine draining the write queue. The single write worker is what makes
// the aggregate writer's state single-threaded.
func (s *Service) Start(numReadWorkers int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		panic("aio service started twice")
	}
	s.started = true
	s.log.Debugw("starting aio service", zap.Int("read_workers", numReadWorkers))
	for range numReadWorkers {
		s.wg.Add(1)
		go s.run(s.readQ)
	}
	s.wg.Add(1)
	go s.run(s.writeQ)
}

func (s *Service) run(q *queue) {
	defer s.wg.Done()
	for {
		s.mu.Lock()
		for !s.stopped && q.size() == 0 {
			s.cond.Wait()
		}
		if s.stopped {
			s.mu.Unlock()
			return
		}
		t, _ := q.pop()
		s.mu.Unlock()

		t.Exec()
	}
}

// Stop drains no further: workers finish their current task and exit, and
// every still-queued task observes ServiceStopped. Once Stop returns no
// task will be run again; late pushes get ServiceStopped inline.
func (s *Service) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.cond.Broadcast()
	s.mu.Unlock()

	s.wg.Wait()

	// No worker runs anymore; the leftover tasks are released here.
	s.mu.Lock()
	var leftovers []Task
	for {
		t, ok := s.readQ.pop()
		if !ok {
			break
		}
		leftovers = append(leftovers, t)
	}
	for {
		t, ok := s.writeQ.pop()
		if !ok {
			break
		}
		leftovers = append(leftovers, t)
	}
	s.mu.Unlock()

	for _, t := range leftovers {
		t.ServiceStopped()
	}
	s.log.Debugw("stopped aio service", zap.Int("released_tasks", len(leftovers)))
}

func (s *Service) push(q *queue, t Task, front bool) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		t.ServiceStopped()
		return
	}
	if q.push(t, front) {
		// Read and write workers wait on the same condition; wake them all
		// so the worker of this queue is among them.
		s.cond.Broadcast()
	}
	s.mu.Unlock()
}

// PushReadQueue appends a task to the read queue.
func (s *Service) PushReadQueue(t Task) { s.push(s.readQ, t, false) }

// PushFrontReadQueue prepends a task to the read queue. Open and close
// tasks use it to keep their latency low.
func (s *Service) PushFrontReadQueue(t Task) { s.push(s.readQ, t, true) }

// PushWriteQueue appends a task to the write queue.
func (s *Service) PushWriteQueue(t Task) { s.push(s.writeQ, t, false) }

// ReadQueueSize returns the number of pending read-queue tasks.
func (s *Service) ReadQueueSize() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readQ.size()
}

// WriteQueueSize returns the number of pending write-queue tasks.
func (s *Service) WriteQueueSize() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeQ.size()
}

package app

import "sync"

// Serializer runs tasks strictly FIFO per key while letting different keys
// proceed concurrently. Messages from the same conversation must be
// processed in arrival order — interleaving them would corrupt the memory
// window — but two conversations never need to wait on each other.
type Serializer struct {
	mu     sync.Mutex
	queues map[string]*taskQueue
}

type taskQueue struct {
	tasks []func()
}

// NewSerializer creates an empty Serializer.
func NewSerializer() *Serializer {
	return &Serializer{queues: make(map[string]*taskQueue)}
}

// Do enqueues fn for key and returns immediately. fn runs on a worker
// goroutine after every previously enqueued task for the same key has
// finished. The queue for a key is discarded once drained.
func (s *Serializer) Do(key string, fn func()) {
	s.mu.Lock()
	q, running := s.queues[key]
	if q == nil {
		q = &taskQueue{}
		s.queues[key] = q
	}
	q.tasks = append(q.tasks, fn)
	s.mu.Unlock()

	if !running {
		go s.drain(key, q)
	}
}

// drain runs the key's tasks in order until the queue is empty, then
// removes it.
func (s *Serializer) drain(key string, q *taskQueue) {
	for {
		s.mu.Lock()
		if len(q.tasks) == 0 {
			delete(s.queues, key)
			s.mu.Unlock()
			return
		}
		fn := q.tasks[0]
		q.tasks = q.tasks[1:]
		s.mu.Unlock()

		fn()
	}
}

// Pending returns the number of keys with queued or running tasks.
func (s *Serializer) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queues)
}

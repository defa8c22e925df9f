package jobs

import (
	"container/heap"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/quillframe/quill/pkg/logger"
)

// Priority orders pending work units. Priorities are advisory: a higher
// priority runs first when a worker frees up, nothing is preempted.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
)

func ParsePriority(s string) Priority {
	switch s {
	case "high":
		return PriorityHigh
	case "low":
		return PriorityLow
	default:
		return PriorityNormal
	}
}

// ThreadStatus tracks a named work unit through its lifecycle.
type ThreadStatus string

const (
	ThreadPending    ThreadStatus = "pending"
	ThreadRunning    ThreadStatus = "running"
	ThreadCompleted  ThreadStatus = "completed"
	ThreadFailed     ThreadStatus = "failed"
	ThreadTerminated ThreadStatus = "terminated"
)

// ThreadInfo is the observable state of one work unit.
type ThreadInfo struct {
	Name      string
	Status    ThreadStatus
	Priority  Priority
	StartTime time.Time
	EndTime   time.Time
	Result    any
	Err       error
}

// RunOptions configures Run.
type RunOptions struct {
	Priority   Priority
	OnComplete func(result any)
	OnError    func(err error)
}

type thread struct {
	info   ThreadInfo
	fn     func(ctx context.Context) (any, error)
	opts   RunOptions
	cancel context.CancelFunc
	done   chan struct{}
	seq    uint64
}

// ThreadService runs named work units on a bounded worker pool.
type ThreadService struct {
	mu      sync.Mutex
	cond    *sync.Cond
	threads map[string]*thread
	pending threadHeap
	seq     uint64
	closed  bool
	wg      sync.WaitGroup
	log     *slog.Logger
}

// NewThreadService starts maxWorkers workers (minimum 1).
func NewThreadService(maxWorkers int) *ThreadService {
	if maxWorkers < 1 {
		maxWorkers = 1
	}
	s := &ThreadService{
		threads: map[string]*thread{},
		log:     logger.GetLogger("threads"),
	}
	s.cond = sync.NewCond(&s.mu)
	for i := 0; i < maxWorkers; i++ {
		s.wg.Add(1)
		go s.worker()
	}
	return s
}

// Run enqueues a named work unit. Names are unique among live threads.
func (s *ThreadService) Run(name string, fn func(ctx context.Context) (any, error), opts RunOptions) (*ThreadInfo, error) {
	if name == "" {
		return nil, fmt.Errorf("thread name is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, fmt.Errorf("thread service is shut down")
	}
	if existing, ok := s.threads[name]; ok {
		switch existing.info.Status {
		case ThreadPending, ThreadRunning:
			return nil, fmt.Errorf("thread %q is already active", name)
		}
	}
	s.seq++
	t := &thread{
		info: ThreadInfo{Name: name, Status: ThreadPending, Priority: opts.Priority},
		fn:   fn,
		opts: opts,
		done: make(chan struct{}),
		seq:  s.seq,
	}
	s.threads[name] = t
	heap.Push(&s.pending, t)
	s.cond.Signal()
	info := t.info
	return &info, nil
}

func (s *ThreadService) worker() {
	defer s.wg.Done()
	for {
		s.mu.Lock()
		for len(s.pending) == 0 && !s.closed {
			s.cond.Wait()
		}
		if s.closed && len(s.pending) == 0 {
			s.mu.Unlock()
			return
		}
		t := heap.Pop(&s.pending).(*thread)
		if t.info.Status == ThreadTerminated {
			s.mu.Unlock()
			continue
		}
		ctx, cancel := context.WithCancel(context.Background())
		t.cancel = cancel
		t.info.Status = ThreadRunning
		t.info.StartTime = time.Now()
		s.mu.Unlock()

		result, err := s.invoke(ctx, t)
		cancel()

		s.mu.Lock()
		t.info.EndTime = time.Now()
		if t.info.Status != ThreadTerminated {
			if err != nil {
				t.info.Status = ThreadFailed
				t.info.Err = err
			} else {
				t.info.Status = ThreadCompleted
				t.info.Result = result
			}
		}
		close(t.done)
		s.mu.Unlock()

		if err != nil {
			if t.opts.OnError != nil {
				t.opts.OnError(err)
			}
		} else if t.opts.OnComplete != nil {
			t.opts.OnComplete(result)
		}
	}
}

func (s *ThreadService) invoke(ctx context.Context, t *thread) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("thread %q panicked: %v", t.info.Name, r)
			s.log.Error("thread panic", "thread", t.info.Name, "panic", r)
		}
	}()
	return t.fn(ctx)
}

// Join waits for the named thread to finish and returns its result. A zero
// timeout waits indefinitely.
func (s *ThreadService) Join(name string, timeout time.Duration) (any, error) {
	s.mu.Lock()
	t, ok := s.threads[name]
	s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("unknown thread %q", name)
	}

	if timeout > 0 {
		select {
		case <-t.done:
		case <-time.After(timeout):
			return nil, fmt.Errorf("join on thread %q timed out after %s", name, timeout)
		}
	} else {
		<-t.done
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if t.info.Err != nil {
		return nil, t.info.Err
	}
	return t.info.Result, nil
}

// Terminate marks the thread terminated and cancels its context. Running
// callables are interrupted best-effort only.
func (s *ThreadService) Terminate(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.threads[name]
	if !ok {
		return fmt.Errorf("unknown thread %q", name)
	}
	switch t.info.Status {
	case ThreadPending:
		t.info.Status = ThreadTerminated
		t.info.EndTime = time.Now()
		close(t.done)
	case ThreadRunning:
		t.info.Status = ThreadTerminated
		if t.cancel != nil {
			t.cancel()
		}
	}
	return nil
}

// Info returns a copy of the thread's current state.
func (s *ThreadService) Info(name string) (ThreadInfo, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.threads[name]
	if !ok {
		return ThreadInfo{}, false
	}
	return t.info, true
}

// List returns the state of every known thread.
func (s *ThreadService) List() []ThreadInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ThreadInfo, 0, len(s.threads))
	for _, t := range s.threads {
		out = append(out, t.info)
	}
	return out
}

// Shutdown stops accepting work and waits for running threads.
func (s *ThreadService) Shutdown() {
	s.mu.Lock()
	s.closed = true
	s.cond.Broadcast()
	s.mu.Unlock()
	s.wg.Wait()
}

// threadHeap orders by priority desc, then submission order.
type threadHeap []*thread

func (h threadHeap) Len() int { return len(h) }
func (h threadHeap) Less(i, j int) bool {
	if h[i].info.Priority != h[j].info.Priority {
		return h[i].info.Priority > h[j].info.Priority
	}
	return h[i].seq < h[j].seq
}
func (h threadHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *threadHeap) Push(x any)        { *h = append(*h, x.(*thread)) }
func (h *threadHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	*h = old[:n-1]
	return t
}

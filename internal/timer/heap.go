package timer

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// ErrSchedulerStopped is returned when scheduling on a stopped scheduler
var ErrSchedulerStopped = eris.New("timer: scheduler is stopped")

// Task is a job scheduled for a point in time
type Task struct {
	ID    string
	RunAt time.Time
	Run   func(ctx context.Context)
	index int // index in the heap
}

// taskHeap is a min-heap of tasks ordered by RunAt
type taskHeap []*Task

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	return h[i].RunAt.Before(h[j].RunAt)
}

func (h taskHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *taskHeap) Push(x any) {
	task := x.(*Task)
	task.index = len(*h)
	*h = append(*h, task)
}

func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	task := old[n-1]
	old[n-1] = nil
	task.index = -1
	*h = old[:n-1]
	return task
}

// Scheduler runs tasks at their due time on a fixed pool of workers. The
// loop goroutine owns the heap's timing; workers only execute.
type Scheduler struct {
	mu      sync.Mutex
	heap    taskHeap
	tasks   map[string]*Task
	wakeup  chan struct{}
	jobs    chan *Task
	workers int

	ctx      context.Context
	cancel   context.CancelFunc
	workerWg sync.WaitGroup
	loopDone chan struct{}
	started  bool
	stopped  bool

	logger *zap.Logger
}

// NewScheduler creates a scheduler with the given worker pool size
func NewScheduler(workers int) *Scheduler {
	if workers <= 0 {
		workers = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		tasks:    make(map[string]*Task),
		wakeup:   make(chan struct{}, 1),
		jobs:     make(chan *Task, workers),
		workers:  workers,
		ctx:      ctx,
		cancel:   cancel,
		loopDone: make(chan struct{}),
		logger:   zap.L().With(zap.String("component", "timer")),
	}
	heap.Init(&s.heap)
	return s
}

// Start launches the worker pool and the scheduling loop
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started || s.stopped {
		return
	}
	s.started = true

	for i := 0; i < s.workers; i++ {
		s.workerWg.Add(1)
		go s.worker()
	}
	go s.run()
}

// Stop cancels running tasks' context and waits for workers to return
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	started := s.started
	s.mu.Unlock()

	s.cancel()
	if started {
		<-s.loopDone
		close(s.jobs)
		s.workerWg.Wait()
	}
}

// Schedule adds or replaces the task with the given id
func (s *Scheduler) Schedule(id string, runAt time.Time, run func(ctx context.Context)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return ErrSchedulerStopped
	}

	if existing, ok := s.tasks[id]; ok {
		heap.Remove(&s.heap, existing.index)
		delete(s.tasks, id)
	}

	task := &Task{ID: id, RunAt: runAt, Run: run}
	heap.Push(&s.heap, task)
	s.tasks[id] = task

	// Wake the loop if this task is now the earliest
	if s.heap[0] == task {
		select {
		case s.wakeup <- struct{}{}:
		default:
		}
	}
	return nil
}

// Every runs fn at every aligned interval boundary plus offset, e.g. five
// minutes past each hour. The next run is scheduled only after fn returns,
// so runs of one job never overlap.
func (s *Scheduler) Every(id string, interval, offset time.Duration, fn func(ctx context.Context)) error {
	if interval <= 0 {
		return eris.Errorf("timer: interval for %s must be positive", id)
	}
	var run func(ctx context.Context)
	run = func(ctx context.Context) {
		fn(ctx)
		if ctx.Err() != nil {
			return
		}
		if err := s.Schedule(id, NextAligned(time.Now(), interval, offset), run); err != nil {
			s.logger.Debug("recurring task not rescheduled", zap.String("task", id), zap.Error(err))
		}
	}
	return s.Schedule(id, NextAligned(time.Now(), interval, offset), run)
}

// Cancel removes a scheduled task
func (s *Scheduler) Cancel(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[id]
	if !ok {
		return false
	}
	heap.Remove(&s.heap, task.index)
	delete(s.tasks, id)
	return true
}

// run is the scheduling loop
func (s *Scheduler) run() {
	defer close(s.loopDone)

	for {
		s.mu.Lock()
		wait := 24 * time.Hour
		var due *Task
		if s.heap.Len() > 0 {
			wait = time.Until(s.heap[0].RunAt)
			if wait <= 0 {
				due = heap.Pop(&s.heap).(*Task)
				delete(s.tasks, due.ID)
			}
		}
		s.mu.Unlock()

		if due != nil {
			select {
			case s.jobs <- due:
			case <-s.ctx.Done():
				return
			}
			continue
		}

		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-s.wakeup:
			timer.Stop()
		case <-s.ctx.Done():
			timer.Stop()
			return
		}
	}
}

// worker executes due tasks from the jobs channel
func (s *Scheduler) worker() {
	defer s.workerWg.Done()

	for task := range s.jobs {
		s.execute(task)
	}
}

func (s *Scheduler) execute(task *Task) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("task panicked", zap.String("task", task.ID), zap.Any("panic", r))
		}
	}()
	task.Run(s.ctx)
}

// Stats returns scheduler statistics
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	return Stats{
		ScheduledTasks: len(s.tasks),
		Workers:        s.workers,
	}
}

// Stats describes the scheduler's current load
type Stats struct {
	ScheduledTasks int
	Workers        int
}

// NextAligned returns the first time after now that sits offset past a
// multiple of every (in UTC), e.g. HH:05:00 for every=1h, offset=5m
func NextAligned(now time.Time, every, offset time.Duration) time.Time {
	next := now.UTC().Truncate(every).Add(offset)
	for !next.After(now) {
		next = next.Add(every)
	}
	return next
}

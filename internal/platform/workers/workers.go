// Package workers provides the CSE's background worker pool: named periodic
// workers and one-shot actors with cooperative cancellation. The pool hosts
// the expiration sweep, batch-notification guards and the time-window
// monitors of cross-resource subscriptions.
package workers

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Fn is a worker body. It receives the worker handle so it can read and
// mutate the worker's scratch data. Returning false stops a periodic worker.
type Fn func(w *Worker) bool

// Worker is a handle on a scheduled periodic worker or one-shot actor. Its
// Data slice is the canonical scratch space for window aggregation; it is
// mutated only through the synchronized accessors below.
type Worker struct {
	Name     string
	Interval time.Duration
	OneShot  bool

	fn         Fn
	startDelay bool

	mu   sync.Mutex
	data []string

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}

	pool *Pool
}

// AppendUnique appends a value to the worker's data if it is not already
// present. It reports whether the value was added.
func (w *Worker) AppendUnique(v string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, d := range w.data {
		if d == v {
			return false
		}
	}
	w.data = append(w.data, v)
	return true
}

// Data returns a copy of the worker's scratch data.
func (w *Worker) Data() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]string, len(w.data))
	copy(out, w.data)
	return out
}

// TakeData returns the worker's scratch data and clears it.
func (w *Worker) TakeData() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := w.data
	w.data = nil
	return out
}

// DataLen returns the number of entries in the worker's scratch data.
func (w *Worker) DataLen() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.data)
}

// Stop requests cooperative cancellation. An in-flight iteration completes.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
}

func (w *Worker) run(log zerolog.Logger) {
	defer close(w.doneCh)
	defer w.pool.remove(w)

	if w.OneShot {
		t := time.NewTimer(w.Interval)
		defer t.Stop()
		select {
		case <-t.C:
			w.invoke(log)
		case <-w.stopCh:
		}
		return
	}

	if w.startDelay {
		t := time.NewTimer(w.Interval)
		select {
		case <-t.C:
		case <-w.stopCh:
			t.Stop()
			return
		}
		t.Stop()
		if !w.invoke(log) {
			return
		}
	} else if !w.invoke(log) {
		return
	}

	ticker := time.NewTicker(w.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if !w.invoke(log) {
				return
			}
		case <-w.stopCh:
			return
		}
	}
}

func (w *Worker) invoke(log zerolog.Logger) (cont bool) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("worker", w.Name).Interface("panic", r).Msg("worker panicked")
			cont = !w.OneShot
		}
	}()
	return w.fn(w)
}

// Pool schedules and tracks named workers.
type Pool struct {
	mu      sync.Mutex
	workers map[*Worker]struct{}
	log     zerolog.Logger
}

// NewPool creates a worker pool.
func NewPool(log zerolog.Logger) *Pool {
	return &Pool{
		workers: make(map[*Worker]struct{}),
		log:     log.With().Str("component", "workers").Logger(),
	}
}

// NewWorker schedules a periodic worker. With startWithDelay the first
// invocation happens one interval after scheduling, otherwise immediately.
// The data slice seeds the worker's scratch space.
func (p *Pool) NewWorker(interval time.Duration, fn Fn, name string, startWithDelay bool, data []string) *Worker {
	w := &Worker{
		Name:       name,
		Interval:   interval,
		fn:         fn,
		startDelay: startWithDelay,
		data:       data,
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
		pool:       p,
	}
	p.add(w)
	go w.run(p.log)
	return w
}

// NewActor schedules a one-shot actor that fires once after delay.
func (p *Pool) NewActor(fn Fn, delay time.Duration, name string, data []string) *Worker {
	w := &Worker{
		Name:     name,
		Interval: delay,
		OneShot:  true,
		fn:       fn,
		data:     data,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
		pool:     p,
	}
	p.add(w)
	go w.run(p.log)
	return w
}

func (p *Pool) add(w *Worker) {
	p.mu.Lock()
	p.workers[w] = struct{}{}
	p.mu.Unlock()
}

func (p *Pool) remove(w *Worker) {
	p.mu.Lock()
	delete(p.workers, w)
	p.mu.Unlock()
}

// FindWorkers returns the live workers whose names match the pattern. The
// pattern may contain the wildcards '*' and '?'.
func (p *Pool) FindWorkers(pattern string) []*Worker {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []*Worker
	for w := range p.workers {
		if simpleMatch(w.Name, pattern) {
			out = append(out, w)
		}
	}
	return out
}

// StopWorkers cancels all workers matching the pattern and returns how many
// were stopped. Cancellation is cooperative: in-flight iterations complete.
func (p *Pool) StopWorkers(pattern string) int {
	matched := p.FindWorkers(pattern)
	for _, w := range matched {
		w.Stop()
	}
	return len(matched)
}

// StopAll cancels every worker and waits for all of them to finish.
func (p *Pool) StopAll() {
	p.mu.Lock()
	all := make([]*Worker, 0, len(p.workers))
	for w := range p.workers {
		all = append(all, w)
	}
	p.mu.Unlock()
	for _, w := range all {
		w.Stop()
	}
	for _, w := range all {
		<-w.doneCh
	}
}

// Count returns the number of live workers.
func (p *Pool) Count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers)
}

func simpleMatch(s, p string) bool {
	for len(p) > 0 {
		switch p[0] {
		case '*':
			for len(p) > 0 && p[0] == '*' {
				p = p[1:]
			}
			if len(p) == 0 {
				return true
			}
			for i := 0; i <= len(s); i++ {
				if simpleMatch(s[i:], p) {
					return true
				}
			}
			return false
		case '?':
			if len(s) == 0 {
				return false
			}
			s, p = s[1:], p[1:]
		default:
			if len(s) == 0 || s[0] != p[0] {
				return false
			}
			s, p = s[1:], p[1:]
		}
	}
	return len(s) == 0
}

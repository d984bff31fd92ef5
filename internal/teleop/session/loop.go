package session

import (
	"sync"
)

// loop runs posted functions one at a time on a single goroutine. Posting never blocks, so it is
// safe from the socket read loop and from engine callbacks.
type loop struct {
	mu      sync.Mutex
	queue   []func()
	started bool
	stopped bool

	wake   chan struct{}
	exited chan struct{}
}

func newLoop() *loop {
	return &loop{
		wake:   make(chan struct{}, 1),
		exited: make(chan struct{}),
	}
}

func (l *loop) start() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.started || l.stopped {
		return
	}
	l.started = true
	go l.run()
}

// Post queues f and reports whether it was accepted.
func (l *loop) Post(f func()) bool {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return false
	}
	l.queue = append(l.queue, f)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return true
}

// Do posts f and waits for it to finish. It must not be called from the loop itself.
func (l *loop) Do(f func()) bool {
	l.mu.Lock()
	running := l.started && !l.stopped
	l.mu.Unlock()
	if !running {
		return false
	}

	done := make(chan struct{})
	if !l.Post(func() {
		defer close(done)
		f()
	}) {
		return false
	}

	select {
	case <-done:
		return true
	case <-l.exited:
		return false
	}
}

// Stop drops anything still queued and waits for the running function to return.
func (l *loop) Stop() {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return
	}
	l.stopped = true
	started := l.started
	l.queue = nil
	l.mu.Unlock()

	if !started {
		close(l.exited)
		return
	}
	select {
	case l.wake <- struct{}{}:
	default:
	}
	<-l.exited
}

func (l *loop) isStopped() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stopped
}

func (l *loop) run() {
	defer close(l.exited)

	for {
		l.mu.Lock()
		for len(l.queue) == 0 && !l.stopped {
			l.mu.Unlock()
			<-l.wake
			l.mu.Lock()
		}
		if l.stopped {
			l.mu.Unlock()
			return
		}
		batch := l.queue
		l.queue = nil
		l.mu.Unlock()

		for _, f := range batch {
			if l.isStopped() {
				return
			}
			f()
		}
	}
}

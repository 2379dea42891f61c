package widget

import "sync"

// loop runs posted functions one at a time, in order, on a single goroutine.
// The queue is unbounded so posting never blocks.
type loop struct {
	mu     sync.Mutex
	queue  []func()
	closed bool
	wake   chan struct{}
	done   chan struct{}
}

func newLoop() *loop {
	l := &loop{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go l.run()
	return l
}

// post enqueues fn. It reports false once the loop is stopped.
func (l *loop) post(fn func()) bool {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return false
	}
	l.queue = append(l.queue, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return true
}

// call runs fn on the loop and waits for it to finish. It must not be used
// from the loop goroutine itself.
func (l *loop) call(fn func()) bool {
	ran := make(chan struct{})
	if !l.post(func() {
		defer close(ran)
		fn()
	}) {
		return false
	}
	select {
	case <-ran:
		return true
	case <-l.done:
		// fn runs on the loop goroutine, so by now it either finished or was
		// dropped by stop.
		select {
		case <-ran:
			return true
		default:
			return false
		}
	}
}

// stop drops whatever is still queued and ends the loop.
func (l *loop) stop() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	l.queue = nil
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
}

func (l *loop) run() {
	defer close(l.done)
	for range l.wake {
		for {
			l.mu.Lock()
			if len(l.queue) == 0 {
				closed := l.closed
				l.mu.Unlock()
				if closed {
					return
				}
				break
			}
			fn := l.queue[0]
			l.queue[0] = nil
			l.queue = l.queue[1:]
			l.mu.Unlock()

			fn()
		}
	}
}

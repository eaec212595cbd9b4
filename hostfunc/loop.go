package hostfunc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

var ErrLoopClosed = errors.New("loop closed")

// Loop is the host's single scheduling thread. Tasks posted from any
// goroutine run one at a time on the goroutine that calls Run. Guest
// callbacks are only ever invoked from loop tasks.
type Loop struct {
	mu       sync.Mutex
	queue    []func()
	reserved int
	wake     chan struct{}
	done     chan struct{}
	closed   bool
	err      error
	log      *zap.Logger
}

func NewLoop(log *zap.Logger) *Loop {
	if log == nil {
		log = Logger()
	}
	return &Loop{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
		log:  log,
	}
}

// Reserve records an operation that will complete later and keeps the loop
// from going idle until it does. The returned function schedules the
// completion task; only its first call has an effect.
func (l *Loop) Reserve() func(task func()) {
	l.mu.Lock()
	l.reserved++
	l.mu.Unlock()

	var once sync.Once
	return func(task func()) {
		once.Do(func() { l.enqueue(task) })
	}
}

// Post schedules task to run on the loop.
func (l *Loop) Post(task func()) {
	l.Reserve()(task)
}

// After runs task on the loop once d has elapsed.
func (l *Loop) After(d time.Duration, task func()) {
	post := l.Reserve()
	timer := time.NewTimer(d)
	go func() {
		select {
		case <-timer.C:
			post(task)
		case <-l.done:
			timer.Stop()
			post(nil)
		}
	}()
}

func (l *Loop) enqueue(task func()) {
	l.mu.Lock()
	if l.closed {
		l.reserved--
		l.mu.Unlock()
		return
	}
	l.queue = append(l.queue, task)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Fail stops Run with err after the current task. Only the first error is
// kept.
func (l *Loop) Fail(err error) {
	if err == nil {
		return
	}
	l.mu.Lock()
	if l.err == nil {
		l.err = err
	}
	l.mu.Unlock()
}

// Pending reports how many operations are queued or still in flight.
func (l *Loop) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.reserved
}

// Run executes tasks until the loop is idle, ctx is done, a task calls
// Fail, or the loop is closed.
func (l *Loop) Run(ctx context.Context) error {
	for {
		l.mu.Lock()
		if l.err != nil {
			err := l.err
			l.err = nil
			l.mu.Unlock()
			return err
		}
		if l.closed {
			l.mu.Unlock()
			return ErrLoopClosed
		}
		if len(l.queue) > 0 {
			task := l.queue[0]
			l.queue[0] = nil
			l.queue = l.queue[1:]
			l.mu.Unlock()

			l.runTask(task)

			l.mu.Lock()
			l.reserved--
			l.mu.Unlock()
			continue
		}
		if l.reserved == 0 {
			l.mu.Unlock()
			return nil
		}
		l.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.done:
			return ErrLoopClosed
		case <-l.wake:
		}
	}
}

func (l *Loop) runTask(task func()) {
	if task == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			l.log.Error("loop task panicked", zap.Any("panic", r))
			l.Fail(fmt.Errorf("loop task panicked: %v", r))
		}
	}()
	task()
}

// Done is closed when the loop is closed.
func (l *Loop) Done() <-chan struct{} {
	return l.done
}

// Close drops queued tasks and rejects new ones.
func (l *Loop) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	l.closed = true
	l.reserved -= len(l.queue)
	l.queue = nil
	close(l.done)
}

package listener

import (
	"context"
	"errors"
	"sync"
)

var errStopped = errors.New("listener stopped")

// Job is a background worker with an explicit lifecycle.
type Job interface {
	Start(ctx context.Context)
	Stop()
}

// Listener drains a channel on a dedicated goroutine, handing every item to
// the handler in arrival order. A handler error is unrecoverable: the owner
// relies on ordered, lossless consumption (the WAL does), so we panic rather
// than drop the item.
type Listener[T any] struct {
	handler func(input T) error
	onStop  func()

	in     <-chan T
	wg     sync.WaitGroup
	cancel func()
}

func New[T any](in <-chan T, handler func(T) error, onStop func()) *Listener[T] {
	if onStop == nil {
		onStop = func() {}
	}
	return &Listener[T]{
		in:      in,
		handler: handler,
		onStop:  onStop,
		cancel:  func() {},
	}
}

func (l *Listener[T]) Start(ctx context.Context) {
	ctx, l.cancel = context.WithCancel(ctx)
	l.wg.Add(1)

	go func() {
		defer l.wg.Done()
		for {
			err := l.consume(ctx)
			switch {
			case errors.Is(err, errStopped):
				return
			case err != nil:
				panic("channel listener error: " + err.Error())
			}
		}
	}()
}

func (l *Listener[T]) consume(ctx context.Context) error {
	select {
	case inp := <-l.in:
		return l.handler(inp)
	case <-ctx.Done():
		return errStopped
	}
}

func (l *Listener[T]) Stop() {
	l.cancel()
	l.wg.Wait()
	l.onStop()
}

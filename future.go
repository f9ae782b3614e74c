package dhtget

import (
	"context"

	"github.com/anacrolix/chansync"
	"github.com/anacrolix/sync"
)

// A one-shot result handle. The first resolve or reject wins; later calls are ignored and
// reported as not applied.
type Future[T any] struct {
	mu    sync.Mutex
	done  chansync.SetOnce
	value T
	err   error
}

func newFuture[T any]() *Future[T] {
	return &Future[T]{}
}

// Closed when the future is resolved or rejected.
func (f *Future[T]) Done() <-chan struct{} {
	return f.done.Done()
}

// Blocks until the future completes or ctx is done.
func (f *Future[T]) Wait(ctx context.Context) (_ T, err error) {
	select {
	case <-f.done.Done():
	case <-ctx.Done():
		err = context.Cause(ctx)
		return
	}
	v, err, _ := f.Result()
	return v, err
}

// Returns the outcome without blocking. ok is false if the future hasn't completed.
func (f *Future[T]) Result() (v T, err error, ok bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.done.IsSet() {
		return
	}
	return f.value, f.err, true
}

func (f *Future[T]) complete(v T, err error) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.done.IsSet() {
		return false
	}
	f.value = v
	f.err = err
	f.done.Set()
	return true
}

func (f *Future[T]) resolve(v T) bool {
	return f.complete(v, nil)
}

func (f *Future[T]) reject(err error) bool {
	var zero T
	return f.complete(zero, err)
}

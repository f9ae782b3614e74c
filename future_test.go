package dhtget

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-quicktest/qt"
)

func TestFutureResolvesOnce(t *testing.T) {
	f := newFuture[int]()
	_, _, ok := f.Result()
	qt.Assert(t, qt.IsFalse(ok))
	qt.Assert(t, qt.IsTrue(f.resolve(1)))
	qt.Assert(t, qt.IsFalse(f.resolve(2)))
	qt.Assert(t, qt.IsFalse(f.reject(errors.New("nope"))))
	<-f.Done()
	v, err, ok := f.Result()
	qt.Assert(t, qt.IsTrue(ok))
	qt.Assert(t, qt.IsNil(err))
	qt.Assert(t, qt.Equals(v, 1))
}

func TestFutureRejectThenResolve(t *testing.T) {
	f := newFuture[string]()
	qt.Assert(t, qt.IsTrue(f.reject(ErrMetadataTimeout)))
	qt.Assert(t, qt.IsFalse(f.resolve("late")))
	v, err := f.Wait(context.Background())
	qt.Assert(t, qt.ErrorIs(err, ErrMetadataTimeout))
	qt.Assert(t, qt.Equals(v, ""))
}

func TestFutureWaitContext(t *testing.T) {
	f := newFuture[int]()
	ctx, cancel := context.WithTimeout(context.Background(), time.Millisecond)
	defer cancel()
	_, err := f.Wait(ctx)
	qt.Assert(t, qt.ErrorIs(err, context.DeadlineExceeded))
}

package cluster

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/devrev/pairdb/crdt-storage/internal/crdt"
	"github.com/devrev/pairdb/crdt-storage/internal/errors"
	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"
)

// openWithin runs open and gives up after timeout. A result that arrives
// late is handed to discard.
func openWithin[T any](timeout time.Duration, open func() (T, error), discard func(T)) (T, error) {
	type result struct {
		v   T
		err error
	}
	ch := make(chan result, 1)
	go func() {
		v, err := open()
		ch <- result{v, err}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case r := <-ch:
		return r.v, r.err
	case <-timer.C:
		go func() {
			if r := <-ch; r.err == nil {
				discard(r.v)
			}
		}()
		var zero T
		return zero, fmt.Errorf("no answer within %v", timeout)
	}
}

// openAll opens one stream per partition concurrently, each under its own
// child of ctx. The returned cancel funcs release the stream of one
// partition. Partitions that fail are reported to onFail and left out,
// unless ctx itself ended.
func openAll[T any](ctx context.Context, ids []string, timeout time.Duration, open func(ctx context.Context, id string) (T, error), discard func(T), onFail func(id string, err error)) (map[string]T, map[string]context.CancelFunc) {
	var (
		mu      sync.Mutex
		out     = make(map[string]T, len(ids))
		cancels = make(map[string]context.CancelFunc, len(ids))
		g       errgroup.Group
	)
	for _, id := range ids {
		id := id
		pctx, pcancel := context.WithCancel(ctx)
		g.Go(func() error {
			v, err := openWithin(timeout, func() (T, error) { return open(pctx, id) }, discard)
			if err != nil {
				pcancel()
				if ctx.Err() == nil {
					onFail(id, err)
				}
				return nil
			}
			mu.Lock()
			out[id] = v
			cancels[id] = pcancel
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return out, cancels
}

// writer feeds one partition sink from a bounded queue on its own goroutine.
// The sink must return from Send once its stream context is cancelled: that
// is how a failed writer gets its goroutine back.
type writer[T any] struct {
	id      string
	sink    crdt.Sink[T]
	ch      chan T
	release context.CancelFunc

	done     chan struct{}
	failed   chan struct{}
	failOnce sync.Once
	err      error
	progress atomic.Int64

	// written by the writer goroutine, read after done
	mergeFailures *multierror.Error
}

func (w *writer[T]) fail(err error) bool {
	first := false
	w.failOnce.Do(func() {
		w.err = err
		close(w.failed)
		first = true
	})
	return first
}

func (w *writer[T]) releaseStream() {
	if w.release != nil {
		w.release()
	}
}

func (w *writer[T]) isFailed() bool {
	select {
	case <-w.failed:
		return true
	default:
		return false
	}
}

func (w *writer[T]) run(f *fanout[T]) {
	defer close(w.done)

	for item := range w.ch {
		if w.isFailed() {
			continue
		}
		if err := w.sink.Send(item); err != nil {
			if errors.IsMergeFailure(err) {
				w.mergeFailures = multierror.Append(w.mergeFailures, err)
				continue
			}
			f.failWriter(w, err)
			continue
		}
		w.progress.Store(time.Now().UnixNano())
	}

	if w.isFailed() || f.aborted.Load() {
		w.sink.Abort()
		return
	}
	if err := w.sink.Close(); err != nil {
		if errors.IsMergeFailure(err) {
			w.mergeFailures = multierror.Append(w.mergeFailures, err)
			return
		}
		f.failWriter(w, err)
	}
}

// fanout distributes items of one stream over several partition sinks.
// Items are queued per partition so a slow partition only stalls the
// producer up to timeout, after which it is failed and skipped. When ctx
// ends the stream stops with ctx's error and no partition is blamed.
type fanout[T any] struct {
	ctx     context.Context
	writers map[string]*writer[T]
	timeout time.Duration
	cancel  context.CancelFunc
	onFail  func(id string, err error)
	aborted atomic.Bool
	closed  bool
	timer   *time.Timer
}

func newFanout[T any](ctx context.Context, sinks map[string]crdt.Sink[T], releases map[string]context.CancelFunc, buffer int, timeout time.Duration, cancel context.CancelFunc, onFail func(string, error)) *fanout[T] {
	f := &fanout[T]{
		ctx:     ctx,
		writers: make(map[string]*writer[T], len(sinks)),
		timeout: timeout,
		cancel:  cancel,
		onFail:  onFail,
	}
	now := time.Now().UnixNano()
	for id, sink := range sinks {
		w := &writer[T]{
			id:      id,
			sink:    sink,
			ch:      make(chan T, buffer),
			release: releases[id],
			done:    make(chan struct{}),
			failed:  make(chan struct{}),
		}
		w.progress.Store(now)
		f.writers[id] = w
		go w.run(f)
	}
	return f
}

func (f *fanout[T]) failWriter(w *writer[T], err error) {
	if ctxErr := f.ctx.Err(); ctxErr != nil {
		w.fail(ctxErr)
		w.releaseStream()
		return
	}
	if !w.fail(err) {
		return
	}
	w.releaseStream()
	if f.onFail != nil {
		f.onFail(w.id, err)
	}
}

// err is the error of the stream context, set once the caller went away or
// the stream was aborted
func (f *fanout[T]) err() error {
	return f.ctx.Err()
}

// usable reports whether id has a writer that has not failed
func (f *fanout[T]) usable(id string) bool {
	w, ok := f.writers[id]
	return ok && !w.isFailed()
}

// send queues item on every listed partition and returns those that took
// it. It returns early when the stream context ends.
func (f *fanout[T]) send(ids []string, item T) []string {
	var accepted []string
	for _, id := range ids {
		w, ok := f.writers[id]
		if !ok || w.isFailed() {
			continue
		}

		select {
		case w.ch <- item:
			accepted = append(accepted, id)
			continue
		default:
		}

		if f.timer == nil {
			f.timer = time.NewTimer(f.timeout)
		} else {
			f.timer.Reset(f.timeout)
		}
		select {
		case w.ch <- item:
			accepted = append(accepted, id)
		case <-w.failed:
		case <-f.ctx.Done():
			f.timer.Stop()
			return accepted
		case <-f.timer.C:
			f.failWriter(w, errors.PartitionUnreachable(id, fmt.Errorf("stalled for %v", f.timeout)))
			continue
		}
		f.timer.Stop()
	}
	return accepted
}

// fanoutResult tells which partitions committed the stream
type fanoutResult struct {
	committed     []string
	failed        map[string]error
	mergeFailures error
	// err is set when the stream context ended before the commit
	err error
}

// close commits every partition and waits for the acknowledgements. A
// partition that makes no progress for timeout is failed.
func (f *fanout[T]) close() fanoutResult {
	if f.closed {
		return fanoutResult{failed: map[string]error{}}
	}
	f.closed = true
	defer f.cancel()

	for _, w := range f.writers {
		close(w.ch)
	}

	ticker := time.NewTicker(f.timeout / 4)
	defer ticker.Stop()

	res := fanoutResult{failed: make(map[string]error)}
	var merges *multierror.Error
	for _, w := range f.writers {
	wait:
		for {
			select {
			case <-w.done:
				break wait
			case <-w.failed:
				break wait
			case <-f.ctx.Done():
				f.failWriter(w, f.ctx.Err())
				break wait
			case <-ticker.C:
				idle := time.Since(time.Unix(0, w.progress.Load()))
				if idle > f.timeout {
					f.failWriter(w, errors.PartitionUnreachable(w.id, fmt.Errorf("no acknowledgement within %v", f.timeout)))
					break wait
				}
			}
		}

		if w.isFailed() {
			res.failed[w.id] = w.err
			continue
		}
		res.committed = append(res.committed, w.id)
		if w.mergeFailures != nil {
			merges = multierror.Append(merges, w.mergeFailures.Errors...)
		}
	}
	res.mergeFailures = merges.ErrorOrNil()
	res.err = f.ctx.Err()
	return res
}

// abort drops everything that was not committed
func (f *fanout[T]) abort() {
	if f.closed {
		return
	}
	f.closed = true
	f.aborted.Store(true)
	for _, w := range f.writers {
		close(w.ch)
	}
	f.cancel()
}

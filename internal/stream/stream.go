// Package stream implements the lazy, cancellable sequence primitive
// carried on every graph edge (spec §3 overview, §4 component F "Streaming
// semantics"). A Stream does nothing until Subscribe is called; each
// subscription gets its own independent execution and cancel handle.
package stream

import (
	"errors"
	"sync"
	"time"
)

// ErrTimeout is the error delivered by Timeout when no value or terminal
// event arrives within the configured duration.
var ErrTimeout = errors.New("stream: timeout waiting for first event")

// Cancel tears down a single subscription. It is idempotent and safe to
// call from any goroutine.
type Cancel func()

// sink serializes the three terminal/non-terminal callbacks a subscriber
// supplies, so that concurrent producers (merge, combineLatest) never call
// onError/onComplete more than once or call onNext after a terminal event.
type Sink[T any] struct {
	mu         sync.Mutex
	done       bool
	onNext     func(T)
	onError    func(error)
	onComplete func()
}

func NewSink[T any](onNext func(T), onError func(error), onComplete func()) *Sink[T] {
	if onNext == nil {
		onNext = func(T) {}
	}
	if onError == nil {
		onError = func(error) {}
	}
	if onComplete == nil {
		onComplete = func() {}
	}
	return &Sink[T]{onNext: onNext, onError: onError, onComplete: onComplete}
}

func (s *Sink[T]) Next(v T) {
	s.mu.Lock()
	done := s.done
	s.mu.Unlock()
	if !done {
		s.onNext(v)
	}
}

func (s *Sink[T]) Error(err error) {
	s.mu.Lock()
	if s.done {
		s.mu.Unlock()
		return
	}
	s.done = true
	s.mu.Unlock()
	s.onError(err)
}

func (s *Sink[T]) Complete() {
	s.mu.Lock()
	if s.done {
		s.mu.Unlock()
		return
	}
	s.done = true
	s.mu.Unlock()
	s.onComplete()
}

// Stream is a lazy, possibly multi-valued, cancellable sequence of T.
type Stream[T any] struct {
	run func(s *Sink[T]) Cancel
}

// New builds a Stream from its subscription function. run is invoked once
// per Subscribe call with a fresh sink.
func New[T any](run func(s *Sink[T]) Cancel) Stream[T] {
	return Stream[T]{run: run}
}

// Subscribe starts the stream. onNext/onError/onComplete may each be nil.
// At most one of onError or onComplete is ever called, and it is always
// called last.
func (s Stream[T]) Subscribe(onNext func(T), onError func(error), onComplete func()) Cancel {
	snk := NewSink(onNext, onError, onComplete)
	cancel := s.run(snk)
	if cancel == nil {
		cancel = func() {}
	}
	return cancel
}

// Of emits each value synchronously, in order, then completes.
func Of[T any](values ...T) Stream[T] {
	return New(func(s *Sink[T]) Cancel {
		for _, v := range values {
			s.Next(v)
		}
		s.Complete()
		return func() {}
	})
}

// Empty completes immediately without emitting any value.
func Empty[T any]() Stream[T] {
	return New(func(s *Sink[T]) Cancel {
		s.Complete()
		return func() {}
	})
}

// Fail immediately errors with err.
func Fail[T any](err error) Stream[T] {
	return New(func(s *Sink[T]) Cancel {
		s.Error(err)
		return func() {}
	})
}

// Map transforms every emitted value with f.
func Map[T, U any](s Stream[T], f func(T) U) Stream[U] {
	return New(func(out *Sink[U]) Cancel {
		return s.Subscribe(
			func(v T) { out.Next(f(v)) },
			out.Error,
			out.Complete,
		)
	})
}

// Merge subscribes to every stream concurrently, forwarding every value in
// arrival order, completing once all sources complete, and erroring (and
// cancelling the remaining sources) on the first error from any source.
func Merge[T any](streams ...Stream[T]) Stream[T] {
	return New(func(out *Sink[T]) Cancel {
		if len(streams) == 0 {
			out.Complete()
			return func() {}
		}

		var mu sync.Mutex
		remaining := len(streams)
		cancels := make([]Cancel, len(streams))
		cancelled := false

		cancelAll := func() {
			mu.Lock()
			if cancelled {
				mu.Unlock()
				return
			}
			cancelled = true
			cs := append([]Cancel{}, cancels...)
			mu.Unlock()
			for _, c := range cs {
				if c != nil {
					c()
				}
			}
		}

		for i, st := range streams {
			i := i
			cancels[i] = st.Subscribe(
				func(v T) { out.Next(v) },
				func(err error) {
					cancelAll()
					out.Error(err)
				},
				func() {
					mu.Lock()
					remaining--
					done := remaining == 0
					mu.Unlock()
					if done {
						out.Complete()
					}
				},
			)
		}

		return cancelAll
	})
}

// FlatMap subscribes to f(v) for every value v emitted by s, merging all
// resulting streams into the output. The output completes once s and every
// spawned substream has completed.
func FlatMap[T, U any](s Stream[T], f func(T) Stream[U]) Stream[U] {
	return New(func(out *Sink[U]) Cancel {
		var mu sync.Mutex
		sourceDone := false
		active := 0
		var subCancels []Cancel
		cancelled := false

		maybeComplete := func() {
			if sourceDone && active == 0 {
				out.Complete()
			}
		}

		cancelAll := func() {
			mu.Lock()
			if cancelled {
				mu.Unlock()
				return
			}
			cancelled = true
			cs := append([]Cancel{}, subCancels...)
			mu.Unlock()
			for _, c := range cs {
				c()
			}
		}

		sourceCancel := s.Subscribe(
			func(v T) {
				sub := f(v)
				mu.Lock()
				active++
				mu.Unlock()

				var c Cancel
				c = sub.Subscribe(
					func(u U) { out.Next(u) },
					func(err error) {
						cancelAll()
						out.Error(err)
					},
					func() {
						mu.Lock()
						active--
						done := sourceDone && active == 0
						mu.Unlock()
						if done {
							out.Complete()
						}
					},
				)
				mu.Lock()
				subCancels = append(subCancels, c)
				mu.Unlock()
			},
			func(err error) {
				cancelAll()
				out.Error(err)
			},
			func() {
				mu.Lock()
				sourceDone = true
				mu.Unlock()
				maybeComplete()
			},
		)

		return func() {
			sourceCancel()
			cancelAll()
		}
	})
}

// CombineLatest subscribes to every stream concurrently and emits a
// snapshot slice (index-aligned with streams) every time any stream emits,
// once every stream has emitted at least one value. It completes when every
// stream has completed (spec §4.5 "Analyzed combiner").
func CombineLatest[T any](streams ...Stream[T]) Stream[[]T] {
	return New(func(out *Sink[[]T]) Cancel {
		n := len(streams)
		if n == 0 {
			out.Complete()
			return func() {}
		}

		latest := make([]T, n)
		has := make([]bool, n)
		doneFlags := make([]bool, n)
		var mu sync.Mutex

		allHave := func() bool {
			for _, h := range has {
				if !h {
					return false
				}
			}
			return true
		}
		allDone := func() bool {
			for _, d := range doneFlags {
				if !d {
					return false
				}
			}
			return true
		}

		cancels := make([]Cancel, n)
		for i, st := range streams {
			i := i
			cancels[i] = st.Subscribe(
				func(v T) {
					mu.Lock()
					latest[i] = v
					has[i] = true
					ready := allHave()
					var snapshot []T
					if ready {
						snapshot = append([]T{}, latest...)
					}
					mu.Unlock()
					if ready {
						out.Next(snapshot)
					}
				},
				out.Error,
				func() {
					mu.Lock()
					doneFlags[i] = true
					complete := allDone()
					mu.Unlock()
					if complete {
						out.Complete()
					}
				},
			)
		}

		return func() {
			for _, c := range cancels {
				if c != nil {
					c()
				}
			}
		}
	})
}

// Timeout errors with ErrTimeout if no value, error, or completion arrives
// from s within d of subscription. Once the first event arrives the timer
// is disarmed and the rest of s passes through untouched.
func Timeout[T any](s Stream[T], d time.Duration) Stream[T] {
	return New(func(out *Sink[T]) Cancel {
		var mu sync.Mutex
		fired := false

		timer := time.AfterFunc(d, func() {
			mu.Lock()
			if fired {
				mu.Unlock()
				return
			}
			fired = true
			mu.Unlock()
			out.Error(ErrTimeout)
		})

		disarm := func() bool {
			mu.Lock()
			defer mu.Unlock()
			if fired {
				return false
			}
			fired = true
			return true
		}

		cancel := s.Subscribe(
			func(v T) {
				disarm()
				timer.Stop()
				out.Next(v)
			},
			func(err error) {
				if disarm() {
					timer.Stop()
				}
				out.Error(err)
			},
			func() {
				if disarm() {
					timer.Stop()
				}
				out.Complete()
			},
		)

		return func() {
			timer.Stop()
			cancel()
		}
	})
}

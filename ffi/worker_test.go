package ffi

import (
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"
)

func TestWorkerDo(t *testing.T) {
	w := NewWorker(testBridge(t), 0)
	defer w.Stop()

	v, err := w.Do(func(b *Bridge) (any, error) {
		return b.CallStaticInt("Game", "bump")
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if v.(int64) != 1 {
		t.Errorf("bump = %v, want 1", v)
	}

	_, err = w.Do(func(b *Bridge) (any, error) {
		return b.CallStatic("Game", "throwing")
	})
	if CodeOf(err) != ExceptionThrown {
		t.Errorf("Do error = %v, want EXCEPTION_THROWN", err)
	}
}

func TestWorkerConcurrentCallers(t *testing.T) {
	w := NewWorker(testBridge(t), 4)
	defer w.Stop()

	const callers, calls = 8, 50
	var g errgroup.Group
	for i := 0; i < callers; i++ {
		g.Go(func() error {
			for j := 0; j < calls; j++ {
				_, err := w.Do(func(b *Bridge) (any, error) {
					return b.CallStaticInt("Game", "bump")
				})
				if err != nil {
					return err
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}

	v, err := w.Do(func(b *Bridge) (any, error) {
		return b.GetStaticInt("Game", "score")
	})
	if err != nil {
		t.Fatal(err)
	}
	if got := v.(int64); got != callers*calls {
		t.Errorf("score = %d, want %d", got, callers*calls)
	}
}

func TestWorkerGoRunsInOrder(t *testing.T) {
	w := NewWorker(testBridge(t), 0)

	var mu sync.Mutex
	var order []int64
	for i := 0; i < 20; i++ {
		err := w.Go(func(b *Bridge) (any, error) {
			return b.CallStaticInt("Game", "bump")
		}, func(v any, err error) {
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				order = append(order, v.(int64))
			}
		})
		if err != nil {
			t.Fatalf("Go: %v", err)
		}
	}
	w.Stop()

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 20 {
		t.Fatalf("completed %d jobs, want 20 (Stop must drain the queue)", len(order))
	}
	for i, v := range order {
		if v != int64(i+1) {
			t.Fatalf("job %d saw score %d, want %d", i, v, i+1)
		}
	}
}

func TestWorkerGoDoesNotBlockWhenBusy(t *testing.T) {
	w := NewWorker(testBridge(t), 1)
	defer w.Stop()

	started := make(chan struct{})
	release := make(chan struct{})
	if err := w.Go(func(*Bridge) (any, error) {
		close(started)
		<-release
		return nil, nil
	}, nil); err != nil {
		t.Fatal(err)
	}
	<-started

	const jobs = 10
	var mu sync.Mutex
	var order []int64
	queued := make(chan error, 1)
	go func() {
		for i := 0; i < jobs; i++ {
			err := w.Go(func(b *Bridge) (any, error) {
				return b.CallStaticInt("Game", "bump")
			}, func(v any, err error) {
				mu.Lock()
				defer mu.Unlock()
				if err == nil {
					order = append(order, v.(int64))
				}
			})
			if err != nil {
				queued <- err
				return
			}
		}
		queued <- nil
	}()
	select {
	case err := <-queued:
		if err != nil {
			t.Fatalf("Go: %v", err)
		}
	case <-time.After(2 * time.Second):
		close(release)
		t.Fatal("Go blocked while the worker was busy")
	}
	if got := w.Pending(); got != jobs {
		t.Errorf("Pending = %d, want %d", got, jobs)
	}

	close(release)
	if _, err := w.Do(func(*Bridge) (any, error) { return nil, nil }); err != nil {
		t.Fatal(err)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(order) != jobs {
		t.Fatalf("completed %d jobs, want %d", len(order), jobs)
	}
	for i, v := range order {
		if v != int64(i+1) {
			t.Fatalf("job %d saw score %d, want %d", i, v, i+1)
		}
	}
}

func TestWorkerJobQueuesOnItsOwnWorker(t *testing.T) {
	w := NewWorker(testBridge(t), 1)
	defer w.Stop()

	score := make(chan int64, 1)
	_, err := w.Do(func(*Bridge) (any, error) {
		for i := 0; i < 5; i++ {
			if err := w.Go(func(b *Bridge) (any, error) {
				return b.CallStaticInt("Game", "bump")
			}, nil); err != nil {
				return nil, err
			}
		}
		return nil, w.Go(func(b *Bridge) (any, error) {
			return b.GetStaticInt("Game", "score")
		}, func(v any, err error) {
			if err == nil {
				score <- v.(int64)
			}
		})
	})
	if err != nil {
		t.Fatal(err)
	}
	select {
	case got := <-score:
		if got != 5 {
			t.Errorf("score = %d, want 5", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("jobs queued from inside the worker never ran")
	}
}

func TestWorkerStop(t *testing.T) {
	w := NewWorker(testBridge(t), 0)
	w.Stop()
	w.Stop()

	_, err := w.Do(func(*Bridge) (any, error) { return nil, nil })
	if !errors.Is(err, ErrWorkerStopped) {
		t.Errorf("Do after Stop = %v, want ErrWorkerStopped", err)
	}
	if err := w.Go(func(*Bridge) (any, error) { return nil, nil }, nil); !errors.Is(err, ErrWorkerStopped) {
		t.Errorf("Go after Stop = %v, want ErrWorkerStopped", err)
	}
}

func TestWorkerRecoversPanics(t *testing.T) {
	w := NewWorker(testBridge(t), 0)
	defer w.Stop()

	_, err := w.Do(func(*Bridge) (any, error) { panic("boom") })
	if err == nil || !strings.Contains(err.Error(), "boom") {
		t.Fatalf("Do(panic) = %v, want recovered error", err)
	}
	if _, err := w.Do(func(b *Bridge) (any, error) { return b.CallStaticInt("Game", "bump") }); err != nil {
		t.Errorf("worker unusable after panic: %v", err)
	}
}

func TestWorkerCallbacks(t *testing.T) {
	w := NewWorker(testBridge(t), 0)
	defer w.Stop()

	var hits int
	_, err := w.Do(func(b *Bridge) (any, error) {
		err := b.RegisterCallback("hit", func(b *Bridge, args []Handle) (Handle, error) {
			hits++
			return b.BoxInt(b.AsInt(args[0], 0) + 100)
		}, 1)
		if err != nil {
			return nil, err
		}
		cb, err := b.Callback("hit")
		if err != nil {
			return nil, err
		}
		defer b.Free(cb)
		return b.CallStaticInt("Game", "call1", cb)
	})
	if err != nil {
		t.Fatal(err)
	}
	if hits != 1 {
		t.Errorf("hits = %d, want 1", hits)
	}
	if w.Bridge() == nil {
		t.Error("Bridge() = nil")
	}
}

package rtcstream

import (
	"errors"
	"sync/atomic"
	"testing"

	"github.com/1ureka/rtcstream/internal/util"
)

func TestExecutorRunsTasksInOrderOneAtATime(t *testing.T) {
	var x executor
	var running, overlap atomic.Int32
	got := make([]int, 0, 200)
	done := make(chan struct{})

	for i := 0; i < 200; i++ {
		i := i
		x.post(func() {
			if running.Add(1) > 1 {
				overlap.Add(1)
			}
			got = append(got, i)
			running.Add(-1)
			if i == 199 {
				close(done)
			}
		})
	}
	recv(t, done)

	if overlap.Load() != 0 {
		t.Fatal("tasks overlapped")
	}
	for i, v := range got {
		if v != i {
			t.Fatalf("task %d ran at position %d", v, i)
		}
	}
}

func TestExecutorPostFromTask(t *testing.T) {
	var x executor
	var order []string
	done := make(chan struct{})

	x.post(func() {
		x.post(func() {
			order = append(order, "inner")
			close(done)
		})
		order = append(order, "outer")
	})
	recv(t, done)

	if len(order) != 2 || order[0] != "outer" || order[1] != "inner" {
		t.Fatalf("order = %v", order)
	}
}

func TestHooksEmitSnapshot(t *testing.T) {
	var h hooks[int]
	var calls []int
	h.add(func(v int) {
		calls = append(calls, v)
		h.add(func(int) { calls = append(calls, -1) })
	})
	h.add(nil)

	h.emit(7)
	if len(calls) != 1 || calls[0] != 7 {
		t.Fatalf("calls = %v", calls)
	}
	if h.len() != 2 {
		t.Fatalf("len = %d", h.len())
	}
	h.clear()
	h.emit(8)
	if len(calls) != 1 {
		t.Fatalf("cleared hooks still fired: %v", calls)
	}
}

func TestUnobservedErrorPanics(t *testing.T) {
	var h hooks[error]
	boom := errors.New("boom")

	defer func() {
		if r := recover(); r != boom {
			t.Fatalf("recovered %v, want %v", r, boom)
		}
	}()
	emitError(&h, util.Scoped("test"), boom)
}

func TestObservedErrorDelivered(t *testing.T) {
	var h hooks[error]
	var got error
	h.add(func(err error) { got = err })

	emitError(&h, util.Scoped("test"), ErrSendFailed)
	if !errors.Is(got, ErrSendFailed) {
		t.Fatalf("got %v", got)
	}
}

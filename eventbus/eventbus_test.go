// Copyright 2026 The mcpcore Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package eventbus

import (
	"testing"
)

func TestNotifyOrder(t *testing.T) {
	var n Notifier[int]
	var got []int
	n.OnEvent(func(v int) { got = append(got, v*10) })
	n.OnEvent(func(v int) { got = append(got, v*100) })

	n.Notify(1)
	n.Notify(2)

	want := []int{10, 100, 20, 200}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}

func TestSubscriptionClose(t *testing.T) {
	var n Notifier[string]
	var calls int
	sub := n.OnEvent(func(string) { calls++ })
	n.Notify("a")
	sub.Close()
	n.Notify("b")
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestListenerPanicSwallowed(t *testing.T) {
	var n Notifier[int]
	var recovered any
	n.OnError(func(r any) { recovered = r })

	var secondCalled bool
	n.OnEvent(func(int) { panic("boom") })
	n.OnEvent(func(int) { secondCalled = true })

	n.Notify(1)

	if recovered != "boom" {
		t.Errorf("recovered = %v, want %q", recovered, "boom")
	}
	if !secondCalled {
		t.Error("second listener was not called after first panicked")
	}
}

func TestCloseDropsListeners(t *testing.T) {
	var n Notifier[int]
	var calls int
	n.OnEvent(func(int) { calls++ })
	n.Close()
	n.Notify(1)
	if calls != 0 {
		t.Errorf("calls = %d, want 0 after Close", calls)
	}
}

func TestNotifyFuncLazy(t *testing.T) {
	var n Notifier[int]
	var computed bool
	compute := func() int {
		computed = true
		return 1
	}
	n.NotifyFunc(compute)
	if computed {
		t.Error("NotifyFunc computed the event with no listeners")
	}

	n.OnEvent(func(int) {})
	n.NotifyFunc(compute)
	if !computed {
		t.Error("NotifyFunc did not compute the event with a listener present")
	}
}

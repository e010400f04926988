package weakhandle

import (
	"context"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/affinity/internal/sequence"
	"github.com/danmuck/affinity/internal/testutil/deathtest"
	"github.com/danmuck/affinity/internal/testutil/testlog"
	"github.com/danmuck/affinity/internal/weakptr"
)

type point struct {
	X, Y int
}

// counter is owner-affine: nothing in it is synchronized.
type counter struct {
	factory *weakptr.Factory[counter]
	n       int
	owned   []bool
	args    []any
}

func newCounter(l *sequence.Loop) *counter {
	c := &counter{}
	c.factory = weakptr.NewFactory(l, c)
	return c
}

func (c *counter) Increment() {
	c.n++
	c.owned = append(c.owned, c.factory.Owner().RunsTasksInCurrentSequence())
}

func (c *counter) Add(delta int) { c.n += delta }

func (c *counter) Record(name string, p point, tags []string, scale float64) {
	c.args = append(c.args, name, p, len(tags), scale)
}

func (c *counter) destroy() { c.factory.InvalidateWeakPtrs() }

func startLoop(t *testing.T, name string) *sequence.Loop {
	t.Helper()
	l := sequence.New(sequence.Config{Name: name})
	if err := l.Start(); err != nil {
		t.Fatalf("start loop: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = l.Shutdown(ctx)
	})
	return l
}

func onLoop(t *testing.T, l *sequence.Loop, fn func()) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := l.Do(ctx, fn); err != nil {
		t.Fatalf("do: %v", err)
	}
}

func flush(t *testing.T, l *sequence.Loop) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := l.Flush(ctx); err != nil {
		t.Fatalf("flush: %v", err)
	}
}

// bind builds a counter and a handle to it on the loop.
func bind(t *testing.T, l *sequence.Loop) (*counter, Handle[counter]) {
	t.Helper()
	var c *counter
	var h Handle[counter]
	onLoop(t, l, func() {
		c = newCounter(l)
		h = FromFactory(c.factory)
	})
	return c, h
}

func TestZeroHandleIsUninitialized(t *testing.T) {
	testlog.Start(t)
	var h Handle[counter]
	if h.IsInitialized() || h.Owner() != nil || h.IsOnOwnerThread() {
		t.Fatalf("zero handle must be uninitialized")
	}
	if h.Clone().IsInitialized() {
		t.Fatalf("clone of an uninitialized handle must be uninitialized")
	}
	h.Reset()
	if h.IsInitialized() {
		t.Fatalf("reset must leave the handle uninitialized")
	}
}

func TestCallOnOwnerRunsInline(t *testing.T) {
	testlog.Start(t)
	l := startLoop(t, "handle.inline")
	c, h := bind(t, l)
	defer h.Reset()

	onLoop(t, l, func() {
		h.Call((*counter).Increment)
		if c.n != 1 {
			t.Errorf("owner call must run synchronously, n=%d", c.n)
		}
		if !h.IsOnOwnerThread() {
			t.Errorf("expected to be on the owner")
		}
		if h.Get().Get() != c {
			t.Errorf("Get must resolve to the target on the owner")
		}
	})
}

func TestCallFromForeignRunsOnceOnOwnerWithArgs(t *testing.T) {
	testlog.Start(t)
	l := startLoop(t, "handle.foreign")
	c, h := bind(t, l)
	defer h.Reset()

	if h.IsOnOwnerThread() {
		t.Fatalf("test goroutine must be foreign")
	}
	tags := []string{"a", "b"}
	h.Call((*counter).Increment)
	Call4(h, (*counter).Record, "first", point{X: 3, Y: -4}, tags, 1.5)
	tags = append(tags, "c")
	flush(t, l)

	onLoop(t, l, func() {
		if c.n != 1 {
			t.Errorf("expected exactly one increment, n=%d", c.n)
		}
		if len(c.owned) != 1 || !c.owned[0] {
			t.Errorf("increment must run on the owner: %v", c.owned)
		}
		want := []any{"first", point{X: 3, Y: -4}, 2, 1.5}
		if len(c.args) != len(want) {
			t.Fatalf("unexpected args: %v", c.args)
		}
		for i := range want {
			if c.args[i] != want[i] {
				t.Errorf("arg %d = %v want %v", i, c.args[i], want[i])
			}
		}
	})
}

func TestArityBinders(t *testing.T) {
	testlog.Start(t)
	l := startLoop(t, "handle.arity")
	c, h := bind(t, l)
	defer h.Reset()

	sum := func(c *counter, a, b int) { c.Add(a + b) }
	sum3 := func(c *counter, a, b, d int) { c.Add(a + b + d) }
	Call1(h, (*counter).Add, 1)
	Call2(h, sum, 2, 3)
	Call3(h, sum3, 4, 5, 6)
	flush(t, l)

	onLoop(t, l, func() {
		if c.n != 21 {
			t.Errorf("unexpected total: %d", c.n)
		}
	})
}

func TestForeignCallsKeepSubmissionOrder(t *testing.T) {
	testlog.Start(t)
	l := startLoop(t, "handle.order")
	c, h := bind(t, l)
	defer h.Reset()

	var seen []int
	for i := 0; i < 100; i++ {
		h.Call(func(*counter) { seen = append(seen, i) })
	}
	flush(t, l)
	onLoop(t, l, func() {
		for i, v := range seen {
			if v != i {
				t.Fatalf("call %d ran out of order: %d", i, v)
			}
		}
		if len(seen) != 100 || c.n != 0 {
			t.Fatalf("unexpected result: seen=%d n=%d", len(seen), c.n)
		}
	})
}

func TestCallToDestroyedTargetIsDropped(t *testing.T) {
	testlog.Start(t)
	l := startLoop(t, "handle.dead")
	c, h := bind(t, l)
	defer h.Reset()

	submitted := make(chan struct{})
	l.PostTask(sequence.FromHere(0), func() {
		<-submitted
		c.destroy()
	})
	// queued while alive, runs after the target is gone
	h.Call((*counter).Increment)
	close(submitted)
	flush(t, l)

	// submitted after destruction
	Call1(h, (*counter).Add, 10)
	flush(t, l)

	onLoop(t, l, func() {
		if c.n != 0 {
			t.Errorf("dead target was touched: n=%d", c.n)
		}
		if h.Get().Get() != nil {
			t.Errorf("weak pointer must be dead")
		}
		h.Call((*counter).Increment)
		if c.n != 0 {
			t.Errorf("inline call reached a dead target")
		}
	})
}

func TestIncrementScenario(t *testing.T) {
	testlog.Start(t)
	l := startLoop(t, "handle.scenario")
	c, h := bind(t, l)
	defer h.Reset()

	var wg sync.WaitGroup
	foreign := func(fn func()) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn()
		}()
		wg.Wait()
	}

	foreign(func() { h.Call((*counter).Increment) })
	flush(t, l)
	onLoop(t, l, func() {
		if c.n != 1 {
			t.Errorf("expected one increment, got %d", c.n)
		}
		c.destroy()
	})

	foreign(func() { h.Call((*counter).Increment) })
	flush(t, l)
	onLoop(t, l, func() {
		if c.n != 1 {
			t.Errorf("increment after destruction must be dropped, got %d", c.n)
		}
	})
}

func TestForeignFinalReleaseIsDeferredToOwner(t *testing.T) {
	testlog.Start(t)
	l := startLoop(t, "handle.release")
	c, h := bind(t, l)
	base := LiveCores()

	gate := make(chan struct{})
	var before, after int
	l.PostTask(sequence.FromHere(0), func() { <-gate })
	l.PostTask(sequence.FromHere(0), func() { before = c.factory.Outstanding() })

	h.Reset()
	if h.IsInitialized() {
		t.Fatalf("reset handle still initialized")
	}
	if got := LiveCores(); got != base-1 {
		t.Fatalf("core must be destroyed on the final release: live=%d base=%d", got, base)
	}
	l.PostTask(sequence.FromHere(0), func() { after = c.factory.Outstanding() })
	close(gate)
	flush(t, l)

	onLoop(t, l, func() {
		if before != 1 {
			t.Errorf("weak pointer released before the owner ran the deletion: before=%d", before)
		}
		if after != 0 {
			t.Errorf("weak pointer never released on the owner: after=%d", after)
		}
	})
}

func TestOwnerFinalReleaseIsInline(t *testing.T) {
	testlog.Start(t)
	l := startLoop(t, "handle.release.inline")
	c, h := bind(t, l)

	onLoop(t, l, func() {
		h.Reset()
		if n := c.factory.Outstanding(); n != 0 {
			t.Errorf("owner release must be inline, outstanding=%d", n)
		}
	})
}

func TestClonesReleaseCoreExactlyOnce(t *testing.T) {
	testlog.Start(t)
	l := startLoop(t, "handle.clones")
	base := LiveCores()
	c, h := bind(t, l)
	if LiveCores() != base+1 {
		t.Fatalf("expected one new core")
	}

	const n = 32
	clones := make([]Handle[counter], n)
	for i := range clones {
		clones[i] = h.Clone()
		if clones[i].ID() != h.ID() {
			t.Fatalf("clone must share the core")
		}
	}
	alias := h
	h.Reset()
	if alias.IsInitialized() {
		t.Fatalf("a reset share must read uninitialized through every copy")
	}
	alias.Reset()

	var wg sync.WaitGroup
	for i := range clones {
		wg.Add(1)
		go func() {
			defer wg.Done()
			clones[i].Call((*counter).Increment)
			clones[i].Reset()
			clones[i].Reset()
		}()
	}
	wg.Wait()
	flush(t, l)

	if got := LiveCores(); got != base {
		t.Fatalf("core leaked or double freed: live=%d base=%d", got, base)
	}
	onLoop(t, l, func() {
		if c.n != n {
			t.Errorf("expected %d increments, got %d", n, c.n)
		}
		if out := c.factory.Outstanding(); out != 0 {
			t.Errorf("weak pointer not released exactly once: outstanding=%d", out)
		}
	})
}

func dropClone(h Handle[counter]) {
	_ = h.Clone()
}

func TestDroppedCloneIsReleasedByCleanup(t *testing.T) {
	testlog.Start(t)
	l := startLoop(t, "handle.cleanup")
	base := LiveCores()
	c, h := bind(t, l)
	dropClone(h)
	h.Reset()

	deadline := time.Now().Add(5 * time.Second)
	for LiveCores() != base {
		if time.Now().After(deadline) {
			t.Fatalf("dropped clone never released: live=%d base=%d", LiveCores(), base)
		}
		runtime.GC()
		time.Sleep(10 * time.Millisecond)
	}
	flush(t, l)
	onLoop(t, l, func() {
		if out := c.factory.Outstanding(); out != 0 {
			t.Errorf("weak pointer not released after cleanup: outstanding=%d", out)
		}
	})
}

func TestCallAfterOwnerStoppedIsDropped(t *testing.T) {
	testlog.Start(t)
	l := sequence.New(sequence.Config{Name: "handle.stopped"})
	if err := l.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	base := LiveCores()
	_, h := bind(t, l)
	l.Stop()
	l.Wait()

	h.Call((*counter).Increment)
	h.Reset()
	if got := LiveCores(); got != base {
		t.Fatalf("core must still be destroyed once: live=%d base=%d", got, base)
	}
}

func TestGetOffOwnerIsFatal(t *testing.T) {
	deathtest.Expect(t, "Get called off the owner sequence", func() {
		l := sequence.New(sequence.Config{Name: "handle.death.get"})
		_ = l.Start()
		var h Handle[counter]
		_ = l.Do(context.Background(), func() { h = FromFactory(newCounter(l).factory) })
		h.Get()
	})
}

func TestCallOnUninitializedHandleIsFatal(t *testing.T) {
	deathtest.Expect(t, "Call on an uninitialized handle", func() {
		var h Handle[counter]
		h.Call((*counter).Increment)
	})
}

func TestGetOnUninitializedHandleIsFatal(t *testing.T) {
	deathtest.Expect(t, "Get on an uninitialized handle", func() {
		var h Handle[counter]
		h.Get()
	})
}

func TestMakeOffOwnerIsFatal(t *testing.T) {
	deathtest.Expect(t, "core constructed off the owner sequence", func() {
		l := sequence.New(sequence.Config{Name: "handle.death.make"})
		_ = l.Start()
		var ptr *weakptr.WeakPtr[counter]
		_ = l.Do(context.Background(), func() { ptr = newCounter(l).factory.GetWeakPtr() })
		Make(l, ptr)
	})
}

func TestMakeWithForeignWeakPtrIsFatal(t *testing.T) {
	deathtest.Expect(t, "weak pointer belongs to another sequence", func() {
		a := sequence.New(sequence.Config{Name: "handle.death.a"})
		b := sequence.New(sequence.Config{Name: "handle.death.b"})
		_ = a.Start()
		_ = b.Start()
		var ptr *weakptr.WeakPtr[counter]
		_ = a.Do(context.Background(), func() { ptr = newCounter(a).factory.GetWeakPtr() })
		_ = b.Do(context.Background(), func() { Make(b, ptr) })
	})
}

func TestInvokeAfterFinalReleaseIsDropped(t *testing.T) {
	testlog.Start(t)
	l := startLoop(t, "handle.revive")
	base := LiveCores()
	c, h := bind(t, l)

	core := h.s.core
	h.Reset()
	flush(t, l)
	if got := LiveCores(); got != base {
		t.Fatalf("core not destroyed on final release: live=%d base=%d", got, base)
	}

	core.Invoke(sequence.FromHere(0), (*counter).Increment)
	flush(t, l)
	onLoop(t, l, func() {
		core.Invoke(sequence.FromHere(0), (*counter).Increment)
	})

	if got := LiveCores(); got != base {
		t.Fatalf("destroyed core was revived: live=%d base=%d", got, base)
	}
	if n := core.refs.Load(); n != 0 {
		t.Fatalf("destroyed core took a reference: refs=%d", n)
	}
	onLoop(t, l, func() {
		if c.n != 0 {
			t.Errorf("call reached the target through a destroyed core: n=%d", c.n)
		}
		if out := c.factory.Outstanding(); out != 0 {
			t.Errorf("weak pointer released more or less than once: outstanding=%d", out)
		}
	})
}

package vfs

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"

	"github.com/qbtfs/qbtfs/internal/events"
)

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestRefreshLoop(t *testing.T) {
	defer leaktest.Check(t)()

	src := &fakeSource{items: named("Alpha")}
	f := New(Config{RefreshInterval: 10 * time.Millisecond}, src, nil)
	f.StartRefreshLoop(context.Background())

	waitFor(t, "two periodic rebuilds", func() bool { return f.Current().Number >= 2 })
	f.Close()

	n := f.Current().Number
	time.Sleep(30 * time.Millisecond)
	if got := f.Current().Number; got != n {
		t.Errorf("generation moved from %d to %d after Close", n, got)
	}
}

func TestRefreshLoopDisabled(t *testing.T) {
	defer leaktest.Check(t)()

	src := &fakeSource{}
	f := New(Config{}, src, nil)
	f.StartRefreshLoop(context.Background())
	f.Close()
	if src.callCount() != 0 {
		t.Errorf("source called %d times with refresh disabled", src.callCount())
	}
}

func TestWatch(t *testing.T) {
	defer leaktest.Check(t)()

	bus := events.NewBroadcaster()
	sub := bus.Subscribe()
	defer bus.Unsubscribe(sub)

	f := New(Config{}, &fakeSource{items: named("Alpha")}, bus)
	changes := make(chan struct{})
	f.Watch(context.Background(), changes)

	changes <- struct{}{}
	waitFor(t, "change-triggered rebuild", func() bool { return f.Current().Number == 1 })

	var types []string
	for len(types) < 2 {
		select {
		case e := <-sub:
			types = append(types, e.Type)
		case <-time.After(time.Second):
			t.Fatalf("got events %v, want source_change then rebuild", types)
		}
	}
	if types[0] != events.EventSourceChange || types[1] != events.EventRebuild {
		t.Errorf("events = %v", types)
	}

	close(changes)
	f.Close()
}

func TestWatchStopsOnClose(t *testing.T) {
	defer leaktest.Check(t)()

	f := New(Config{}, &fakeSource{}, nil)
	f.Watch(context.Background(), make(chan struct{}))
	f.Close()
}

type fakePinger struct {
	online atomic.Bool
	up     atomic.Bool
}

func (p *fakePinger) Ping(ctx context.Context) error {
	if !p.up.Load() {
		p.online.Store(false)
		return errors.New("unreachable")
	}
	p.online.Store(true)
	return nil
}

func (p *fakePinger) IsOnline() bool { return p.online.Load() }

func TestHealthCheckRebuildsWhenBackOnline(t *testing.T) {
	defer leaktest.Check(t)()

	src := &fakeSource{items: named("Alpha")}
	f := New(Config{HealthCheckInterval: 10 * time.Millisecond}, src, nil)
	p := &fakePinger{}
	f.StartHealthCheck(context.Background(), p)

	time.Sleep(30 * time.Millisecond)
	if src.callCount() != 0 {
		t.Fatalf("rebuilt while offline")
	}

	p.up.Store(true)
	waitFor(t, "rebuild after reconnect", func() bool { return f.Current().Number == 1 })

	// Staying online does not trigger further rebuilds.
	time.Sleep(30 * time.Millisecond)
	if got := src.callCount(); got != 1 {
		t.Errorf("source called %d times, want 1", got)
	}
	f.Close()
}

package analysis

import (
	"context"
	"testing"
	"time"

	"github.com/cochaviz/cellar/internal/gate"
	"github.com/cochaviz/cellar/internal/models"
)

func TestDefaultRegistryLookup(t *testing.T) {
	t.Parallel()

	registry := DefaultRegistry()
	for _, category := range TaskAnalysisCategories {
		name, factory, ok := registry.Lookup(category)
		if !ok || name != "task" || factory == nil {
			t.Fatalf("Lookup(%s) = %q, %v, %v", category, name, factory != nil, ok)
		}
	}
	if _, _, ok := registry.Lookup("pcap"); ok {
		t.Fatal("Lookup(pcap) ok = true, want false")
	}
}

func TestRegistryFirstRegistrationWins(t *testing.T) {
	t.Parallel()

	registry := NewRegistry()
	registry.Register("first", []models.Category{models.CategoryURL}, NewTaskAnalysis)
	registry.Register("second", []models.Category{models.CategoryURL, models.CategoryFile}, NewTaskAnalysis)

	if name, _, _ := registry.Lookup(models.CategoryURL); name != "first" {
		t.Fatalf("Lookup(url) = %q, want first", name)
	}
	if name, _, _ := registry.Lookup(models.CategoryFile); name != "second" {
		t.Fatalf("Lookup(file) = %q, want second", name)
	}
}

func TestHandlerFor(t *testing.T) {
	t.Parallel()

	for _, status := range []Status{StatusStarting, StatusStopped, StatusFailed} {
		if _, ok := HandlerFor(status); !ok {
			t.Fatalf("HandlerFor(%s) missing", status)
		}
	}
	for _, status := range []Status{StatusInit, StatusRunning, StatusStopping} {
		if _, ok := HandlerFor(status); ok {
			t.Fatalf("HandlerFor(%s) present, want none", status)
		}
	}
}

func TestBaseActionHandshake(t *testing.T) {
	t.Parallel()

	b := newBase(Deps{Logger: newTestLogger()})
	returned := make(chan struct{})
	go func() {
		b.setStatus(context.Background(), StatusStarting, true)
		close(returned)
	}()

	deadline := time.Now().Add(time.Second)
	for !b.ActionRequested() {
		if time.Now().After(deadline) {
			t.Fatal("action was never requested")
		}
		time.Sleep(time.Millisecond)
	}
	if b.Status() != StatusStarting {
		t.Fatalf("Status() = %s, want starting", b.Status())
	}
	select {
	case <-returned:
		t.Fatal("setStatus returned before the action was acknowledged")
	default:
	}

	b.ReleaseLocks()
	select {
	case <-returned:
	case <-time.After(time.Second):
		t.Fatal("setStatus did not return after ReleaseLocks")
	}
	if b.ActionRequested() {
		t.Fatal("ActionRequested() = true after ReleaseLocks")
	}
	// no pending request: must not panic
	b.ReleaseLocks()
}

func TestBaseActionRequestAbandonedOnCancel(t *testing.T) {
	t.Parallel()

	b := newBase(Deps{Logger: newTestLogger()})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	b.setStatus(ctx, StatusFailed, true)
	if b.Status() != StatusFailed {
		t.Fatalf("Status() = %s, want failed", b.Status())
	}
}

func TestBaseAliveAndPanicReleasesPermit(t *testing.T) {
	t.Parallel()

	g := gate.New(1)
	permit, err := g.Hold(context.Background())
	if err != nil {
		t.Fatalf("Hold() error = %v", err)
	}
	b := newBase(Deps{Logger: newTestLogger(), Permit: permit})
	if b.Alive() {
		t.Fatal("Alive() = true before launch")
	}

	release := make(chan struct{})
	b.launch(context.Background(), func(context.Context) {
		<-release
		panic("boom")
	})
	if !b.Alive() {
		t.Fatal("Alive() = false while running")
	}
	close(release)

	select {
	case <-b.Done():
	case <-time.After(time.Second):
		t.Fatal("analysis goroutine did not finish")
	}
	if b.Alive() {
		t.Fatal("Alive() = true after exit")
	}
	if !g.Probe() {
		t.Fatal("permit not released after panic")
	}
}

func TestTaskRegistry(t *testing.T) {
	t.Parallel()

	r := NewTaskRegistry()
	machine := models.Machine{Name: "cuckoo1", IP: "192.168.56.101"}

	if err := r.Add(models.Task{ID: 1}, models.Machine{Name: "noip"}); err == nil {
		t.Fatal("Add() without ip error = nil")
	}
	if err := r.Add(models.Task{ID: 1}, machine); err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	if err := r.Add(models.Task{ID: 1}, machine); err != nil {
		t.Fatalf("re-adding the same task error = %v", err)
	}
	if err := r.Add(models.Task{ID: 2}, machine); err == nil {
		t.Fatal("Add() of a second task on the same ip error = nil")
	}

	r.Remove(models.Task{ID: 2}, machine)
	if id, ok := r.Lookup(machine.IP); !ok || id != 1 {
		t.Fatalf("Lookup() = %d, %v after foreign Remove", id, ok)
	}
	r.Remove(models.Task{ID: 1}, machine)
	if _, ok := r.Lookup(machine.IP); ok {
		t.Fatal("Lookup() ok = true after Remove")
	}
}

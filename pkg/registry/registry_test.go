package registry

import (
	"sync"
	"testing"
)

type fakeConn struct {
	path string
}

func (c *fakeConn) Path() string                           { return c.path }
func (c *fakeConn) Shutdown(code int, reason string) error { return nil }

func TestRegistryAddRemove(t *testing.T) {
	r := New()
	a := &fakeConn{path: "/ws"}
	b := &fakeConn{path: "/ws"}

	r.Add(a)
	r.Add(b)
	if r.Len() != 2 {
		t.Fatalf("Expected 2 connections, got %d", r.Len())
	}

	r.Remove(a)
	if r.Contains(a) {
		t.Fatal("Expected removed connection to be absent")
	}
	if !r.Contains(b) {
		t.Fatal("Expected remaining connection to be present")
	}
	if r.Len() != 1 {
		t.Fatalf("Expected 1 connection, got %d", r.Len())
	}
}

func TestRegistryRemoveTwice(t *testing.T) {
	r := New()
	c := &fakeConn{path: "/ws"}

	r.Add(c)
	r.Remove(c)
	r.Remove(c)

	if r.Len() != 0 {
		t.Fatalf("Expected empty registry, got %d", r.Len())
	}
}

func TestRegistrySnapshotIsCopy(t *testing.T) {
	r := New()
	for i := 0; i < 3; i++ {
		r.Add(&fakeConn{path: "/ws"})
	}

	snapshot := r.Snapshot()
	for _, c := range snapshot {
		r.Remove(c)
	}

	if len(snapshot) != 3 {
		t.Fatalf("Expected snapshot of 3, got %d", len(snapshot))
	}
	if r.Len() != 0 {
		t.Fatalf("Expected empty registry after removing snapshot, got %d", r.Len())
	}
}

func TestRegistryClear(t *testing.T) {
	r := New()
	r.Add(&fakeConn{})
	r.Add(&fakeConn{})

	r.Clear()

	if r.Len() != 0 {
		t.Fatalf("Expected empty registry, got %d", r.Len())
	}
}

func TestRegistryConcurrentAccess(t *testing.T) {
	r := New()
	var wg sync.WaitGroup

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c := &fakeConn{path: "/ws"}
			r.Add(c)
			_ = r.Snapshot()
			_ = r.Len()
			r.Remove(c)
		}()
	}
	wg.Wait()

	if r.Len() != 0 {
		t.Fatalf("Expected empty registry, got %d", r.Len())
	}
}

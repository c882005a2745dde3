// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package registry tracks the live ingest tasks bound to each stream port.
package registry

import (
	"sync"
	"time"
)

// StreamTask is the live state for one bound port: its cancellation and the
// two sub-task completion signals a Free must wait on before the port can
// be returned to the pool.
type StreamTask struct {
	Cancel  func()
	UDPDone <-chan struct{}
	TCPDone <-chan struct{}

	// Stats reports the bound ingest worker's live counters. Optional —
	// callers that don't need per-port stats may leave it nil.
	Stats func() (bytesReceived, framesEmitted uint64, lastActivity time.Time)
}

// Wait blocks until both sub-tasks have exited. Safe to call on an already
// completed task — a closed channel receive returns immediately.
func (t *StreamTask) Wait() {
	<-t.UDPDone
	<-t.TCPDone
}

// Dead reports whether both sub-tasks have already exited on their own —
// e.g. after a socket error — without anyone having called FreeStreamPort.
// Non-blocking.
func (t *StreamTask) Dead() bool {
	select {
	case <-t.UDPDone:
	default:
		return false
	}
	select {
	case <-t.TCPDone:
	default:
		return false
	}
	return true
}

// Registry maps a bound port to its StreamTask. The zero value is not
// usable; use New.
type Registry struct {
	mu    sync.Mutex
	tasks map[uint16]*StreamTask
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{tasks: make(map[uint16]*StreamTask)}
}

// Insert adds or replaces the task for port. Replacing an existing entry is
// a caller error the registry does not itself prevent — the broker is
// expected to only ever insert a port it just popped from the pool.
func (r *Registry) Insert(port uint16, task *StreamTask) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tasks[port] = task
}

// Remove atomically takes ownership of and deletes port's task, or returns
// (nil, false) if the port has no live task. The lock is held only long
// enough to take ownership — any subsequent Wait on the returned task must
// happen outside the lock so it never blocks other registry operations.
func (r *Registry) Remove(port uint16) (*StreamTask, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	task, ok := r.tasks[port]
	if !ok {
		return nil, false
	}
	delete(r.tasks, port)
	return task, true
}

// Len reports the number of ports currently bound.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tasks)
}

// RemoveDead removes and returns every task whose sub-tasks have both
// already exited on their own, along with the port each was bound to.
func (r *Registry) RemoveDead() map[uint16]*StreamTask {
	r.mu.Lock()
	defer r.mu.Unlock()

	dead := make(map[uint16]*StreamTask)
	for port, task := range r.tasks {
		if task.Dead() {
			dead[port] = task
			delete(r.tasks, port)
		}
	}
	return dead
}

// Ports returns a snapshot of the currently bound port numbers.
func (r *Registry) Ports() []uint16 {
	r.mu.Lock()
	defer r.mu.Unlock()

	ports := make([]uint16, 0, len(r.tasks))
	for p := range r.tasks {
		ports = append(ports, p)
	}
	return ports
}

// Tasks returns a snapshot copy of the port->task map, for callers (the
// health/stats endpoint, the janitor) that need each task's Stats func
// without holding the registry lock while calling it.
func (r *Registry) Tasks() map[uint16]*StreamTask {
	r.mu.Lock()
	defer r.mu.Unlock()

	tasks := make(map[uint16]*StreamTask, len(r.tasks))
	for port, task := range r.tasks {
		tasks[port] = task
	}
	return tasks
}

// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package thread

import (
	"context"
	"sort"
	"sync"
)

// Backend types
const (
	BackendGoroutine = "goroutine" // In-process, native transfer, default
	BackendProcess   = "process"   // Child process over inherited pipes
	BackendGRPC      = "grpc"      // Worker host reached over a gRPC stream
)

// DefaultBackend is the default backend type (goroutine)
const DefaultBackend = BackendGoroutine

// session is the parent's handle on a running worker.
type session interface {
	// kill asks the worker to stop and forces it after the grace period.
	kill(ctx context.Context) error
	// wait blocks until the worker and its transport are gone and returns
	// the exit code.
	wait() int
}

// spawnFunc starts entry for w. It must set w.Socket before returning.
type spawnFunc func(ctx context.Context, w *Worker, entry string, o *workerOptions) (session, error)

var (
	backendsMu sync.RWMutex
	backends   = map[string]spawnFunc{
		BackendGoroutine: spawnGoroutine,
	}
)

// registerBackend registers a new backend (used by init in backend files)
func registerBackend(name string, spawn spawnFunc) {
	backendsMu.Lock()
	defer backendsMu.Unlock()
	backends[name] = spawn
}

func lookupBackend(name string) (spawnFunc, bool) {
	backendsMu.RLock()
	defer backendsMu.RUnlock()
	fn, ok := backends[name]
	return fn, ok
}

// AvailableBackends returns list of available backend types
func AvailableBackends() []string {
	backendsMu.RLock()
	defer backendsMu.RUnlock()
	result := make([]string, 0, len(backends))
	for name := range backends {
		result = append(result, name)
	}
	sort.Strings(result)
	return result
}

// HasBackend checks if a backend is available
func HasBackend(name string) bool {
	_, ok := lookupBackend(name)
	return ok
}

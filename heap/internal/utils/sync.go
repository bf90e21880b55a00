package utils

import (
	"sync"
)

// OptionalMutex is a sync.Mutex that only locks when UseMutex is set. Allocators that are driven from a
// single goroutine leave it off and pay nothing for it.
type OptionalMutex struct {
	Mutex    sync.Mutex
	UseMutex bool
}

func (m *OptionalMutex) Lock() {
	if m.UseMutex {
		m.Mutex.Lock()
	}
}

func (m *OptionalMutex) Unlock() {
	if m.UseMutex {
		m.Mutex.Unlock()
	}
}

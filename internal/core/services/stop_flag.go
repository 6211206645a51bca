package services

import "sync"

// stopFlag is the receivers' cooperative cancellation latch. A plain bool
// under its own mutex, independent of any queue lock.
type stopFlag struct {
	mu      sync.Mutex
	stopped bool
}

func newStopFlag() *stopFlag {
	return &stopFlag{}
}

func (f *stopFlag) set() {
	f.mu.Lock()
	f.stopped = true
	f.mu.Unlock()
}

func (f *stopFlag) isSet() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stopped
}

//go:build !linux

package server

// pinWorkerAffinity is a no-op outside Linux: there is no portable
// cross-platform affinity API.
func pinWorkerAffinity(index int) {}

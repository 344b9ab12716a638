//go:build linux

package server

import (
	"runtime"

	"golang.org/x/sys/unix"
)

// pinWorkerAffinity pins the calling goroutine's OS thread to CPU index,
// best-effort, when index is below the CPU count. runtime.LockOSThread is
// required first: affinity is a thread property, and Go only guarantees a
// goroutine keeps its OS thread after that call.
func pinWorkerAffinity(index int) {
	if index >= runtime.NumCPU() {
		return
	}
	runtime.LockOSThread()

	var set unix.CPUSet
	set.Zero()
	set.Set(index)
	_ = unix.SchedSetaffinity(0, &set)
}

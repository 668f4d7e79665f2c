package worker

// portAllocator hands out ports from a fixed window above a base port. It
// trusts its own bookkeeping and does no TCP-level probing; the supervisor
// consults it only while holding the worker-table lock, so the allocator
// itself carries no synchronization.
type portAllocator struct {
	base   int
	window int
	used   map[int]bool
}

func newPortAllocator(base, window int) *portAllocator {
	return &portAllocator{
		base:   base,
		window: window,
		used:   make(map[int]bool),
	}
}

// allocate returns the smallest free port in the window and marks it used.
func (a *portAllocator) allocate() (int, error) {
	for p := a.base; p < a.base+a.window; p++ {
		if !a.used[p] {
			a.used[p] = true
			return p, nil
		}
	}
	return 0, &PortsExhaustedError{Base: a.base, Window: a.window}
}

// release returns a port to the pool. Releasing a free port is a no-op.
func (a *portAllocator) release(port int) {
	delete(a.used, port)
}

// inUse reports how many ports are currently held.
func (a *portAllocator) inUse() int {
	return len(a.used)
}

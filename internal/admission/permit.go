package admission

import "sync/atomic"

// Permit is a reference-counted ticket for admitted use of the semaphore's
// budget. The base units (one reader slot plus the admission cost) go back
// to the budget when the last reference is dropped, so a permit stays alive
// for as long as any buffer charged against it does.
type Permit struct {
	sem      *Semaphore
	base     Resources
	refs     atomic.Int64
	released atomic.Bool
}

func newPermit(s *Semaphore, base Resources) *Permit {
	p := &Permit{sem: s, base: base}
	p.refs.Store(1)
	return p
}

func (p *Permit) incRef() {
	p.refs.Add(1)
}

func (p *Permit) decRef() {
	if p.refs.Add(-1) == 0 {
		p.sem.signal(p.base)
	}
}

// Release drops the holder's reference. Idempotent.
func (p *Permit) Release() {
	if p.released.CompareAndSwap(false, true) {
		p.decRef()
	}
}

// ConsumeMemory charges n bytes against the permit. The semaphore may go
// into over-commit; further admissions are blocked until the charge is
// returned.
func (p *Permit) ConsumeMemory(n int64) {
	p.sem.consume(Resources{Memory: n})
}

// SignalMemory returns n previously charged bytes.
func (p *Permit) SignalMemory(n int64) {
	p.sem.signal(Resources{Memory: n})
}

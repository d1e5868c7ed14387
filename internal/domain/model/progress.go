package model

import "sync/atomic"

// Progress counts completed units of a long-running operation.
// It is safe for concurrent use.
type Progress struct {
	total     atomic.Int64
	completed atomic.Int64
}

// AddTotal grows the expected number of units.
func (p *Progress) AddTotal(n int64) {
	if p != nil {
		p.total.Add(n)
	}
}

// Complete marks one unit done.
func (p *Progress) Complete() {
	if p != nil {
		p.completed.Add(1)
	}
}

// Snapshot returns completed and total units.
func (p *Progress) Snapshot() (completed, total int64) {
	if p == nil {
		return 0, 0
	}
	return p.completed.Load(), p.total.Load()
}

// Fraction returns completed/total, or 0 when nothing is known yet.
func (p *Progress) Fraction() float64 {
	c, t := p.Snapshot()
	if t == 0 {
		return 0
	}
	return float64(c) / float64(t)
}

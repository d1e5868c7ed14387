package peer

import (
	"slices"

	"github.com/okian/proxitrace/internal/domain/model"
)

// Samples is a bounded FIFO of signal readings. When full, the oldest
// reading is overwritten.
type Samples struct {
	buf   []model.SignalSample
	start int
	n     int
}

// NewSamples allocates a ring holding at most capacity readings.
func NewSamples(capacity int) *Samples {
	if capacity < 1 {
		capacity = 1
	}
	return &Samples{buf: make([]model.SignalSample, capacity)}
}

// Push appends v, evicting the oldest reading on overflow.
func (s *Samples) Push(v model.SignalSample) {
	if s.n < len(s.buf) {
		s.buf[(s.start+s.n)%len(s.buf)] = v
		s.n++
		return
	}
	s.buf[s.start] = v
	s.start = (s.start + 1) % len(s.buf)
}

// Absorb merges items into the ring in time order, oldest first. When the
// union exceeds the capacity the oldest readings are dropped.
func (s *Samples) Absorb(items []model.SignalSample) {
	if len(items) == 0 {
		return
	}
	all := append(s.Items(), items...)
	slices.SortStableFunc(all, func(a, b model.SignalSample) int {
		return a.At.Compare(b.At)
	})
	s.start, s.n = 0, 0
	if over := len(all) - len(s.buf); over > 0 {
		all = all[over:]
	}
	for _, v := range all {
		s.Push(v)
	}
}

// Len returns the number of readings held.
func (s *Samples) Len() int { return s.n }

// Cap returns the ring capacity.
func (s *Samples) Cap() int { return len(s.buf) }

// Last returns the most recent reading.
func (s *Samples) Last() (model.SignalSample, bool) {
	if s.n == 0 {
		return model.SignalSample{}, false
	}
	return s.buf[(s.start+s.n-1)%len(s.buf)], true
}

// Items returns the readings oldest first.
func (s *Samples) Items() []model.SignalSample {
	out := make([]model.SignalSample, s.n)
	for i := 0; i < s.n; i++ {
		out[i] = s.buf[(s.start+i)%len(s.buf)]
	}
	return out
}

// Median returns the median RSSI, averaging the two middle values for an
// even count. Zero when empty.
func (s *Samples) Median() int {
	if s.n == 0 {
		return 0
	}
	vals := make([]int, s.n)
	for i := 0; i < s.n; i++ {
		vals[i] = s.buf[(s.start+i)%len(s.buf)].RSSI
	}
	slices.Sort(vals)
	mid := s.n / 2
	if s.n%2 == 1 {
		return vals[mid]
	}
	return (vals[mid-1] + vals[mid]) / 2
}

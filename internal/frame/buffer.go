package frame

import "sync/atomic"

// slot is one pre-allocated frame plus the number of readers holding it.
type slot struct {
	f       *Frame
	readers atomic.Int32
}

// DoubleBuffer publishes frames from exactly one producer goroutine to any
// number of readers without locks. The producer fills Back() and calls
// Publish(), which swaps the current slot atomically. Readers Acquire the
// current frame and Release it when done; the producer never writes a slot
// that is current or still held. Normally two slots suffice; a slow reader
// holding an old frame makes Publish allocate another.
type DoubleBuffer struct {
	width, height int
	alloc         func(width, height int) *Frame

	// producer-owned
	slots []*slot
	back  *slot

	current atomic.Pointer[slot]
	flips   atomic.Uint64
}

// NewDoubleBuffer pre-allocates both frames.
func NewDoubleBuffer(width, height int, withAlpha bool) *DoubleBuffer {
	alloc := New
	if withAlpha {
		alloc = NewWithAlpha
	}
	d := &DoubleBuffer{
		width:  width,
		height: height,
		alloc:  alloc,
		slots:  []*slot{{f: alloc(width, height)}, {f: alloc(width, height)}},
	}
	d.back = d.slots[0]
	return d
}

// Back returns the frame the producer may write. Only the producer calls it.
func (d *DoubleBuffer) Back() *Frame {
	return d.back.f
}

// Publish makes the back frame current and picks a free slot as the next
// back frame.
func (d *DoubleBuffer) Publish() {
	d.current.Store(d.back)
	d.flips.Add(1)
	d.back = d.free()
}

// free returns a slot that is neither current nor held by a reader.
func (d *DoubleBuffer) free() *slot {
	cur := d.current.Load()
	for _, s := range d.slots {
		if s != cur && s.readers.Load() == 0 {
			return s
		}
	}
	s := &slot{f: d.alloc(d.width, d.height)}
	d.slots = append(d.slots, s)
	return s
}

// Acquire returns the last published frame and a func that releases it. The
// frame is not modified until release is called. Before the first Publish it
// returns nil and a no-op release.
func (d *DoubleBuffer) Acquire() (*Frame, func()) {
	for {
		s := d.current.Load()
		if s == nil {
			return nil, func() {}
		}
		s.readers.Add(1)
		// the producer may have moved on between Load and Add
		if d.current.Load() == s {
			var once atomic.Bool
			return s.f, func() {
				if once.CompareAndSwap(false, true) {
					s.readers.Add(-1)
				}
			}
		}
		s.readers.Add(-1)
	}
}

// Snapshot returns a copy of the last published frame, or nil before the
// first Publish.
func (d *DoubleBuffer) Snapshot() *Frame {
	f, release := d.Acquire()
	defer release()
	if f == nil {
		return nil
	}
	return f.Clone()
}

// Published reports how many frames have been published.
func (d *DoubleBuffer) Published() uint64 {
	return d.flips.Load()
}

// Slots reports how many frames the buffer has allocated.
func (d *DoubleBuffer) Slots() int {
	return len(d.slots)
}

// Width returns the frame width.
func (d *DoubleBuffer) Width() int { return d.width }

// Height returns the frame height.
func (d *DoubleBuffer) Height() int { return d.height }

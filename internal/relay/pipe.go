// Package relay holds the bounded per-direction queues that sit between the
// two sockets of a relayed connection.
package relay

const DefaultCapacity = 8192

// Pipe is a bounded FIFO of bytes. Producers only read into spare capacity,
// so Len never exceeds Cap.
type Pipe struct {
	buf  []byte
	r, w int
}

func NewPipe(capacity int) *Pipe {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Pipe{buf: make([]byte, capacity)}
}

func (p *Pipe) Len() int    { return p.w - p.r }
func (p *Pipe) Cap() int    { return len(p.buf) }
func (p *Pipe) Free() int   { return len(p.buf) - p.Len() }
func (p *Pipe) Empty() bool { return p.r == p.w }
func (p *Pipe) Full() bool  { return p.Free() == 0 }

// Fill calls read with at most limit bytes of spare space and queues whatever
// it returns. A full pipe does not call read. limit <= 0 means all spare space.
func (p *Pipe) Fill(limit int, read func([]byte) (int, error)) (int, error) {
	if p.Full() {
		return 0, nil
	}
	if p.w == len(p.buf) {
		p.compact()
	}
	space := p.buf[p.w:]
	if limit > 0 && len(space) > limit {
		space = space[:limit]
	}
	n, err := read(space)
	if n > 0 {
		p.w += n
	}
	return n, err
}

// Drain offers the queued bytes to write and drops the prefix it accepted.
func (p *Pipe) Drain(write func([]byte) (int, error)) (int, error) {
	if p.Empty() {
		return 0, nil
	}
	n, err := write(p.buf[p.r:p.w])
	if n > 0 {
		p.r += n
	}
	if p.r == p.w {
		p.r, p.w = 0, 0
	}
	return n, err
}

// Write queues as much of b as fits and returns the count queued.
func (p *Pipe) Write(b []byte) int {
	if len(b) > p.Free() {
		b = b[:p.Free()]
	}
	if len(p.buf)-p.w < len(b) {
		p.compact()
	}
	n := copy(p.buf[p.w:], b)
	p.w += n
	return n
}

func (p *Pipe) compact() {
	n := copy(p.buf, p.buf[p.r:p.w])
	p.r, p.w = 0, n
}

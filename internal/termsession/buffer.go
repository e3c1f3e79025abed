package termsession

import "bytes"

// Default buffer sizing for new sessions.
const (
	// DefaultBufferCapacity is the per-session output history size (1 MB).
	DefaultBufferCapacity = 1024 * 1024
	// DefaultMaxLines caps the line index used by Tail.
	DefaultMaxLines = 1000
)

// Buffer is a fixed-capacity circular byte buffer holding a session's
// terminal output. Once full, new writes overwrite the oldest bytes.
//
// Buffer is not safe for concurrent use. Every Buffer is owned by exactly
// one session and only touched while the Registry lock is held.
type Buffer struct {
	data     []byte
	capacity int
	size     int
	head     int // next write offset
	full     bool

	// total is the number of bytes ever appended. The retained window is
	// [total-size, total).
	total uint64

	// lineStarts is a ring of absolute offsets at which a line begins.
	lineStarts []uint64
	lineNext   int
	lineCount  int
	// linesDropped is set once the ring has overwritten an entry.
	linesDropped bool
}

// NewBuffer allocates a buffer with the given capacity and line index cap.
// Non-positive arguments select the defaults.
func NewBuffer(capacity, maxLines int) *Buffer {
	if capacity <= 0 {
		capacity = DefaultBufferCapacity
	}
	if maxLines <= 0 {
		maxLines = DefaultMaxLines
	}
	return &Buffer{
		data:       make([]byte, capacity),
		capacity:   capacity,
		lineStarts: make([]uint64, maxLines),
	}
}

// Append writes p to the buffer. If p is at least as long as the buffer,
// only its last Cap() bytes are kept and nothing of the old content
// survives.
func (b *Buffer) Append(p []byte) {
	if len(p) == 0 {
		return
	}
	b.indexLines(p)
	b.total += uint64(len(p))

	switch {
	case len(p) >= b.capacity:
		copy(b.data, p[len(p)-b.capacity:])
		b.head = 0
		b.full = true
		b.size = b.capacity
	case b.head+len(p) > b.capacity:
		first := b.capacity - b.head
		copy(b.data[b.head:], p[:first])
		copy(b.data, p[first:])
		b.head = len(p) - first
		b.full = true
		b.size = b.capacity
	default:
		copy(b.data[b.head:], p)
		b.head += len(p)
		if !b.full {
			b.size = b.head
		}
	}
}

// Contents returns a copy of the retained bytes, oldest first.
func (b *Buffer) Contents() []byte {
	out := make([]byte, b.size)
	if b.full && b.head > 0 {
		n := copy(out, b.data[b.head:b.capacity])
		copy(out[n:], b.data[:b.head])
		return out
	}
	copy(out, b.data[:b.size])
	return out
}

// Reset discards all content and the line index.
func (b *Buffer) Reset() {
	b.size = 0
	b.head = 0
	b.full = false
	b.total = 0
	b.lineNext = 0
	b.lineCount = 0
	b.linesDropped = false
}

// Restore replaces the buffer content with logical, which must be in
// oldest-first order as produced by Contents. The physical layout after a
// restore is always linear: head == Len() unless the data filled the
// buffer, in which case head is 0 and Full reports true.
func (b *Buffer) Restore(logical []byte) {
	b.Reset()
	b.Append(logical)
}

// Len returns the number of bytes currently held.
func (b *Buffer) Len() int { return b.size }

// Cap returns the fixed capacity.
func (b *Buffer) Cap() int { return b.capacity }

// Head returns the next physical write offset.
func (b *Buffer) Head() int { return b.head }

// Full reports whether the buffer has wrapped at least once.
func (b *Buffer) Full() bool { return b.full }

// TotalWritten returns the number of bytes ever appended since the last
// Reset.
func (b *Buffer) TotalWritten() uint64 { return b.total }

func (b *Buffer) indexLines(p []byte) {
	if b.total == 0 {
		b.pushLineStart(0)
	}
	for i := 0; i < len(p); {
		j := bytes.IndexByte(p[i:], '\n')
		if j < 0 {
			return
		}
		i += j + 1
		b.pushLineStart(b.total + uint64(i))
	}
}

func (b *Buffer) pushLineStart(off uint64) {
	b.lineStarts[b.lineNext] = off
	b.lineNext = (b.lineNext + 1) % len(b.lineStarts)
	if b.lineCount < len(b.lineStarts) {
		b.lineCount++
	} else {
		b.linesDropped = true
	}
}

// Lines returns the indexed lines still retained in the buffer, oldest
// first, without their trailing newline. A line whose beginning has been
// overwritten is returned truncated. At most the line index cap is
// returned.
func (b *Buffer) Lines() [][]byte {
	if b.size == 0 {
		return nil
	}
	contents := b.Contents()
	oldest := b.total - uint64(b.size)

	starts := make([]int, 0, b.lineCount+1)
	first := (b.lineNext - b.lineCount + len(b.lineStarts)) % len(b.lineStarts)
	for k := 0; k < b.lineCount; k++ {
		off := b.lineStarts[(first+k)%len(b.lineStarts)]
		if off < oldest || off >= b.total {
			continue
		}
		starts = append(starts, int(off-oldest))
	}
	// The oldest retained byte starts a (possibly partial) line unless the
	// index has already forgotten where the lines before it began.
	known := !b.linesDropped || b.lineStarts[first] <= oldest
	if (len(starts) == 0 || starts[0] != 0) && known {
		starts = append([]int{0}, starts...)
	}
	if len(starts) == 0 {
		return nil
	}

	lines := make([][]byte, 0, len(starts))
	for i, s := range starts {
		end := len(contents)
		if i+1 < len(starts) {
			end = starts[i+1]
		}
		lines = append(lines, bytes.TrimSuffix(contents[s:end], []byte("\n")))
	}
	return lines
}

// Tail returns the last n lines held by the buffer.
func (b *Buffer) Tail(n int) [][]byte {
	lines := b.Lines()
	if n >= 0 && len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return lines
}

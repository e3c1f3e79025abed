package termsession

import (
	"bytes"
	"math/rand"
	"strings"
	"testing"
)

func TestBuffer_BasicAppend(t *testing.T) {
	b := NewBuffer(32, 0)
	b.Append([]byte("hello "))
	b.Append([]byte("world"))

	if got := string(b.Contents()); got != "hello world" {
		t.Errorf("got %q, want %q", got, "hello world")
	}
	if b.Len() != 11 || b.Head() != 11 || b.Full() {
		t.Errorf("len=%d head=%d full=%v, want 11/11/false", b.Len(), b.Head(), b.Full())
	}
}

func TestBuffer_Wrap(t *testing.T) {
	b := NewBuffer(10, 0)
	b.Append([]byte("abcdefgh"))
	b.Append([]byte("ijkl"))

	if got := string(b.Contents()); got != "cdefghijkl" {
		t.Errorf("got %q, want %q", got, "cdefghijkl")
	}
	if !b.Full() || b.Len() != 10 || b.Head() != 2 {
		t.Errorf("full=%v len=%d head=%d, want true/10/2", b.Full(), b.Len(), b.Head())
	}

	// A single capacity-sized append overwrites everything.
	b2 := NewBuffer(10, 0)
	b2.Append([]byte("0123456789"))
	if !b2.Full() || b2.Head() != 0 || string(b2.Contents()) != "0123456789" {
		t.Errorf("exact fill: full=%v head=%d contents=%q", b2.Full(), b2.Head(), b2.Contents())
	}
	b2.Append([]byte("x"))
	if got := string(b2.Contents()); got != "123456789x" {
		t.Errorf("after exact fill got %q, want %q", got, "123456789x")
	}

	// Reaching capacity across appends does not wrap.
	b3 := NewBuffer(10, 0)
	b3.Append([]byte("01234"))
	b3.Append([]byte("56789"))
	if b3.Full() || b3.Head() != 10 || b3.Len() != 10 || string(b3.Contents()) != "0123456789" {
		t.Errorf("filled in two appends: full=%v head=%d len=%d contents=%q", b3.Full(), b3.Head(), b3.Len(), b3.Contents())
	}
	b3.Append([]byte("x"))
	if got := string(b3.Contents()); got != "123456789x" {
		t.Errorf("after two-append fill got %q, want %q", got, "123456789x")
	}
}

func TestBuffer_OversizedAppendKeepsTail(t *testing.T) {
	b := NewBuffer(8, 0)
	b.Append([]byte("old"))
	b.Append([]byte("0123456789ABCDEF"))

	if got := string(b.Contents()); got != "89ABCDEF" {
		t.Errorf("got %q, want %q", got, "89ABCDEF")
	}
	if b.Head() != 0 || !b.Full() {
		t.Errorf("head=%d full=%v, want 0/true", b.Head(), b.Full())
	}
	if b.TotalWritten() != 19 {
		t.Errorf("TotalWritten = %d, want 19", b.TotalWritten())
	}
}

func TestBuffer_ChunkingDoesNotMatter(t *testing.T) {
	const capacity = 1024
	data := make([]byte, 10*capacity)
	rng := rand.New(rand.NewSource(1))
	rng.Read(data)
	want := data[len(data)-capacity:]

	whole := NewBuffer(capacity, 0)
	whole.Append(data)

	tenths := NewBuffer(capacity, 0)
	for i := 0; i < 10; i++ {
		tenths.Append(data[i*capacity : (i+1)*capacity])
	}

	random := NewBuffer(capacity, 0)
	for off := 0; off < len(data); {
		n := 1 + rng.Intn(700)
		if off+n > len(data) {
			n = len(data) - off
		}
		random.Append(data[off : off+n])
		off += n
	}

	for name, b := range map[string]*Buffer{"whole": whole, "tenths": tenths, "random": random} {
		if got := b.Contents(); !bytes.Equal(got, want) {
			t.Errorf("%s: contents differ from the last %d bytes written", name, capacity)
		}
	}
}

func TestBuffer_ContentsIsCopy(t *testing.T) {
	b := NewBuffer(16, 0)
	b.Append([]byte("abc"))
	got := b.Contents()
	got[0] = 'X'
	if string(b.Contents()) != "abc" {
		t.Error("mutating Contents() result changed the buffer")
	}
}

func TestBuffer_RestoreIsLinear(t *testing.T) {
	src := NewBuffer(10, 0)
	src.Append([]byte("abcdefgh"))
	src.Append([]byte("ijkl"))
	logical := src.Contents()

	dst := NewBuffer(10, 0)
	dst.Append([]byte("garbage"))
	dst.Restore(logical)

	if !bytes.Equal(dst.Contents(), logical) {
		t.Errorf("restored %q, want %q", dst.Contents(), logical)
	}
	if dst.Head() != 0 || !dst.Full() {
		t.Errorf("full restore: head=%d full=%v, want 0/true", dst.Head(), dst.Full())
	}

	// Subsequent appends continue from the restored state.
	dst.Append([]byte("mn"))
	if got := string(dst.Contents()); got != "efghijklmn" {
		t.Errorf("after restore+append got %q, want %q", got, "efghijklmn")
	}

	partial := NewBuffer(10, 0)
	partial.Restore([]byte("abc"))
	if partial.Head() != 3 || partial.Full() || partial.Len() != 3 {
		t.Errorf("partial restore: head=%d full=%v len=%d", partial.Head(), partial.Full(), partial.Len())
	}
}

func TestBuffer_Reset(t *testing.T) {
	b := NewBuffer(10, 0)
	b.Append([]byte("0123456789abc"))
	b.Reset()
	if b.Len() != 0 || b.Full() || b.Head() != 0 || b.TotalWritten() != 0 {
		t.Errorf("after Reset: len=%d full=%v head=%d total=%d", b.Len(), b.Full(), b.Head(), b.TotalWritten())
	}
	if len(b.Contents()) != 0 || b.Lines() != nil {
		t.Error("expected empty contents and no lines after Reset")
	}
}

func linesOf(b [][]byte) []string {
	out := make([]string, len(b))
	for i, l := range b {
		out[i] = string(l)
	}
	return out
}

func TestBuffer_Lines(t *testing.T) {
	b := NewBuffer(16, 0)
	b.Append([]byte("aaaa\nbbbb\ncc"))
	b.Append([]byte("cc\n"))

	if got := strings.Join(linesOf(b.Lines()), "|"); got != "aaaa|bbbb|cccc" {
		t.Errorf("Lines() = %q, want %q", got, "aaaa|bbbb|cccc")
	}

	// Wrapping overwrites "aaaa" except its newline.
	b.Append([]byte("dddd\n"))
	if got := strings.Join(linesOf(b.Lines()), "|"); got != "|bbbb|cccc|dddd" {
		t.Errorf("after wrap Lines() = %q, want %q", got, "|bbbb|cccc|dddd")
	}
	if got := strings.Join(linesOf(b.Tail(2)), "|"); got != "cccc|dddd" {
		t.Errorf("Tail(2) = %q, want %q", got, "cccc|dddd")
	}
	if got := len(b.Tail(100)); got != 4 {
		t.Errorf("Tail(100) returned %d lines, want 4", got)
	}
}

func TestBuffer_LineIndexCap(t *testing.T) {
	b := NewBuffer(1024, 2)
	b.Append([]byte("a\nb\nc"))

	if got := strings.Join(linesOf(b.Lines()), "|"); got != "b|c" {
		t.Errorf("Lines() = %q, want %q", got, "b|c")
	}
}

func TestBuffer_Defaults(t *testing.T) {
	b := NewBuffer(0, 0)
	if b.Cap() != DefaultBufferCapacity {
		t.Errorf("Cap() = %d, want %d", b.Cap(), DefaultBufferCapacity)
	}
	if len(b.lineStarts) != DefaultMaxLines {
		t.Errorf("line index cap = %d, want %d", len(b.lineStarts), DefaultMaxLines)
	}
}

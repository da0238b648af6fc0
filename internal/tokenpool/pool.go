// Package tokenpool implements the single growable byte arena that owns
// every identifier, literal, module name, and macro-expanded string seen by
// the compiler pipeline. All references into it are stable offsets: tokens
// must outlive every intermediate representation and are frequently
// compared, so a single arena eliminates the ownership webs a tree of
// separately-allocated strings would otherwise require.
package tokenpool

import "bytes"

// Offset is a stable byte offset into a Pool. The zero Offset never denotes
// a real string; Pool reserves index 0 so that a zero-value Offset can be
// used as a sentinel "no token" value.
type Offset uint32

// Pool is a growable, null-terminated byte arena. Strings are compared and
// looked up by content; the same content is only ever stored once.
type Pool struct {
	buf     []byte
	offsets map[string]Offset
	frozen  bool
}

// New returns an empty Pool ready for interning.
func New() *Pool {
	p := &Pool{offsets: make(map[string]Offset)}
	// burn offset 0 so it can serve as a "no token" sentinel.
	p.buf = append(p.buf, 0)
	return p
}

// Intern stores s if not already present and returns its stable offset.
// Strings are stored null-terminated; s itself must not contain a NUL byte.
func (p *Pool) Intern(s string) Offset {
	if off, ok := p.offsets[s]; ok {
		return off
	}
	if p.frozen {
		panic("tokenpool: Intern after Freeze")
	}
	off := Offset(len(p.buf))
	p.buf = append(p.buf, s...)
	p.buf = append(p.buf, 0)
	p.offsets[s] = off
	return off
}

// String returns the NUL-terminated string stored at off.
func (p *Pool) String(off Offset) string {
	if off == 0 || int(off) >= len(p.buf) {
		return ""
	}
	end := bytes.IndexByte(p.buf[off:], 0)
	if end < 0 {
		return ""
	}
	return string(p.buf[off : int(off)+end])
}

// Len returns the number of bytes currently held by the arena.
func (p *Pool) Len() int { return len(p.buf) }

// Freeze marks the pool read-only: every stage after tokenization holds
// only Offsets into it, never raw strings, so nothing may intern after the
// pipeline has moved past the tokenizer/preprocessor stages that produce
// new text (macro expansion, expr results).
func (p *Pool) Freeze() { p.frozen = true }

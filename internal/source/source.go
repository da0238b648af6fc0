// Package source implements the CrustyVM tokenizer: splitting a source
// buffer and its recursively inlined includes into a flat sequence of
// Lines, each a list of token offsets into a shared tokenpool.Pool.
//
// The approach mirrors the teacher's internal/fileinput.Input: a Location
// (module name + 1-based line number) is tracked alongside every rune read,
// so every diagnostic downstream can cite "module:line" the same way
// fileinput.Location.String does.
package source

import (
	"fmt"
	"strings"

	"crustyvm/internal/tokenpool"
)

// Line is a source line after tokenization: a module-name offset, a 1-based
// line number within that module, and an ordered sequence of token offsets.
type Line struct {
	Module tokenpool.Offset
	LineNo int
	Tokens []tokenpool.Offset
}

// Opener resolves an include directive's filename to its contents. The CLI
// front-end supplies an os.ReadFile-backed Opener; embedders that want
// in-memory-only scripts can supply one that always fails, disabling
// include entirely.
type Opener interface {
	Open(name string) ([]byte, error)
}

// Error reports a tokenizer fault with the module/line it occurred at, the
// way every stage of the pipeline reports diagnostics per spec §7.
type Error struct {
	Module string
	Line   int
	Reason string
}

func (e *Error) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("%s:%d: %s", e.Module, e.Line, e.Reason)
	}
	return fmt.Sprintf("%s: %s", e.Module, e.Reason)
}

const maxIncludeDepth = 16

// Tokenize splits src (from the named module) into Lines, inlining any
// `include "file"` directives via opener. Blank and comment-only lines are
// dropped; lines that introduced an include are dropped once inlined.
func Tokenize(pool *tokenpool.Pool, moduleName string, src []byte, opener Opener) ([]Line, error) {
	t := &tokenizer{pool: pool, opener: opener}
	return t.module(moduleName, src)
}

type tokenizer struct {
	pool    *tokenpool.Pool
	opener  Opener
	stack   []string // active include stack, for cycle + depth detection
}

func (t *tokenizer) module(name string, src []byte) ([]Line, error) {
	if len(t.stack) >= maxIncludeDepth {
		return nil, &Error{Module: name, Reason: "include depth exceeded"}
	}
	for _, active := range t.stack {
		if active == name {
			return nil, &Error{Module: name, Reason: "circular include"}
		}
	}
	t.stack = append(t.stack, name)
	defer func() { t.stack = t.stack[:len(t.stack)-1] }()

	raws, err := scanLines(name, src)
	if err != nil {
		return nil, err
	}

	var out []Line
	for _, raw := range raws {
		if len(raw.tokens) == 0 {
			continue
		}
		if raw.tokens[0] == "include" {
			if len(raw.tokens) != 2 {
				return nil, &Error{Module: name, Line: raw.lineNo, Reason: "include requires exactly one filename"}
			}
			incName := unquoteToken(raw.tokens[1])
			contents, oerr := t.open(incName)
			if oerr != nil {
				return nil, &Error{Module: name, Line: raw.lineNo, Reason: fmt.Sprintf("include %q: %v", incName, oerr)}
			}
			incLines, ierr := t.module(incName, contents)
			if ierr != nil {
				return nil, ierr
			}
			out = append(out, incLines...)
			continue
		}

		modOff := t.pool.Intern(name)
		line := Line{Module: modOff, LineNo: raw.lineNo}
		for _, tok := range raw.tokens {
			line.Tokens = append(line.Tokens, t.pool.Intern(tok))
		}
		out = append(out, line)
	}
	return out, nil
}

func (t *tokenizer) open(name string) ([]byte, error) {
	if t.opener == nil {
		return nil, fmt.Errorf("include not supported in this configuration")
	}
	return t.opener.Open(name)
}

type rawLine struct {
	lineNo int
	tokens []string
}

// unquoteToken strips a quoted token's surrounding '"' pair, the way the
// resolver already does for `string` initializers: a quoted-string token
// keeps its delimiting quotes in the pool (see scanQuoted), but a filename
// consumed by `include` needs the bare, unquoted path.
func unquoteToken(s string) string {
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		return s[1 : len(s)-1]
	}
	return s
}

// scanLines performs the character-level split described in spec §4.1:
// whitespace and ';' (to end of line) separate tokens; a token starting
// with '"' is a quoted string running to its matching '"', continuing onto
// the next line only through the \<newline> escape (a raw newline inside it
// is an error), and recognizing only the \r \n \\ and \<newline> escapes.
func scanLines(module string, src []byte) ([]rawLine, error) {
	runes := []rune(string(src))
	var (
		lines   []rawLine
		cur     rawLine
		lineNo  = 1
		i       = 0
		n       = len(runes)
	)
	cur.lineNo = lineNo

	flushLine := func() {
		if len(cur.tokens) > 0 {
			lines = append(lines, cur)
		}
		cur = rawLine{lineNo: lineNo}
	}

	for i < n {
		r := runes[i]
		switch {
		case r == '\n':
			flushLine()
			lineNo++
			cur.lineNo = lineNo
			i++
		case r == ' ' || r == '\t' || r == '\r':
			i++
		case r == ';':
			for i < n && runes[i] != '\n' {
				i++
			}
		case r == '"':
			tok, newLineNo, consumed, err := scanQuoted(runes[i:], lineNo, module)
			if err != nil {
				return nil, err
			}
			cur.tokens = append(cur.tokens, tok)
			i += consumed
			lineNo = newLineNo
			cur.lineNo = lineNo
		default:
			start := i
			for i < n && !isSep(runes[i]) {
				i++
			}
			cur.tokens = append(cur.tokens, string(runes[start:i]))
		}
	}
	flushLine()
	return lines, nil
}

func isSep(r rune) bool {
	return r == ' ' || r == '\t' || r == '\r' || r == '\n' || r == ';' || r == '"'
}

// scanQuoted consumes a quoted-string token starting at runes[0] == '"' and
// returns its escape-decoded text with the surrounding '"' pair kept, the
// line number after the token, and the count of runes consumed.
func scanQuoted(runes []rune, startLine int, module string) (string, int, int, error) {
	var b strings.Builder
	b.WriteByte('"')
	line := startLine
	i := 1 // skip opening quote
	n := len(runes)
	for {
		if i >= n {
			return "", 0, 0, &Error{Module: module, Line: startLine, Reason: "quoted string opened at end of input"}
		}
		r := runes[i]
		switch r {
		case '"':
			b.WriteByte('"')
			i++
			return b.String(), line, i, nil
		case '\n':
			return "", 0, 0, &Error{Module: module, Line: line, Reason: "quoted string opened at end of line"}
		case '\\':
			if i+1 >= n {
				return "", 0, 0, &Error{Module: module, Line: line, Reason: "quoted string opened at end of input"}
			}
			esc := runes[i+1]
			switch esc {
			case 'r':
				b.WriteByte('\r')
				i += 2
			case 'n':
				b.WriteByte('\n')
				i += 2
			case '\\':
				b.WriteByte('\\')
				i += 2
			case '\n':
				// continuation: swallow the newline, bump the line counter.
				line++
				i += 2
			default:
				return "", 0, 0, &Error{Module: module, Line: line, Reason: fmt.Sprintf("invalid escape \\%c", esc)}
			}
		default:
			b.WriteRune(r)
			i++
		}
	}
}

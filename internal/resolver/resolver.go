// Package resolver implements the CrustyVM symbol resolver of spec §4.3: it
// partitions preprocessed lines by procedure, collects static/local/
// argument variables, computes stack layouts and alignment, and records
// labels.
package resolver

import (
	"fmt"
	"strconv"
	"strings"

	"crustyvm/internal/source"
	"crustyvm/internal/tokenpool"
)

// Type is one of CrustyVM's three scalar types.
type Type int

const (
	TypeByte Type = iota
	TypeInt
	TypeDouble
)

func (t Type) String() string {
	switch t {
	case TypeByte:
		return "byte"
	case TypeInt:
		return "int"
	case TypeDouble:
		return "double"
	}
	return "?"
}

// WordSize is sizeof(int)==sizeof(double) in this implementation: the
// machine word is a 64-bit slot, matching spec §3's "integer word size".
const WordSize = 8

// StackArgSlotWords is the width, in words, of the {flags, val, index, ptr}
// by-reference argument descriptor of spec §3/§4.6.
const StackArgSlotWords = 4

// StackArgSlotSize is the byte size of one stack argument slot.
const StackArgSlotSize = StackArgSlotWords * WordSize

func TypeSize(t Type) int {
	if t == TypeByte {
		return 1
	}
	return WordSize
}

func alignWord(n int) int {
	if rem := n % WordSize; rem != 0 {
		n += WordSize - rem
	}
	return n
}

// InitKind distinguishes the four initializer forms of spec §4.3.
type InitKind int

const (
	InitNone InitKind = iota
	InitInts
	InitFloats
	InitBytes
)

type Initializer struct {
	Kind   InitKind
	Ints   []int64
	Floats []float64
	Bytes  []byte
}

// Variable is an entity per spec §3: name, type, length, storage offset
// (meaning depends on kind), at most one initializer, an optional owning
// procedure, and optional read/write callback bindings.
type Variable struct {
	Name   tokenpool.Offset
	NameStr string
	Type   Type
	Length int // 0 = by-reference argument, 1 = scalar, >1 = array
	Offset int // global: absolute byte offset. argument: 1-based slot index. local: cumulative frame offset (the high byte of its storage).
	Init   *Initializer

	Proc int // index into Result.Procedures, or -1 for a global

	IsArgument bool
	ArgIndex   int // 1-based argument position, valid when IsArgument

	IsCallback    bool
	CallbackIndex int // index into the CallbackSpec slice passed to Resolve
	ReadCallback  bool
	WriteCallback bool

	Module tokenpool.Offset
	Line   int
}

// Label is a name plus a position within its owning procedure's
// instruction-producing line list; codegen later turns that position into
// an absolute instruction offset.
type Label struct {
	Name      tokenpool.Offset
	NameStr   string
	Proc      int
	LineIndex int // index into Procedures[Proc].Lines
}

// Procedure is the spec §3 Procedure record, plus the ordered list of
// non-directive lines that codegen will turn 1:1 into instructions.
type Procedure struct {
	Name        tokenpool.Offset
	NameStr     string
	Args        int
	Vars        []int // indices into Result.Variables: arguments first, then locals
	Labels      []int // indices into Result.Labels
	StackNeeded int
	Lines       []source.Line

	Module    tokenpool.Offset
	StartLine int
	EndLine   int

	// EntryInstr/EndInstr are filled in by codegen once line-by-line
	// emission has produced absolute instruction offsets.
	EntryInstr int
	EndInstr   int
}

// CallbackSpec names an embedder-supplied callback variable per spec §6.
type CallbackSpec struct {
	Name   string
	Length int
	Type   Type
	Read   bool
	Write  bool
}

// Result is everything the resolver produces: fully laid-out variables,
// procedures, and labels, plus the computed initial_globals size.
type Result struct {
	Variables      []Variable
	Procedures     []Procedure
	Labels         []Label
	Globals        []int // indices into Variables, declaration order
	InitialGlobals int
	ExtraStack     int // sum of every `stack N` directive seen; headroom added to the runtime call-frame budget
	TotalProcStack int // sum of every procedure's StackNeeded; the runtime's fixed call-frame budget
	ProcIndex      map[string]int
}

// Error reports a resolver fault with module/line, per spec §7.
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

type resolver struct {
	pool      *tokenpool.Pool
	res       *Result
	extraStack int

	curProc *Procedure
	curProcIdx int
}

// Resolve partitions lines into procedures and variables, and computes
// stack layout, per spec §4.3.
func Resolve(pool *tokenpool.Pool, lines []source.Line, callbacks []CallbackSpec) (*Result, error) {
	r := &resolver{pool: pool, res: &Result{ProcIndex: map[string]int{}}, curProcIdx: -1}

	for i, cb := range callbacks {
		v := Variable{
			Name:          pool.Intern(cb.Name),
			NameStr:       cb.Name,
			Type:          cb.Type,
			Length:        cb.Length,
			Proc:          -1,
			IsCallback:    true,
			CallbackIndex: i,
			ReadCallback:  cb.Read,
			WriteCallback: cb.Write,
		}
		r.res.Variables = append(r.res.Variables, v)
		r.res.Globals = append(r.res.Globals, len(r.res.Variables)-1)
	}

	for _, line := range lines {
		if len(line.Tokens) == 0 {
			continue
		}
		first := pool.String(line.Tokens[0])
		switch first {
		case "stack":
			if err := r.doStack(line); err != nil {
				return nil, err
			}
		case "proc":
			if err := r.doProc(line); err != nil {
				return nil, err
			}
		case "ret":
			if err := r.doRet(line); err != nil {
				return nil, err
			}
		case "static":
			if err := r.doVar(line, true); err != nil {
				return nil, err
			}
		case "local":
			if err := r.doVar(line, false); err != nil {
				return nil, err
			}
		case "label":
			if err := r.doLabel(line); err != nil {
				return nil, err
			}
		default:
			if r.curProc == nil {
				return nil, r.err(line, "instruction outside of any procedure")
			}
			r.curProc.Lines = append(r.curProc.Lines, line)
			r.curProc.EndLine = line.LineNo
		}
	}

	if r.curProc != nil {
		return nil, &Error{Reason: fmt.Sprintf("procedure %q missing ret", r.curProc.NameStr)}
	}

	r.layoutGlobals()
	for i := range r.res.Procedures {
		r.layoutProcedure(i)
		r.res.TotalProcStack += r.res.Procedures[i].StackNeeded
	}
	r.res.ExtraStack = r.extraStack

	return r.res, nil
}

func (r *resolver) err(line source.Line, reason string) error {
	return &Error{Module: r.pool.String(line.Module), Line: line.LineNo, Reason: reason}
}

func (r *resolver) doStack(line source.Line) error {
	if len(line.Tokens) != 2 {
		return r.err(line, "stack requires exactly one byte count")
	}
	n, err := strconv.Atoi(r.pool.String(line.Tokens[1]))
	if err != nil {
		return r.err(line, "stack count must be an integer")
	}
	r.extraStack += n
	return nil
}

func (r *resolver) doProc(line source.Line) error {
	if r.curProc != nil {
		return r.err(line, "nested proc is not allowed")
	}
	if len(line.Tokens) < 2 {
		return r.err(line, "proc requires a name")
	}
	name := r.pool.String(line.Tokens[1])
	if _, exists := r.res.ProcIndex[name]; exists {
		return r.err(line, fmt.Sprintf("procedure %q redefined", name))
	}

	proc := Procedure{
		Name:      line.Tokens[1],
		NameStr:   name,
		Module:    line.Module,
		StartLine: line.LineNo,
		EndLine:   line.LineNo,
	}
	for _, argTok := range line.Tokens[2:] {
		argName := r.pool.String(argTok)
		v := Variable{
			Name:       argTok,
			NameStr:    argName,
			Type:       TypeInt,
			Length:     0,
			Proc:       len(r.res.Procedures),
			IsArgument: true,
			ArgIndex:   proc.Args + 1,
			Module:     line.Module,
			Line:       line.LineNo,
		}
		r.res.Variables = append(r.res.Variables, v)
		proc.Vars = append(proc.Vars, len(r.res.Variables)-1)
		proc.Args++
	}

	r.res.Procedures = append(r.res.Procedures, proc)
	idx := len(r.res.Procedures) - 1
	r.res.ProcIndex[name] = idx
	r.curProcIdx = idx
	r.curProc = &r.res.Procedures[idx]
	return nil
}

func (r *resolver) doRet(line source.Line) error {
	if r.curProc == nil {
		return r.err(line, "ret outside of any procedure")
	}
	r.curProc.Lines = append(r.curProc.Lines, line)
	r.curProc.EndLine = line.LineNo
	r.curProc = nil
	r.curProcIdx = -1
	return nil
}

func (r *resolver) doLabel(line source.Line) error {
	if r.curProc == nil {
		return r.err(line, "label outside of any procedure")
	}
	if len(line.Tokens) != 2 {
		return r.err(line, "label requires exactly one name")
	}
	lbl := Label{
		Name:      line.Tokens[1],
		NameStr:   r.pool.String(line.Tokens[1]),
		Proc:      r.curProcIdx,
		LineIndex: len(r.curProc.Lines),
	}
	r.res.Labels = append(r.res.Labels, lbl)
	r.curProc.Labels = append(r.curProc.Labels, len(r.res.Labels)-1)
	return nil
}

func (r *resolver) doVar(line source.Line, global bool) error {
	if global && r.curProc != nil {
		return r.err(line, "static is only valid outside of a procedure")
	}
	if !global && r.curProc == nil {
		return r.err(line, "local is only valid inside a procedure")
	}
	if len(line.Tokens) < 2 {
		return r.err(line, "variable declaration requires a name")
	}
	name := r.pool.String(line.Tokens[1])
	rest := line.Tokens[2:]

	v := Variable{
		Name:    line.Tokens[1],
		NameStr: name,
		Module:  line.Module,
		Line:    line.LineNo,
	}
	if global {
		v.Proc = -1
	} else {
		v.Proc = r.curProcIdx
	}

	init, typ, length, err := r.parseInitializer(line, rest)
	if err != nil {
		return err
	}
	v.Init = init
	v.Type = typ
	v.Length = length

	r.res.Variables = append(r.res.Variables, v)
	idx := len(r.res.Variables) - 1
	if global {
		r.res.Globals = append(r.res.Globals, idx)
	} else {
		r.curProc.Vars = append(r.curProc.Vars, idx)
	}
	return nil
}

// parseInitializer recognizes the forms of spec §4.3:
//   bare                -> one implicit int 0, length 1
//   single numeric token -> int, length 1, that value
//   ints N               -> zero-filled int array of length N
//   ints V1 V2 ...        -> int array of given values
//   floats V1 V2 ...      -> double array of given values
//   string "..."          -> byte array of the string's bytes
func (r *resolver) parseInitializer(line source.Line, rest []tokenpool.Offset) (*Initializer, Type, int, error) {
	if len(rest) == 0 {
		return &Initializer{Kind: InitInts, Ints: []int64{0}}, TypeInt, 1, nil
	}

	first := r.pool.String(rest[0])
	switch first {
	case "ints":
		vals := rest[1:]
		if len(vals) == 1 {
			if n, err := strconv.Atoi(r.pool.String(vals[0])); err == nil {
				if n <= 0 {
					return nil, 0, 0, r.err(line, "ints length must be positive")
				}
				return &Initializer{Kind: InitInts, Ints: make([]int64, n)}, TypeInt, n, nil
			}
		}
		ints := make([]int64, 0, len(vals))
		for _, tok := range vals {
			n, err := strconv.ParseInt(r.pool.String(tok), 0, 64)
			if err != nil {
				return nil, 0, 0, r.err(line, fmt.Sprintf("invalid int literal %q", r.pool.String(tok)))
			}
			ints = append(ints, n)
		}
		if len(ints) == 0 {
			return nil, 0, 0, r.err(line, "ints requires at least one value")
		}
		return &Initializer{Kind: InitInts, Ints: ints}, TypeInt, len(ints), nil

	case "floats":
		vals := rest[1:]
		floats := make([]float64, 0, len(vals))
		for _, tok := range vals {
			f, err := strconv.ParseFloat(r.pool.String(tok), 64)
			if err != nil {
				return nil, 0, 0, r.err(line, fmt.Sprintf("invalid float literal %q", r.pool.String(tok)))
			}
			floats = append(floats, f)
		}
		if len(floats) == 0 {
			return nil, 0, 0, r.err(line, "floats requires at least one value")
		}
		return &Initializer{Kind: InitFloats, Floats: floats}, TypeDouble, len(floats), nil

	case "string":
		if len(rest) != 2 {
			return nil, 0, 0, r.err(line, "string requires exactly one quoted literal")
		}
		text := r.pool.String(rest[1])
		text = strings.TrimPrefix(text, `"`)
		text = strings.TrimSuffix(text, `"`)
		b := []byte(text)
		if len(b) == 0 {
			return nil, 0, 0, r.err(line, "string initializer must not be empty")
		}
		return &Initializer{Kind: InitBytes, Bytes: b}, TypeByte, len(b), nil

	default:
		if len(rest) != 1 {
			return nil, 0, 0, r.err(line, "expected a single numeric initializer")
		}
		n, err := strconv.ParseInt(first, 0, 64)
		if err != nil {
			return nil, 0, 0, r.err(line, fmt.Sprintf("invalid initializer %q", first))
		}
		return &Initializer{Kind: InitInts, Ints: []int64{n}}, TypeInt, 1, nil
	}
}

// layoutGlobals walks globals in declaration order, assigning byte offsets
// and padding to word alignment after each, per spec §4.3.
func (r *resolver) layoutGlobals() {
	offset := 0
	for _, idx := range r.res.Globals {
		v := &r.res.Variables[idx]
		if v.IsCallback {
			// Callback variables are dispatched through the embedder's
			// function, never through vm.mem; they need no backing bytes.
			continue
		}
		v.Offset = offset
		offset += v.Length * TypeSize(v.Type)
		offset = alignWord(offset)
	}
	r.res.InitialGlobals = offset
}

// layoutProcedure assigns argument slot indices and local frame offsets,
// per spec §4.3: arguments first (one StackArgSlot each), then locals with
// stackneeded incremented before each assignment so offsets address the
// high byte of the variable within the frame.
func (r *resolver) layoutProcedure(i int) {
	proc := &r.res.Procedures[i]
	stackNeeded := proc.Args * StackArgSlotSize

	for _, idx := range proc.Vars {
		v := &r.res.Variables[idx]
		if v.IsArgument {
			v.Offset = v.ArgIndex
			continue
		}
		stackNeeded += v.Length * TypeSize(v.Type)
		stackNeeded = alignWord(stackNeeded)
		v.Offset = stackNeeded
	}

	proc.StackNeeded = stackNeeded
}

// Package codegen implements the CrustyVM code generator of spec §4.5: it
// emits one flat instruction per line, encodes operand descriptors the way
// populate_var does, and resolves jump/call targets to absolute
// instruction-word offsets in a final fixup pass.
package codegen

import (
	"fmt"
	"strconv"
	"strings"

	"crustyvm/internal/resolver"
	"crustyvm/internal/source"
	"crustyvm/internal/tokenpool"
)

// Opcode identifies one of the flat instruction words' leading op.
type Opcode int64

const (
	OpMove Opcode = iota
	OpAdd
	OpSub
	OpMul
	OpDiv
	OpAnd
	OpOr
	OpXor
	OpShr
	OpShl
	OpCmp
	OpJump
	OpJumpN
	OpJumpZ
	OpJumpL
	OpJumpG
	OpCall
	OpRet
)

func (op Opcode) String() string {
	for name, o := range mnemonics {
		if o == op {
			return name
		}
	}
	return "?"
}

var mnemonics = map[string]Opcode{
	"move": OpMove, "add": OpAdd, "sub": OpSub, "mul": OpMul, "div": OpDiv,
	"and": OpAnd, "or": OpOr, "xor": OpXor, "shr": OpShr, "shl": OpShl,
	"cmp": OpCmp, "jump": OpJump, "jumpn": OpJumpN, "jumpz": OpJumpZ,
	"jumpl": OpJumpL, "jumpg": OpJumpG, "call": OpCall, "ret": OpRet,
}

var jumpOpcodes = map[Opcode]bool{
	OpJump: true, OpJumpN: true, OpJumpZ: true, OpJumpL: true, OpJumpG: true,
}

var binaryOpcodes = map[Opcode]bool{
	OpMove: true, OpAdd: true, OpSub: true, OpMul: true, OpDiv: true,
	OpAnd: true, OpOr: true, OpXor: true, OpShr: true, OpShl: true, OpCmp: true,
}

// OperandWords is the fixed width of one {flags, val, index} operand.
const OperandWords = 3

// Operand flag bits, mirroring the MOVE_FLAG_* encoding of the original
// crustyvm.c this package is grounded on (see DESIGN.md).
const (
	FlagTypeMask  = 0x3
	FlagImmediate = 0
	FlagVar       = 1
	FlagLength    = 2

	FlagIndexMask      = 0x4
	FlagIndexImmediate = 0
	FlagIndexVar       = 0x4
)

// Program is the flat instruction stream plus the resolver state codegen
// was run against (procedures now carry resolved EntryInstr/EndInstr).
type Program struct {
	Words []int64
	Res   *resolver.Result
}

// Error reports a codegen fault with module/line, per spec §7.
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

type lineInfo struct {
	opcode Opcode
	size   int // instruction word count, including the opcode word
}

// Generate emits the flat instruction stream for res, resolving jump and
// call targets to absolute instruction-word offsets in a sizing pass
// followed by an emission pass — the two-pass approach spec §4.5 describes
// as "rewrite jump operand to instruction offset after code generation".
func Generate(pool *tokenpool.Pool, res *resolver.Result) (*Program, error) {
	procLineInfo := make([][]lineInfo, len(res.Procedures))
	procPositions := make([][]int, len(res.Procedures))

	cursor := 0
	for pi := range res.Procedures {
		proc := &res.Procedures[pi]
		proc.EntryInstr = cursor
		infos := make([]lineInfo, len(proc.Lines))
		positions := make([]int, len(proc.Lines))
		for li, line := range proc.Lines {
			mnem := pool.String(line.Tokens[0])
			op, ok := mnemonics[mnem]
			if !ok {
				return nil, lineErr(pool, line, fmt.Sprintf("unknown instruction %q", mnem))
			}
			size, err := instrSize(pool, op, line)
			if err != nil {
				return nil, err
			}
			infos[li] = lineInfo{opcode: op, size: size}
			positions[li] = cursor
			cursor += size
		}
		procLineInfo[pi] = infos
		procPositions[pi] = positions
		proc.EndInstr = cursor
	}

	words := make([]int64, 0, cursor)
	for pi := range res.Procedures {
		proc := &res.Procedures[pi]
		scope := buildScope(res, proc)
		labelByName := map[string]int{}
		for _, li := range proc.Labels {
			lbl := res.Labels[li]
			labelByName[lbl.NameStr] = lbl.LineIndex
		}

		for li, line := range proc.Lines {
			info := procLineInfo[pi][li]
			emitted, err := emitLine(pool, res, scope, labelByName, procPositions[pi], line, info)
			if err != nil {
				return nil, err
			}
			words = append(words, emitted...)
		}
	}

	return &Program{Words: words, Res: res}, nil
}

func instrSize(pool *tokenpool.Pool, op Opcode, line source.Line) (int, error) {
	switch {
	case op == OpRet:
		return 1, nil
	case jumpOpcodes[op]:
		if len(line.Tokens) != 2 {
			return 0, lineErr(pool, line, "jump requires exactly one label")
		}
		return 2, nil
	case binaryOpcodes[op]:
		if len(line.Tokens) != 3 {
			return 0, lineErr(pool, line, fmt.Sprintf("%s requires a destination and a source", pool.String(line.Tokens[0])))
		}
		return 1 + 2*OperandWords, nil
	case op == OpCall:
		if len(line.Tokens) < 2 {
			return 0, lineErr(pool, line, "call requires a procedure name")
		}
		argc := len(line.Tokens) - 2
		return 2 + argc*OperandWords, nil
	}
	return 0, lineErr(pool, line, "unhandled opcode")
}

func lineErr(pool *tokenpool.Pool, line source.Line, reason string) error {
	return &Error{Module: pool.String(line.Module), Line: line.LineNo, Reason: reason}
}

// buildScope maps every name visible inside proc to a Result.Variables
// index: globals first, then the procedure's own arguments/locals, which
// shadow a global of the same name.
func buildScope(res *resolver.Result, proc *resolver.Procedure) map[string]int {
	scope := make(map[string]int, len(res.Globals)+len(proc.Vars))
	for _, gi := range res.Globals {
		scope[res.Variables[gi].NameStr] = gi
	}
	for _, vi := range proc.Vars {
		scope[res.Variables[vi].NameStr] = vi
	}
	return scope
}

func emitLine(pool *tokenpool.Pool, res *resolver.Result, scope map[string]int, labels map[string]int, positions []int, line source.Line, info lineInfo) ([]int64, error) {
	switch {
	case info.opcode == OpRet:
		return []int64{int64(info.opcode)}, nil

	case jumpOpcodes[info.opcode]:
		name := pool.String(line.Tokens[1])
		localIdx, ok := labels[name]
		if !ok {
			return nil, lineErr(pool, line, fmt.Sprintf("undefined label %q", name))
		}
		return []int64{int64(info.opcode), int64(positions[localIdx])}, nil

	case binaryOpcodes[info.opcode]:
		destReadable, destWritable, srcReadable := operandPermissions(info.opcode)
		dest, err := populateVar(pool, res, scope, line, 1, destReadable, destWritable)
		if err != nil {
			return nil, err
		}
		src, err := populateVar(pool, res, scope, line, 2, srcReadable, false)
		if err != nil {
			return nil, err
		}
		out := []int64{int64(info.opcode)}
		out = append(out, dest.encode()...)
		out = append(out, src.encode()...)
		return out, nil

	case info.opcode == OpCall:
		name := pool.String(line.Tokens[1])
		procIdx, ok := res.ProcIndex[name]
		if !ok {
			return nil, lineErr(pool, line, fmt.Sprintf("call to undefined procedure %q", name))
		}
		if argc, want := len(line.Tokens)-2, res.Procedures[procIdx].Args; argc != want {
			return nil, lineErr(pool, line, fmt.Sprintf("procedure %q expects %d argument(s), got %d", name, want, argc))
		}
		out := []int64{int64(info.opcode), int64(procIdx)}
		for i := 2; i < len(line.Tokens); i++ {
			arg, err := populateVar(pool, res, scope, line, i, true, false)
			if err != nil {
				return nil, err
			}
			out = append(out, arg.encode()...)
		}
		return out, nil
	}
	return nil, lineErr(pool, line, "unhandled opcode")
}

// operandPermissions reports whether an opcode's dest/src operands are
// readable and/or writable, per spec §4.6: add/sub/mul/div/and/or/xor/
// shr/shl accumulate into dest (read then write); move only writes dest;
// cmp only reads both, never writing back.
func operandPermissions(op Opcode) (destReadable, destWritable, srcReadable bool) {
	switch op {
	case OpMove:
		return false, true, true
	case OpCmp:
		return true, false, true
	default:
		return true, true, true
	}
}

// operand is the compile-time encoding of a populate_var result.
type operand struct {
	flags int64
	val   int64
	index int64
}

func (o operand) encode() []int64 { return []int64{o.flags, o.val, o.index} }

// populateVar parses token index tokIdx of line as one of the forms spec
// §4.5 describes:
//
//	decimal/hex literal -> Immediate
//	NAME                -> Variable, immediate index 0
//	NAME:                -> length-of (read-only)
//	NAME:N               -> Variable with immediate index N
//	NAME:OTHER            -> Variable with index sourced from variable OTHER
func populateVar(pool *tokenpool.Pool, res *resolver.Result, scope map[string]int, line source.Line, tokIdx int, readable, writable bool) (operand, error) {
	text := pool.String(line.Tokens[tokIdx])

	if n, err := parseIntLiteral(text); err == nil {
		if writable {
			return operand{}, lineErr(pool, line, fmt.Sprintf("%q is not a valid assignment destination", text))
		}
		return operand{flags: FlagImmediate, val: n}, nil
	}

	name := text
	indexText := ""
	hasColon := false
	if i := strings.IndexByte(text, ':'); i >= 0 {
		name = text[:i]
		indexText = text[i+1:]
		hasColon = true
	}

	varIdx, ok := scope[name]
	if !ok {
		return operand{}, lineErr(pool, line, fmt.Sprintf("undefined variable %q", name))
	}
	v := res.Variables[varIdx]

	if hasColon && indexText == "" {
		// length-of reference: read-only.
		if writable {
			return operand{}, lineErr(pool, line, fmt.Sprintf("%q: length-of is not a valid assignment destination", name))
		}
		return operand{flags: FlagLength, val: int64(varIdx)}, nil
	}

	flags := int64(FlagVar)
	var index int64
	if hasColon {
		if n, err := parseIntLiteral(indexText); err == nil {
			flags |= FlagIndexImmediate
			index = n
		} else {
			idxVarIdx, ok := scope[indexText]
			if !ok {
				return operand{}, lineErr(pool, line, fmt.Sprintf("undefined index variable %q", indexText))
			}
			flags |= FlagIndexVar
			index = int64(idxVarIdx)
		}
	} else {
		flags |= FlagIndexImmediate
		index = 0
	}

	if readable && v.IsCallback && !v.ReadCallback {
		return operand{}, lineErr(pool, line, fmt.Sprintf("%q is write-only", name))
	}
	if writable && v.IsCallback && !v.WriteCallback {
		return operand{}, lineErr(pool, line, fmt.Sprintf("%q is read-only", name))
	}

	return operand{flags: flags, val: int64(varIdx), index: index}, nil
}

func parseIntLiteral(s string) (int64, error) {
	if s == "" {
		return 0, fmt.Errorf("empty literal")
	}
	return strconv.ParseInt(s, 0, 64)
}

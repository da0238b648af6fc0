// Package verify implements the CrustyVM static verifier of spec §4.4: a
// pass over the resolved symbol table and generated instruction stream that
// rejects programs the interpreter would otherwise have to fail at runtime
// — oversized initializers, overlapping globals, duplicate names and
// labels, and out-of-range variable, index, jump and call references.
// Callback direction and call arity are checked earlier, by codegen.
package verify

import (
	"fmt"

	"crustyvm/internal/codegen"
	"crustyvm/internal/resolver"
)

// Error reports a verifier fault, citing the module/line of the offending
// declaration or instruction where one is known.
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

// Verify runs the checks listed in the package comment against prog,
// returning the first violation found. It is meant to run once, immediately after
// codegen.Generate, before any interpreter is constructed over prog.
func Verify(prog *codegen.Program) error {
	res := prog.Res

	if err := verifyInitializers(res); err != nil {
		return err
	}
	if err := verifyGlobalOverlap(res); err != nil {
		return err
	}
	if err := verifyProcedures(res); err != nil {
		return err
	}
	if err := verifyInstructionWords(prog); err != nil {
		return err
	}
	return nil
}

func verifyInitializers(res *resolver.Result) error {
	for _, v := range res.Variables {
		if v.Init == nil {
			continue
		}
		var n int
		switch v.Init.Kind {
		case resolver.InitInts:
			n = len(v.Init.Ints)
		case resolver.InitFloats:
			n = len(v.Init.Floats)
		case resolver.InitBytes:
			n = len(v.Init.Bytes)
		default:
			continue
		}
		if n > v.Length {
			return varErr(res, v, fmt.Sprintf("initializer supplies %d values for a variable of length %d", n, v.Length))
		}
	}
	return nil
}

// verifyGlobalOverlap recomputes the global layout's expected stride and
// checks it against the recorded offsets, catching a resolver defect before
// the interpreter trusts the offsets for raw memory access.
func verifyGlobalOverlap(res *resolver.Result) error {
	expect := 0
	for _, idx := range res.Globals {
		v := res.Variables[idx]
		if v.IsCallback {
			continue
		}
		if v.Offset < expect {
			return varErr(res, v, fmt.Sprintf("global %q overlaps the previous global (offset %d < %d)", v.NameStr, v.Offset, expect))
		}
		expect = v.Offset + v.Length*resolver.TypeSize(v.Type)
	}
	return nil
}

func verifyProcedures(res *resolver.Result) error {
	seenLabels := map[string]bool{}
	for pi := range res.Procedures {
		proc := &res.Procedures[pi]
		if len(proc.Lines) == 0 {
			return procErr(proc, "procedure has no instructions")
		}

		seenLocal := map[string]bool{}
		for _, vi := range proc.Vars {
			v := res.Variables[vi]
			if seenLocal[v.NameStr] {
				return varErr(res, v, fmt.Sprintf("%q declared more than once in procedure %q", v.NameStr, proc.NameStr))
			}
			seenLocal[v.NameStr] = true
		}

		for k := range seenLabels {
			delete(seenLabels, k)
		}
		for _, li := range proc.Labels {
			lbl := res.Labels[li]
			if seenLabels[lbl.NameStr] {
				return &Error{Reason: fmt.Sprintf("label %q redefined in procedure %q", lbl.NameStr, proc.NameStr)}
			}
			seenLabels[lbl.NameStr] = true
			if lbl.LineIndex < 0 || lbl.LineIndex > len(proc.Lines) {
				return procErr(proc, fmt.Sprintf("label %q targets a line outside its procedure", lbl.NameStr))
			}
		}
	}

	seenNames := map[string]bool{}
	for _, v := range res.Variables {
		if v.Proc != -1 {
			continue
		}
		if seenNames[v.NameStr] {
			return varErr(res, v, fmt.Sprintf("global %q declared more than once", v.NameStr))
		}
		seenNames[v.NameStr] = true
	}
	return nil
}

// verifyInstructionWords replays the already-generated word stream,
// checking every operand's variable/index reference resolves inside
// Variables and every jump/call target resolves inside Words, a defense
// against a codegen defect producing a stream the interpreter would run
// off the end of or dereference out of bounds.
func verifyInstructionWords(prog *codegen.Program) error {
	res := prog.Res
	words := prog.Words
	n := int64(len(words))

	for pi := range res.Procedures {
		proc := &res.Procedures[pi]
		if int64(proc.EntryInstr) < 0 || int64(proc.EntryInstr) > n || proc.EndInstr < proc.EntryInstr {
			return procErr(proc, "procedure bounds are out of range of the generated program")
		}
	}

	pc := int64(0)
	for pc < n {
		op := codegen.Opcode(words[pc])
		switch {
		case op == codegen.OpRet:
			pc++
		case isJump(op):
			if pc+1 >= n {
				return &Error{Reason: "truncated jump instruction"}
			}
			target := words[pc+1]
			if target < 0 || target >= n {
				return &Error{Reason: fmt.Sprintf("jump target %d out of range", target)}
			}
			pc += 2
		case op == codegen.OpCall:
			if pc+1 >= n {
				return &Error{Reason: "truncated call instruction"}
			}
			procIdx := words[pc+1]
			if procIdx < 0 || int(procIdx) >= len(res.Procedures) {
				return &Error{Reason: fmt.Sprintf("call to out-of-range procedure index %d", procIdx)}
			}
			argc := countCallArgs(prog, pc)
			pc += 2 + int64(argc)*codegen.OperandWords
		case isBinary(op):
			if pc+1+2*codegen.OperandWords > n {
				return &Error{Reason: "truncated instruction"}
			}
			if err := verifyOperand(res, words, pc+1); err != nil {
				return err
			}
			if err := verifyOperand(res, words, pc+1+codegen.OperandWords); err != nil {
				return err
			}
			pc += 1 + 2*codegen.OperandWords
		default:
			return &Error{Reason: fmt.Sprintf("unrecognized opcode word %d at instruction %d", words[pc], pc)}
		}
	}
	return nil
}

func countCallArgs(prog *codegen.Program, pc int64) int {
	// The argument count was fixed at codegen time by the source line's
	// token count; reconstructing it from the callee's own argument count
	// is equivalent and avoids re-parsing tokens here.
	procIdx := prog.Words[pc+1]
	return prog.Res.Procedures[procIdx].Args
}

func verifyOperand(res *resolver.Result, words []int64, base int64) error {
	flags := words[base]
	val := words[base+1]
	index := words[base+2]

	switch flags & codegen.FlagTypeMask {
	case codegen.FlagImmediate:
		return nil
	case codegen.FlagVar, codegen.FlagLength:
		if val < 0 || int(val) >= len(res.Variables) {
			return &Error{Reason: fmt.Sprintf("operand references out-of-range variable index %d", val)}
		}
		v := res.Variables[val]
		if flags&codegen.FlagIndexMask == codegen.FlagIndexVar {
			if index < 0 || int(index) >= len(res.Variables) {
				return &Error{Reason: fmt.Sprintf("operand index references out-of-range variable index %d", index)}
			}
			return nil
		}
		// Immediate index against a non-argument variable is fully known at
		// compile time — a by-reference argument's real bound index isn't
		// known until call time, so that case is necessarily a runtime
		// check (resolveRef), not this one.
		if !v.IsArgument && (index < 0 || int(index) >= v.Length) {
			return &Error{Reason: fmt.Sprintf("operand %q: immediate index %d out of range for length %d", v.NameStr, index, v.Length)}
		}
		return nil
	}
	return &Error{Reason: fmt.Sprintf("invalid operand flags %d", flags)}
}

func isJump(op codegen.Opcode) bool {
	switch op {
	case codegen.OpJump, codegen.OpJumpN, codegen.OpJumpZ, codegen.OpJumpL, codegen.OpJumpG:
		return true
	}
	return false
}

func isBinary(op codegen.Opcode) bool {
	switch op {
	case codegen.OpMove, codegen.OpAdd, codegen.OpSub, codegen.OpMul, codegen.OpDiv,
		codegen.OpAnd, codegen.OpOr, codegen.OpXor, codegen.OpShr, codegen.OpShl, codegen.OpCmp:
		return true
	}
	return false
}

func varErr(res *resolver.Result, v resolver.Variable, reason string) error {
	return &Error{Line: v.Line, Reason: reason}
}

func procErr(proc *resolver.Procedure, reason string) error {
	return &Error{Line: proc.StartLine, Reason: reason}
}

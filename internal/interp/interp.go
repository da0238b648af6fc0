// Package interp implements the CrustyVM interpreter of spec §4.6: a
// synchronous stack machine stepping one generated instruction at a time,
// with argument indirection, arithmetic/bitwise/relational operators,
// procedure call/return, and embedder callback dispatch.
//
// Unlike the teacher's VM (core.go/isolate.go), which halts by panicking out
// of a goroutine so the driving code can recover it, Step/Run here never
// spawn a goroutine or use panic/recover for control flow: spec §5 requires
// the interpreter be safe to call directly from a real-time or audio
// callback context, where an extra goroutine or a deferred recover is not
// acceptable. A halt is instead a plain returned error, and Status reports
// it the way core.go's haltError would.
package interp

import (
	"fmt"
	"math"
	"strings"

	"crustyvm/internal/codegen"
	"crustyvm/internal/resolver"
)

// Status mirrors spec §6's machine status taxonomy. Ready also covers a VM
// that has run an entrypoint to completion: the call stack is empty either
// way, and reset is the only path back to a runnable state either way.
type Status int

const (
	StatusReady Status = iota
	StatusActive
	StatusInternalError
	StatusOutOfRange
	StatusInvalidInstruction
	StatusStackOverflow
	StatusCallbackFailed
	StatusFloatAsIndex
)

func (s Status) String() string {
	switch s {
	case StatusReady:
		return "ready"
	case StatusActive:
		return "active"
	case StatusInternalError:
		return "internal error"
	case StatusOutOfRange:
		return "out of range"
	case StatusInvalidInstruction:
		return "invalid instruction"
	case StatusStackOverflow:
		return "stack overflow"
	case StatusCallbackFailed:
		return "callback failed"
	case StatusFloatAsIndex:
		return "float as index"
	}
	return "?"
}

// DefaultCallStackSize is used by New when callStackSize is 0.
const DefaultCallStackSize = 256

// Error reports an interpreter fault: its Status kind, the instruction
// offset it occurred at, and the source module/line the faulting
// instruction was generated from, when known.
type Error struct {
	Status Status
	PC     int64
	Module string
	Line   int
	Reason string
}

func (e *Error) Error() string {
	if e.Module != "" {
		return fmt.Sprintf("%s:%d: %s", e.Module, e.Line, e.Reason)
	}
	return fmt.Sprintf("instruction %d: %s", e.PC, e.Reason)
}

// ReadCallback is invoked when the program reads a variable bound to an
// embedder callback, returning the current value as raw bits: int64 for
// TypeByte/TypeInt, math.Float64bits for TypeDouble.
type ReadCallback func(vm *VM, cb resolver.CallbackSpec, index int) (int64, error)

// WriteCallback is invoked when the program writes a variable bound to an
// embedder callback. val carries the same raw-bits encoding as ReadCallback.
type WriteCallback func(vm *VM, cb resolver.CallbackSpec, index int, val int64) error

// LogSink receives debug trace lines, grounded on the teacher's injected
// logging-function pattern (core.go's logging.logfn / options.go's
// withLogfn), generalized from a single printf-style func to an interface
// so embedders can route trace output anywhere (including nowhere: a nil
// LogSink disables tracing entirely).
type LogSink interface {
	Tracef(format string, args ...interface{})
}

// VM is one running instance of a generated program: its globals buffer,
// call stack, and interpreter cursor. A VM is not safe for concurrent use;
// spec §5 assumes one goroutine drives Step/Run at a time.
type VM struct {
	prog *codegen.Program
	res  *resolver.Result

	mem       []byte // global variable storage, InitialGlobals bytes
	stack     []byte // fixed-size call-frame storage: Σ every procedure's StackNeeded, plus any declared `stack N` headroom
	stackUsed int     // high-water byte offset of the active frame chain within stack
	pc        int64
	frames    []frame
	cmpFlag   int // sign of the last cmp or arithmetic result: <0, 0, or >0

	status Status
	fault  error

	reads         []ReadCallback
	writes        []WriteCallback
	log           LogSink
	callStackSize int

	running   bool
	completed bool
	steps     int64
}

type frame struct {
	procIdx int
	base    int // byte offset into stack where this frame's storage begins
	retPC   int64
	args    []argSlot // this frame's by-reference argument bindings, one per declared argument
}

// New constructs a VM over a verified program. reads/writes must be
// parallel to the CallbackSpec slice Resolve was given: reads[i]/writes[i]
// handle Variables entries with CallbackIndex == i. callStackSize of 0
// selects DefaultCallStackSize, per spec §6's `new` constructor.
func New(prog *codegen.Program, reads []ReadCallback, writes []WriteCallback, log LogSink, callStackSize int) *VM {
	if callStackSize <= 0 {
		callStackSize = DefaultCallStackSize
	}
	res := prog.Res
	vm := &VM{
		prog:          prog,
		res:           res,
		mem:           make([]byte, res.InitialGlobals),
		stack:         make([]byte, res.TotalProcStack+res.ExtraStack),
		reads:         reads,
		writes:        writes,
		log:           log,
		callStackSize: callStackSize,
		status:        StatusReady,
	}
	vm.initGlobals()
	return vm
}

func (vm *VM) initGlobals() {
	for _, idx := range vm.res.Globals {
		v := vm.res.Variables[idx]
		if v.IsCallback || v.Init == nil {
			continue
		}
		elemSize := resolver.TypeSize(v.Type)
		switch v.Init.Kind {
		case resolver.InitBytes:
			copy(vm.mem[v.Offset:], v.Init.Bytes)
		case resolver.InitInts:
			for i, n := range v.Init.Ints {
				vm.putWord(memLoc{buf: bufGlobals, off: v.Offset + i*elemSize}, v.Type, n)
			}
		case resolver.InitFloats:
			for i, f := range v.Init.Floats {
				vm.putWord(memLoc{buf: bufGlobals, off: v.Offset + i*elemSize}, v.Type, int64(math.Float64bits(f)))
			}
		}
	}
}

// HasEntrypoint reports whether the program declares a zero-argument
// procedure named name, per spec §6's has_entrypoint(vm, name).
func (vm *VM) HasEntrypoint(name string) bool {
	idx, ok := vm.res.ProcIndex[name]
	if !ok {
		return false
	}
	return vm.res.Procedures[idx].Args == 0
}

// Begin resets the VM to run from the named zero-argument procedure, per
// spec §6's begin(vm, name).
func (vm *VM) Begin(name string) error {
	idx, ok := vm.res.ProcIndex[name]
	if !ok {
		return &Error{Reason: fmt.Sprintf("no such procedure %q", name)}
	}
	proc := &vm.res.Procedures[idx]
	if proc.Args != 0 {
		return &Error{Reason: fmt.Sprintf("%q is not a valid entrypoint: it takes arguments", name)}
	}

	vm.Reset()
	if err := vm.enterFrame(idx, -1, nil); err != nil {
		return err
	}
	vm.status = StatusActive
	vm.running = true
	vm.trace("begin: entering %q at instruction %d", proc.NameStr, vm.pc)
	return nil
}

// Reset re-initializes globals and status, preserving the compiled program,
// per spec §6's reset(vm). Any in-flight call stack is discarded; the
// fixed-size stack buffer itself is kept and simply reused from offset 0.
func (vm *VM) Reset() {
	vm.initGlobals()
	vm.stackUsed = 0
	vm.frames = nil
	vm.pc = 0
	vm.cmpFlag = 0
	vm.status = StatusReady
	vm.fault = nil
	vm.running = false
	vm.completed = false
	vm.steps = 0
}

// enterFrame pushes a new call frame for procIdx, bound to args (nil for the
// entrypoint), after checking the fixed-size stack buffer has room — the
// TotalProcStack + ExtraStack budget (globals live separately in mem) is a
// hard ceiling here, never grown, matching the
// original's single malloc(cvm->stacksize) with no realloc on overflow.
func (vm *VM) enterFrame(procIdx int, retPC int64, args []argSlot) error {
	proc := &vm.res.Procedures[procIdx]
	if vm.stackUsed+proc.StackNeeded > len(vm.stack) {
		return vm.faultf(StatusStackOverflow, "stack exhausted entering %q", proc.NameStr)
	}
	base := vm.stackUsed
	for i := range vm.stack[base : base+proc.StackNeeded] {
		vm.stack[base+i] = 0
	}
	vm.stackUsed = base + proc.StackNeeded
	vm.frames = append(vm.frames, frame{procIdx: procIdx, base: base, retPC: retPC, args: args})
	vm.initLocals(proc)
	vm.pc = int64(proc.EntryInstr)
	return nil
}

// initLocals copies each of proc's local variables' initializers into the
// just-entered frame's storage, mirroring initGlobals for stack-resident
// variables — the original copies these in call() right after resolving
// argument references, before transferring control to the callee.
func (vm *VM) initLocals(proc *resolver.Procedure) {
	for _, vi := range proc.Vars {
		v := &vm.res.Variables[vi]
		if v.IsArgument || v.IsCallback || v.Init == nil {
			continue
		}
		elemSize := resolver.TypeSize(v.Type)
		loc := vm.storageOffset(v, 0)
		switch v.Init.Kind {
		case resolver.InitBytes:
			copy(vm.bytesAt(loc, len(v.Init.Bytes)), v.Init.Bytes)
		case resolver.InitInts:
			for i, n := range v.Init.Ints {
				vm.putWord(memLoc{buf: loc.buf, off: loc.off + i*elemSize}, v.Type, n)
			}
		case resolver.InitFloats:
			for i, f := range v.Init.Floats {
				vm.putWord(memLoc{buf: loc.buf, off: loc.off + i*elemSize}, v.Type, int64(math.Float64bits(f)))
			}
		}
	}
}

// StatusStr renders a Status the way spec §6's statusstr(status) does.
func StatusStr(s Status) string { return s.String() }

// DebugTrace renders the VM's current call stack and, when full is true,
// every frame's declared variables (name, type, length, offset) — grounded on the teacher's vmDumper
// (dumper.go), generalized from a single global stack/memory dump to this
// VM's procedure-frame model.
func (vm *VM) DebugTrace(full bool) string {
	return traceBuilder{vm: vm, full: full}.String()
}

type traceBuilder struct {
	vm   *VM
	full bool
}

func (t traceBuilder) String() string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("status: %s, pc: %d, steps: %d\n", t.vm.status, t.vm.pc, t.vm.steps))
	for i := len(t.vm.frames) - 1; i >= 0; i-- {
		f := t.vm.frames[i]
		proc := t.vm.res.Procedures[f.procIdx]
		sb.WriteString(fmt.Sprintf("  #%d %s (base %d)\n", i, proc.NameStr, f.base))
		if !t.full {
			continue
		}
		for _, vi := range proc.Vars {
			v := t.vm.res.Variables[vi]
			sb.WriteString(fmt.Sprintf("      %s: %s length=%d offset=%d\n", v.NameStr, v.Type, v.Length, v.Offset))
		}
	}
	if t.vm.fault != nil {
		sb.WriteString(fmt.Sprintf("fault: %v\n", t.vm.fault))
	}
	return sb.String()
}

// Status reports the VM's current machine status.
func (vm *VM) Status() Status { return vm.status }

// StatusErr returns the error that caused the last fault, or nil otherwise.
func (vm *VM) StatusErr() error { return vm.fault }

// Steps reports how many instructions Step has executed since Begin.
func (vm *VM) Steps() int64 { return vm.steps }

// Run steps the VM until it completes, faults, or maxSteps instructions
// have executed (maxSteps <= 0 means unbounded) — the bounded form spec §6
// requires so a misbehaving program cannot hang an embedder's caller.
func (vm *VM) Run(maxSteps int64) error {
	for maxSteps <= 0 || vm.steps < maxSteps {
		done, err := vm.Step()
		if err != nil {
			return err
		}
		if done {
			return nil
		}
	}
	return vm.faultf(StatusInternalError, "step budget exceeded")
}

// Step executes exactly one instruction, returning done=true once the VM
// returns to StatusReady having run its call stack empty. Calling Step
// after a fault or after completion is a caller error reported as a fault,
// not a panic: spec §5 forbids the interpreter from ever panicking out
// through an embedder's call.
func (vm *VM) Step() (done bool, err error) {
	if !vm.running {
		if vm.fault != nil {
			return false, vm.fault
		}
		if vm.completed {
			return true, nil
		}
		return false, vm.faultf(StatusInternalError, "Step called before Begin")
	}

	words := vm.prog.Words
	if vm.pc < 0 || vm.pc >= int64(len(words)) {
		return false, vm.faultf(StatusInternalError, "program counter %d out of range", vm.pc)
	}

	op := codegen.Opcode(words[vm.pc])
	vm.steps++

	switch {
	case op == codegen.OpRet:
		return vm.execRet()
	case isJump(op):
		return vm.execJump(op)
	case op == codegen.OpCall:
		return false, vm.execCall()
	case isBinary(op):
		return false, vm.execBinary(op)
	}
	return false, vm.faultf(StatusInvalidInstruction, "unrecognized opcode %d at instruction %d", words[vm.pc], vm.pc)
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

func (vm *VM) curFrame() *frame { return &vm.frames[len(vm.frames)-1] }

func (vm *VM) execRet() (bool, error) {
	f := vm.curFrame()
	vm.trace("ret: leaving %q", vm.res.Procedures[f.procIdx].NameStr)
	retPC := f.retPC
	vm.stackUsed = f.base
	vm.frames = vm.frames[:len(vm.frames)-1]
	if len(vm.frames) == 0 {
		vm.status = StatusReady
		vm.running = false
		vm.completed = true
		return true, nil
	}
	vm.pc = retPC
	return false, nil
}

// execJump evaluates a jump opcode's condition against the last-result
// flag, per spec §4.6. A taken jump whose target is its own instruction —
// unconditional or conditional alike — terminates execution Ready rather
// than spinning, matching the original's treatment of a self-jump as the
// program's deliberate halt idiom.
func (vm *VM) execJump(op codegen.Opcode) (bool, error) {
	words := vm.prog.Words
	target := words[vm.pc+1]
	take := false
	switch op {
	case codegen.OpJump:
		take = true
	case codegen.OpJumpN:
		take = vm.cmpFlag != 0
	case codegen.OpJumpZ:
		take = vm.cmpFlag == 0
	case codegen.OpJumpL:
		take = vm.cmpFlag < 0
	case codegen.OpJumpG:
		take = vm.cmpFlag > 0
	}
	if !take {
		vm.pc += 2
		return false, nil
	}
	if target == vm.pc {
		vm.status = StatusReady
		vm.running = false
		vm.completed = true
		return true, nil
	}
	vm.pc = target
	return false, nil
}

func (vm *VM) execCall() error {
	if len(vm.frames) >= vm.callStackSize {
		return vm.faultf(StatusStackOverflow, "call stack depth %d exceeded", vm.callStackSize)
	}

	words := vm.prog.Words
	procIdx := int(words[vm.pc+1])
	if procIdx < 0 || procIdx >= len(vm.res.Procedures) {
		return vm.faultf(StatusInternalError, "call to out-of-range procedure index %d", procIdx)
	}
	callee := &vm.res.Procedures[procIdx]

	argBase := vm.pc + 2
	args := make([]argSlot, callee.Args)
	for i := 0; i < callee.Args; i++ {
		opBase := argBase + int64(i)*codegen.OperandWords
		slot, err := vm.resolveCallArg(opBase)
		if err != nil {
			return err
		}
		args[i] = slot
	}

	retPC := vm.pc + 2 + int64(callee.Args)*codegen.OperandWords
	if err := vm.enterFrame(procIdx, retPC, args); err != nil {
		return err
	}
	vm.trace("call: entering %q at instruction %d", callee.NameStr, vm.pc)
	return nil
}

func (vm *VM) execBinary(op codegen.Opcode) error {
	destBase := vm.pc + 1
	srcBase := destBase + codegen.OperandWords

	src, srcType, err := vm.readOperandTyped(srcBase)
	if err != nil {
		return err
	}

	if op == codegen.OpCmp {
		dest, destType, err := vm.readOperandTyped(destBase)
		if err != nil {
			return err
		}
		vm.cmpFlag = compare(dest, destType, src, srcType)
		vm.pc += 1 + 2*codegen.OperandWords
		return nil
	}

	var cur int64
	var destType resolver.Type
	if op != codegen.OpMove {
		cur, destType, err = vm.readOperandTyped(destBase)
		if err != nil {
			return err
		}
	} else {
		destType, err = vm.operandType(destBase)
		if err != nil {
			return err
		}
	}

	result, err := applyArith(op, cur, destType, src, srcType)
	if err != nil {
		return vm.faultf(StatusInvalidInstruction, "%v", err)
	}

	// Every arithmetic/bitwise/shift op updates the last-result flag a
	// subsequent conditional jump branches on, the same as cmp — move is
	// the one binary opcode that never counts as "the last result".
	if op != codegen.OpMove {
		vm.cmpFlag = compare(result, destType, 0, resolver.TypeInt)
	}

	if err := vm.writeOperand(destBase, destType, result); err != nil {
		return err
	}

	vm.pc += 1 + 2*codegen.OperandWords
	return nil
}

func (vm *VM) faultf(kind Status, format string, args ...interface{}) error {
	err := &Error{Status: kind, PC: vm.pc, Reason: fmt.Sprintf(format, args...)}
	vm.status = kind
	vm.running = false
	vm.fault = err
	vm.trace("fault: %v", err)
	return err
}

func (vm *VM) trace(format string, args ...interface{}) {
	if vm.log != nil {
		vm.log.Tracef(format, args...)
	}
}

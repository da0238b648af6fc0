package crustyvm

import (
	"crustyvm/internal/interp"
	"crustyvm/internal/resolver"
	"crustyvm/internal/source"
)

// Type is one of CrustyVM's three scalar types, re-exported from the
// resolver package so embedders never need to import internal/resolver.
type Type = resolver.Type

const (
	TypeByte   = resolver.TypeByte
	TypeInt    = resolver.TypeInt
	TypeDouble = resolver.TypeDouble
)

// Opener resolves an `include "name"` directive to file contents, the same
// role fileinput.Input plays for the teacher's FIRST/THIRD reader.
type Opener = source.Opener

// LogSink receives the interpreter's trace lines (entrypoint entry, calls,
// returns, faults) when supplied.
type LogSink = interp.LogSink

// ReadFunc answers a script's read of a callback-bound variable.
type ReadFunc func(vm *VM, index int) (int64, error)

// WriteFunc answers a script's write to a callback-bound variable.
type WriteFunc func(vm *VM, index int, val int64) error

// Option configures a Load call, following the functional-options pattern
// the teacher's VMOption/VMOptions established in options.go.
type Option interface{ apply(cfg *loadConfig) }

// Options collapses a slice of Options to one, mirroring the teacher's
// VMOptions aggregator so callers can build option lists programmatically.
func Options(opts ...Option) Option {
	var res options
	for _, opt := range opts {
		switch impl := opt.(type) {
		case nil, noption:
		case options:
			res = append(res, impl...)
		default:
			res = append(res, opt)
		}
	}
	switch len(res) {
	case 0:
		return noption{}
	case 1:
		return res[0]
	default:
		return res
	}
}

type noption struct{}

func (noption) apply(*loadConfig) {}

type options []Option

func (opts options) apply(cfg *loadConfig) {
	for _, opt := range opts {
		if opt != nil {
			opt.apply(cfg)
		}
	}
}

type loadConfig struct {
	opener        Opener
	defines       map[string]string
	callbacks     []resolver.CallbackSpec
	reads         []interp.ReadCallback
	writes        []interp.WriteCallback
	log           LogSink
	callStackSize int
}

// WithOpener enables `include` directives, resolving filenames through o.
// Without this option, include always fails.
func WithOpener(o Opener) Option { return openerOption{o} }

type openerOption struct{ o Opener }

func (w openerOption) apply(cfg *loadConfig) { cfg.opener = w.o }

// WithDefine pre-seeds a preprocessor define, equivalent to the CLI's
// repeatable `-Dname=value` flag.
func WithDefine(name, value string) Option { return defineOption{name, value} }

type defineOption struct{ name, value string }

func (w defineOption) apply(cfg *loadConfig) {
	if cfg.defines == nil {
		cfg.defines = map[string]string{}
	}
	cfg.defines[w.name] = w.value
}

// WithLog installs a LogSink that receives a trace line when a VM begins its
// entrypoint, enters or leaves a procedure, or faults; individual
// instructions are not traced. Grounded on the teacher's injected logfn
// (core.go's logging.logfn, wired up in options.go's withLogfn).
func WithLog(sink LogSink) Option { return logOption{sink} }

type logOption struct{ sink LogSink }

func (w logOption) apply(cfg *loadConfig) { cfg.log = w.sink }

// WithCallStackSize bounds the number of nested procedure calls a VM will
// allow before faulting with StatusStackOverflow, per spec §6's new()
// callstack_size parameter. Zero (the default) selects interp.DefaultCallStackSize.
func WithCallStackSize(n int) Option { return callStackSizeOption{n} }

type callStackSizeOption struct{ n int }

func (w callStackSizeOption) apply(cfg *loadConfig) { cfg.callStackSize = w.n }

// WithCallback binds a script-visible variable named name to Go functions:
// read (nil if the script may not read it) and write (nil if the script
// may not write it). length is the variable's element count (1 for a
// scalar); typ is its declared scalar type.
func WithCallback(name string, length int, typ Type, read ReadFunc, write WriteFunc) Option {
	return callbackOption{name, length, typ, read, write}
}

type callbackOption struct {
	name   string
	length int
	typ    Type
	read   ReadFunc
	write  WriteFunc
}

func (w callbackOption) apply(cfg *loadConfig) {
	idx := len(cfg.callbacks)
	cfg.callbacks = append(cfg.callbacks, resolver.CallbackSpec{
		Name:   w.name,
		Length: w.length,
		Type:   w.typ,
		Read:   w.read != nil,
		Write:  w.write != nil,
	})
	cfg.reads = append(cfg.reads, nil)
	cfg.writes = append(cfg.writes, nil)
	if w.read != nil {
		read := w.read
		cfg.reads[idx] = func(vm *interp.VM, _ resolver.CallbackSpec, index int) (int64, error) {
			return read(vm, index)
		}
	}
	if w.write != nil {
		write := w.write
		cfg.writes[idx] = func(vm *interp.VM, _ resolver.CallbackSpec, index int, val int64) error {
			return write(vm, index, val)
		}
	}
}

package crustyvm

import (
	"crustyvm/internal/codegen"
	"crustyvm/internal/interp"
	"crustyvm/internal/preproc"
	"crustyvm/internal/resolver"
	"crustyvm/internal/source"
	"crustyvm/internal/tokenpool"
	"crustyvm/internal/verify"
)

// VM is a running instance of a Program, stepped by Begin/Step/Run.
type VM = interp.VM

// Status is one of a VM's machine states.
type Status = interp.Status

const (
	StatusReady              = interp.StatusReady
	StatusActive             = interp.StatusActive
	StatusInternalError      = interp.StatusInternalError
	StatusOutOfRange         = interp.StatusOutOfRange
	StatusInvalidInstruction = interp.StatusInvalidInstruction
	StatusStackOverflow      = interp.StatusStackOverflow
	StatusCallbackFailed     = interp.StatusCallbackFailed
	StatusFloatAsIndex       = interp.StatusFloatAsIndex
)

// StatusStr renders a Status as spec §6's statusstr(status) does.
func StatusStr(s Status) string { return interp.StatusStr(s) }

// Program is a fully compiled and verified CrustyVM script, ready to spawn
// any number of independent VM instances via NewVM.
type Program struct {
	pool *tokenpool.Pool
	gen  *codegen.Program
	cfg  *loadConfig
}

// Load runs the full pipeline of spec §4 against src (tokenize, preprocess,
// resolve, generate, verify) and returns a Program ready to run, or the
// first Diagnostic-shaped error any stage produced.
func Load(name string, src []byte, opts ...Option) (*Program, error) {
	var cfg loadConfig
	Options(opts...).apply(&cfg)

	pool := tokenpool.New()

	lines, err := source.Tokenize(pool, name, src, cfg.opener)
	if err != nil {
		return nil, err
	}

	lines, err = preproc.Run(pool, lines, cfg.defines)
	if err != nil {
		return nil, err
	}

	res, err := resolver.Resolve(pool, lines, cfg.callbacks)
	if err != nil {
		return nil, err
	}

	gen, err := codegen.Generate(pool, res)
	if err != nil {
		return nil, err
	}

	if err := verify.Verify(gen); err != nil {
		return nil, err
	}

	pool.Freeze()
	return &Program{pool: pool, gen: gen, cfg: &cfg}, nil
}

// HasEntrypoint reports whether the compiled program declares a
// zero-argument procedure named name, per spec §6's has_entrypoint.
func (p *Program) HasEntrypoint(name string) bool {
	idx, ok := p.gen.Res.ProcIndex[name]
	return ok && p.gen.Res.Procedures[idx].Args == 0
}

// NewVM spawns a fresh, not-yet-started VM instance over p. Multiple VMs
// may run concurrently over the same Program; none of them share mutable
// state (each gets its own globals buffer and call stack).
func (p *Program) NewVM() *VM {
	return interp.New(p.gen, p.cfg.reads, p.cfg.writes, p.cfg.log, p.cfg.callStackSize)
}

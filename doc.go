/*
Package crustyvm embeds a small assembly-style scripting language: programs
are tokenized, macro-expanded, resolved against a static symbol table,
compiled to a flat instruction stream, verified, and then stepped by a
synchronous stack machine one instruction at a time.

The host embeds CrustyVM by compiling a program with Load, binding a fixed
set of named variables to Go callbacks (so the script can read and write
into the host's own state), and then driving the resulting VM forward with
Step or Run. The VM never spawns a goroutine and never panics across its
public API: spec-shaped faults surface as plain errors, so it is safe to
call from latency-sensitive contexts such as an audio or render callback.

A minimal embedding looks like:

	prog, err := crustyvm.Load("game.crusty", src,
		crustyvm.WithOpener(myOpener),
		crustyvm.WithCallback("health", 1, crustyvm.TypeInt,
			func(vm *crustyvm.VM, index int) (int64, error) { return int64(player.Health), nil },
			func(vm *crustyvm.VM, index int, v int64) error { player.Health = int(v); return nil },
		),
	)
	if err != nil {
		return crustyvm.AsDiagnostic(err)
	}
	vm := prog.NewVM()
	if err := vm.Begin("init"); err != nil {
		return err
	}
	if err := vm.Run(1_000_000); err != nil {
		return err
	}

See cmd/crustyvm for a standalone compiler/runner built on this package.
*/
package crustyvm

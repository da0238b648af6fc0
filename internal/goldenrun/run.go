// Package goldenrun executes a CrustyVM example program against the small
// fixed callback surface the offline golden-trace tool and its regression
// test both exercise (printint, out), recording every invocation in call
// order. It exists so scripts/gen_golden.go and the root package's golden
// test share one definition of "what a golden trace is" instead of
// duplicating the callback rig.
package goldenrun

import (
	"fmt"

	"crustyvm"
)

// Event is one printint/out callback invocation observed while running an
// example to completion from its init entrypoint.
type Event struct {
	Callback string `json:"callback"`
	Value    int64  `json:"value"`
}

// Run compiles and executes src from its init entrypoint, returning every
// printint/out callback invocation in call order. name is used only for
// compiler diagnostics.
func Run(name string, src []byte) ([]Event, error) {
	var events []Event
	opts := []crustyvm.Option{
		crustyvm.WithCallback("printint", 1, crustyvm.TypeInt, nil,
			func(vm *crustyvm.VM, index int, v int64) error {
				events = append(events, Event{Callback: "printint", Value: v})
				return nil
			}),
		crustyvm.WithCallback("out", 1<<16, crustyvm.TypeByte, nil,
			func(vm *crustyvm.VM, index int, v int64) error {
				events = append(events, Event{Callback: "out", Value: v})
				return nil
			}),
	}

	prog, err := crustyvm.Load(name, src, opts...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	if !prog.HasEntrypoint("init") {
		return nil, fmt.Errorf("%s: no zero-argument init procedure", name)
	}

	vm := prog.NewVM()
	if err := vm.Begin("init"); err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	if err := vm.Run(0); err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return events, nil
}

// Command gen_golden regenerates examples/golden.json from the .crusty
// fixtures in the same directory, grounded on the teacher's
// scripts/gen_vm_expects.go: a context.WithTimeout bounds the whole
// regeneration run, and an errgroup runs every fixture concurrently. This is
// the one place in the repository a goroutine is allowed to drive the VM
// pipeline: each fixture gets its own Program and VM, so nothing here
// contradicts §5's one-goroutine-per-instance rule — it just runs many
// independent instances at once.
package main

import (
	"encoding/json"
	"flag"
	"log"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/net/context"
	"golang.org/x/sync/errgroup"

	"crustyvm/internal/goldenrun"
)

func main() {
	dir := flag.String("dir", "examples", "directory of .crusty fixtures")
	out := flag.String("out", "examples/golden.json", "output golden file")
	timeout := flag.Duration("timeout", 5*time.Second, "deadline for regenerating every fixture")
	flag.Parse()

	if err := run(*dir, *out, *timeout); err != nil {
		log.Fatalln(err)
	}
}

func run(dir, out string, timeout time.Duration) error {
	names, err := filepath.Glob(filepath.Join(dir, "*.crusty"))
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	eg, ctx := errgroup.WithContext(ctx)
	traces := make([][]goldenrun.Event, len(names))

	for i, name := range names {
		i, name := i, name
		eg.Go(func() error {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			src, err := os.ReadFile(name)
			if err != nil {
				return err
			}
			events, err := goldenrun.Run(name, src)
			if err != nil {
				return err
			}
			traces[i] = events
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return err
	}

	golden := make(map[string][]goldenrun.Event, len(names))
	for i, name := range names {
		golden[filepath.Base(name)] = traces[i]
	}

	f, err := os.Create(out)
	if err != nil {
		return err
	}
	defer f.Close()

	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	return enc.Encode(golden)
}

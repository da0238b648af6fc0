package crustyvm

import (
	"errors"
	"fmt"

	"crustyvm/internal/codegen"
	"crustyvm/internal/interp"
	"crustyvm/internal/preproc"
	"crustyvm/internal/resolver"
	"crustyvm/internal/source"
	"crustyvm/internal/verify"
)

// Diagnostic is the stage-tagged shape every pipeline error converts to via
// AsDiagnostic, so a caller that doesn't care which internal stage failed
// can report "stage: module:line: reason" uniformly — spec §7's required
// diagnostic format. It plays the role the teacher's haltError plays in
// core.go/api.go: a single error type Run() can always recognize and
// unwrap to, regardless of which internal stage raised it.
type Diagnostic struct {
	Stage  string // "tokenize", "preprocess", "resolve", "codegen", "verify", "run", "io"
	Module string
	Line   int
	Reason string
}

func (d *Diagnostic) Error() string {
	switch {
	case d.Module != "" && d.Line > 0:
		return fmt.Sprintf("%s: %s:%d: %s", d.Stage, d.Module, d.Line, d.Reason)
	case d.Module != "":
		return fmt.Sprintf("%s: %s: %s", d.Stage, d.Module, d.Reason)
	default:
		return fmt.Sprintf("%s: %s", d.Stage, d.Reason)
	}
}

// AsDiagnostic converts any error returned by Load or a VM's Begin/Step/Run
// to a *Diagnostic, tagging it with the pipeline stage it came from. Any
// other error (e.g. a failure flushing the host's output) is reported under
// stage "io"; an Opener failure is a tokenizer error and reports as
// "tokenize".
func AsDiagnostic(err error) *Diagnostic {
	if err == nil {
		return nil
	}

	var se *source.Error
	if errors.As(err, &se) {
		return &Diagnostic{Stage: "tokenize", Module: se.Module, Line: se.Line, Reason: se.Reason}
	}
	var pe *preproc.Error
	if errors.As(err, &pe) {
		return &Diagnostic{Stage: "preprocess", Module: pe.Module, Line: pe.Line, Reason: pe.Reason}
	}
	var re *resolver.Error
	if errors.As(err, &re) {
		return &Diagnostic{Stage: "resolve", Module: re.Module, Line: re.Line, Reason: re.Reason}
	}
	var ce *codegen.Error
	if errors.As(err, &ce) {
		return &Diagnostic{Stage: "codegen", Module: ce.Module, Line: ce.Line, Reason: ce.Reason}
	}
	var ve *verify.Error
	if errors.As(err, &ve) {
		return &Diagnostic{Stage: "verify", Module: ve.Module, Line: ve.Line, Reason: ve.Reason}
	}
	var ie *interp.Error
	if errors.As(err, &ie) {
		return &Diagnostic{Stage: "run", Module: ie.Module, Line: ie.Line, Reason: ie.Reason}
	}
	return &Diagnostic{Stage: "io", Reason: err.Error()}
}

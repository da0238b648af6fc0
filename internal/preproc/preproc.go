// Package preproc implements the CrustyVM preprocessor: up to 16 fix-point
// passes of macro expansion, `if` gating, `expr` arithmetic, and externally
// supplied (name, value) -D defines, per spec §4.2.
//
// The macro-expansion model — record a body, then later walk it with a
// bound-argument substitution map and a "return line" to resume the caller
// — mirrors the teacher's own word-dictionary execution model in
// first.go/third.go: a macro call behaves like a THIRD word call, its body
// like a word's compiled definition, and its argument bindings like a
// stack frame. We implement it as plain recursion instead of an explicit
// return-stack, since Go's call stack already gives us that for free.
package preproc

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/samber/lo"

	"crustyvm/internal/source"
	"crustyvm/internal/tokenpool"
)

// Error reports a preprocessor fault at the module/line it occurred at.
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

const maxPasses = 16

// macroDef is a recorded macro: its formal argument names and its raw,
// never-substituted body lines (substitution only ever happens when the
// macro is expanded, using the caller's actual argument text).
type macroDef struct {
	name string
	args []string
	body []pLine
}

type pLine struct {
	module tokenpool.Offset
	lineNo int
	tokens []string
}

// Run expands lines to a fix point (at most 16 passes), applying defines,
// macro expansion, if-gating and expr evaluation.
func Run(pool *tokenpool.Pool, lines []source.Line, defines map[string]string) ([]source.Line, error) {
	cur := toPLines(pool, lines)
	macros := map[string]*macroDef{}

	for pass := 1; pass <= maxPasses; pass++ {
		exprVars := map[string]string{}
		out, found, err := processLines(cur, defines, nil, exprVars, macros, nil)
		if err != nil {
			return nil, err
		}
		cur = out
		if !found {
			return fromPLines(pool, cur), nil
		}
	}
	return nil, &Error{Reason: "preprocessor passes exceeded"}
}

func toPLines(pool *tokenpool.Pool, lines []source.Line) []pLine {
	out := make([]pLine, len(lines))
	for i, l := range lines {
		out[i] = pLine{
			module: l.Module,
			lineNo: l.LineNo,
			tokens: lo.Map(l.Tokens, func(off tokenpool.Offset, _ int) string { return pool.String(off) }),
		}
	}
	return out
}

func fromPLines(pool *tokenpool.Pool, lines []pLine) []source.Line {
	out := make([]source.Line, len(lines))
	for i, l := range lines {
		out[i] = source.Line{
			Module: l.module,
			LineNo: l.lineNo,
			Tokens: lo.Map(l.tokens, func(tok string, _ int) tokenpool.Offset { return pool.Intern(tok) }),
		}
	}
	return out
}

// processLines walks one stream of lines for one pass: lines is either the
// top-level program (bindings == nil) or a macro body being expanded
// (bindings holding that call's argument substitutions). activeMacros
// tracks the chain of macro names currently being expanded, to reject
// recursive self-calls.
func processLines(lines []pLine, defines, bindings, exprVars map[string]string, macros map[string]*macroDef, activeMacros []string) ([]pLine, bool, error) {
	var (
		out       []pLine
		foundMacro bool
		recording *macroDef
	)

	for i := 0; i < len(lines); i++ {
		line := lines[i]

		if recording != nil {
			if len(line.tokens) == 2 && line.tokens[0] == "endmacro" && line.tokens[1] == recording.name {
				macros[recording.name] = recording
				recording = nil
				continue
			}
			recording.body = append(recording.body, line)
			continue
		}

		tokens := substituteTokens(line.tokens, defines, bindings, exprVars)

	redispatch:
		if len(tokens) == 0 {
			continue
		}

		switch tokens[0] {
		case "macro":
			if len(tokens) < 2 {
				return nil, false, lerr(line, "macro requires a name")
			}
			recording = &macroDef{name: tokens[1], args: append([]string(nil), tokens[2:]...)}
			continue

		case "endmacro":
			return nil, false, lerr(line, fmt.Sprintf("endmacro %q without matching macro", safeArg(tokens, 1)))

		case "stack":
			// not a preprocessor directive; passed through to the resolver.
			out = append(out, pLine{module: line.module, lineNo: line.lineNo, tokens: tokens})
			continue

		case "if":
			if len(tokens) < 3 {
				return nil, false, lerr(line, "if requires a condition and a body")
			}
			val, _ := evalExpr(tokens[1], exprInts(exprVars))
			if val != 0 {
				tokens = tokens[2:]
				goto redispatch
			}
			continue

		case "expr":
			if len(tokens) < 3 {
				return nil, false, lerr(line, "expr requires a name and an expression")
			}
			val, err := evalExpr(joinTokens(tokens[2:]), exprInts(exprVars))
			if err != nil {
				return nil, false, lerr(line, fmt.Sprintf("expr: %v", err))
			}
			exprVars[tokens[1]] = strconv.FormatInt(val, 10)
			foundMacro = true
			continue
		}

		if def, ok := macros[tokens[0]]; ok {
			argTokens := tokens[1:]
			if len(argTokens) != len(def.args) {
				return nil, false, lerr(line, fmt.Sprintf("macro %q expects %d argument(s), got %d", def.name, len(def.args), len(argTokens)))
			}
			if lo.Contains(activeMacros, def.name) {
				return nil, false, lerr(line, fmt.Sprintf("recursive call to macro %q", def.name))
			}
			callBindings := make(map[string]string, len(def.args))
			for i, arg := range def.args {
				callBindings[arg] = argTokens[i]
			}
			expanded, _, err := processLines(def.body, defines, callBindings, exprVars, macros, append(activeMacros, def.name))
			if err != nil {
				return nil, false, err
			}
			out = append(out, expanded...)
			foundMacro = true
			continue
		}

		out = append(out, pLine{module: line.module, lineNo: line.lineNo, tokens: tokens})
	}

	if recording != nil {
		return nil, false, &Error{Reason: fmt.Sprintf("macro %q missing endmacro", recording.name)}
	}

	return out, foundMacro, nil
}

// substituteTokens performs, in order, for every token: -D define
// substitution, enclosing-macro argument substitution, then expr-variable
// substitution. Each is literal substring replacement; there is no hygiene.
func substituteTokens(tokens []string, defines, bindings, exprVars map[string]string) []string {
	out := make([]string, len(tokens))
	for i, tok := range tokens {
		tok = substituteAll(tok, defines)
		tok = substituteAll(tok, bindings)
		tok = substituteAll(tok, exprVars)
		out[i] = tok
	}
	return out
}

func substituteAll(tok string, vars map[string]string) string {
	if len(vars) == 0 {
		return tok
	}
	for name, val := range vars {
		if name == "" {
			continue
		}
		tok = strings.ReplaceAll(tok, name, val)
	}
	return tok
}

func exprInts(exprVars map[string]string) map[string]int64 {
	out := make(map[string]int64, len(exprVars))
	for k, v := range exprVars {
		if n, err := strconv.ParseInt(v, 0, 64); err == nil {
			out[k] = n
		}
	}
	return out
}

func safeArg(tokens []string, i int) string {
	if i < len(tokens) {
		return tokens[i]
	}
	return ""
}

func lerr(line pLine, reason string) error {
	return &Error{Line: line.lineNo, Reason: reason}
}

// ParseDefine parses a CLI -Dname=value argument per SPEC_FULL.md §D: a
// bare name with no "=value" defines it to "1".
func ParseDefine(s string) (name, value string, err error) {
	for i := 0; i < len(s); i++ {
		if s[i] == '=' {
			return s[:i], s[i+1:], nil
		}
	}
	if s == "" {
		return "", "", fmt.Errorf("empty define name")
	}
	return s, "1", nil
}

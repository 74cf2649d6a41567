package languages

import (
	"bytes"
	"fmt"
	"go/ast"
	"go/format"
	"go/parser"
	"go/scanner"
	"go/token"
	"strings"

	"github.com/itstheanurag/verdict/internal/config"
	"github.com/itstheanurag/verdict/internal/execution"
	"github.com/itstheanurag/verdict/internal/sandbox"
)

// Harness identifiers share the learner's package, so they carry a prefix no
// reasonable solution uses.
const goUserMain = "__arUserMain"

type golang struct{ base }

func newGo(p config.LanguageProfile) Adapter {
	return golang{base{id: "go", name: "Go", profile: p}}
}

func (a golang) Build(code string, tests []execution.TestCase) (*Program, error) {
	prog, err := a.newProgram(tests)
	if err != nil {
		return nil, err
	}
	prog.Files = []sandbox.File{
		{Name: "go.mod", Data: []byte("module solution\n\ngo 1.21\n"), Mode: 0o444},
		{Name: "solution.go", Data: []byte(normalizeGoSource(code)), Mode: 0o444},
		{Name: "verdict_harness.go", Data: []byte(goHarness(prog.MarkerPrefix(), tests)), Mode: 0o444},
	}
	return prog, nil
}

// Invoke builds offline with the toolchain already installed. The build cache
// lands under $HOME, which both backends point at the job workspace.
func (a golang) Invoke(sandbox.Limits) Command {
	return a.command(
		[][]string{{"go", "build", "-o", "program", "."}},
		[]string{"./program"},
		"GOTOOLCHAIN=local",
		"GOPROXY=off",
		"GOFLAGS=-mod=mod",
		"GOWORK=off",
		"GOTELEMETRY=off",
		"CGO_ENABLED=0",
	)
}

// normalizeGoSource puts the learner's code into package main and renames a
// learner-defined main so the harness can own the entry point. Code that does
// not parse is returned as is for the compiler to report.
func normalizeGoSource(code string) string {
	src := code
	if !hasPackageClause(code) {
		src = "package main\n\n" + code
	}

	fset := token.NewFileSet()
	file, err := parser.ParseFile(fset, "solution.go", src, parser.ParseComments)
	if err != nil {
		return src
	}
	changed := false
	if file.Name.Name != "main" {
		file.Name.Name = "main"
		changed = true
	}
	for _, decl := range file.Decls {
		if fn, ok := decl.(*ast.FuncDecl); ok && fn.Recv == nil && fn.Name.Name == "main" {
			fn.Name.Name = goUserMain
			changed = true
		}
	}
	if !changed {
		return src
	}
	var buf bytes.Buffer
	if err := format.Node(&buf, fset, file); err != nil {
		return src
	}
	return buf.String()
}

func hasPackageClause(code string) bool {
	fset := token.NewFileSet()
	file := fset.AddFile("solution.go", fset.Base(), len(code))
	var s scanner.Scanner
	s.Init(file, []byte(code), nil, scanner.ScanComments)
	for {
		_, tok, _ := s.Scan()
		switch tok {
		case token.COMMENT:
			continue
		case token.PACKAGE:
			return true
		default:
			return false
		}
	}
}

func goHarness(prefix string, tests []execution.TestCase) string {
	var b strings.Builder
	b.WriteString(goHarnessRuntime)
	fmt.Fprintf(&b, "\nconst __arPrefix = %s\n", jsonString(prefix))

	b.WriteString("\nfunc main() {\n")
	for i, tc := range tests {
		expected := "nil"
		if tc.ExpectedOutput != nil {
			expected = "__arStr(" + jsonString(*tc.ExpectedOutput) + ")"
		}
		fmt.Fprintf(&b, "\t__arRun(%d, __arTest%d, %s)\n", i, i, expected)
	}
	b.WriteString("\t__arEmit(\"DONE\")\n}\n")

	for i, tc := range tests {
		fmt.Fprintf(&b, "\nfunc __arTest%d() bool {\n//line test_%d:1\n", i, i)
		assertion := strings.TrimSpace(tc.Assertion)
		if isGoStatement(assertion) {
			fmt.Fprintf(&b, "%s\n\treturn true\n}\n", assertion)
		} else {
			fmt.Fprintf(&b, "\treturn bool(%s)\n}\n", assertion)
		}
	}
	return b.String()
}

// isGoStatement reports whether an assertion has to run as a statement list.
// Anything that parses as a single expression is checked for its boolean
// value; a trailing semicolon forces statement form, e.g. for calls without a
// result.
func isGoStatement(assertion string) bool {
	_, err := parser.ParseExpr(assertion)
	return err != nil
}

const goHarnessRuntime = `package main

import (
	__arjson "encoding/json"
	__arfmt "fmt"
	__ario "io"
	__aros "os"
	__arstrings "strings"
)

var __arStdout = __aros.Stdout

func __arEmit(text string) {
	_, _ = __arStdout.WriteString(__arPrefix + " " + text + "\n")
}

func __arQuote(s string) string {
	if r := []rune(s); len(r) > 2000 {
		s = string(r[:2000])
	}
	b, _ := __arjson.Marshal(s)
	return string(b)
}

func __arStr(s string) *string { return &s }

func __arCapture(fn func()) string {
	r, w, err := __aros.Pipe()
	if err != nil {
		fn()
		return ""
	}
	done := make(chan string, 1)
	go func() {
		b, _ := __ario.ReadAll(r)
		done <- string(b)
	}()
	func() {
		__aros.Stdout = w
		defer func() {
			__aros.Stdout = __arStdout
			_ = w.Close()
		}()
		fn()
	}()
	out := <-done
	_ = r.Close()
	_, _ = __arStdout.WriteString(out)
	return out
}

func __arRun(index int, test func() bool, expected *string) {
	var failure string
	out := __arCapture(func() {
		defer func() {
			if r := recover(); r != nil {
				failure = __arfmt.Sprintf("panic: %v", r)
			}
		}()
		if !test() {
			failure = "assertion evaluated to false"
		}
	})
	idx := __arfmt.Sprint(index)
	if failure != "" {
		__arEmit("FAIL " + idx + " " + __arQuote(failure))
		return
	}
	if expected != nil {
		want := __arstrings.TrimRight(*expected, " \t\r\n")
		got := __arstrings.TrimRight(out, " \t\r\n")
		if got != want {
			__arEmit("FAIL " + idx + " " + __arQuote(__arfmt.Sprintf("expected output %q, got %q", want, got)))
			return
		}
	}
	__arEmit("OK " + idx)
}
`

package languages

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/itstheanurag/verdict/internal/config"
	"github.com/itstheanurag/verdict/internal/execution"
	"github.com/itstheanurag/verdict/internal/sandbox"
)

// Adapter turns learner code and test cases into a runnable harness program
// for one language, and turns the harness output back into test results.
type Adapter interface {
	ID() execution.LanguageID
	Name() string
	// Image is the container image used by the docker backend.
	Image() string
	Build(code string, tests []execution.TestCase) (*Program, error)
	// Invoke receives the service-wide base limits; the returned multipliers
	// turn them into the job's limits.
	Invoke(limits sandbox.Limits) Command
	Parse(raw *sandbox.RawResult, program *Program) (*Report, error)
}

// Program is a built harness: the files to place in the job workspace and the
// marker nonce its output is tagged with.
type Program struct {
	Files []sandbox.File
	Nonce string
	Tests []execution.TestCase
}

func (p *Program) MarkerPrefix() string {
	return markerPrefix(p.Nonce)
}

// Command is how to compile and run a Program, plus the language's resource
// policy.
type Command struct {
	Compile [][]string
	Run     []string
	Env     []string

	WallMultiplier    float64
	CPUMultiplier     float64
	MemoryMultiplier  float64
	LimitAddressSpace bool
}

// harnessTest is the on-disk form of a test case for interpreted harnesses.
type harnessTest struct {
	Assertion      string  `json:"assertion"`
	ExpectedOutput *string `json:"expectedOutput"`
}

// base carries what every adapter shares: identity, profile and the marker
// parser.
type base struct {
	id      execution.LanguageID
	name    string
	profile config.LanguageProfile
	// syntaxErrors are load-error prefixes that mean the code never parsed.
	syntaxErrors []string
}

func (b base) ID() execution.LanguageID { return b.id }

func (b base) Name() string { return b.name }

func (b base) Image() string { return b.profile.Image }

func (b base) Parse(raw *sandbox.RawResult, program *Program) (*Report, error) {
	rep, err := parseMarkers(raw.Stdout, program)
	if rep.LoadError != "" {
		for _, p := range b.syntaxErrors {
			if strings.HasPrefix(rep.LoadError, p) {
				rep.LoadSyntax = true
				break
			}
		}
	}
	return rep, err
}

func (b base) command(compile [][]string, run []string, env ...string) Command {
	return Command{
		Compile:           compile,
		Run:               run,
		Env:               env,
		WallMultiplier:    orOne(b.profile.WallMultiplier),
		CPUMultiplier:     orOne(b.profile.CPUMultiplier),
		MemoryMultiplier:  orOne(b.profile.MemoryMultiplier),
		LimitAddressSpace: b.profile.AddressSpaceLimited(),
	}
}

func (b base) newProgram(tests []execution.TestCase) (*Program, error) {
	nonce, err := newNonce()
	if err != nil {
		return nil, err
	}
	return &Program{Nonce: nonce, Tests: tests}, nil
}

func orOne(f float64) float64 {
	if f <= 0 {
		return 1
	}
	return f
}

// testsFile serialises the assertions for harnesses that load them at run time.
func testsFile(tests []execution.TestCase) (sandbox.File, error) {
	out := make([]harnessTest, len(tests))
	for i, tc := range tests {
		out[i] = harnessTest{Assertion: tc.Assertion, ExpectedOutput: tc.ExpectedOutput}
	}
	data, err := json.Marshal(out)
	if err != nil {
		return sandbox.File{}, fmt.Errorf("encode tests: %w", err)
	}
	return sandbox.File{Name: "tests.json", Data: data, Mode: 0o444}, nil
}

// jsonString renders s as a double-quoted literal that is valid in JSON,
// JavaScript, Python, C++ and Go source.
func jsonString(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}

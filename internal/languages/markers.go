package languages

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/itstheanurag/verdict/internal/execution"
)

const (
	markerTag = "@@VERDICT:"

	// MaxMessageRunes bounds a single failure message reported by a harness.
	MaxMessageRunes = 2000

	// NotRunMessage is reported for tests the process never reached.
	NotRunMessage = "execution terminated before this test ran"
)

// ErrMalformedOutput means a marker line was present but did not follow the
// harness grammar, or reported impossible indices.
var ErrMalformedOutput = errors.New("malformed harness output")

var markerRE = regexp.MustCompile(`^@@VERDICT:[0-9a-f]{32}@@ (?:OK (0|[1-9][0-9]{0,5})|FAIL (0|[1-9][0-9]{0,5}) ("(?:[^"\\\x00-\x1f]|\\.)*")|LOAD ("(?:[^"\\\x00-\x1f]|\\.)*")|(DONE))$`)

func newNonce() (string, error) {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", fmt.Errorf("marker nonce: %w", err)
	}
	return hex.EncodeToString(b[:]), nil
}

func markerPrefix(nonce string) string {
	return markerTag + nonce + "@@"
}

// Report is what a harness run told us.
type Report struct {
	// Results has one entry per submitted test case, in order. Tests the
	// process never reported on are failed with NotRunMessage.
	Results []execution.TestResult
	// LoadError is set when the learner code failed while loading.
	LoadError string
	// LoadSyntax marks a LoadError that is a syntax error.
	LoadSyntax bool
	// Done is set when the harness reached its final marker.
	Done bool
	// Output is stdout with every marker removed.
	Output string
}

// parseMarkers scans stdout for the program's markers. Text around markers is
// passed through to Report.Output untouched. On ErrMalformedOutput the report
// still carries a complete, all-failed result list.
func parseMarkers(stdout string, program *Program) (*Report, error) {
	prefix := program.MarkerPrefix()
	n := len(program.Tests)

	rep := &Report{Results: make([]execution.TestResult, n)}
	for i, tc := range program.Tests {
		rep.Results[i] = execution.TestResult{Description: tc.Description, Error: NotRunMessage}
	}
	seen := make([]bool, n)

	var out strings.Builder
	var malformed error
	for _, line := range strings.SplitAfter(stdout, "\n") {
		body := strings.TrimSuffix(line, "\n")
		idx := strings.Index(body, prefix)
		if idx < 0 {
			out.WriteString(line)
			continue
		}
		out.WriteString(body[:idx])
		if malformed != nil {
			continue
		}
		if err := rep.apply(strings.TrimSuffix(body[idx:], "\r"), seen); err != nil {
			malformed = err
		}
	}
	rep.Output = out.String()

	if malformed != nil {
		for i := range rep.Results {
			rep.Results[i].Passed = false
			if rep.Results[i].Error == "" {
				rep.Results[i].Error = NotRunMessage
			}
		}
		return rep, malformed
	}
	return rep, nil
}

func (r *Report) apply(marker string, seen []bool) error {
	if r.Done {
		return fmt.Errorf("%w: marker after DONE", ErrMalformedOutput)
	}
	m := markerRE.FindStringSubmatch(marker)
	if m == nil {
		return fmt.Errorf("%w: %q", ErrMalformedOutput, truncateRunes(marker, 80))
	}
	switch {
	case m[1] != "":
		i, err := r.index(m[1], seen)
		if err != nil {
			return err
		}
		r.Results[i].Passed = true
		r.Results[i].Error = ""
	case m[2] != "":
		i, err := r.index(m[2], seen)
		if err != nil {
			return err
		}
		msg, err := decodeMessage(m[3])
		if err != nil {
			return err
		}
		r.Results[i].Passed = false
		r.Results[i].Error = msg
	case m[4] != "":
		msg, err := decodeMessage(m[4])
		if err != nil {
			return err
		}
		r.LoadError = msg
	case m[5] != "":
		r.Done = true
	}
	return nil
}

func (r *Report) index(s string, seen []bool) (int, error) {
	i, err := strconv.Atoi(s)
	if err != nil || i >= len(seen) {
		return 0, fmt.Errorf("%w: test index %s out of range", ErrMalformedOutput, s)
	}
	if seen[i] {
		return 0, fmt.Errorf("%w: test %d reported twice", ErrMalformedOutput, i)
	}
	seen[i] = true
	return i, nil
}

func decodeMessage(quoted string) (string, error) {
	var msg string
	if err := json.Unmarshal([]byte(quoted), &msg); err != nil {
		return "", fmt.Errorf("%w: bad message: %v", ErrMalformedOutput, err)
	}
	msg = strings.TrimSpace(msg)
	if msg == "" {
		msg = "assertion failed"
	}
	return truncateRunes(msg, MaxMessageRunes), nil
}

func truncateRunes(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	n := 0
	for i := range s {
		if n == limit {
			return s[:i] + "..."
		}
		n++
	}
	return s
}

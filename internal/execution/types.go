package execution

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

// LanguageID selects the language adapter used for a request.
type LanguageID string

// TestCase is one assertion evaluated against the learner's code.
type TestCase struct {
	Description    string  `json:"description"`
	Assertion      string  `json:"assertion"`
	ExpectedOutput *string `json:"expectedOutput,omitempty"`
}

// ExecutionRequest is immutable once submitted.
type ExecutionRequest struct {
	Code      string     `json:"code"`
	Language  LanguageID `json:"language"`
	TestCases []TestCase `json:"testCases"`
}

type TestResult struct {
	Description string `json:"description"`
	Passed      bool   `json:"passed"`
	Error       string `json:"error,omitempty"`
}

// ExecutionResult is the coarse outcome: did the program run at all.
type ExecutionResult struct {
	Success bool   `json:"success"`
	Output  string `json:"output"`
	Error   string `json:"error,omitempty"`
}

// Response is what callers receive for every request, whatever happened.
type Response struct {
	ExecutionResult
	TestResults []TestResult `json:"testResults"`
}

// AllPassed reports whether the run succeeded and every assertion held.
func (r *Response) AllPassed() bool {
	if r == nil || !r.Success || len(r.TestResults) == 0 {
		return false
	}
	for _, tr := range r.TestResults {
		if !tr.Passed {
			return false
		}
	}
	return true
}

// PassedCount returns the number of passing assertions.
func (r *Response) PassedCount() int {
	n := 0
	for _, tr := range r.TestResults {
		if tr.Passed {
			n++
		}
	}
	return n
}

// Failed builds a response in which every test case failed with the same error.
func Failed(tests []TestCase, class ErrorClass, message string) *Response {
	errText := class.Format(message)
	results := make([]TestResult, len(tests))
	for i, tc := range tests {
		results[i] = TestResult{
			Description: tc.Description,
			Passed:      false,
			Error:       errText,
		}
	}
	return &Response{
		ExecutionResult: ExecutionResult{
			Success: false,
			Error:   errText,
		},
		TestResults: results,
	}
}

// Validate checks structural constraints. Language support is checked by the
// adapter registry, not here.
func (r *ExecutionRequest) Validate(maxCodeBytes, maxTests int) error {
	var errs []error

	if strings.TrimSpace(r.Code) == "" {
		errs = append(errs, errors.New("code is required"))
	}
	if maxCodeBytes > 0 && len(r.Code) > maxCodeBytes {
		errs = append(errs, fmt.Errorf("code exceeds %d bytes", maxCodeBytes))
	}
	if !utf8.ValidString(r.Code) || strings.ContainsRune(r.Code, 0) {
		errs = append(errs, errors.New("code must be valid UTF-8 without NUL bytes"))
	}
	if r.Language == "" {
		errs = append(errs, errors.New("language is required"))
	}
	if len(r.TestCases) == 0 {
		errs = append(errs, errors.New("at least one test case is required"))
	}
	if maxTests > 0 && len(r.TestCases) > maxTests {
		errs = append(errs, fmt.Errorf("at most %d test cases are allowed", maxTests))
	}

	for i, tc := range r.TestCases {
		if strings.TrimSpace(tc.Description) == "" {
			errs = append(errs, fmt.Errorf("testCases[%d].description is required", i))
		}
		if strings.TrimSpace(tc.Assertion) == "" {
			errs = append(errs, fmt.Errorf("testCases[%d].assertion is required", i))
		}
		if strings.ContainsRune(tc.Assertion, 0) || !utf8.ValidString(tc.Assertion) {
			errs = append(errs, fmt.Errorf("testCases[%d].assertion must be valid UTF-8 without NUL bytes", i))
		}
	}

	return errors.Join(errs...)
}

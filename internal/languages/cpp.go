package languages

import (
	"fmt"
	"strings"

	"github.com/itstheanurag/verdict/internal/config"
	"github.com/itstheanurag/verdict/internal/execution"
	"github.com/itstheanurag/verdict/internal/sandbox"
)

type cpp struct{ base }

func newCPP(p config.LanguageProfile) Adapter {
	return cpp{base{id: "cpp", name: "C++", profile: p}}
}

// isStatement reports whether an assertion is a statement list rather than a
// boolean expression: statements are terminated by ';'.
func isStatement(assertion string) bool {
	return strings.HasSuffix(strings.TrimSpace(assertion), ";")
}

func (a cpp) Build(code string, tests []execution.TestCase) (*Program, error) {
	prog, err := a.newProgram(tests)
	if err != nil {
		return nil, err
	}

	var b strings.Builder
	b.WriteString(cppPrelude)
	// A learner-defined main becomes an ordinary function.
	b.WriteString("#define main verdict_user_main\n#line 1 \"solution.cpp\"\n")
	b.WriteString(code)
	b.WriteString("\n#undef main\n")
	fmt.Fprintf(&b, "\nstatic const char* const VERDICT_PREFIX = %s;\n", jsonString(prog.MarkerPrefix()))
	b.WriteString(cppRuntime)

	for i, tc := range tests {
		fmt.Fprintf(&b, "\n#line 1 \"test_%d\"\n", i)
		if isStatement(tc.Assertion) {
			fmt.Fprintf(&b, "static bool verdict_test_%d() {\n%s\nreturn true;\n}\n", i, tc.Assertion)
		} else {
			fmt.Fprintf(&b, "static bool verdict_test_%d() {\nreturn static_cast<bool>(\n%s\n);\n}\n", i, tc.Assertion)
		}
	}

	b.WriteString("\nint main() {\n")
	for i, tc := range tests {
		expected := "nullptr"
		if tc.ExpectedOutput != nil {
			expected = jsonString(*tc.ExpectedOutput)
		}
		fmt.Fprintf(&b, "    verdict_run(%d, verdict_test_%d, %s);\n", i, i, expected)
	}
	b.WriteString("    verdict_emit(\"DONE\");\n    return 0;\n}\n")

	prog.Files = []sandbox.File{{Name: "main.cpp", Data: []byte(b.String()), Mode: 0o444}}
	return prog, nil
}

func (a cpp) Invoke(sandbox.Limits) Command {
	return a.command(
		[][]string{{"g++", "-std=c++17", "-O2", "-pipe", "-o", "program", "main.cpp"}},
		[]string{"./program"},
	)
}

const cppPrelude = `#include <algorithm>
#include <cctype>
#include <cmath>
#include <cstdint>
#include <cstdio>
#include <cstdlib>
#include <cstring>
#include <exception>
#include <functional>
#include <iostream>
#include <map>
#include <memory>
#include <numeric>
#include <set>
#include <sstream>
#include <stdexcept>
#include <string>
#include <unordered_map>
#include <unordered_set>
#include <utility>
#include <vector>
`

const cppRuntime = `
static std::string verdict_quote(const std::string& s) {
    std::string out = "\"";
    std::size_t n = 0;
    for (unsigned char c : s) {
        if (++n > 2000) break;
        switch (c) {
        case '"': out += "\\\""; break;
        case '\\': out += "\\\\"; break;
        case '\n': out += "\\n"; break;
        case '\r': out += "\\r"; break;
        case '\t': out += "\\t"; break;
        default:
            if (c < 0x20 || c == 0x7f) {
                char buf[8];
                std::snprintf(buf, sizeof buf, "\\u%04x", c);
                out += buf;
            } else {
                out += static_cast<char>(c);
            }
        }
    }
    return out + "\"";
}

static void verdict_emit(const std::string& text) {
    std::cout.flush();
    std::fflush(stdout);
    std::cout << VERDICT_PREFIX << ' ' << text << '\n';
    std::cout.flush();
}

static std::string verdict_rtrim(std::string s) {
    while (!s.empty() && std::isspace(static_cast<unsigned char>(s.back()))) s.pop_back();
    return s;
}

static void verdict_run(int index, bool (*test)(), const char* expected) {
    std::ostringstream captured;
    std::streambuf* saved = std::cout.rdbuf(captured.rdbuf());
    bool ok = false;
    std::string failure;
    try {
        ok = test();
        if (!ok) failure = "assertion evaluated to false";
    } catch (const std::exception& e) {
        failure = std::string("exception: ") + e.what();
    } catch (...) {
        failure = "exception: unknown";
    }
    std::cout.rdbuf(saved);
    std::cout << captured.str();

    std::string idx = std::to_string(index);
    if (!failure.empty()) {
        verdict_emit("FAIL " + idx + " " + verdict_quote(failure));
        return;
    }
    if (expected != nullptr) {
        std::string want = verdict_rtrim(expected);
        std::string got = verdict_rtrim(captured.str());
        if (got != want) {
            verdict_emit("FAIL " + idx + " " + verdict_quote("expected output \"" + want + "\", got \"" + got + "\""));
            return;
        }
    }
    verdict_emit("OK " + idx);
}
`

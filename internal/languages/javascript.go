package languages

import (
	"strconv"
	"strings"

	"github.com/itstheanurag/verdict/internal/config"
	"github.com/itstheanurag/verdict/internal/execution"
	"github.com/itstheanurag/verdict/internal/sandbox"
)

const minHeapMB = 32

type javascript struct{ base }

func newJavaScript(p config.LanguageProfile) Adapter {
	return javascript{base{
		id:           "javascript",
		name:         "JavaScript",
		profile:      p,
		syntaxErrors: []string{"SyntaxError"},
	}}
}

func (a javascript) Build(code string, tests []execution.TestCase) (*Program, error) {
	prog, err := a.newProgram(tests)
	if err != nil {
		return nil, err
	}
	tf, err := testsFile(tests)
	if err != nil {
		return nil, err
	}
	harness := strings.ReplaceAll(javascriptHarness, "{{PREFIX}}", jsonString(prog.MarkerPrefix()))
	prog.Files = []sandbox.File{
		{Name: "solution.js", Data: []byte(code), Mode: 0o444},
		tf,
		{Name: "harness.js", Data: []byte(harness), Mode: 0o444},
	}
	return prog, nil
}

// Invoke caps the V8 heap below the job's memory ceiling so allocation
// failures surface as a heap-limit error rather than an external kill. limits
// are the base limits, before this language's multipliers.
func (a javascript) Invoke(limits sandbox.Limits) Command {
	run := []string{"node"}
	if limits.MemoryBytes > 0 {
		mem := int64(float64(limits.MemoryBytes) * orOne(a.profile.MemoryMultiplier))
		mb := max(mem*3/4>>20, minHeapMB)
		run = append(run, "--max-old-space-size="+strconv.FormatInt(mb, 10))
	}
	run = append(run, "harness.js")
	return a.command(nil, run, "NODE_OPTIONS=", "NODE_DISABLE_COLORS=1")
}

const javascriptHarness = `const fs = require("fs");
const util = require("util");

const PREFIX = {{PREFIX}};
const LIMIT = 2000;

function emit(text) {
  fs.writeSync(1, PREFIX + " " + text + "\n");
}

function describe(err) {
  const text = err instanceof Error ? err.name + ": " + err.message : "Thrown: " + util.inspect(err);
  return JSON.stringify(text.slice(0, LIMIT));
}

const tests = JSON.parse(fs.readFileSync("tests.json", "utf8"));
const source = fs.readFileSync("solution.js", "utf8");

let __verdictHook;
try {
  (function (assert) {
    eval(source + "\n;__verdictHook = function (__verdictSource) { return eval(__verdictSource); };");
  })(require("assert"));
  if (typeof __verdictHook !== "function") {
    throw new SyntaxError("solution did not finish loading");
  }
} catch (err) {
  const message = describe(err);
  emit("LOAD " + message);
  for (let i = 0; i < tests.length; i++) {
    emit("FAIL " + i + " " + message);
  }
  emit("DONE");
  process.exit(1);
}

const realWrite = process.stdout.write;
for (let i = 0; i < tests.length; i++) {
  const test = tests[i];
  let captured = "";
  process.stdout.write = function (chunk, encoding, callback) {
    captured += typeof chunk === "string" ? chunk : Buffer.from(chunk).toString("utf8");
    const done = typeof encoding === "function" ? encoding : callback;
    if (typeof done === "function") done();
    return true;
  };
  let value;
  let threw = false;
  let failure;
  try {
    value = __verdictHook(test.assertion);
  } catch (err) {
    threw = true;
    failure = err;
  } finally {
    process.stdout.write = realWrite;
    if (captured) fs.writeSync(1, captured);
  }
  if (threw) {
    emit("FAIL " + i + " " + describe(failure));
    continue;
  }
  if (value === false) {
    emit("FAIL " + i + " " + JSON.stringify("assertion evaluated to false"));
    continue;
  }
  if (test.expectedOutput !== null && test.expectedOutput !== undefined) {
    const want = test.expectedOutput.trimEnd();
    const got = captured.trimEnd();
    if (got !== want) {
      const message = "expected output " + JSON.stringify(want) + ", got " + JSON.stringify(got);
      emit("FAIL " + i + " " + JSON.stringify(message.slice(0, LIMIT)));
      continue;
    }
  }
  emit("OK " + i);
}
emit("DONE");
process.exit(0);
`

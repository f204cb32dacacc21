package middleware

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	stepflow "github.com/goliatone/go-stepflow"
)

type recorder struct {
	Base
	name  string
	calls *[]string
}

func (r *recorder) record(phase string) {
	*r.calls = append(*r.calls, r.name+":"+phase)
}

func (r *recorder) TransformInput(cc *CallContext, in *TransformableInput) { r.record("input") }
func (r *recorder) BeforeMemoization(cc *CallContext)                      { r.record("before-memo") }
func (r *recorder) AfterMemoization(cc *CallContext)                       { r.record("after-memo") }
func (r *recorder) BeforeExecution(cc *CallContext)                        { r.record("before-exec") }
func (r *recorder) AfterExecution(cc *CallContext)                         { r.record("after-exec") }
func (r *recorder) TransformOutput(cc *CallContext, out *TransformableOutput) {
	r.record("output")
}
func (r *recorder) BeforeResponse(cc *CallContext) { r.record("before-response") }

func testCC() *CallContext {
	return &CallContext{
		Function: &stepflow.Function{Slug: "test/fn"},
		RunID:    "run-1",
	}
}

func TestStackOrdering(t *testing.T) {
	var calls []string
	stack := NewStack(
		&recorder{name: "a", calls: &calls},
		&recorder{name: "b", calls: &calls},
	)

	r := stack.ForRun()
	cc := testCC()

	r.TransformInput(cc, &TransformableInput{})
	r.BeforeMemoization(cc)
	r.AfterMemoization(cc)
	r.BeforeExecution(cc)
	r.AfterExecution(cc)
	r.TransformOutput(cc, &TransformableOutput{})
	r.BeforeResponse(cc)

	assert.Equal(t, []string{
		"a:input", "b:input",
		"a:before-memo", "b:before-memo",
		"a:after-memo", "b:after-memo",
		"a:before-exec", "b:before-exec",
		"b:after-exec", "a:after-exec",
		"b:output", "a:output",
		"b:before-response", "a:before-response",
	}, calls)
}

func TestSingleShotPhasesFireOnce(t *testing.T) {
	var calls []string
	stack := NewStack(&recorder{name: "a", calls: &calls})
	r := stack.ForRun()
	cc := testCC()

	r.BeforeExecution(cc)
	r.BeforeExecution(cc)
	r.BeforeResponse(cc)
	r.BeforeResponse(cc)

	assert.Equal(t, []string{"a:before-exec", "a:before-response"}, calls)
}

func TestTransformOutputFiresPerValue(t *testing.T) {
	var calls []string
	stack := NewStack(&recorder{name: "a", calls: &calls})
	r := stack.ForRun()
	cc := testCC()

	r.TransformOutput(cc, &TransformableOutput{})
	r.TransformOutput(cc, &TransformableOutput{})

	assert.Equal(t, []string{"a:output", "a:output"}, calls)
}

type rewriter struct {
	Base
}

func (rewriter) TransformOutput(cc *CallContext, out *TransformableOutput) {
	out.Data = json.RawMessage(`"rewritten"`)
}

func TestMiddlewareCanRewriteOutput(t *testing.T) {
	stack := NewStack(rewriter{})
	r := stack.ForRun()

	out := &TransformableOutput{Data: json.RawMessage(`"original"`)}
	r.TransformOutput(testCC(), out)
	assert.JSONEq(t, `"rewritten"`, string(out.Data))
}

func TestLoggingTracesLifecycleAndInjectsLogger(t *testing.T) {
	buf := &bytes.Buffer{}
	stack := NewStack(NewLogging(stepflow.NewFmtLogger(buf)))
	r := stack.ForRun()
	cc := testCC()

	in := &TransformableInput{}
	r.TransformInput(cc, in)
	r.AfterMemoization(cc)
	r.BeforeExecution(cc)
	r.AfterExecution(cc)
	r.TransformOutput(cc, &TransformableOutput{Data: json.RawMessage(`1`)})
	r.BeforeResponse(cc)

	require.NotNil(t, in.Logger)
	logged := buf.String()
	assert.Contains(t, logged, "execution starting")
	assert.Contains(t, logged, "run_id=run-1")
	assert.Contains(t, logged, "returning execution result")
}

func TestRunsAreIndependent(t *testing.T) {
	var calls []string
	stack := NewStack(&recorder{name: "a", calls: &calls})
	cc := testCC()

	stack.ForRun().BeforeExecution(cc)
	stack.ForRun().BeforeExecution(cc)

	require.Len(t, calls, 2)
}

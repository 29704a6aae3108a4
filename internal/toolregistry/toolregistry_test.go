package toolregistry

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"testing"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/stretchr/testify/require"

	"github.com/nexuscore/core/internal/corerr"
)

const calculatorSchema = `{
	"type": "object",
	"properties": {"expression": {"type": "string"}},
	"required": ["expression"]
}`

// calcTool is a tiny in-repo tool supporting only "a+b" expressions,
// enough to realize scenario S1 without a real expression parser.
type calcTool struct {
	schema           *jsonschema.Schema
	requiresApproval bool
	executed         *bool
}

func newCalcTool(t *testing.T, requiresApproval bool, executed *bool) ExecutableTool {
	t.Helper()
	schema, err := CompileSchema("calculator.schema.json", []byte(calculatorSchema))
	require.NoError(t, err)
	return &calcTool{schema: schema, requiresApproval: requiresApproval, executed: executed}
}

func (c *calcTool) ID() string                 { return "calculator" }
func (c *calcTool) Name() string               { return "Calculator" }
func (c *calcTool) Description() string        { return "evaluates simple a+b expressions" }
func (c *calcTool) Category() string           { return "math" }
func (c *calcTool) RiskLevel() RiskLevel       { return RiskLow }
func (c *calcTool) RequiresApproval() bool     { return c.requiresApproval }
func (c *calcTool) SideEffects() bool          { return false }
func (c *calcTool) SupportsDryRun() bool       { return true }
func (c *calcTool) InputSchema() *jsonschema.Schema { return c.schema }

func (c *calcTool) Execute(ctx context.Context, input map[string]any) (map[string]any, error) {
	if c.executed != nil {
		*c.executed = true
	}
	expr, _ := input["expression"].(string)
	result, err := evalAddition(expr)
	if err != nil {
		return nil, err
	}
	return map[string]any{"result": result}, nil
}

func (c *calcTool) DryRun(ctx context.Context, input map[string]any) (map[string]any, error) {
	return map[string]any{"wouldEvaluate": input["expression"]}, nil
}

// evalAddition parses "a+b" without pulling in a general expression
// grammar; S1's literal input is "2+2".
func evalAddition(expr string) (int, error) {
	parts := strings.SplitN(expr, "+", 2)
	if len(parts) != 2 {
		return 0, fmt.Errorf("unsupported expression: %q", expr)
	}
	a, err := strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil {
		return 0, err
	}
	b, err := strconv.Atoi(strings.TrimSpace(parts[1]))
	if err != nil {
		return 0, err
	}
	return a + b, nil
}

func TestS1_CalculatorPurePath(t *testing.T) {
	reg := New()
	executed := false
	reg.Register(newCalcTool(t, false, &executed))

	var blockedEvents, approvalEvents int
	rc := ResolveContext{
		Context:     context.Background(),
		TraceID:     "trace-1",
		Permissions: Permissions{AllowedTools: []string{"calculator"}},
		OnToolBlocked: func(toolID string, code corerr.Code, detail string) {
			blockedEvents++
		},
		OnApprovalRequested: func(toolID string, input map[string]any) {
			approvalEvents++
		},
	}

	raw, err := json.Marshal(map[string]any{"expression": "2+2"})
	require.NoError(t, err)

	result, err := reg.Resolve("calculator", raw, rc)
	require.NoError(t, err)
	require.True(t, result.Success)
	require.Equal(t, float64(4), toFloat(result.Output["result"]))
	require.True(t, executed)
	require.Zero(t, blockedEvents)
	require.Zero(t, approvalEvents)
}

func TestS2_RBACDenial(t *testing.T) {
	reg := New()
	executed := false
	reg.Register(newCalcTool(t, false, &executed))

	var blockedCode corerr.Code
	rc := ResolveContext{
		Context:     context.Background(),
		Permissions: Permissions{}, // allowedTools = empty set
		OnToolBlocked: func(toolID string, code corerr.Code, detail string) {
			blockedCode = code
		},
	}

	raw, _ := json.Marshal(map[string]any{"expression": "2+2"})
	_, err := reg.Resolve("calculator", raw, rc)

	require.Error(t, err)
	require.True(t, corerr.HasCode(err, corerr.CodeToolNotAllowed))
	require.Equal(t, corerr.CodeToolNotAllowed, blockedCode)
	require.False(t, executed, "execute must never be invoked on RBAC denial")
}

func TestResolveFailsOnUnknownToolID(t *testing.T) {
	reg := New()
	rc := ResolveContext{Context: context.Background(), Permissions: Permissions{AllowedTools: []string{"whatever"}}}

	_, err := reg.Resolve("whatever", json.RawMessage(`{}`), rc)
	require.Error(t, err)
	require.True(t, corerr.HasCode(err, corerr.CodeToolNotFound))
}

func TestResolveFailsValidationAndNeverExecutes(t *testing.T) {
	reg := New()
	executed := false
	reg.Register(newCalcTool(t, false, &executed))

	var blockedCode corerr.Code
	rc := ResolveContext{
		Context:     context.Background(),
		Permissions: Permissions{AllowedTools: []string{"calculator"}},
		OnToolBlocked: func(toolID string, code corerr.Code, detail string) {
			blockedCode = code
		},
	}

	// Missing the required "expression" field.
	_, err := reg.Resolve("calculator", json.RawMessage(`{}`), rc)
	require.Error(t, err)
	require.True(t, corerr.HasCode(err, corerr.CodeValidation))
	require.Equal(t, corerr.CodeValidation, blockedCode)
	require.False(t, executed)
}

type stubApprovals struct{ approved bool }

func (s stubApprovals) IsPreApproved(traceID, toolID string) bool { return s.approved }

func TestResolveRequiresApprovalThenSucceedsOncePreApproved(t *testing.T) {
	reg := New()
	executed := false
	reg.Register(newCalcTool(t, true, &executed))

	raw, _ := json.Marshal(map[string]any{"expression": "2+2"})

	var requested bool
	rc := ResolveContext{
		Context:     context.Background(),
		TraceID:     "trace-2",
		Permissions: Permissions{AllowedTools: []string{"calculator"}},
		Approvals:   stubApprovals{approved: false},
		OnApprovalRequested: func(toolID string, input map[string]any) {
			requested = true
		},
	}
	_, err := reg.Resolve("calculator", raw, rc)
	require.Error(t, err)
	require.True(t, corerr.HasCode(err, corerr.CodeHumanApprovalPending))
	require.True(t, requested)
	require.False(t, executed)

	rc.Approvals = stubApprovals{approved: true}
	result, err := reg.Resolve("calculator", raw, rc)
	require.NoError(t, err)
	require.True(t, result.Success)
	require.True(t, executed)
}

func TestResolveDryRunNeverExecutes(t *testing.T) {
	reg := New()
	executed := false
	reg.Register(newCalcTool(t, false, &executed))

	raw, _ := json.Marshal(map[string]any{"expression": "2+2"})
	rc := ResolveContext{
		Context:     context.Background(),
		Permissions: Permissions{AllowedTools: []string{"calculator"}},
	}

	result, err := reg.ResolveDryRun("calculator", raw, rc)
	require.NoError(t, err)
	require.Equal(t, "2+2", result.Output["wouldEvaluate"])
	require.False(t, executed)
}

func TestRegisterIsIdempotentLastWins(t *testing.T) {
	reg := New()
	firstExecuted, secondExecuted := false, false
	reg.Register(newCalcTool(t, false, &firstExecuted))
	reg.Register(newCalcTool(t, false, &secondExecuted))

	require.Len(t, reg.ListAll(), 1)

	raw, _ := json.Marshal(map[string]any{"expression": "2+2"})
	_, err := reg.Resolve("calculator", raw, ResolveContext{
		Context:     context.Background(),
		Permissions: Permissions{AllowedTools: []string{"calculator"}},
	})
	require.NoError(t, err)
	require.False(t, firstExecuted)
	require.True(t, secondExecuted)
}

func TestUnregisterAndHas(t *testing.T) {
	reg := New()
	executed := false
	reg.Register(newCalcTool(t, false, &executed))
	require.True(t, reg.Has("calculator"))

	reg.Unregister("calculator")
	require.False(t, reg.Has("calculator"))
	_, ok := reg.Get("calculator")
	require.False(t, ok)
}

func toFloat(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	default:
		return 0
	}
}

// Package toolregistry implements the Tool Registry and RBAC guard of
// spec §4.1: register/unregister/get/listAll plus the resolve pipeline
// that enforces allow-listing, schema validation, and approval gating
// before a tool ever runs. Registries are independent, per-process
// instances, constructed per runtime
// rather than shared as a package-level singleton.
package toolregistry

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/nexuscore/core/internal/corerr"
)

// RiskLevel classifies how much damage a tool's side effects can do,
// independent of whether it requires approval (a low-risk tool can
// still be marked requiresApproval for compliance reasons).
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// ToolResult is the outcome of resolve/resolveDryRun. DurationMs is
// always populated, even on failure paths that never reach execute.
type ToolResult struct {
	Success    bool           `json:"success"`
	Output     map[string]any `json:"output,omitempty"`
	DurationMs int64          `json:"durationMs"`
	Error      string         `json:"error,omitempty"`
}

// ExecutableTool is the contract every registered tool satisfies (spec
// §4.1). Schemas are compiled json-schema documents; Execute/DryRun
// return a result map or an error, never panic for expected failures.
type ExecutableTool interface {
	ID() string
	Name() string
	Description() string
	Category() string
	RiskLevel() RiskLevel
	RequiresApproval() bool
	SideEffects() bool
	SupportsDryRun() bool
	InputSchema() *jsonschema.Schema
	Execute(ctx context.Context, input map[string]any) (map[string]any, error)
	DryRun(ctx context.Context, input map[string]any) (map[string]any, error)
}

// Permissions is the subset of run context the registry consults for
// RBAC. The Agent Runner constructs one per turn from the project's
// AgentConfig.AllowedTools.
type Permissions struct {
	AllowedTools []string
}

func (p Permissions) allows(toolID string) bool {
	for _, id := range p.AllowedTools {
		if id == toolID {
			return true
		}
	}
	return false
}

// ApprovalChecker reports whether a tool call already has a standing
// approval for the given trace, so a previously-approved call doesn't
// re-trigger HUMAN_APPROVAL_PENDING on retry. The Approval Gate
// implements this; resolve never calls back into it to request one —
// that responsibility stays with the runner, per spec §4.1 step 4.
type ApprovalChecker interface {
	IsPreApproved(traceID string, toolID string) bool
}

// ResolveContext carries the per-call information resolve needs beyond
// the tool id and raw input.
type ResolveContext struct {
	Context     context.Context
	TraceID     string
	Permissions Permissions
	Approvals   ApprovalChecker
	// OnApprovalRequested, if set, is invoked once when step 4 fires so
	// the caller can append an approval_requested trace event without
	// the registry importing the trace package.
	OnApprovalRequested func(toolID string, input map[string]any)
	// OnToolBlocked, if set, is invoked whenever resolve fails before
	// execute would have run (TOOL_NOT_FOUND, TOOL_NOT_ALLOWED,
	// VALIDATION_ERROR, HUMAN_APPROVAL_PENDING) so the caller can emit a
	// tool_blocked trace event (spec §8 property 2 and 5).
	OnToolBlocked func(toolID string, code corerr.Code, detail string)
}

// Registry is a thread-safe, per-process collection of tools keyed by
// id. The zero value is not usable; build with New.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]ExecutableTool
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{tools: make(map[string]ExecutableTool)}
}

// Register adds or replaces a tool by id. Idempotent: the last call
// for a given id wins.
func (r *Registry) Register(tool ExecutableTool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[tool.ID()] = tool
}

// Unregister removes a tool by id. A no-op if the id is unknown.
func (r *Registry) Unregister(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tools, id)
}

// Has reports whether id is currently registered.
func (r *Registry) Has(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.tools[id]
	return ok
}

// Get returns the tool registered under id, if any.
func (r *Registry) Get(id string) (ExecutableTool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[id]
	return t, ok
}

// ListAll returns every registered tool in no particular order.
func (r *Registry) ListAll() []ExecutableTool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ExecutableTool, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, t)
	}
	return out
}

// Resolve runs the full pipeline of spec §4.1: existence, RBAC, schema
// validation, approval gating, execute. The returned error, when
// non-nil, is always a *corerr.Error carrying one of TOOL_NOT_FOUND,
// TOOL_NOT_ALLOWED, VALIDATION_ERROR, HUMAN_APPROVAL_PENDING, or
// TOOL_EXECUTION_ERROR.
func (r *Registry) Resolve(id string, rawInput json.RawMessage, rc ResolveContext) (ToolResult, error) {
	return r.resolve(id, rawInput, rc, false)
}

// ResolveDryRun runs the same pipeline but invokes DryRun instead of
// Execute. RBAC and schema validation are still enforced; DryRun must
// not perform external side effects.
func (r *Registry) ResolveDryRun(id string, rawInput json.RawMessage, rc ResolveContext) (ToolResult, error) {
	return r.resolve(id, rawInput, rc, true)
}

func (r *Registry) resolve(id string, rawInput json.RawMessage, rc ResolveContext, dryRun bool) (ToolResult, error) {
	start := time.Now()
	blocked := func(code corerr.Code, detail string) (ToolResult, error) {
		if rc.OnToolBlocked != nil {
			rc.OnToolBlocked(id, code, detail)
		}
		return ToolResult{Success: false, DurationMs: time.Since(start).Milliseconds(), Error: detail},
			corerr.New(code, detail)
	}

	tool, ok := r.Get(id)
	if !ok {
		return blocked(corerr.CodeToolNotFound, "tool not found: "+id)
	}

	if !rc.Permissions.allows(id) {
		return blocked(corerr.CodeToolNotAllowed, "tool not allowed for this context: "+id)
	}

	input, fieldErrs := validateInput(tool.InputSchema(), rawInput)
	if len(fieldErrs) > 0 {
		return blocked(corerr.CodeValidation, strings.Join(fieldErrs, "; "))
	}

	if tool.RequiresApproval() {
		preApproved := rc.Approvals != nil && rc.Approvals.IsPreApproved(rc.TraceID, id)
		if !preApproved {
			if rc.OnApprovalRequested != nil {
				rc.OnApprovalRequested(id, input)
			}
			return blocked(corerr.CodeHumanApprovalPending, "awaiting human approval for tool: "+id)
		}
	}

	ctx := rc.Context
	if ctx == nil {
		ctx = context.Background()
	}

	var (
		output map[string]any
		err    error
	)
	if dryRun {
		output, err = tool.DryRun(ctx, input)
	} else {
		output, err = tool.Execute(ctx, input)
	}
	duration := time.Since(start).Milliseconds()
	if err != nil {
		wrapped := corerr.Wrap(corerr.CodeToolExecutionError, fmt.Errorf("tool %s failed: %w", id, err))
		return ToolResult{Success: false, DurationMs: duration, Error: wrapped.Error()}, wrapped
	}
	return ToolResult{Success: true, Output: output, DurationMs: duration}, nil
}

// validateInput parses rawInput as JSON, validates it against schema
// (a nil schema means "no declared shape", anything goes), and returns
// the decoded map plus a list of "field: message" strings on failure.
func validateInput(schema *jsonschema.Schema, rawInput json.RawMessage) (map[string]any, []string) {
	var decoded any
	if len(rawInput) == 0 {
		decoded = map[string]any{}
	} else if err := json.Unmarshal(rawInput, &decoded); err != nil {
		return nil, []string{"input: not valid JSON: " + err.Error()}
	}

	if schema != nil {
		if err := schema.Validate(decoded); err != nil {
			return nil, flattenValidationError(err)
		}
	}

	asMap, _ := decoded.(map[string]any)
	if asMap == nil {
		asMap = map[string]any{}
	}
	return asMap, nil
}

// flattenValidationError walks a jsonschema.ValidationError tree into
// "instanceLocation: message" strings, one per leaf cause, matching the
// "per-field messages" spec §4.1 requires.
func flattenValidationError(err error) []string {
	ve, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return []string{err.Error()}
	}
	var msgs []string
	var walk func(e *jsonschema.ValidationError)
	walk = func(e *jsonschema.ValidationError) {
		if len(e.Causes) == 0 {
			loc := e.InstanceLocation
			if loc == "" {
				loc = "(root)"
			}
			msgs = append(msgs, fmt.Sprintf("%s: %s", loc, e.Message))
			return
		}
		for _, c := range e.Causes {
			walk(c)
		}
	}
	walk(ve)
	if len(msgs) == 0 {
		msgs = []string{ve.Error()}
	}
	return msgs
}

// CompileSchema compiles a raw json-schema document, the way tool
// authors declare inputSchema near their implementation (spec §9).
func CompileSchema(name string, schemaJSON []byte) (*jsonschema.Schema, error) {
	var doc any
	if err := json.Unmarshal(schemaJSON, &doc); err != nil {
		return nil, fmt.Errorf("unmarshal schema %s: %w", name, err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(name, doc); err != nil {
		return nil, fmt.Errorf("add schema resource %s: %w", name, err)
	}
	return compiler.Compile(name)
}

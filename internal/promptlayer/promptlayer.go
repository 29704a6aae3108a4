// Package promptlayer implements the Prompt Layer Resolver of spec
// §4.3: atomic per-(project, layerType) version activation and
// deterministic five-section system prompt assembly, with labeled
// blocks joined by blank lines into a single versioned-layer prompt.
package promptlayer

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/nexuscore/core/internal/corerr"
	"github.com/nexuscore/core/internal/ids"
	"github.com/nexuscore/core/internal/model"
)

// ToolDescriptor is the minimal shape the resolver needs to render the
// "Available Tools" section; internal/toolregistry.ExecutableTool
// satisfies this trivially via an adapter at the call site so this
// package doesn't import toolregistry.
type ToolDescriptor struct {
	Name        string
	Description string
}

var variablePattern = regexp.MustCompile(`\{\{([^{}]+)\}\}`)

// Store holds the currently active layer per (project, layerType).
// Activation replaces the map entry under a single write-lock
// acquisition, so a concurrent Resolve call observes either the old
// layer or the new one, never a torn mix (spec §4.3's atomicity rule).
type Store struct {
	mu     sync.RWMutex
	active map[ids.ProjectId]map[model.PromptLayerType]*model.PromptLayer
}

// New returns an empty Store.
func New() *Store {
	return &Store{active: make(map[ids.ProjectId]map[model.PromptLayerType]*model.PromptLayer)}
}

// Activate makes layer the active version for its (ProjectID,
// LayerType), atomically deactivating whatever was active before.
func (s *Store) Activate(layer *model.PromptLayer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	byType, ok := s.active[layer.ProjectID]
	if !ok {
		byType = make(map[model.PromptLayerType]*model.PromptLayer)
		s.active[layer.ProjectID] = byType
	}
	activated := *layer
	activated.IsActive = true
	byType[layer.LayerType] = &activated
}

// Deactivate clears the active layer for (projectID, layerType), used
// when a project is being torn down or reconfigured.
func (s *Store) Deactivate(projectID ids.ProjectId, layerType model.PromptLayerType) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if byType, ok := s.active[projectID]; ok {
		delete(byType, layerType)
	}
}

// ActiveLayer returns the currently active layer for (projectID,
// layerType), if any.
func (s *Store) ActiveLayer(projectID ids.ProjectId, layerType model.PromptLayerType) (*model.PromptLayer, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	byType, ok := s.active[projectID]
	if !ok {
		return nil, false
	}
	l, ok := byType[layerType]
	return l, ok
}

func (s *Store) activeTriple(projectID ids.ProjectId) (identity, instructions, safety *model.PromptLayer, err error) {
	identity, ok1 := s.ActiveLayer(projectID, model.LayerIdentity)
	instructions, ok2 := s.ActiveLayer(projectID, model.LayerInstructions)
	safety, ok3 := s.ActiveLayer(projectID, model.LayerSafety)
	if !ok1 || !ok2 || !ok3 {
		return nil, nil, nil, corerr.New(corerr.CodePromptNotConfigured,
			fmt.Sprintf("project %s does not have all three prompt layers active", projectID))
	}
	return identity, instructions, safety, nil
}

// Assembled is the output of Resolve: the final prompt string plus the
// snapshot that makes it reproducible and auditable.
type Assembled struct {
	Prompt   string
	Snapshot model.PromptSnapshot
}

// Resolve assembles the five-section system prompt for projectID and
// returns it alongside a PromptSnapshot. Fails with
// PROMPT_NOT_CONFIGURED if fewer than three layers are active.
func (s *Store) Resolve(
	projectID ids.ProjectId,
	tools []ToolDescriptor,
	memories []model.MemoryEntry,
	variables map[string]string,
) (Assembled, error) {
	identity, instructions, safety, err := s.activeTriple(projectID)
	if err != nil {
		return Assembled{}, err
	}

	identityText := substitute(identity.Content, variables)
	instructionsText := substitute(instructions.Content, variables)
	safetyText := substitute(safety.Content, variables)
	toolsText := renderTools(tools)
	contextText := renderContext(memories)

	sections := []string{
		renderSection("Identity", identityText),
		renderSection("Instructions", instructionsText),
		renderSection("Available Tools", toolsText),
		renderSection("Relevant Context", contextText),
		renderSection("Safety & Boundaries", safetyText),
	}

	prompt := strings.Join(sections, "\n\n")

	snapshot := model.PromptSnapshot{
		IdentityLayerID:      identity.ID,
		IdentityVersion:      identity.Version,
		InstructionsLayerID:  instructions.ID,
		InstructionsVersion:  instructions.Version,
		SafetyLayerID:        safety.ID,
		SafetyVersion:        safety.Version,
		ToolsSectionSHA256:   sha256Hex(toolsText),
		ContextSectionSHA256: sha256Hex(contextText),
	}

	return Assembled{Prompt: prompt, Snapshot: snapshot}, nil
}

func renderSection(label, body string) string {
	body = strings.TrimSpace(body)
	if body == "" {
		body = "(none)"
	}
	return fmt.Sprintf("## %s\n%s", label, body)
}

func renderTools(tools []ToolDescriptor) string {
	if len(tools) == 0 {
		return ""
	}
	lines := make([]string, 0, len(tools))
	for _, t := range tools {
		lines = append(lines, fmt.Sprintf("- %s: %s", t.Name, t.Description))
	}
	return strings.Join(lines, "\n")
}

func renderContext(memories []model.MemoryEntry) string {
	if len(memories) == 0 {
		return ""
	}
	lines := make([]string, 0, len(memories))
	for _, m := range memories {
		lines = append(lines, fmt.Sprintf("- [%s] %s", m.Category, m.Content))
	}
	return strings.Join(lines, "\n")
}

// substitute replaces every {{name}} occurrence with variables[name];
// unknown names pass through unchanged so layers stay debuggable, per
// spec §4.3.
func substitute(content string, variables map[string]string) string {
	return variablePattern.ReplaceAllStringFunc(content, func(match string) string {
		name := strings.TrimSpace(variablePattern.FindStringSubmatch(match)[1])
		if val, ok := variables[name]; ok {
			return val
		}
		return match
	})
}

func sha256Hex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

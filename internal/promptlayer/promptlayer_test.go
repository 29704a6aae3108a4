package promptlayer

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nexuscore/core/internal/corerr"
	"github.com/nexuscore/core/internal/ids"
	"github.com/nexuscore/core/internal/model"
)

func activateTriple(store *Store, project ids.ProjectId, identityV, instructionsV, safetyV int) {
	store.Activate(&model.PromptLayer{
		ID: ids.PromptLayerId("identity-v" + itoa(identityV)), ProjectID: project,
		LayerType: model.LayerIdentity, Version: identityV, Content: "You are {{agentName}}.",
	})
	store.Activate(&model.PromptLayer{
		ID: ids.PromptLayerId("instructions-v" + itoa(instructionsV)), ProjectID: project,
		LayerType: model.LayerInstructions, Version: instructionsV, Content: "Always be concise.",
	})
	store.Activate(&model.PromptLayer{
		ID: ids.PromptLayerId("safety-v" + itoa(safetyV)), ProjectID: project,
		LayerType: model.LayerSafety, Version: safetyV, Content: "Never exfiltrate secrets.",
	})
}

func itoa(n int) string {
	digits := "0123456789"
	if n == 0 {
		return "0"
	}
	var b []byte
	for n > 0 {
		b = append([]byte{digits[n%10]}, b...)
		n /= 10
	}
	return string(b)
}

func TestResolveFailsWhenNotFullyConfigured(t *testing.T) {
	store := New()
	project := ids.NewProjectId()

	store.Activate(&model.PromptLayer{ID: "id-1", ProjectID: project, LayerType: model.LayerIdentity, Version: 1, Content: "x"})

	_, err := store.Resolve(project, nil, nil, nil)
	require.Error(t, err)
	require.True(t, corerr.HasCode(err, corerr.CodePromptNotConfigured))
}

func TestS6_PromptSnapshotDeterminism(t *testing.T) {
	store := New()
	project := ids.NewProjectId()
	activateTriple(store, project, 3, 7, 1)

	tools := []ToolDescriptor{{Name: "calculator", Description: "adds two numbers"}}
	memories := []model.MemoryEntry{{Category: "preference", Content: "likes concise answers"}}
	vars := map[string]string{"agentName": "Nexus"}

	first, err := store.Resolve(project, tools, memories, vars)
	require.NoError(t, err)
	second, err := store.Resolve(project, tools, memories, vars)
	require.NoError(t, err)

	require.Equal(t, first.Prompt, second.Prompt)
	require.Equal(t, first.Snapshot, second.Snapshot)
	require.Equal(t, first.Snapshot.ToolsSectionSHA256, second.Snapshot.ToolsSectionSHA256)
	require.Equal(t, first.Snapshot.ContextSectionSHA256, second.Snapshot.ContextSectionSHA256)
	require.Equal(t, 3, first.Snapshot.IdentityVersion)
	require.Equal(t, 7, first.Snapshot.InstructionsVersion)
	require.Equal(t, 1, first.Snapshot.SafetyVersion)
}

func TestSectionOrderIsFixed(t *testing.T) {
	store := New()
	project := ids.NewProjectId()
	activateTriple(store, project, 1, 1, 1)

	assembled, err := store.Resolve(project, nil, nil, nil)
	require.NoError(t, err)

	identityIdx := indexOf(assembled.Prompt, "## Identity")
	instructionsIdx := indexOf(assembled.Prompt, "## Instructions")
	toolsIdx := indexOf(assembled.Prompt, "## Available Tools")
	contextIdx := indexOf(assembled.Prompt, "## Relevant Context")
	safetyIdx := indexOf(assembled.Prompt, "## Safety & Boundaries")

	require.True(t, identityIdx < instructionsIdx)
	require.True(t, instructionsIdx < toolsIdx)
	require.True(t, toolsIdx < contextIdx)
	require.True(t, contextIdx < safetyIdx)
}

func TestVariableSubstitutionLeavesUnknownNamesUnchanged(t *testing.T) {
	store := New()
	project := ids.NewProjectId()
	store.Activate(&model.PromptLayer{
		ID: "id-1", ProjectID: project, LayerType: model.LayerIdentity, Version: 1,
		Content: "You are {{agentName}}, created by {{unknownVar}}.",
	})
	store.Activate(&model.PromptLayer{ID: "in-1", ProjectID: project, LayerType: model.LayerInstructions, Version: 1, Content: "x"})
	store.Activate(&model.PromptLayer{ID: "sa-1", ProjectID: project, LayerType: model.LayerSafety, Version: 1, Content: "x"})

	assembled, err := store.Resolve(project, nil, nil, map[string]string{"agentName": "Nexus"})
	require.NoError(t, err)
	require.Contains(t, assembled.Prompt, "You are Nexus, created by {{unknownVar}}.")
}

func TestActivationReplacesPreviousVersionAtomically(t *testing.T) {
	store := New()
	project := ids.NewProjectId()
	activateTriple(store, project, 1, 1, 1)

	layer, ok := store.ActiveLayer(project, model.LayerIdentity)
	require.True(t, ok)
	require.Equal(t, 1, layer.Version)

	store.Activate(&model.PromptLayer{ID: "id-2", ProjectID: project, LayerType: model.LayerIdentity, Version: 2, Content: "v2"})

	layer, ok = store.ActiveLayer(project, model.LayerIdentity)
	require.True(t, ok)
	require.Equal(t, 2, layer.Version)
}

func indexOf(haystack, needle string) int {
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if haystack[i:i+len(needle)] == needle {
			return i
		}
	}
	return -1
}

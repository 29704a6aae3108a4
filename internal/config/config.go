// Package config loads the project configuration file described in
// spec §6: a document naming a Project and its embedded AgentConfig,
// JSON by default or YAML when the path ends in .yaml/.yml. String
// values of the form ${VAR_NAME} are substituted from the process
// environment before parsing; a missing variable fails loading with
// CONFIG_ERROR rather than silently substituting an empty string.
//
// Unlike os.ExpandEnv's "missing means empty" behavior, a missing
// variable reports exactly which one is undefined. The document model
// is a single file, JSON or YAML, with no cross-file composition.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/nexuscore/core/internal/corerr"
	"github.com/nexuscore/core/internal/ids"
	"github.com/nexuscore/core/internal/model"
)

// ProjectFile is the on-disk shape of a project configuration file.
type ProjectFile struct {
	ID          ids.ProjectId     `json:"id" yaml:"id"`
	Name        string            `json:"name" yaml:"name"`
	Description string            `json:"description,omitempty" yaml:"description,omitempty"`
	Environment string            `json:"environment" yaml:"environment"`
	Owner       string            `json:"owner" yaml:"owner"`
	Tags        []string          `json:"tags,omitempty" yaml:"tags,omitempty"`
	AgentConfig model.AgentConfig `json:"agentConfig" yaml:"agent_config"`
}

var validEnvironments = map[string]bool{
	"production":  true,
	"staging":     true,
	"development": true,
}

var envTokenPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads path, substitutes ${VAR_NAME} tokens from the process
// environment, and decodes the result into a ProjectFile. The decoder
// is chosen by extension: .yaml/.yml use YAML (AgentConfig's fields
// all carry yaml tags for this), everything else is JSON, per spec
// §6's JSON-by-default document shape. Load fails with
// corerr.CodeConfigError if the file cannot be read, an environment
// variable is missing, the document is malformed, or the decoded
// document fails Validate.
func Load(path string) (*ProjectFile, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, corerr.Wrap(corerr.CodeConfigError, err)
	}

	expanded, err := ExpandEnv(string(raw))
	if err != nil {
		return nil, err
	}

	var file ProjectFile
	if isYAML(path) {
		if err := yaml.Unmarshal([]byte(expanded), &file); err != nil {
			return nil, corerr.Wrap(corerr.CodeConfigError, err)
		}
	} else if err := json.Unmarshal([]byte(expanded), &file); err != nil {
		return nil, corerr.Wrap(corerr.CodeConfigError, err)
	}

	if err := file.Validate(); err != nil {
		return nil, err
	}
	return &file, nil
}

func isYAML(path string) bool {
	switch filepath.Ext(path) {
	case ".yaml", ".yml":
		return true
	default:
		return false
	}
}

// ExpandEnv substitutes every ${VAR_NAME} token in s with the value of
// the matching environment variable, failing with CONFIG_ERROR on the
// first variable that is unset. Unlike os.ExpandEnv, an unset variable
// is an error, not an empty string — spec §6: "a missing variable
// fails loading with CONFIG_ERROR".
func ExpandEnv(s string) (string, error) {
	var firstErr error
	result := envTokenPattern.ReplaceAllStringFunc(s, func(token string) string {
		if firstErr != nil {
			return token
		}
		name := envTokenPattern.FindStringSubmatch(token)[1]
		value, ok := os.LookupEnv(name)
		if !ok {
			firstErr = corerr.New(corerr.CodeConfigError,
				fmt.Sprintf("config references undefined environment variable %q", name))
			return token
		}
		return value
	})
	if firstErr != nil {
		return "", firstErr
	}
	return result, nil
}

// Validate checks structural invariants spec §6 names beyond what
// JSON decoding already enforces.
func (f *ProjectFile) Validate() error {
	if strings.TrimSpace(string(f.ID)) == "" {
		return corerr.New(corerr.CodeConfigError, "config file is missing id")
	}
	if strings.TrimSpace(f.Name) == "" {
		return corerr.New(corerr.CodeConfigError, "config file is missing name")
	}
	if !validEnvironments[f.Environment] {
		return corerr.New(corerr.CodeConfigError,
			fmt.Sprintf("config file has invalid environment %q: must be production, staging, or development", f.Environment))
	}
	if strings.TrimSpace(f.Owner) == "" {
		return corerr.New(corerr.CodeConfigError, "config file is missing owner")
	}
	if f.AgentConfig.Primary.Model == "" {
		return corerr.New(corerr.CodeConfigError, "config file's agentConfig is missing primary.model")
	}
	return nil
}

// ToProject builds the model.Project this file describes, defaulting
// Status to active for a freshly loaded config.
func (f *ProjectFile) ToProject() model.Project {
	return model.Project{
		ID:          f.ID,
		Name:        f.Name,
		Environment: f.Environment,
		Owner:       f.Owner,
		Tags:        f.Tags,
		Config:      f.AgentConfig,
		Status:      model.ProjectActive,
	}
}

// Package manifest loads the declarative description of an actor that the
// Actor Runtime consumes once at spawn time. Manifests are textual, keyed
// YAML documents rather than already-decoded Go structs handed in by a
// caller.
package manifest

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// HandlerEntry configures one handler instance for an actor.
type HandlerEntry struct {
	// Type must match a registered handler's Name().
	Type string `yaml:"type" json:"type"`
	// Config is handler-specific and carried opaquely. No handler reads
	// it: handler templates are configured once, process-wide, by whoever
	// builds the actor runtime.
	Config map[string]any `yaml:"config,omitempty" json:"config,omitempty"`
}

// Manifest is the declarative description of an actor, created by an
// external source (an operator, a CLI, another actor's supervisor handler)
// and consumed exactly once, at spawn.
type Manifest struct {
	// Name is a human-readable identifier; it is not unique and is not used
	// as a registry key (ActorId is).
	Name string `yaml:"name" json:"name"`
	// Component is a path to a bytecode artifact, or a content reference
	// (see store.Ref.String) resolved against the Content Store if it
	// parses as one.
	Component string `yaml:"component" json:"component"`
	// Version is an optional human-readable version string for the actor
	// definition; it has no bearing on import-matching version strings.
	Version string `yaml:"version,omitempty" json:"version,omitempty"`
	// Description is optional free text.
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
	// SaveChain controls whether chain events for this actor are persisted
	// durably; chain persistence is opt-in per actor.
	SaveChain bool `yaml:"save_chain,omitempty" json:"save_chain,omitempty"`
	// InitState is the initial state blob passed to the component's init
	// export. Mutually exclusive with InitStateRef.
	InitState []byte `yaml:"init_state,omitempty" json:"init_state,omitempty"`
	// InitStateRef names a content ref to resolve the initial state from.
	InitStateRef string `yaml:"init_state_ref,omitempty" json:"init_state_ref,omitempty"`
	// Handlers lists the handler types this actor wants active. Only each
	// entry's Type is checked at spawn; an entry's Config does not change
	// how the handler behaves for this actor. Unknown types are rejected at
	// spawn by the actor runtime, not here.
	Handlers []HandlerEntry `yaml:"handlers,omitempty" json:"handlers,omitempty"`
}

// Validate checks the required fields: name and component.
func (m Manifest) Validate() error {
	if m.Name == "" {
		return fmt.Errorf("manifest: name is required")
	}
	if m.Component == "" {
		return fmt.Errorf("manifest: component is required")
	}
	if len(m.InitState) > 0 && m.InitStateRef != "" {
		return fmt.Errorf("manifest: init_state and init_state_ref are mutually exclusive")
	}
	return nil
}

// Parse decodes a manifest from its YAML textual form.
func Parse(data []byte) (Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return Manifest{}, fmt.Errorf("manifest: error parsing manifest: %w", err)
	}
	if err := m.Validate(); err != nil {
		return Manifest{}, err
	}
	return m, nil
}

// Load reads a manifest file from disk and parses it.
func Load(path string) (Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Manifest{}, fmt.Errorf("manifest: error reading manifest at %s: %w", path, err)
	}
	return Parse(data)
}

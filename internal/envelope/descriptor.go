package envelope

import "fmt"

// SafetyLevel classifies the side-effect class of a capability. The level is
// declared by the capability, not inferred from its behavior.
type SafetyLevel string

const (
	SafetyReadOnly        SafetyLevel = "read_only"
	SafetyWriteSafe       SafetyLevel = "write_safe"
	SafetyRestrictedWrite SafetyLevel = "restricted_write"
	SafetyTransactional   SafetyLevel = "transactional"
	SafetyCached          SafetyLevel = "cached"
)

// ParseSafetyLevel maps a wire string to a SafetyLevel.
func ParseSafetyLevel(s string) (SafetyLevel, error) {
	switch SafetyLevel(s) {
	case SafetyReadOnly, SafetyWriteSafe, SafetyRestrictedWrite, SafetyTransactional, SafetyCached:
		return SafetyLevel(s), nil
	}
	return "", fmt.Errorf("unknown safety level %q", s)
}

func (l SafetyLevel) String() string { return string(l) }

// Writes reports whether the level mutates state outside the sandbox.
func (l SafetyLevel) Writes() bool {
	switch l {
	case SafetyWriteSafe, SafetyRestrictedWrite, SafetyTransactional:
		return true
	}
	return false
}

// RequiresConfirmation reports whether an operation at this level needs an
// explicit caller confirmation under the given mode. Plan mode never
// confirms: writes are denied outright there.
func (l SafetyLevel) RequiresConfirmation(mode ExecutionMode) bool {
	return l.Writes() && mode == ModeExecute
}

// ExecutionMode is the router-wide write gate, snapshotted once per routing
// cycle.
type ExecutionMode string

const (
	ModePlan    ExecutionMode = "plan"
	ModeExecute ExecutionMode = "execute"
	ModeUnsafe  ExecutionMode = "unsafe"
)

// ParseExecutionMode maps a wire string to an ExecutionMode.
func ParseExecutionMode(s string) (ExecutionMode, error) {
	switch ExecutionMode(s) {
	case ModePlan, ModeExecute, ModeUnsafe:
		return ExecutionMode(s), nil
	}
	return "", fmt.Errorf("unknown execution mode %q", s)
}

func (m ExecutionMode) String() string { return string(m) }

// Provider identifies where a capability lives.
type Provider string

const (
	ProviderMCPClassMethod Provider = "mcp_class_method"
	ProviderUserScript     Provider = "user_script"
)

// ParseProvider maps a wire string to a Provider.
func ParseProvider(s string) (Provider, error) {
	switch Provider(s) {
	case ProviderMCPClassMethod, ProviderUserScript:
		return Provider(s), nil
	}
	return "", fmt.Errorf("unknown provider %q", s)
}

func (p Provider) String() string { return string(p) }

// Parameter describes one input of a capability.
type Parameter struct {
	Name     string `json:"name"`
	TypeTag  string `json:"type_tag"`
	Required bool   `json:"required"`
	Default  any    `json:"default,omitempty"`
}

// Descriptor is the uniform capability record the registry serves. Both
// class-backed operations and user scripts normalize into this shape.
type Descriptor struct {
	Domain      string      `json:"domain"`
	Action      string      `json:"action"`
	Description string      `json:"description"`
	Params      []Parameter `json:"parameters,omitempty"`
	// Returns is the type tag of the envelope data this capability
	// produces; the composer chains capabilities by matching it against
	// required parameter tags downstream.
	Returns     string      `json:"returns,omitempty"`
	SafetyLevel SafetyLevel `json:"safety_level"`
	Provider    Provider    `json:"provider"`
	Locator     string      `json:"locator"`
	Version     string      `json:"version,omitempty"`
}

// Key is the canonical dotted identity used for index lookups and audit
// payloads.
func (d Descriptor) Key() string {
	return d.Domain + "." + d.Action
}

// InputTypeTags lists the type tags of required parameters, in declaration
// order. The composer uses these to decide whether two capabilities chain.
func (d Descriptor) InputTypeTags() []string {
	var tags []string
	for _, p := range d.Params {
		if p.Required {
			tags = append(tags, p.TypeTag)
		}
	}
	return tags
}

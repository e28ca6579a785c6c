package intent

import (
	"strings"

	"github.com/opsforge/sentinel/internal/models"
)

// ToolSpec describes one permitted tool: its argument contract and the risk
// policy attached to it. Risk is policy, never inferred from text.
type ToolSpec struct {
	Name     string
	Risk     models.RiskLevel
	Required []string
	Optional []string
	// ReadOnly tools skip the per-resource in-flight slot; they mutate nothing.
	ReadOnly bool
	// NeedsTarget tools must resolve to a concrete instance id.
	NeedsTarget bool
	// Keywords drive the semantic fallback when strict parsing fails.
	Keywords []string
}

// Registry is the fixed set of permitted tools plus the static blocklist of
// operations that must never reach the gate at all.
type Registry struct {
	tools     map[string]ToolSpec
	blocklist map[string]struct{}
}

// NewRegistry builds the default sentinel tool registry.
func NewRegistry() *Registry {
	r := &Registry{
		tools:     make(map[string]ToolSpec),
		blocklist: make(map[string]struct{}),
	}

	for _, spec := range []ToolSpec{
		{
			Name:     "list_instances",
			Risk:     models.RiskSafe,
			Optional: []string{"status"},
			ReadOnly: true,
		},
		{
			Name:        "get_metrics",
			Risk:        models.RiskSafe,
			Optional:    []string{"instance_id"},
			ReadOnly:    true,
			NeedsTarget: false,
		},
		{
			Name:        "get_recent_logs",
			Risk:        models.RiskSafe,
			Required:    []string{"instance_id"},
			Optional:    []string{"lines"},
			ReadOnly:    true,
			NeedsTarget: true,
		},
		{
			Name:        "start_instances",
			Risk:        models.RiskSafe,
			Required:    []string{"instance_id"},
			NeedsTarget: true,
			Keywords:    []string{"start", "boot", "bring up"},
		},
		{
			Name:        "reboot_instances",
			Risk:        models.RiskSafe,
			Required:    []string{"instance_id"},
			NeedsTarget: true,
			Keywords:    []string{"reboot", "restart"},
		},
		{
			Name:        "stop_instances",
			Risk:        models.RiskCritical,
			Required:    []string{"instance_id"},
			NeedsTarget: true,
			Keywords:    []string{"stop", "shutdown", "halt"},
		},
		{
			Name:        "terminate_instances",
			Risk:        models.RiskCritical,
			Required:    []string{"instance_id"},
			NeedsTarget: true,
			Keywords:    []string{"terminate", "destroy"},
		},
		{
			Name:        "resize_instance",
			Risk:        models.RiskCritical,
			Required:    []string{"instance_id", "instance_type"},
			NeedsTarget: true,
		},
	} {
		r.tools[spec.Name] = spec
	}

	// Irreversible or sandbox-escape class operations. These are not merely
	// unknown tools: naming them is itself a rejection.
	for _, name := range []string{
		"execute_python_code",
		"execute_shell",
		"delete_vpc",
		"delete_account",
		"wipe_volume",
		"terminate_all_instances",
	} {
		r.blocklist[name] = struct{}{}
	}

	return r
}

// Lookup returns the spec for a permitted tool.
func (r *Registry) Lookup(name string) (ToolSpec, bool) {
	spec, ok := r.tools[name]
	return spec, ok
}

// Blocked reports whether the tool name is on the static blocklist.
func (r *Registry) Blocked(name string) bool {
	_, ok := r.blocklist[strings.ToLower(strings.TrimSpace(name))]
	return ok
}

// Risk returns the policy risk level for a permitted tool.
func (r *Registry) Risk(name string) models.RiskLevel {
	if spec, ok := r.tools[name]; ok {
		return spec.Risk
	}
	return models.RiskCritical
}

// Tools returns the permitted tool names, for prompt construction.
func (r *Registry) Tools() []string {
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	return names
}

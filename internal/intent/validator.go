package intent

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/opsforge/sentinel/internal/models"
)

// Resolver looks resource references up in the shared inventory.
type Resolver interface {
	Resolve(nameOrID string) (models.ResourceRef, error)
}

// Context carries conversational state the fallback path may draw on when an
// utterance omits its target.
type Context struct {
	LastInstanceID string
}

// Validator turns untrusted reasoning-oracle text into validated action
// requests. Primary path is strict JSON extraction against the registry; the
// semantic fallback recovers intent by keyword scan. It constructs requests
// only; it executes nothing.
type Validator struct {
	registry *Registry
	resolver Resolver
}

// NewValidator wires the validator to the tool registry and inventory.
func NewValidator(registry *Registry, resolver Resolver) *Validator {
	return &Validator{registry: registry, resolver: resolver}
}

var (
	jsonBlockRe  = regexp.MustCompile(`(?s)\{.*\}`)
	instanceIDRe = regexp.MustCompile(`\bi-[0-9a-z]{4,}\b`)
	instTypeRe   = regexp.MustCompile(`\b[tcmr][1-7][a-z]?\.\w+\b`)
	negationRe   = regexp.MustCompile(`(?i)\b(not|don't|do not|shouldn't|should not|cannot|never)\b`)
)

// Validate produces a Proposed action request or a typed failure. It never
// returns a request whose tool is outside the registry.
func (v *Validator) Validate(raw string, origin models.Origin, convCtx Context) (models.ActionRequest, error) {
	tool, args, parseErr := extractIntent(raw)

	if parseErr == nil {
		if v.registry.Blocked(tool) {
			return models.ActionRequest{}, fmt.Errorf("%w: %s", models.ErrForbiddenCommand, tool)
		}
		if spec, known := v.registry.Lookup(tool); known {
			return v.finalize(spec, args, raw, origin, convCtx)
		}
		// Unrecognised tool name: treat like unparseable output and let the
		// keyword fallback attempt a recovery.
	}

	return v.fallback(raw, origin, convCtx)
}

// RouteReadOnly short-circuits obvious read-only queries without consulting
// the oracle at all, keeping interactive latency low.
func (v *Validator) RouteReadOnly(text string) (models.ActionRequest, bool) {
	lower := strings.ToLower(text)

	containsAny := func(words ...string) bool {
		for _, w := range words {
			if strings.Contains(lower, w) {
				return true
			}
		}
		return false
	}

	switch {
	case containsAny("cpu", "metric", "utilization"):
		args := map[string]string{}
		if ref, err := v.findResource(text, Context{}); err == nil {
			args["instance_id"] = ref.ID
		}
		return v.newRequest("get_metrics", args, models.OriginInteractive, ""), true
	case containsAny("list", "show", "check", "inventory"):
		return v.newRequest("list_instances", map[string]string{"status": "all"}, models.OriginInteractive, ""), true
	}
	return models.ActionRequest{}, false
}

func (v *Validator) fallback(raw string, origin models.Origin, convCtx Context) (models.ActionRequest, error) {
	if negationRe.MatchString(raw) {
		return models.ActionRequest{}, fmt.Errorf("%w: negated phrasing", models.ErrAmbiguousIntent)
	}

	var matched []ToolSpec
	for _, name := range v.registry.Tools() {
		spec, _ := v.registry.Lookup(name)
		for _, kw := range spec.Keywords {
			re := regexp.MustCompile(`(?i)\b` + regexp.QuoteMeta(kw) + `\b`)
			if re.MatchString(raw) {
				matched = append(matched, spec)
				break
			}
		}
	}

	if len(matched) != 1 {
		return models.ActionRequest{}, fmt.Errorf("%w: %d action keywords recognised", models.ErrAmbiguousIntent, len(matched))
	}

	spec := matched[0]
	ref, err := v.findResource(raw, convCtx)
	if err != nil {
		return models.ActionRequest{}, err
	}

	return v.newRequestForSpec(spec, map[string]string{"instance_id": ref.ID}, origin, ref.ID), nil
}

func (v *Validator) finalize(spec ToolSpec, args map[string]string, raw string, origin models.Origin, convCtx Context) (models.ActionRequest, error) {
	resourceID := ""
	if spec.NeedsTarget {
		ref, err := v.resolveTarget(args, raw, convCtx)
		if err != nil {
			return models.ActionRequest{}, err
		}
		args["instance_id"] = ref.ID
		delete(args, "name")
		resourceID = ref.ID
	}

	if spec.Name == "resize_instance" && args["instance_type"] == "" {
		if m := instTypeRe.FindString(strings.ToLower(raw)); m != "" {
			args["instance_type"] = m
		}
	}

	for _, required := range spec.Required {
		if args[required] == "" {
			return models.ActionRequest{}, fmt.Errorf("%w: %s missing required argument %q", models.ErrMalformedIntent, spec.Name, required)
		}
	}

	return v.newRequestForSpec(spec, args, origin, resourceID), nil
}

// resolveTarget picks the action's target in order of preference: explicit
// identifier, explicit name tag, an identifier mentioned in the raw text,
// then the conversational context.
func (v *Validator) resolveTarget(args map[string]string, raw string, convCtx Context) (models.ResourceRef, error) {
	if id := args["instance_id"]; id != "" {
		return v.resolver.Resolve(id)
	}
	if name := args["name"]; name != "" {
		return v.resolver.Resolve(name)
	}
	if m := instanceIDRe.FindString(strings.ToLower(raw)); m != "" {
		return v.resolver.Resolve(m)
	}
	if convCtx.LastInstanceID != "" {
		return v.resolver.Resolve(convCtx.LastInstanceID)
	}
	return models.ResourceRef{}, models.ErrResourceNotFound
}

// findResource scans free text for a resource reference: an instance id
// pattern first, then tokens matching a unique inventory name, finally the
// conversational context.
func (v *Validator) findResource(raw string, convCtx Context) (models.ResourceRef, error) {
	if m := instanceIDRe.FindString(strings.ToLower(raw)); m != "" {
		return v.resolver.Resolve(m)
	}

	seen := make(map[string]models.ResourceRef)
	for _, token := range tokenize(raw) {
		ref, err := v.resolver.Resolve(token)
		if err == nil {
			seen[ref.ID] = ref
			continue
		}
		if errors.Is(err, models.ErrAmbiguousResource) {
			return models.ResourceRef{}, err
		}
	}

	switch len(seen) {
	case 1:
		for _, ref := range seen {
			return ref, nil
		}
	case 0:
		if convCtx.LastInstanceID != "" {
			return v.resolver.Resolve(convCtx.LastInstanceID)
		}
		return models.ResourceRef{}, models.ErrResourceNotFound
	}
	return models.ResourceRef{}, models.ErrAmbiguousResource
}

func (v *Validator) newRequestForSpec(spec ToolSpec, args map[string]string, origin models.Origin, resourceID string) models.ActionRequest {
	return models.ActionRequest{
		ID:         uuid.NewString(),
		Tool:       spec.Name,
		Args:       args,
		Risk:       spec.Risk,
		Origin:     origin,
		Status:     models.StatusProposed,
		ResourceID: resourceID,
		CreatedAt:  time.Now().UTC(),
	}
}

func (v *Validator) newRequest(tool string, args map[string]string, origin models.Origin, resourceID string) models.ActionRequest {
	spec, _ := v.registry.Lookup(tool)
	return v.newRequestForSpec(spec, args, origin, resourceID)
}

// extractIntent pulls the first JSON object out of oracle text, tolerating
// markdown fences and surrounding prose.
func extractIntent(raw string) (string, map[string]string, error) {
	cleaned := strings.ReplaceAll(raw, "```json", "")
	cleaned = strings.ReplaceAll(cleaned, "```", "")

	block := jsonBlockRe.FindString(cleaned)
	if block == "" {
		return "", nil, fmt.Errorf("%w: no JSON object in oracle output", models.ErrMalformedIntent)
	}

	var payload struct {
		Tool string                 `json:"tool"`
		Args map[string]interface{} `json:"args"`
	}
	if err := json.Unmarshal([]byte(block), &payload); err != nil {
		return "", nil, fmt.Errorf("%w: %v", models.ErrMalformedIntent, err)
	}
	if payload.Tool == "" {
		return "", nil, fmt.Errorf("%w: missing tool name", models.ErrMalformedIntent)
	}

	args := make(map[string]string, len(payload.Args))
	for key, value := range payload.Args {
		switch typed := value.(type) {
		case string:
			args[key] = typed
		case float64:
			args[key] = strconv.FormatFloat(typed, 'f', -1, 64)
		case bool:
			args[key] = strconv.FormatBool(typed)
		case nil:
			// dropped
		default:
			return "", nil, fmt.Errorf("%w: argument %q is not a primitive", models.ErrMalformedIntent, key)
		}
	}
	return payload.Tool, args, nil
}

var stopwords = map[string]struct{}{
	"a": {}, "an": {}, "the": {}, "please": {}, "server": {}, "instance": {},
	"new": {}, "my": {}, "this": {}, "that": {}, "with": {}, "for": {},
}

func tokenize(raw string) []string {
	fields := strings.FieldsFunc(raw, func(r rune) bool {
		switch r {
		case ' ', '\t', '\n', ',', '.', '!', '?', '\'', '"', ':', ';', '(', ')':
			return true
		}
		return false
	})

	tokens := make([]string, 0, len(fields))
	for _, f := range fields {
		lower := strings.ToLower(f)
		if _, skip := stopwords[lower]; skip {
			continue
		}
		if len(lower) < 3 {
			continue
		}
		tokens = append(tokens, lower)
	}
	return tokens
}

// Package tools holds the tool registry, derives the schemas offered to
// the model from static argument structs, and executes tool calls.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"regexp"
	"slices"
	"strings"
	"sync"

	"github.com/invopop/jsonschema"

	"github.com/hldeng/parley/internal/llm"
)

// ErrToolNotFound is returned by Describe for unregistered names.
var ErrToolNotFound = errors.New("tool not registered")

// Handler runs a tool. args holds the model's arguments with
// credentials already injected.
type Handler func(ctx context.Context, args map[string]any) (string, error)

// Tool is a callable tool and its static metadata.
//
// Args is a zero value of the tool's argument struct. Its JSON schema is
// reflected from struct tags: `json` names the parameter,
// `jsonschema:"required"` marks it required, `jsonschema_description`
// documents it. A field tagged `credential:"<key>"` is filled from the
// executor's credential map and never shown to the model.
type Tool struct {
	Name        string
	Description string
	Args        any
	Handler     Handler
}

// Parameter is one model-visible tool parameter.
type Parameter struct {
	Name        string
	Type        string
	Description string
	Required    bool
}

// Descriptor is the derived, credential-free description of a tool.
type Descriptor struct {
	Name        string
	Description string
	Parameters  []Parameter
	Schema      *jsonschema.Schema

	credentials []credentialField
}

type credentialField struct {
	param string // JSON argument name
	key   string // credential map key
}

var toolNamePattern = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,64}$`)

type describeResult struct {
	desc *Descriptor
	err  error
}

// Registry holds available tools.
type Registry struct {
	mu        sync.Mutex
	tools     map[string]*Tool
	cache     map[string]describeResult
	reflector *jsonschema.Reflector
	logger    *slog.Logger
}

// NewRegistry creates an empty tool registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		tools: make(map[string]*Tool),
		cache: make(map[string]describeResult),
		reflector: &jsonschema.Reflector{
			// Expand definitions inline instead of using $refs
			DoNotReference:             true,
			RequiredFromJSONSchemaTags: true,
			Anonymous:                  true,
		},
		logger: logger,
	}
}

// Register adds a tool to the registry, replacing any tool with the
// same name.
func (r *Registry) Register(t *Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.Name] = t
	delete(r.cache, t.Name)
}

// Get retrieves a tool by name.
func (r *Registry) Get(name string) *Tool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.tools[name]
}

// Names returns registered tool names in sorted order.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Describe returns the descriptor for a registered tool. Results,
// including SchemaErrors, are cached until the tool is re-registered.
func (r *Registry) Describe(name string) (*Descriptor, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if res, ok := r.cache[name]; ok {
		return res.desc, res.err
	}
	t, ok := r.tools[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrToolNotFound, name)
	}
	desc, err := r.describe(t)
	r.cache[name] = describeResult{desc: desc, err: err}
	return desc, err
}

// Redact returns args without the tool's credential parameters, and
// whether anything was removed. Unknown tools pass through unchanged.
func (r *Registry) Redact(name string, args map[string]any) (map[string]any, bool) {
	desc, err := r.Describe(name)
	if err != nil || len(desc.credentials) == 0 {
		return args, false
	}
	out := make(map[string]any, len(args))
	for k, v := range args {
		out[k] = v
	}
	removed := false
	for _, c := range desc.credentials {
		if _, ok := out[c.param]; ok {
			delete(out, c.param)
			removed = true
		}
	}
	return out, removed
}

// Definitions returns the provider-facing tool set, sorted by name.
// Tools whose metadata is malformed are logged and left out.
func (r *Registry) Definitions() []llm.ToolDefinition {
	var defs []llm.ToolDefinition
	for _, name := range r.Names() {
		desc, err := r.Describe(name)
		if err != nil {
			r.logger.Warn("tool excluded from offered set", "tool", name, "error", err)
			continue
		}
		defs = append(defs, llm.ToolDefinition{
			Name:        desc.Name,
			Description: desc.Description,
			Parameters:  desc.Schema,
		})
	}
	return defs
}

func (r *Registry) describe(t *Tool) (*Descriptor, error) {
	if !toolNamePattern.MatchString(t.Name) {
		return nil, &SchemaError{Tool: t.Name, Reason: "name must be 1-64 characters of [a-zA-Z0-9_-]"}
	}
	if strings.TrimSpace(t.Description) == "" {
		return nil, &SchemaError{Tool: t.Name, Reason: "missing description"}
	}
	if t.Handler == nil {
		return nil, &SchemaError{Tool: t.Name, Reason: "missing handler"}
	}

	desc := &Descriptor{Name: t.Name, Description: t.Description}

	if t.Args == nil {
		desc.Schema = &jsonschema.Schema{Type: "object", Properties: jsonschema.NewProperties()}
		return desc, nil
	}

	typ := reflect.TypeOf(t.Args)
	if typ.Kind() == reflect.Pointer {
		typ = typ.Elem()
	}
	if typ.Kind() != reflect.Struct {
		return nil, &SchemaError{Tool: t.Name, Reason: fmt.Sprintf("argument type %s is not a struct", typ)}
	}

	schema := r.reflector.ReflectFromType(typ)
	schema.Version = ""
	schema.ID = ""
	if schema.Type == "" {
		schema.Type = "object"
	}
	if schema.Properties == nil {
		schema.Properties = jsonschema.NewProperties()
	}

	for i := 0; i < typ.NumField(); i++ {
		f := typ.Field(i)
		key, ok := f.Tag.Lookup("credential")
		if !ok {
			continue
		}
		if key == "" {
			return nil, &SchemaError{Tool: t.Name, Reason: fmt.Sprintf("field %s has an empty credential key", f.Name)}
		}
		param := jsonName(f)
		desc.credentials = append(desc.credentials, credentialField{param: param, key: key})
		schema.Properties.Delete(param)
		schema.Required = slices.DeleteFunc(schema.Required, func(s string) bool { return s == param })
	}

	for pair := schema.Properties.Oldest(); pair != nil; pair = pair.Next() {
		desc.Parameters = append(desc.Parameters, Parameter{
			Name:        pair.Key,
			Type:        pair.Value.Type,
			Description: pair.Value.Description,
			Required:    slices.Contains(schema.Required, pair.Key),
		})
	}
	desc.Schema = schema

	return desc, nil
}

func jsonName(f reflect.StructField) string {
	tag := f.Tag.Get("json")
	if name, _, _ := strings.Cut(tag, ","); name != "" && name != "-" {
		return name
	}
	return f.Name
}

// DecodeArgs converts a tool's argument map into its argument struct.
// Decoding failures wrap ErrInvalidArguments.
func DecodeArgs(args map[string]any, dst any) error {
	raw, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArguments, err)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArguments, err)
	}
	return nil
}

// Package tooling dispatches the closed set of in-call tools the speech
// engine may invoke. A tool failure is conversational: the engine receives a
// result explaining the problem and the call continues.
package tooling

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Result is what a tool invocation hands back to the engine.
type Result struct {
	// Content is spoken-context text for the engine.
	Content string `json:"content"`
	// IsError marks a non-fatal failure (unknown tool, bad arguments,
	// handler error). The call keeps going either way.
	IsError bool `json:"is_error,omitempty"`
}

// Handler executes one tool against the call it was invoked on. args has
// already been validated against the tool's schema.
type Handler func(ctx context.Context, callID string, args map[string]any) (string, error)

// Tool couples a name, the JSON schema of its arguments, and its handler.
type Tool struct {
	Name        string
	Description string
	// Schema is the JSON-schema source for the tool's arguments.
	Schema string

	Handler Handler
}

// Definition is the engine-facing shape of a registered tool.
type Definition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

type registered struct {
	tool     Tool
	compiled *jsonschema.Schema
}

// Registry holds the registered tools. Safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	tools   map[string]registered
	logger  *slog.Logger
	timeout time.Duration
}

// NewRegistry creates an empty registry. timeout bounds each dispatch.
func NewRegistry(logger *slog.Logger, timeout time.Duration) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Registry{
		tools:   make(map[string]registered),
		logger:  logger,
		timeout: timeout,
	}
}

// Register adds a tool, compiling its argument schema. Registering a
// duplicate name or a broken schema is a programming error.
func (r *Registry) Register(tool Tool) error {
	if tool.Name == "" || tool.Handler == nil {
		return fmt.Errorf("tooling: tool needs a name and a handler")
	}

	compiled, err := jsonschema.CompileString(tool.Name+".json", tool.Schema)
	if err != nil {
		return fmt.Errorf("tooling: compile schema for %s: %w", tool.Name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[tool.Name]; exists {
		return fmt.Errorf("tooling: tool already registered: %s", tool.Name)
	}
	r.tools[tool.Name] = registered{tool: tool, compiled: compiled}
	return nil
}

// Definitions returns the engine-facing tool list, sorted by name.
func (r *Registry) Definitions() []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	defs := make([]Definition, 0, len(r.tools))
	for _, reg := range r.tools {
		defs = append(defs, Definition{
			Name:        reg.tool.Name,
			Description: reg.tool.Description,
			Parameters:  json.RawMessage(reg.tool.Schema),
		})
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// Dispatch runs the named tool against rawArgs (a JSON object). It never
// returns an error: every failure becomes an IsError result so the
// conversation can continue.
func (r *Registry) Dispatch(ctx context.Context, callID, name, rawArgs string) Result {
	r.mu.RLock()
	reg, ok := r.tools[name]
	timeout := r.timeout
	r.mu.RUnlock()

	if !ok {
		r.logger.Warn("unknown tool invoked", "call_id", callID, "tool", name)
		return Result{Content: fmt.Sprintf("tool not supported: %s", name), IsError: true}
	}

	if strings.TrimSpace(rawArgs) == "" {
		rawArgs = "{}"
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(rawArgs), &args); err != nil {
		r.logger.Warn("malformed tool arguments", "call_id", callID, "tool", name, "error", err)
		return Result{Content: fmt.Sprintf("invalid arguments for %s: not a JSON object", name), IsError: true}
	}
	if err := reg.compiled.Validate(args); err != nil {
		r.logger.Warn("tool arguments failed validation", "call_id", callID, "tool", name, "error", err)
		return Result{Content: fmt.Sprintf("invalid arguments for %s: %v", name, err), IsError: true}
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	started := time.Now()
	content, err := reg.tool.Handler(ctx, callID, args)
	if err != nil {
		r.logger.Error("tool execution failed",
			"call_id", callID, "tool", name, "duration", time.Since(started), "error", err)
		return Result{Content: fmt.Sprintf("%s failed: %v", name, err), IsError: true}
	}

	r.logger.Info("tool executed", "call_id", callID, "tool", name, "duration", time.Since(started))
	return Result{Content: content}
}

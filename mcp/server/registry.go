package server

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/agentuity/feedback-bridge/logger"
	"github.com/agentuity/feedback-bridge/mcp/types"
	"github.com/cockroachdb/errors"
	"github.com/google/jsonschema-go/jsonschema"
)

var (
	// ErrDuplicateTool is returned when a tool name is registered twice
	ErrDuplicateTool = errors.New("tool already registered")
	// ErrUnknownTool is logged for calls to names that were never registered
	ErrUnknownTool = errors.New("unknown tool")
)

// Handler runs a tool with arguments that already passed schema validation and had
// defaults applied. A returned error becomes an isError result, never a protocol error.
type Handler func(ctx context.Context, args map[string]any) (*types.ToolResult, error)

type registeredTool struct {
	tool     types.Tool
	resolved *jsonschema.Resolved
	handler  Handler
}

// Registry holds the tools offered to clients in registration order
type Registry struct {
	logger logger.Logger
	mu     sync.RWMutex
	tools  map[string]*registeredTool
	order  []string
}

func NewRegistry(log logger.Logger) *Registry {
	return &Registry{
		logger: log.WithPrefix("[tools]"),
		tools:  make(map[string]*registeredTool),
	}
}

func (r *Registry) Register(tool types.Tool, handler Handler) error {
	if tool.Name == "" {
		return errors.New("tool name is required")
	}
	if tool.InputSchema == nil {
		tool.InputSchema = &jsonschema.Schema{Type: "object"}
	}
	resolved, err := tool.InputSchema.Resolve(nil)
	if err != nil {
		return errors.Wrapf(err, "invalid input schema for tool %s", tool.Name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tools[tool.Name]; ok {
		return errors.Wrapf(ErrDuplicateTool, "%s", tool.Name)
	}
	r.tools[tool.Name] = &registeredTool{tool: tool, resolved: resolved, handler: handler}
	r.order = append(r.order, tool.Name)
	return nil
}

// ListTools returns the tool descriptors in registration order
func (r *Registry) ListTools() []types.Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tools := make([]types.Tool, 0, len(r.order))
	for _, name := range r.order {
		tools = append(tools, r.tools[name].tool)
	}
	return tools
}

// Names returns the sorted tool names
func (r *Registry) Names() []string {
	r.mu.RLock()
	names := append([]string(nil), r.order...)
	r.mu.RUnlock()
	sort.Strings(names)
	return names
}

// CallTool always produces a result. Unknown tools, bad arguments, handler errors and
// handler panics all come back as isError results.
func (r *Registry) CallTool(ctx context.Context, name string, rawArgs json.RawMessage) (result *types.ToolResult) {
	r.mu.RLock()
	rt, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		r.logger.Warn("%s: %s", ErrUnknownTool, name)
		return types.ErrorResult(fmt.Sprintf("Unknown tool: %s", name))
	}
	r.logger.Debug("calling tool %s", name)

	args := map[string]any{}
	if len(rawArgs) > 0 && string(rawArgs) != "null" {
		if err := json.Unmarshal(rawArgs, &args); err != nil {
			return types.ErrorResult(fmt.Sprintf("Invalid arguments for %s: %s", name, err))
		}
	}
	if err := rt.resolved.ApplyDefaults(&args); err != nil {
		return types.ErrorResult(fmt.Sprintf("Invalid arguments for %s: %s", name, err))
	}
	if err := rt.resolved.Validate(args); err != nil {
		return types.ErrorResult(fmt.Sprintf("Invalid arguments for %s: %s", name, err))
	}

	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("tool %s panicked: %v", name, rec)
			result = types.ErrorResult(fmt.Sprintf("Tool %s failed: %v", name, rec))
		}
	}()
	res, err := rt.handler(ctx, args)
	r.logger.Debug("tool %s finished", name)
	if err != nil {
		r.logger.Debug("tool %s returned error: %s", name, err)
		return types.ErrorResult(err.Error())
	}
	if res == nil {
		return &types.ToolResult{Content: []types.Content{}}
	}
	if res.Content == nil {
		res.Content = []types.Content{}
	}
	return res
}

// Package tools dispatches function calls requested by the AI agent to small
// named handlers and produces the structured results sent back to it.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/square-key-labs/strawgo-bridge/src/frames"
	"github.com/square-key-labs/strawgo-bridge/src/logger"
	"github.com/square-key-labs/strawgo-bridge/src/serializers"
)

// Result is the JSON object returned to the agent for one call
type Result map[string]interface{}

// OK reports whether the result signals success
func (r Result) OK() bool {
	ok, _ := r["ok"].(bool)
	return ok
}

// Errorf builds a failed result
func Errorf(format string, args ...interface{}) Result {
	return Result{"ok": false, "error": fmt.Sprintf(format, args...)}
}

// CallState is the per-call state a handler may read or mutate
type CallState interface {
	DeliveryStyle() string
	SetDeliveryStyle(style string)
	// RemainingSeconds returns the seconds left before cutoff; false when unlimited
	RemainingSeconds() (int, bool)
	// Hangup ends the call once the current assistant turn has been played
	Hangup(reason string)
}

// Handler executes one tool invocation
type Handler func(ctx context.Context, args json.RawMessage, state CallState) (Result, error)

// Tool is a registered action with its JSON-schema parameter description
type Tool struct {
	Name        string
	Description string
	Parameters  map[string]interface{}
	Handler     Handler
}

// Dispatcher maps tool names to handlers
type Dispatcher struct {
	tools map[string]*Tool
	log   *logger.Logger
}

// NewDispatcher creates an empty dispatcher
func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		tools: make(map[string]*Tool),
		log:   logger.WithPrefix("Tools"),
	}
}

// Register adds a tool. Names must be unique.
func (d *Dispatcher) Register(tool *Tool) error {
	if tool.Name == "" || tool.Handler == nil {
		return fmt.Errorf("tool needs a name and a handler")
	}
	if _, exists := d.tools[tool.Name]; exists {
		return fmt.Errorf("tool %q already registered", tool.Name)
	}
	d.tools[tool.Name] = tool
	return nil
}

// Has reports whether name is registered
func (d *Dispatcher) Has(name string) bool {
	_, ok := d.tools[name]
	return ok
}

// Names returns registered tool names in sorted order
func (d *Dispatcher) Names() []string {
	names := make([]string, 0, len(d.tools))
	for name := range d.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Definitions returns the tool schema advertised in session configuration
func (d *Dispatcher) Definitions() []serializers.ToolSchema {
	defs := make([]serializers.ToolSchema, 0, len(d.tools))
	for _, name := range d.Names() {
		t := d.tools[name]
		params := t.Parameters
		if params == nil {
			params = map[string]interface{}{"type": "object", "properties": map[string]interface{}{}}
		}
		defs = append(defs, serializers.ToolSchema{
			Type:        "function",
			Name:        t.Name,
			Description: t.Description,
			Parameters:  params,
		})
	}
	return defs
}

// Dispatch runs the named handler. It never fails: unknown tools, handler
// errors and panics all come back as {ok:false, error:...} results.
func (d *Dispatcher) Dispatch(ctx context.Context, call *frames.FunctionCallEvent, state CallState) (result Result) {
	tool, ok := d.tools[call.ToolName]
	if !ok {
		d.log.Warn("unknown tool %q (call %s)", call.ToolName, call.CallID)
		return Errorf("unknown_tool: %s", call.ToolName)
	}

	defer func() {
		if r := recover(); r != nil {
			d.log.Error("tool %s panicked: %v", call.ToolName, r)
			result = Errorf("tool %s failed", call.ToolName)
		}
	}()

	args := call.Arguments
	if len(args) == 0 {
		args = json.RawMessage("{}")
	}

	res, err := tool.Handler(ctx, args, state)
	if err != nil {
		d.log.Warn("tool %s failed: %v", call.ToolName, err)
		return Errorf("%s", err.Error())
	}
	if res == nil {
		res = Result{}
	}
	if _, set := res["ok"]; !set {
		res["ok"] = true
	}
	d.log.Debug("tool %s (call %s, shape %s) -> %v", call.ToolName, call.CallID, call.Shape, res)
	return res
}

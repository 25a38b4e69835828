package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

const (
	ToolSetDeliveryStyle = "set_delivery_style"
	ToolGetRemainingTime = "get_remaining_time"
	ToolEndCall          = "end_call"
	DefaultDeliveryStyle = "normal"
	defaultHangupReason  = "agent_requested"
)

// DeliveryStyles maps each style to the instruction fragment appended to the
// session instructions while it is active.
var DeliveryStyles = map[string]string{
	"normal":   "",
	"brief":    "Keep every answer to one or two short sentences.",
	"detailed": "Give thorough, step-by-step answers.",
	"slow":     "Speak slowly and clearly, pausing between sentences.",
}

// StyleNames returns the known delivery styles in sorted order
func StyleNames() []string {
	names := make([]string, 0, len(DeliveryStyles))
	for name := range DeliveryStyles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ComposeInstructions folds a delivery style into base instructions
func ComposeInstructions(base, style string) string {
	fragment := DeliveryStyles[style]
	if fragment == "" {
		return base
	}
	if base == "" {
		return fragment
	}
	return strings.TrimRight(base, "\n") + "\n\n" + fragment
}

// RegisterBuiltins adds the built-in call-control tools
func RegisterBuiltins(d *Dispatcher) error {
	styles := make([]interface{}, 0, len(DeliveryStyles))
	for _, s := range StyleNames() {
		styles = append(styles, s)
	}

	builtins := []*Tool{
		{
			Name:        ToolSetDeliveryStyle,
			Description: "Change how the assistant delivers its answers for the rest of the call.",
			Parameters: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"style": map[string]interface{}{"type": "string", "enum": styles},
				},
				"required": []interface{}{"style"},
			},
			Handler: setDeliveryStyle,
		},
		{
			Name:        ToolGetRemainingTime,
			Description: "Return how many seconds are left on this call.",
			Handler:     getRemainingTime,
		},
		{
			Name:        ToolEndCall,
			Description: "Hang up after finishing the current sentence.",
			Parameters: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"reason": map[string]interface{}{"type": "string"},
				},
			},
			Handler: endCall,
		},
	}

	for _, t := range builtins {
		if err := d.Register(t); err != nil {
			return err
		}
	}
	return nil
}

func setDeliveryStyle(_ context.Context, args json.RawMessage, state CallState) (Result, error) {
	var in struct {
		Style string `json:"style"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return nil, fmt.Errorf("invalid arguments: %w", err)
	}
	style := strings.ToLower(strings.TrimSpace(in.Style))
	if _, ok := DeliveryStyles[style]; !ok {
		return nil, fmt.Errorf("unknown style %q", in.Style)
	}
	previous := state.DeliveryStyle()
	state.SetDeliveryStyle(style)
	return Result{"style": style, "previous": previous}, nil
}

func getRemainingTime(_ context.Context, _ json.RawMessage, state CallState) (Result, error) {
	remaining, limited := state.RemainingSeconds()
	if !limited {
		return Result{"unlimited": true}, nil
	}
	return Result{"remaining_seconds": remaining}, nil
}

func endCall(_ context.Context, args json.RawMessage, state CallState) (Result, error) {
	var in struct {
		Reason string `json:"reason"`
	}
	_ = json.Unmarshal(args, &in)
	if in.Reason == "" {
		in.Reason = defaultHangupReason
	}
	state.Hangup(in.Reason)
	return Result{"hanging_up": true}, nil
}

package tools

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"
	_ "time/tzdata" // timezone lookups must not depend on the host's zoneinfo

	"github.com/MrWong99/parley/pkg/types"
)

// CurrentTimeName is the name of the built-in clock tool.
const CurrentTimeName = "current_time"

// builtins maps built-in tool names to constructors.
var builtins = map[string]func(now func() time.Time) Tool{
	CurrentTimeName: CurrentTime,
	RollDiceName:    func(func() time.Time) Tool { return RollDice(nil) },
}

// BuiltinNames returns the names of all built-in tools, sorted.
func BuiltinNames() []string {
	names := make([]string, 0, len(builtins))
	for n := range builtins {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// RegisterBuiltins registers the named built-in tools into r. now is the
// clock they use; nil means time.Now.
func RegisterBuiltins(r *Registry, names []string, now func() time.Time) error {
	if now == nil {
		now = time.Now
	}
	for _, name := range names {
		ctor, ok := builtins[name]
		if !ok {
			return fmt.Errorf("tools: unknown builtin %q (available: %s)", name, strings.Join(BuiltinNames(), ", "))
		}
		t := ctor(now)
		if err := r.Register(t.Definition, t.Handler); err != nil {
			return err
		}
	}
	return nil
}

// CurrentTime returns the built-in tool reporting the current wall-clock
// time. The optional "timezone" argument is an IANA zone name; UTC is used
// when it is absent.
func CurrentTime(now func() time.Time) Tool {
	return Tool{
		Definition: types.ToolDefinition{
			Name:        CurrentTimeName,
			Description: "Returns the current date and time. Use it whenever the user asks what time or day it is.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"timezone": map[string]any{
						"type":        "string",
						"description": "IANA timezone name such as Europe/Berlin. Defaults to UTC.",
					},
				},
			},
		},
		Handler: func(_ context.Context, args map[string]any) (any, error) {
			zone := "UTC"
			if v, ok := args["timezone"]; ok {
				s, ok := v.(string)
				if !ok {
					return nil, fmt.Errorf("timezone must be a string, got %T", v)
				}
				if s != "" {
					zone = s
				}
			}
			loc, err := time.LoadLocation(zone)
			if err != nil {
				return nil, fmt.Errorf("unknown timezone %q", zone)
			}
			t := now().In(loc)
			return map[string]any{
				"time":     t.Format(time.RFC3339),
				"timezone": loc.String(),
				"weekday":  t.Weekday().String(),
			}, nil
		},
	}
}

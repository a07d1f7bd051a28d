package tools

import (
	"context"
	"fmt"
	"math/rand/v2"
	"strconv"
	"strings"

	"github.com/MrWong99/parley/pkg/types"
)

// RollDiceName is the name of the built-in dice tool.
const RollDiceName = "roll_dice"

const (
	maxDice  = 100
	maxSides = 1000
)

// RollDice returns the built-in tool that evaluates dice expressions such as
// "2d6+3". intn draws a value in [0, n); nil means math/rand/v2.IntN.
func RollDice(intn func(n int) int) Tool {
	if intn == nil {
		intn = rand.IntN
	}
	return Tool{
		Definition: types.ToolDefinition{
			Name:        RollDiceName,
			Description: "Rolls dice. Use it when the user asks to roll dice, flip a coin (1d2) or pick a random number.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"expression": map[string]any{
						"type":        "string",
						"description": "Dice expression NdS, NdS+M or NdS-M, e.g. 2d6+3. N defaults to 1.",
					},
				},
				"required": []string{"expression"},
			},
		},
		Handler: func(_ context.Context, args map[string]any) (any, error) {
			v, ok := args["expression"]
			if !ok {
				return nil, fmt.Errorf("expression is required")
			}
			expr, ok := v.(string)
			if !ok {
				return nil, fmt.Errorf("expression must be a string, got %T", v)
			}
			count, sides, modifier, err := parseDice(expr)
			if err != nil {
				return nil, err
			}
			rolls := make([]int, count)
			total := modifier
			for i := range rolls {
				rolls[i] = intn(sides) + 1
				total += rolls[i]
			}
			return map[string]any{
				"expression": expr,
				"rolls":      rolls,
				"total":      total,
			}, nil
		},
	}
}

// parseDice splits NdS[+-M] into its parts.
func parseDice(expr string) (count, sides, modifier int, err error) {
	s := strings.ToLower(strings.ReplaceAll(expr, " ", ""))
	n, rest, ok := strings.Cut(s, "d")
	if !ok {
		return 0, 0, 0, fmt.Errorf("invalid dice expression %q: missing 'd'", expr)
	}

	count = 1
	if n != "" {
		if count, err = strconv.Atoi(n); err != nil {
			return 0, 0, 0, fmt.Errorf("invalid dice count %q in %q", n, expr)
		}
	}
	if count < 1 || count > maxDice {
		return 0, 0, 0, fmt.Errorf("dice count must be between 1 and %d, got %d", maxDice, count)
	}

	sidesStr, modStr, sign := rest, "", 1
	if i := strings.IndexAny(rest, "+-"); i >= 0 {
		sidesStr, modStr = rest[:i], rest[i+1:]
		if rest[i] == '-' {
			sign = -1
		}
		if modifier, err = strconv.Atoi(modStr); err != nil || modStr == "" || modStr[0] == '+' || modStr[0] == '-' {
			return 0, 0, 0, fmt.Errorf("invalid modifier %q in %q", modStr, expr)
		}
		modifier *= sign
	}
	if sides, err = strconv.Atoi(sidesStr); err != nil {
		return 0, 0, 0, fmt.Errorf("invalid sides %q in %q", sidesStr, expr)
	}
	if sides < 1 || sides > maxSides {
		return 0, 0, 0, fmt.Errorf("sides must be between 1 and %d, got %d", maxSides, sides)
	}
	return count, sides, modifier, nil
}

package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"
)

// accountParam is the argument name account-scoped handlers read. The value
// always comes from the authenticated caller, never from the model.
const accountParam = "account_id"

// Executor dispatches tool calls for one authenticated account. It is built
// per turn so the account binding cannot drift across callers.
type Executor struct {
	registry  *Registry
	accountID int64
	log       *slog.Logger
}

func NewExecutor(registry *Registry, accountID int64, log *slog.Logger) (*Executor, error) {
	if registry == nil {
		return nil, errors.New("missing registry")
	}
	if accountID <= 0 {
		return nil, errors.New("invalid account id")
	}
	if log == nil {
		log = slog.Default()
	}
	return &Executor{registry: registry, accountID: accountID, log: log}, nil
}

// Execute coerces args to the tool's declared schema and runs it. The result
// is returned as JSON for feeding back into the model conversation.
func (e *Executor) Execute(ctx context.Context, name string, args map[string]any) (json.RawMessage, error) {
	if e == nil || e.registry == nil {
		return nil, errors.New("nil executor")
	}
	name = strings.TrimSpace(name)
	def, ok := e.registry.Lookup(name)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTool, name)
	}

	coerced, err := coerceArgs(def.Params, args)
	if err != nil {
		return nil, err
	}
	if def.AccountScoped {
		// A model-supplied account id is discarded unconditionally.
		coerced[accountParam] = e.accountID
	}

	e.log.Debug("tools.execute", "tool", name)
	result, err := def.Handler(ctx, coerced)
	if err != nil {
		return nil, fmt.Errorf("tool %s: %w", name, err)
	}
	raw, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("tool %s result not serializable: %w", name, err)
	}
	return raw, nil
}

// coerceArgs maps loosely-typed JSON values onto the declared parameter
// types. Unknown keys are dropped so handlers only ever see declared names.
func coerceArgs(params []ParamSpec, args map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(params))
	for _, p := range params {
		raw, ok := args[p.Name]
		if !ok || raw == nil {
			if p.Required {
				return nil, fmt.Errorf("%w: missing required field %q", ErrInvalidToolParameters, p.Name)
			}
			continue
		}
		val, err := coerceValue(p.Type, raw)
		if err != nil {
			return nil, fmt.Errorf("%w: field %q: %v", ErrInvalidToolParameters, p.Name, err)
		}
		out[p.Name] = val
	}
	return out, nil
}

func coerceValue(t ParamType, raw any) (any, error) {
	switch t {
	case ParamString:
		s, ok := raw.(string)
		if !ok {
			return nil, fmt.Errorf("expected string, got %T", raw)
		}
		return s, nil

	case ParamInteger:
		switch v := raw.(type) {
		case int:
			return int64(v), nil
		case int64:
			return v, nil
		case float64:
			// JSON numbers decode as float64; only whole values qualify.
			if v != math.Trunc(v) {
				return nil, fmt.Errorf("expected integer, got %v", v)
			}
			return int64(v), nil
		case json.Number:
			return v.Int64()
		case string:
			n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
			if err != nil {
				return nil, fmt.Errorf("expected integer, got %q", v)
			}
			return n, nil
		default:
			return nil, fmt.Errorf("expected integer, got %T", raw)
		}

	case ParamNumber:
		switch v := raw.(type) {
		case int:
			return float64(v), nil
		case int64:
			return float64(v), nil
		case float64:
			return v, nil
		case json.Number:
			return v.Float64()
		case string:
			f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
			if err != nil {
				return nil, fmt.Errorf("expected number, got %q", v)
			}
			return f, nil
		default:
			return nil, fmt.Errorf("expected number, got %T", raw)
		}

	case ParamBoolean:
		switch v := raw.(type) {
		case bool:
			return v, nil
		case string:
			b, err := strconv.ParseBool(strings.TrimSpace(strings.ToLower(v)))
			if err != nil {
				return nil, fmt.Errorf("expected boolean, got %q", v)
			}
			return b, nil
		default:
			return nil, fmt.Errorf("expected boolean, got %T", raw)
		}

	default:
		return nil, fmt.Errorf("unsupported parameter type %q", t)
	}
}

// Argument accessors for handlers. Types are guaranteed by coerceArgs.

func StringArg(args map[string]any, name string) string {
	s, _ := args[name].(string)
	return s
}

func Int64Arg(args map[string]any, name string) int64 {
	n, _ := args[name].(int64)
	return n
}

func Float64Arg(args map[string]any, name string) float64 {
	f, _ := args[name].(float64)
	return f
}

func BoolArg(args map[string]any, name string) bool {
	b, _ := args[name].(bool)
	return b
}

package tools

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	reg := NewRegistry()
	err := reg.Register(Definition{
		Name:        "echo_params",
		Description: "echoes coerced parameters",
		Params: []ParamSpec{
			{Name: "text", Type: ParamString, Required: true},
			{Name: "count", Type: ParamInteger},
			{Name: "ratio", Type: ParamNumber},
			{Name: "verbose", Type: ParamBoolean},
		},
		Handler: func(_ context.Context, args map[string]any) (any, error) {
			return args, nil
		},
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	err = reg.Register(Definition{
		Name:          "account_echo",
		Description:   "echoes the bound account id",
		AccountScoped: true,
		Handler: func(_ context.Context, args map[string]any) (any, error) {
			return map[string]any{"account_id": Int64Arg(args, "account_id")}, nil
		},
	})
	if err != nil {
		t.Fatalf("Register account_echo: %v", err)
	}
	return reg
}

func TestExecutor_UnknownTool(t *testing.T) {
	t.Parallel()

	exec, err := NewExecutor(newTestRegistry(t), 7, nil)
	if err != nil {
		t.Fatalf("NewExecutor: %v", err)
	}
	_, err = exec.Execute(context.Background(), "does_not_exist", nil)
	if !errors.Is(err, ErrUnknownTool) {
		t.Fatalf("err=%v, want ErrUnknownTool", err)
	}
}

func TestExecutor_CoercesLooseTypes(t *testing.T) {
	t.Parallel()

	exec, err := NewExecutor(newTestRegistry(t), 7, nil)
	if err != nil {
		t.Fatalf("NewExecutor: %v", err)
	}

	// JSON decoding yields float64 for every number and strings may carry
	// numerics; all of these must land as the declared types.
	raw, err := exec.Execute(context.Background(), "echo_params", map[string]any{
		"text":    "hello",
		"count":   float64(3),
		"ratio":   "0.25",
		"verbose": "true",
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	var got map[string]any
	if err := json.Unmarshal(raw, &got); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if got["text"] != "hello" {
		t.Fatalf("text=%v", got["text"])
	}
	if got["count"] != float64(3) {
		t.Fatalf("count=%v", got["count"])
	}
	if got["ratio"] != 0.25 {
		t.Fatalf("ratio=%v", got["ratio"])
	}
	if got["verbose"] != true {
		t.Fatalf("verbose=%v", got["verbose"])
	}
}

func TestExecutor_InvalidParameters(t *testing.T) {
	t.Parallel()

	exec, err := NewExecutor(newTestRegistry(t), 7, nil)
	if err != nil {
		t.Fatalf("NewExecutor: %v", err)
	}

	cases := []map[string]any{
		{},                                     // missing required
		{"text": 42},                           // wrong type for string
		{"text": "ok", "count": 1.5},           // fractional integer
		{"text": "ok", "count": "not-a-num"},   // non-numeric string
		{"text": "ok", "verbose": "sometimes"}, // non-boolean string
	}
	for i, args := range cases {
		if _, err := exec.Execute(context.Background(), "echo_params", args); !errors.Is(err, ErrInvalidToolParameters) {
			t.Fatalf("case %d: err=%v, want ErrInvalidToolParameters", i, err)
		}
	}
}

func TestExecutor_AccountIDInjected(t *testing.T) {
	t.Parallel()

	exec, err := NewExecutor(newTestRegistry(t), 7, nil)
	if err != nil {
		t.Fatalf("NewExecutor: %v", err)
	}

	// The model-supplied account id must be discarded.
	raw, err := exec.Execute(context.Background(), "account_echo", map[string]any{"account_id": float64(99)})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	var got struct {
		AccountID int64 `json:"account_id"`
	}
	if err := json.Unmarshal(raw, &got); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if got.AccountID != 7 {
		t.Fatalf("account_id=%d, want 7", got.AccountID)
	}
}

func TestRegistry_DefinitionsSortedAndSchemaHidesAccountID(t *testing.T) {
	t.Parallel()

	reg := NewRegistry()
	if err := RegisterBuiltins(reg, StubPortfolioData{}); err != nil {
		t.Fatalf("RegisterBuiltins: %v", err)
	}

	defs := reg.Definitions()
	for i := 1; i < len(defs); i++ {
		if defs[i].Name < defs[i-1].Name {
			t.Fatalf("definitions not sorted: %q before %q", defs[i-1].Name, defs[i].Name)
		}
	}

	for _, td := range reg.ModelToolDefs() {
		var schema map[string]any
		if err := json.Unmarshal(td.InputSchema, &schema); err != nil {
			t.Fatalf("tool %s schema invalid: %v", td.Name, err)
		}
		props, _ := schema["properties"].(map[string]any)
		if _, ok := props["account_id"]; ok {
			t.Fatalf("tool %s exposes account_id to the model", td.Name)
		}
	}
}

func TestRegistry_RejectsDuplicatesAndBadDefs(t *testing.T) {
	t.Parallel()

	reg := NewRegistry()
	def := Definition{Name: "a", Handler: func(context.Context, map[string]any) (any, error) { return nil, nil }}
	if err := reg.Register(def); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := reg.Register(def); err == nil {
		t.Fatalf("duplicate accepted")
	}
	if err := reg.Register(Definition{Name: ""}); err == nil {
		t.Fatalf("empty name accepted")
	}
	if err := reg.Register(Definition{Name: "b"}); err == nil {
		t.Fatalf("nil handler accepted")
	}
}

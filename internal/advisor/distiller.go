package advisor

import (
	"context"
	"fmt"
	"strings"

	"github.com/quantfolio/advisor-agent/internal/llm"
	"github.com/quantfolio/advisor-agent/internal/memory"
)

const distillInstructions = `Condense the following advisory conversation into a compact memory for future turns. Capture the client's goals, constraints, risk attitude, decisions made and open follow-ups. Use short bullet lines. Do not add information that is not in the conversation.`

// NewModelDistiller summarizes thread history through the model provider.
// Provider failures fall back to the deterministic snapshot distiller so
// long-term memory degrades instead of disappearing.
func NewModelDistiller(provider llm.Provider, model string, maxOutputTokens int) memory.Distiller {
	fallback := memory.SnapshotDistiller{}
	return memory.DistillerFunc(func(ctx context.Context, msgs []memory.Message) (string, error) {
		if provider == nil || strings.TrimSpace(model) == "" {
			return fallback.Distill(ctx, msgs)
		}

		var dialogue strings.Builder
		for _, m := range msgs {
			text := strings.TrimSpace(m.TextContent)
			if text == "" {
				continue
			}
			switch m.Role {
			case "user":
				fmt.Fprintf(&dialogue, "Client: %s\n", text)
			case "assistant":
				fmt.Fprintf(&dialogue, "Advisor: %s\n", text)
			}
		}
		if dialogue.Len() == 0 {
			return fallback.Distill(ctx, msgs)
		}

		req := llm.TurnRequest{
			Model: model,
			Messages: []llm.Message{
				llm.TextMessage("system", distillInstructions),
				llm.TextMessage("user", dialogue.String()),
			},
			MaxOutputTokens: maxOutputTokens,
		}
		turn, err := provider.StreamTurn(ctx, req, nil)
		if err != nil || strings.TrimSpace(turn.Text) == "" {
			return fallback.Distill(ctx, msgs)
		}
		return strings.TrimSpace(turn.Text), nil
	})
}

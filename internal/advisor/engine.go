// Package advisor drives one conversational turn end to end: guardrails,
// context assembly, the streaming model loop with tool dispatch, text
// cleanup, and persistence.
package advisor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/quantfolio/advisor-agent/internal/guardrail"
	"github.com/quantfolio/advisor-agent/internal/llm"
	"github.com/quantfolio/advisor-agent/internal/memory"
	"github.com/quantfolio/advisor-agent/internal/thread"
	"github.com/quantfolio/advisor-agent/internal/tools"
)

const (
	// fallbackGuardrailText is the fixed reply for rejected input or output.
	fallbackGuardrailText = "I can only help with questions about your own accounts, portfolio and related financial topics. Could you rephrase your question?"
	// apologyText is the single generic fragment emitted on internal failure.
	apologyText = "I'm sorry, I ran into a problem while preparing your answer. Please try again in a moment."

	baseInstructions = `You are a careful financial advisory assistant. You help the client understand their portfolio, performance, risk and relevant market context using the tools available to you. Be concrete and grounded in tool results. You do not give guarantees about future returns and you do not discuss topics outside financial advice.`
)

// Request is one user turn. OnStatus and OnToken may be nil.
type Request struct {
	Query     string
	AccountID int64
	// ThreadID is optional; empty resolves or creates the account's thread.
	ThreadID string
	OnStatus func(StatusUpdate)
	OnToken  func(string)
}

// Result reports the completed turn.
type Result struct {
	ThreadID string
	Title    string
	Text     string
	Steps    int
	Usage    llm.TurnUsage
}

type Options struct {
	Provider   llm.Provider
	Store      *memory.Store
	Summarizer *memory.Summarizer
	Threads    *thread.Manager
	Validator  *guardrail.Validator
	Registry   *tools.Registry
	Log        *slog.Logger

	Model              string
	MaxSteps           int
	HistoryTokenBudget int
	MaxOutputTokens    int
	Temperature        *float64

	// ThinkingAfter starts the rotating thinking statuses; GeneratingAfter
	// switches to a single generating status. Zero values take defaults.
	ThinkingAfter   time.Duration
	GeneratingAfter time.Duration
	// PersistTimeout bounds each storage write at turn completion.
	PersistTimeout time.Duration
}

type Engine struct {
	provider   llm.Provider
	store      *memory.Store
	summarizer *memory.Summarizer
	threads    *thread.Manager
	validator  *guardrail.Validator
	registry   *tools.Registry
	log        *slog.Logger
	guard      *turnGuard

	model           string
	maxSteps        int
	historyBudget   int
	maxOutputTokens int
	temperature     *float64
	thinkingAfter   time.Duration
	generatingAfter time.Duration
	persistTimeout  time.Duration
}

func NewEngine(opts Options) (*Engine, error) {
	if opts.Provider == nil {
		return nil, errors.New("missing provider")
	}
	if opts.Store == nil {
		return nil, errors.New("missing store")
	}
	if opts.Threads == nil {
		return nil, errors.New("missing thread manager")
	}
	if opts.Validator == nil {
		return nil, errors.New("missing validator")
	}
	if opts.Registry == nil {
		return nil, errors.New("missing tool registry")
	}
	if strings.TrimSpace(opts.Model) == "" {
		return nil, errors.New("missing model")
	}
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	if opts.MaxSteps <= 0 {
		opts.MaxSteps = 8
	}
	if opts.HistoryTokenBudget <= 0 {
		opts.HistoryTokenBudget = 3000
	}
	if opts.ThinkingAfter <= 0 {
		opts.ThinkingAfter = 3 * time.Second
	}
	if opts.GeneratingAfter <= 0 {
		opts.GeneratingAfter = 15 * time.Second
	}
	if opts.PersistTimeout <= 0 {
		opts.PersistTimeout = 10 * time.Second
	}
	return &Engine{
		provider:        opts.Provider,
		store:           opts.Store,
		summarizer:      opts.Summarizer,
		threads:         opts.Threads,
		validator:       opts.Validator,
		registry:        opts.Registry,
		log:             log,
		guard:           newTurnGuard(),
		model:           strings.TrimSpace(opts.Model),
		maxSteps:        opts.MaxSteps,
		historyBudget:   opts.HistoryTokenBudget,
		maxOutputTokens: opts.MaxOutputTokens,
		temperature:     opts.Temperature,
		thinkingAfter:   opts.ThinkingAfter,
		generatingAfter: opts.GeneratingAfter,
		persistTimeout:  opts.PersistTimeout,
	}, nil
}

// ProcessQuery runs one turn. Guardrail rejections produce the fixed fallback
// reply and a nil error; internal failures emit one apology fragment and
// return the cause.
func (e *Engine) ProcessQuery(ctx context.Context, req Request) (Result, error) {
	if e == nil {
		return Result{}, errors.New("nil engine")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	query := strings.TrimSpace(req.Query)
	if query == "" {
		return Result{}, errors.New("empty query")
	}
	if req.AccountID <= 0 {
		return Result{}, errors.New("invalid account id")
	}
	onStatus := req.OnStatus
	if onStatus == nil {
		onStatus = func(StatusUpdate) {}
	}
	onToken := req.OnToken
	if onToken == nil {
		onToken = func(string) {}
	}

	// Validating. Rejected input never reaches the model or any tool.
	if res := e.validator.ValidateInput(query, req.AccountID); !res.IsValid {
		e.validator.Escalate(ctx, req.AccountID, res, query)
		e.log.Info("advisor.turn.rejected", "account_id", req.AccountID, "violation", res.ViolationType)
		onToken(fallbackGuardrailText)
		onStatus(StatusUpdate{Type: StatusCompleted, Message: "Completed"})
		return Result{Text: fallbackGuardrailText, ThreadID: strings.TrimSpace(req.ThreadID)}, nil
	}

	// SettingUpAgent.
	th, err := e.threads.ResolveOrCreate(ctx, req.AccountID, req.ThreadID)
	if err != nil {
		return e.fail(onStatus, onToken, fmt.Errorf("resolve thread: %w", err))
	}
	key := turnKey(req.AccountID, th.ThreadID)
	if err := e.guard.acquire(key); err != nil {
		return Result{ThreadID: th.ThreadID}, err
	}
	defer e.guard.release(key)

	messages, err := e.assembleContext(ctx, req.AccountID, th.ThreadID, query)
	if err != nil {
		return e.fail(onStatus, onToken, fmt.Errorf("assemble context: %w", err))
	}
	executor, err := tools.NewExecutor(e.registry, req.AccountID, e.log)
	if err != nil {
		return e.fail(onStatus, onToken, err)
	}
	toolDefs := e.registry.ModelToolDefs()

	result, err := e.runModelLoop(ctx, messages, toolDefs, executor, onStatus, onToken)
	if err != nil {
		if ctx.Err() != nil {
			// Cancellation: nothing persisted, no further output.
			return Result{ThreadID: th.ThreadID}, ctx.Err()
		}
		return e.fail(onStatus, onToken, err)
	}
	result.ThreadID = th.ThreadID

	// Output validation. Streamed partial content stands; the persisted and
	// returned text falls back.
	finalText := result.Text
	if res := e.validator.ValidateOutput(finalText, req.AccountID); !res.IsValid {
		e.validator.Escalate(ctx, req.AccountID, res, finalText)
		e.log.Warn("advisor.turn.output_rejected", "account_id", req.AccountID, "violation", res.ViolationType)
		finalText = fallbackGuardrailText
		result.Text = fallbackGuardrailText
	}

	if ctx.Err() != nil {
		return Result{ThreadID: th.ThreadID}, ctx.Err()
	}

	// Completed: persist both turn messages, then kick summarization.
	e.persistTurn(req.AccountID, th.ThreadID, query, finalText)
	if e.summarizer != nil {
		e.summarizer.MaybeSummarize(req.AccountID, th.ThreadID)
	}
	if err := e.threads.TouchActivity(ctx, req.AccountID, th.ThreadID); err != nil {
		e.log.Warn("advisor.turn.touch_failed", "error", err.Error())
	}
	if fresh, err := e.store.GetThread(ctx, req.AccountID, th.ThreadID); err == nil && fresh != nil {
		result.Title = fresh.Title
	}

	onStatus(StatusUpdate{Type: StatusCompleted, Message: "Completed"})
	return result, nil
}

// fail is the single internal-error exit: one apology fragment, one Error
// status, cause in the logs but never in the output stream.
func (e *Engine) fail(onStatus func(StatusUpdate), onToken func(string), cause error) (Result, error) {
	e.log.Error("advisor.turn.failed", "error", cause.Error())
	onToken(apologyText)
	onStatus(StatusUpdate{Type: StatusError, Message: "Something went wrong"})
	return Result{Text: apologyText}, cause
}

func (e *Engine) assembleContext(ctx context.Context, accountID int64, threadID string, query string) ([]llm.Message, error) {
	system := guardrail.SecureInstructions(baseInstructions, accountID)
	if sum, err := e.store.CurrentSummary(ctx, accountID, threadID); err != nil {
		return nil, err
	} else if sum != nil && strings.TrimSpace(sum.SummaryText) != "" {
		system += "\n\nKnown context from earlier in this conversation:\n" + strings.TrimSpace(sum.SummaryText)
	}

	history, err := e.store.ListMessagesWithinTokenBudget(ctx, accountID, threadID, e.historyBudget)
	if err != nil {
		return nil, err
	}

	messages := make([]llm.Message, 0, len(history)+2)
	messages = append(messages, llm.TextMessage("system", system))
	for _, m := range history {
		role := strings.ToLower(strings.TrimSpace(m.Role))
		if role != "user" && role != "assistant" {
			continue
		}
		if strings.TrimSpace(m.TextContent) == "" {
			continue
		}
		messages = append(messages, llm.TextMessage(role, m.TextContent))
	}
	messages = append(messages, llm.TextMessage("user", query))
	return messages, nil
}

// runModelLoop drives AwaitingModel -> (ToolCallDetected -> ExecutingTool ->
// AwaitingModel)* -> StreamingContent, bounded by maxSteps.
func (e *Engine) runModelLoop(ctx context.Context, messages []llm.Message, toolDefs []llm.ToolDef, executor *tools.Executor, onStatus func(StatusUpdate), onToken func(string)) (Result, error) {
	cleaner := NewStreamCleaner()
	var usage llm.TurnUsage
	var finalText strings.Builder

	watchdog := e.startIdleWatchdog(onStatus)
	defer watchdog.stop()

	// A thinking status always precedes the first token, even when the model
	// answers before the watchdog's first tick.
	onStatus(StatusUpdate{Type: StatusThinking, Message: thinkingRotation[0]})

	for step := 1; step <= e.maxSteps; step++ {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}

		turnReq := llm.TurnRequest{
			Model:           e.model,
			Messages:        messages,
			Tools:           toolDefs,
			MaxOutputTokens: e.maxOutputTokens,
			Temperature:     e.temperature,
		}

		turn, err := e.provider.StreamTurn(ctx, turnReq, func(ev llm.StreamEvent) {
			switch ev.Type {
			case llm.StreamEventTextDelta:
				watchdog.contentStarted()
				if cleaned := cleaner.Write(ev.Text); cleaned != "" {
					finalText.WriteString(cleaned)
					onToken(cleaned)
				}
			case llm.StreamEventToolCallStart:
				if ev.ToolCall != nil {
					watchdog.activity()
					onStatus(classifyToolActivity(ev.ToolCall.Name))
				}
			}
		})
		if err != nil {
			return Result{}, fmt.Errorf("model stream: %w", err)
		}
		usage.InputTokens += turn.Usage.InputTokens
		usage.OutputTokens += turn.Usage.OutputTokens

		if len(turn.ToolCalls) == 0 {
			// StreamingContent finished.
			if cleaned := cleaner.Flush(); cleaned != "" {
				finalText.WriteString(cleaned)
				onToken(cleaned)
			}
			text := strings.TrimSpace(finalText.String())
			if text == "" {
				text = strings.TrimSpace(CleanText(turn.Text))
			}
			return Result{Text: text, Steps: step, Usage: usage}, nil
		}

		// ExecutingTool. Results feed back as tool messages for the next pass.
		messages = append(messages, llm.AssistantToolCallsMessage(turn.Text, turn.ToolCalls))
		for _, call := range turn.ToolCalls {
			if err := ctx.Err(); err != nil {
				return Result{}, err
			}
			watchdog.activity()
			onStatus(classifyToolActivity(call.Name))

			payload, err := executor.Execute(ctx, call.Name, call.Args)
			if err != nil {
				if errors.Is(err, tools.ErrUnknownTool) || errors.Is(err, tools.ErrInvalidToolParameters) {
					return Result{}, err
				}
				// Tool runtime failures go back to the model; it can adjust.
				e.log.Warn("advisor.tool.failed", "tool", call.Name, "error", err.Error())
				payload = mustJSON(map[string]string{"error": err.Error()})
			}
			messages = append(messages, llm.ToolResultMessage(call.ID, payload))
		}
	}

	return Result{}, fmt.Errorf("model did not converge within %d steps", e.maxSteps)
}

func mustJSON(v any) json.RawMessage {
	raw, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage(`{"error":"unserializable tool failure"}`)
	}
	return raw
}

// persistTurn writes the user and assistant messages. Failures are logged;
// the response was already streamed and still stands.
func (e *Engine) persistTurn(accountID int64, threadID string, query string, answer string) {
	ctx, cancel := context.WithTimeout(context.Background(), e.persistTimeout)
	defer cancel()

	appendOne := func(role, text string) {
		id, err := memory.NewMessageID()
		if err != nil {
			e.log.Error("advisor.persist.id_failed", "error", err.Error())
			return
		}
		_, err = e.store.AppendMessage(ctx, memory.Message{
			ThreadID:    threadID,
			AccountID:   accountID,
			MessageID:   id,
			Role:        role,
			TextContent: text,
		})
		if err != nil {
			e.log.Error("advisor.persist.failed", "role", role, "thread_id", threadID, "error", err.Error())
		}
	}
	appendOne("user", query)
	if strings.TrimSpace(answer) != "" {
		appendOne("assistant", answer)
	}
}

// idleWatchdog emits cosmetic progress while the model is silent: rotating
// thinking statuses after thinkingAfter, one generating status after
// generatingAfter. It stops for good once content starts.
type idleWatchdog struct {
	stopOnce sync.Once
	done     chan struct{}
	kick     chan struct{}
}

func (e *Engine) startIdleWatchdog(onStatus func(StatusUpdate)) *idleWatchdog {
	w := &idleWatchdog{
		done: make(chan struct{}),
		kick: make(chan struct{}, 1),
	}
	go func() {
		started := time.Now()
		// The run loop already emitted rotation 0 when the model call began.
		rotation := 1
		ticker := time.NewTicker(e.thinkingAfter)
		defer ticker.Stop()
		generatingSent := false
		for {
			select {
			case <-w.done:
				return
			case <-w.kick:
				started = time.Now()
				generatingSent = false
				ticker.Reset(e.thinkingAfter)
			case <-ticker.C:
				if time.Since(started) >= e.generatingAfter {
					if !generatingSent {
						generatingSent = true
						onStatus(StatusUpdate{Type: StatusGeneratingInsights, Message: "Generating insights..."})
					}
					continue
				}
				onStatus(StatusUpdate{Type: StatusThinking, Message: thinkingRotation[rotation%len(thinkingRotation)]})
				rotation++
			}
		}
	}()
	return w
}

// contentStarted permanently silences the watchdog.
func (w *idleWatchdog) contentStarted() {
	w.stop()
}

// activity resets the idle clock, e.g. when a tool call begins.
func (w *idleWatchdog) activity() {
	select {
	case w.kick <- struct{}{}:
	default:
	}
}

func (w *idleWatchdog) stop() {
	w.stopOnce.Do(func() { close(w.done) })
}

package memory

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "memory.sqlite"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func appendText(t *testing.T, s *Store, accountID int64, threadID string, role string, text string) {
	t.Helper()
	id, err := NewMessageID()
	if err != nil {
		t.Fatalf("NewMessageID: %v", err)
	}
	if _, err := s.AppendMessage(context.Background(), Message{
		ThreadID:    threadID,
		AccountID:   accountID,
		MessageID:   id,
		Role:        role,
		TextContent: text,
	}); err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}
}

func TestStore_ListMessagesOrdered(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	ctx := context.Background()
	if err := s.CreateThread(ctx, Thread{ThreadID: "th_1", AccountID: 7}); err != nil {
		t.Fatalf("CreateThread: %v", err)
	}
	for i := 0; i < 5; i++ {
		appendText(t, s, 7, "th_1", "user", fmt.Sprintf("message %d", i))
	}

	msgs, err := s.ListMessages(ctx, 7, "th_1")
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if len(msgs) != 5 {
		t.Fatalf("len=%d, want 5", len(msgs))
	}
	for i := 1; i < len(msgs); i++ {
		if msgs[i].ID <= msgs[i-1].ID {
			t.Fatalf("messages out of order at %d: %d <= %d", i, msgs[i].ID, msgs[i-1].ID)
		}
		if msgs[i].CreatedAtUnixMs < msgs[i-1].CreatedAtUnixMs {
			t.Fatalf("created_at decreasing at %d", i)
		}
	}
}

func TestStore_TokenBudgetSuffix(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	ctx := context.Background()
	if err := s.CreateThread(ctx, Thread{ThreadID: "th_1", AccountID: 7}); err != nil {
		t.Fatalf("CreateThread: %v", err)
	}
	// Ten messages of ~25 tokens each (100 chars).
	for i := 0; i < 10; i++ {
		appendText(t, s, 7, "th_1", "user", fmt.Sprintf("%02d %s", i, strings.Repeat("x", 97)))
	}

	msgs, err := s.ListMessagesWithinTokenBudget(ctx, 7, "th_1", 80)
	if err != nil {
		t.Fatalf("ListMessagesWithinTokenBudget: %v", err)
	}
	if len(msgs) == 0 {
		t.Fatalf("budget selection returned no messages")
	}
	total := 0
	for _, m := range msgs {
		total += m.ApproxTokens
	}
	if total > 80 && len(msgs) > 1 {
		t.Fatalf("total tokens %d over budget with %d messages", total, len(msgs))
	}
	// The result must be the most recent suffix, in chronological order.
	all, err := s.ListMessages(ctx, 7, "th_1")
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	want := all[len(all)-len(msgs):]
	for i := range msgs {
		if msgs[i].MessageID != want[i].MessageID {
			t.Fatalf("suffix mismatch at %d: %q != %q", i, msgs[i].MessageID, want[i].MessageID)
		}
	}
}

func TestStore_TokenBudgetSingleOversizedMessage(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	ctx := context.Background()
	if err := s.CreateThread(ctx, Thread{ThreadID: "th_1", AccountID: 7}); err != nil {
		t.Fatalf("CreateThread: %v", err)
	}
	appendText(t, s, 7, "th_1", "user", "short older message")
	appendText(t, s, 7, "th_1", "assistant", strings.Repeat("y", 4000))

	msgs, err := s.ListMessagesWithinTokenBudget(ctx, 7, "th_1", 10)
	if err != nil {
		t.Fatalf("ListMessagesWithinTokenBudget: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("len=%d, want 1 (newest message alone)", len(msgs))
	}
	if msgs[0].Role != "assistant" {
		t.Fatalf("Role=%q, want the most recent message", msgs[0].Role)
	}
}

func TestStore_AccountIsolation(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	ctx := context.Background()
	if err := s.CreateThread(ctx, Thread{ThreadID: "th_a", AccountID: 7}); err != nil {
		t.Fatalf("CreateThread: %v", err)
	}
	appendText(t, s, 7, "th_a", "user", "account 7 private data")

	// Another account must not see or touch the thread.
	th, err := s.GetThread(ctx, 99, "th_a")
	if err != nil {
		t.Fatalf("GetThread: %v", err)
	}
	if th != nil {
		t.Fatalf("cross-account GetThread returned a thread")
	}
	msgs, err := s.ListMessages(ctx, 99, "th_a")
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if len(msgs) != 0 {
		t.Fatalf("cross-account ListMessages returned %d messages", len(msgs))
	}
	if _, err := s.AppendMessage(ctx, Message{ThreadID: "th_a", AccountID: 99, MessageID: "m_x", Role: "user", TextContent: "intrusion"}); err == nil {
		t.Fatalf("cross-account AppendMessage succeeded")
	}
	if err := s.TouchThread(ctx, 99, "th_a"); err == nil {
		t.Fatalf("cross-account TouchThread succeeded")
	}
}

func TestStore_TitleInferredFromFirstUserMessage(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	ctx := context.Background()
	if err := s.CreateThread(ctx, Thread{ThreadID: "th_1", AccountID: 7}); err != nil {
		t.Fatalf("CreateThread: %v", err)
	}
	appendText(t, s, 7, "th_1", "user", "How is my portfolio performing today?")
	appendText(t, s, 7, "th_1", "user", "second question should not retitle")

	th, err := s.GetThread(ctx, 7, "th_1")
	if err != nil {
		t.Fatalf("GetThread: %v", err)
	}
	if th == nil {
		t.Fatalf("thread missing")
	}
	if th.Title != "How is my portfolio performing today?" {
		t.Fatalf("Title=%q", th.Title)
	}
	if th.LastActivityAtUnixMs <= 0 {
		t.Fatalf("LastActivityAtUnixMs not set")
	}
}

func TestStore_ReplaceSummarySupersedes(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	ctx := context.Background()
	if err := s.CreateThread(ctx, Thread{ThreadID: "th_1", AccountID: 7}); err != nil {
		t.Fatalf("CreateThread: %v", err)
	}

	if err := s.ReplaceSummary(ctx, Summary{ThreadID: "th_1", AccountID: 7, AsOfMessageCount: 50, SummaryText: "first"}); err != nil {
		t.Fatalf("ReplaceSummary: %v", err)
	}
	if err := s.ReplaceSummary(ctx, Summary{ThreadID: "th_1", AccountID: 7, AsOfMessageCount: 80, SummaryText: "second"}); err != nil {
		t.Fatalf("ReplaceSummary again: %v", err)
	}

	sum, err := s.CurrentSummary(ctx, 7, "th_1")
	if err != nil {
		t.Fatalf("CurrentSummary: %v", err)
	}
	if sum == nil {
		t.Fatalf("summary missing")
	}
	if sum.SummaryText != "second" || sum.AsOfMessageCount != 80 {
		t.Fatalf("summary not superseded: %+v", sum)
	}
}

func TestEstimateTokens_Monotonic(t *testing.T) {
	t.Parallel()

	prev := 0
	for i := 0; i <= 400; i += 40 {
		got := EstimateTokens(strings.Repeat("a", i))
		if got < prev {
			t.Fatalf("EstimateTokens not monotonic at len=%d: %d < %d", i, got, prev)
		}
		prev = got
	}
	if EstimateTokens("") != 0 {
		t.Fatalf("EstimateTokens(\"\") != 0")
	}
}

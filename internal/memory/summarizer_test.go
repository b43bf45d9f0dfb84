package memory

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"
)

func waitForSummary(t *testing.T, s *Store, accountID int64, threadID string) *Summary {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		sum, err := s.CurrentSummary(context.Background(), accountID, threadID)
		if err != nil {
			t.Fatalf("CurrentSummary: %v", err)
		}
		if sum != nil {
			return sum
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("summary never appeared for %s", threadID)
	return nil
}

func TestSummarizer_ThresholdTriggersOnce(t *testing.T) {
	t.Parallel()

	store := openTestStore(t)
	ctx := context.Background()
	if err := store.CreateThread(ctx, Thread{ThreadID: "th_1", AccountID: 7}); err != nil {
		t.Fatalf("CreateThread: %v", err)
	}
	for i := 0; i < 60; i++ {
		role := "user"
		if i%2 == 1 {
			role = "assistant"
		}
		appendText(t, store, 7, "th_1", role, fmt.Sprintf("turn %d about portfolio allocation", i))
	}

	var calls atomic.Int64
	sum, err := NewSummarizer(SummarizerOptions{
		Store: store,
		Distiller: DistillerFunc(func(ctx context.Context, msgs []Message) (string, error) {
			calls.Add(1)
			return fmt.Sprintf("distilled %d messages", len(msgs)), nil
		}),
		Threshold: 50,
	})
	if err != nil {
		t.Fatalf("NewSummarizer: %v", err)
	}

	sum.MaybeSummarize(7, "th_1")
	got := waitForSummary(t, store, 7, "th_1")
	if got.AsOfMessageCount < 50 {
		t.Fatalf("AsOfMessageCount=%d, want >= 50", got.AsOfMessageCount)
	}
	if got.SummaryText != "distilled 60 messages" {
		t.Fatalf("SummaryText=%q", got.SummaryText)
	}

	// No new messages since the last summary: a second request is a no-op.
	sum.MaybeSummarize(7, "th_1")
	sum.Close()
	if n := calls.Load(); n != 1 {
		t.Fatalf("distiller ran %d times, want 1", n)
	}
	after, err := store.CurrentSummary(ctx, 7, "th_1")
	if err != nil {
		t.Fatalf("CurrentSummary: %v", err)
	}
	if after.AsOfMessageCount != got.AsOfMessageCount {
		t.Fatalf("summary changed without new messages: %d -> %d", got.AsOfMessageCount, after.AsOfMessageCount)
	}
}

func TestSummarizer_BelowThresholdDoesNothing(t *testing.T) {
	t.Parallel()

	store := openTestStore(t)
	ctx := context.Background()
	if err := store.CreateThread(ctx, Thread{ThreadID: "th_1", AccountID: 7}); err != nil {
		t.Fatalf("CreateThread: %v", err)
	}
	for i := 0; i < 10; i++ {
		appendText(t, store, 7, "th_1", "user", fmt.Sprintf("turn %d", i))
	}

	sum, err := NewSummarizer(SummarizerOptions{
		Store: store,
		Distiller: DistillerFunc(func(ctx context.Context, msgs []Message) (string, error) {
			t.Errorf("distiller must not run below threshold")
			return "", errors.New("unexpected")
		}),
		Threshold: 50,
	})
	if err != nil {
		t.Fatalf("NewSummarizer: %v", err)
	}
	sum.MaybeSummarize(7, "th_1")
	sum.Close()

	got, err := store.CurrentSummary(ctx, 7, "th_1")
	if err != nil {
		t.Fatalf("CurrentSummary: %v", err)
	}
	if got != nil {
		t.Fatalf("summary created below threshold: %+v", got)
	}
}

func TestSummarizer_FailureIsSwallowed(t *testing.T) {
	t.Parallel()

	store := openTestStore(t)
	ctx := context.Background()
	if err := store.CreateThread(ctx, Thread{ThreadID: "th_1", AccountID: 7}); err != nil {
		t.Fatalf("CreateThread: %v", err)
	}
	for i := 0; i < 60; i++ {
		appendText(t, store, 7, "th_1", "user", fmt.Sprintf("turn %d", i))
	}

	sum, err := NewSummarizer(SummarizerOptions{
		Store: store,
		Distiller: DistillerFunc(func(ctx context.Context, msgs []Message) (string, error) {
			return "", errors.New("model unavailable")
		}),
		Threshold: 50,
	})
	if err != nil {
		t.Fatalf("NewSummarizer: %v", err)
	}
	sum.MaybeSummarize(7, "th_1")
	sum.Close()

	got, err := store.CurrentSummary(ctx, 7, "th_1")
	if err != nil {
		t.Fatalf("CurrentSummary: %v", err)
	}
	if got != nil {
		t.Fatalf("failed distillation still wrote a summary: %+v", got)
	}
}

func TestSnapshotDistiller(t *testing.T) {
	t.Parallel()

	msgs := []Message{
		{Role: "user", TextContent: "What drove my returns this quarter?"},
		{Role: "assistant", TextContent: "Tech holdings contributed most of the gain."},
		{Role: "system", TextContent: "should be skipped"},
	}
	text, err := SnapshotDistiller{}.Distill(context.Background(), msgs)
	if err != nil {
		t.Fatalf("Distill: %v", err)
	}
	want := "Conversation snapshot:\n- User: What drove my returns this quarter?\n- Assistant: Tech holdings contributed most of the gain."
	if text != want {
		t.Fatalf("Distill=%q, want %q", text, want)
	}

	if _, err := (SnapshotDistiller{}).Distill(context.Background(), nil); err == nil {
		t.Fatalf("Distill(nil) should fail")
	}
}

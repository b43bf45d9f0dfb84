package memory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// Distiller turns a slice of messages into a compact summary text.
type Distiller interface {
	Distill(ctx context.Context, msgs []Message) (string, error)
}

// DistillerFunc adapts a function to the Distiller interface.
type DistillerFunc func(ctx context.Context, msgs []Message) (string, error)

func (f DistillerFunc) Distill(ctx context.Context, msgs []Message) (string, error) {
	return f(ctx, msgs)
}

type summarizeJob struct {
	accountID int64
	threadID  string
}

// Summarizer distills older thread history into a Summary in the background.
//
// Work is handed to an explicit worker pool rather than fired and forgotten so
// failures surface in logs and shutdown can drain in-flight jobs. A failed
// summarization never affects the turn that triggered it.
type Summarizer struct {
	store     *Store
	distiller Distiller
	log       *slog.Logger
	threshold int
	jobTO     time.Duration

	queue chan summarizeJob
	wg    sync.WaitGroup

	mu      sync.Mutex
	pending map[string]struct{}
	closed  bool
}

type SummarizerOptions struct {
	Store     *Store
	Distiller Distiller
	Log       *slog.Logger
	// Threshold is the unsummarized message count that triggers distillation.
	Threshold int
	Workers   int
	QueueSize int
	// JobTimeout bounds one distillation pass. Defaults to 60s.
	JobTimeout time.Duration
}

func NewSummarizer(opts SummarizerOptions) (*Summarizer, error) {
	if opts.Store == nil {
		return nil, errors.New("missing store")
	}
	if opts.Distiller == nil {
		return nil, errors.New("missing distiller")
	}
	if opts.Threshold <= 0 {
		opts.Threshold = 50
	}
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 64
	}
	if opts.JobTimeout <= 0 {
		opts.JobTimeout = 60 * time.Second
	}
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}

	s := &Summarizer{
		store:     opts.Store,
		distiller: opts.Distiller,
		log:       log,
		threshold: opts.Threshold,
		jobTO:     opts.JobTimeout,
		queue:     make(chan summarizeJob, opts.QueueSize),
		pending:   make(map[string]struct{}),
	}
	for i := 0; i < opts.Workers; i++ {
		s.wg.Add(1)
		go s.worker()
	}
	return s, nil
}

// Close stops accepting new work and drains in-flight jobs.
func (s *Summarizer) Close() {
	if s == nil {
		return
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()
	close(s.queue)
	s.wg.Wait()
}

// MaybeSummarize enqueues a summarization check for the thread. It never
// blocks: when the queue is full or the thread is already queued, the request
// is dropped (the next turn will enqueue again).
func (s *Summarizer) MaybeSummarize(accountID int64, threadID string) {
	if s == nil {
		return
	}
	threadID = strings.TrimSpace(threadID)
	if accountID <= 0 || threadID == "" {
		return
	}
	key := fmt.Sprintf("%d/%s", accountID, threadID)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if _, ok := s.pending[key]; ok {
		s.mu.Unlock()
		return
	}
	s.pending[key] = struct{}{}
	s.mu.Unlock()

	select {
	case s.queue <- summarizeJob{accountID: accountID, threadID: threadID}:
	default:
		s.mu.Lock()
		delete(s.pending, key)
		s.mu.Unlock()
		s.log.Warn("memory.summarize.queue_full", "thread_id", threadID)
	}
}

func (s *Summarizer) worker() {
	defer s.wg.Done()
	for job := range s.queue {
		key := fmt.Sprintf("%d/%s", job.accountID, job.threadID)
		if err := s.summarizeThread(job); err != nil {
			// Best-effort long-term memory: log and move on.
			s.log.Warn("memory.summarize.failed", "thread_id", job.threadID, "error", err.Error())
		}
		s.mu.Lock()
		delete(s.pending, key)
		s.mu.Unlock()
	}
}

func (s *Summarizer) summarizeThread(job summarizeJob) error {
	ctx, cancel := context.WithTimeout(context.Background(), s.jobTO)
	defer cancel()

	count, err := s.store.CountMessages(ctx, job.accountID, job.threadID)
	if err != nil {
		return err
	}
	current, err := s.store.CurrentSummary(ctx, job.accountID, job.threadID)
	if err != nil {
		return err
	}
	asOf := 0
	if current != nil {
		asOf = current.AsOfMessageCount
	}
	if count-asOf < s.threshold {
		return nil
	}

	msgs, err := s.store.ListMessages(ctx, job.accountID, job.threadID)
	if err != nil {
		return err
	}
	if len(msgs) == 0 {
		return nil
	}

	text, err := s.distiller.Distill(ctx, msgs)
	if err != nil {
		return fmt.Errorf("distill: %w", err)
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return errors.New("empty summary")
	}

	if err := s.store.ReplaceSummary(ctx, Summary{
		ThreadID:         job.threadID,
		AccountID:        job.accountID,
		AsOfMessageCount: count,
		SummaryText:      text,
	}); err != nil {
		return err
	}
	s.log.Debug("memory.summarize.done", "thread_id", job.threadID, "as_of", count)
	return nil
}

// SnapshotDistiller is the deterministic fallback distiller: it folds the
// dialogue into capped "- User:/- Assistant:" snapshot lines.
type SnapshotDistiller struct{}

func (SnapshotDistiller) Distill(_ context.Context, msgs []Message) (string, error) {
	lines := make([]string, 0, len(msgs))
	for _, m := range msgs {
		text := strings.TrimSpace(m.TextContent)
		if text == "" {
			continue
		}
		switch m.Role {
		case "user":
			lines = append(lines, "- User: "+truncateRunes(text, 100))
		case "assistant":
			lines = append(lines, "- Assistant: "+truncateRunes(text, 120))
		}
	}
	if len(lines) == 0 {
		return "", errors.New("nothing to summarize")
	}
	if len(lines) > 24 {
		lines = lines[len(lines)-24:]
	}
	return "Conversation snapshot:\n" + strings.Join(lines, "\n"), nil
}

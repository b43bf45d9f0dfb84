// Package thread resolves which conversation thread a turn belongs to.
package thread

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/quantfolio/advisor-agent/internal/memory"
)

// Manager maps (account, optional thread id) onto a concrete stored thread.
type Manager struct {
	store *memory.Store
	log   *slog.Logger
}

func NewManager(store *memory.Store, log *slog.Logger) (*Manager, error) {
	if store == nil {
		return nil, errors.New("missing store")
	}
	if log == nil {
		log = slog.Default()
	}
	return &Manager{store: store, log: log}, nil
}

// ResolveOrCreate returns the thread a turn should run on. An explicit id must
// belong to the account; an empty id resumes the most recently active thread
// or starts a new one when the account has none.
func (m *Manager) ResolveOrCreate(ctx context.Context, accountID int64, threadID string) (*memory.Thread, error) {
	if m == nil || m.store == nil {
		return nil, errors.New("nil manager")
	}
	if accountID <= 0 {
		return nil, errors.New("invalid account id")
	}

	threadID = strings.TrimSpace(threadID)
	if threadID != "" {
		th, err := m.store.GetThread(ctx, accountID, threadID)
		if err != nil {
			return nil, err
		}
		if th == nil {
			return nil, memory.ErrThreadNotFound
		}
		return th, nil
	}

	th, err := m.store.MostRecentActiveThread(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if th != nil {
		return th, nil
	}
	return m.CreateNewSession(ctx, accountID)
}

// CreateNewSession always starts a fresh thread for the account.
func (m *Manager) CreateNewSession(ctx context.Context, accountID int64) (*memory.Thread, error) {
	if m == nil || m.store == nil {
		return nil, errors.New("nil manager")
	}
	if accountID <= 0 {
		return nil, errors.New("invalid account id")
	}

	id, err := memory.NewThreadID()
	if err != nil {
		return nil, err
	}
	if err := m.store.CreateThread(ctx, memory.Thread{ThreadID: id, AccountID: accountID}); err != nil {
		return nil, err
	}
	th, err := m.store.GetThread(ctx, accountID, id)
	if err != nil {
		return nil, err
	}
	if th == nil {
		return nil, errors.New("thread missing after create")
	}
	m.log.Debug("thread.session.created", "thread_id", id)
	return th, nil
}

// TouchActivity bumps the thread's last-activity timestamp.
func (m *Manager) TouchActivity(ctx context.Context, accountID int64, threadID string) error {
	if m == nil || m.store == nil {
		return errors.New("nil manager")
	}
	return m.store.TouchThread(ctx, accountID, threadID)
}

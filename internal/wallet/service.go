package wallet

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

const (
	MaxRetries = 3
	RetryDelay = 10 * time.Millisecond
)

type Service struct {
	db        *gorm.DB
	repo      WalletRepository
	log       *logrus.Logger
	now       func() time.Time
	notifyHub *NotificationHub
}

type NotificationHub struct {
	mu          sync.RWMutex
	subscribers map[string][]chan BalanceUpdate
}

func NewNotificationHub() *NotificationHub {
	return &NotificationHub{
		subscribers: make(map[string][]chan BalanceUpdate),
	}
}

func (h *NotificationHub) Subscribe(userID string) <-chan BalanceUpdate {
	h.mu.Lock()
	defer h.mu.Unlock()

	ch := make(chan BalanceUpdate, 10)
	h.subscribers[userID] = append(h.subscribers[userID], ch)
	return ch
}

func (h *NotificationHub) Unsubscribe(userID string, ch <-chan BalanceUpdate) {
	h.mu.Lock()
	defer h.mu.Unlock()

	subs := h.subscribers[userID]
	for i, c := range subs {
		if c == ch {
			close(c)
			h.subscribers[userID] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	if len(h.subscribers[userID]) == 0 {
		delete(h.subscribers, userID)
	}
}

func (h *NotificationHub) Notify(userID string, update BalanceUpdate) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, ch := range h.subscribers[userID] {
		select {
		case ch <- update:
		default:
			// slow subscriber, drop
		}
	}
}

func NewService(db *gorm.DB, repo WalletRepository, log *logrus.Logger) *Service {
	return &Service{
		db:        db,
		repo:      repo,
		log:       log,
		now:       func() time.Time { return time.Now().UTC() },
		notifyHub: NewNotificationHub(),
	}
}

// WithClock replaces the time source, for tests.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

func (s *Service) GetBalance(ctx context.Context, userID string) (*Wallet, error) {
	return s.repo.GetWallet(ctx, userID)
}

func (s *Service) ListEntries(ctx context.Context, userID string, limit int, offset int) ([]LedgerEntry, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return s.repo.ListEntries(ctx, userID, limit, offset)
}

// CreditTx credits the user's wallet inside the caller's transaction.
// A second credit with the same source and reference returns the first
// entry unchanged.
func (s *Service) CreditTx(ctx context.Context, tx *gorm.DB, req CreditRequest) (*LedgerEntry, error) {
	if req.UserID == "" || req.Source == "" || req.ReferenceID == "" {
		return nil, ErrInvalidCredit
	}
	if req.Points < 0 || req.Cash.IsNegative() || (req.Points == 0 && req.Cash.IsZero()) {
		return nil, ErrInvalidCredit
	}

	//idempotency check
	existing, err := s.repo.GetEntryByReference(ctx, tx, req.Source, req.ReferenceID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	now := s.now()
	w, err := s.repo.GetOrCreateForUpdate(ctx, tx, req.UserID, now)
	if err != nil {
		return nil, err
	}

	entry := &LedgerEntry{
		UserID:      req.UserID,
		Source:      req.Source,
		ReferenceID: req.ReferenceID,
		Points:      req.Points,
		Cash:        req.Cash.Round(2),
	}
	if err := s.repo.Credit(ctx, tx, w, entry, now); err != nil {
		return nil, err
	}

	s.log.WithFields(logrus.Fields{
		"user_id":   req.UserID,
		"source":    req.Source,
		"reference": req.ReferenceID,
		"points":    entry.Points,
		"cash":      entry.Cash.String(),
	}).Info("wallet credited")
	return entry, nil
}

// Credit runs CreditTx in its own transaction and announces the result.
func (s *Service) Credit(ctx context.Context, req CreditRequest) (*LedgerEntry, error) {
	var entry *LedgerEntry
	var err error
	for i := 0; i < MaxRetries; i++ {
		err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var txErr error
			entry, txErr = s.CreditTx(ctx, tx, req)
			return txErr
		})
		if err == nil {
			s.Announce(entry)
			return entry, nil
		}
		if errors.Is(err, ErrOptimisticLock) {
			time.Sleep(RetryDelay)
			continue
		}
		return nil, err
	}
	return nil, fmt.Errorf("failed to credit wallet: %w", err)
}

// Announce publishes a committed ledger entry to balance subscribers.
func (s *Service) Announce(entry *LedgerEntry) {
	if entry == nil {
		return
	}
	s.notifyHub.Notify(entry.UserID, BalanceUpdate{
		UserID:        entry.UserID,
		Source:        entry.Source,
		ReferenceID:   entry.ReferenceID,
		Points:        entry.Points,
		Cash:          entry.Cash,
		PointsBalance: entry.PointsAfter,
		CashBalance:   entry.CashAfter,
		Timestamp:     s.now(),
	})
}

func (s *Service) SubscribeToBalanceUpdates(userID string) <-chan BalanceUpdate {
	return s.notifyHub.Subscribe(userID)
}

func (s *Service) UnsubscribeFromBalanceUpdates(userID string, ch <-chan BalanceUpdate) {
	s.notifyHub.Unsubscribe(userID, ch)
}

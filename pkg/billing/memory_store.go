package billing

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryLedgerStore is an in-memory LedgerStore for tests and local
// development. All reads return deep copies so callers can never mutate the
// store's state without going through the state machine.
type MemoryLedgerStore struct {
	mu            sync.RWMutex
	subscriptions map[uuid.UUID]*Subscription
	records       map[uuid.UUID][]BillingRecord // keyed by subscription ID
}

// NewMemoryLedgerStore creates an empty in-memory ledger store.
func NewMemoryLedgerStore() *MemoryLedgerStore {
	return &MemoryLedgerStore{
		subscriptions: make(map[uuid.UUID]*Subscription),
		records:       make(map[uuid.UUID][]BillingRecord),
	}
}

func (s *MemoryLedgerStore) Get(ctx context.Context, id uuid.UUID) (*Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sub, ok := s.subscriptions[id]
	if !ok {
		return nil, ErrSubscriptionNotFound
	}
	return sub.clone(), nil
}

func (s *MemoryLedgerStore) GetByExternalID(ctx context.Context, externalID string) (*Subscription, error) {
	if externalID == "" {
		return nil, ErrSubscriptionNotFound
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, sub := range s.subscriptions {
		if sub.ExternalSubscriptionID == externalID {
			return sub.clone(), nil
		}
	}
	return nil, ErrSubscriptionNotFound
}

func (s *MemoryLedgerStore) ListByUserPackage(ctx context.Context, userID, packageID uuid.UUID) ([]*Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*Subscription
	for _, sub := range s.subscriptions {
		if sub.UserID == userID && sub.PackageID == packageID {
			result = append(result, sub.clone())
		}
	}
	sortNewestFirst(result)
	return result, nil
}

func (s *MemoryLedgerStore) ListByUser(ctx context.Context, userID uuid.UUID) ([]*Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*Subscription
	for _, sub := range s.subscriptions {
		if sub.UserID == userID {
			result = append(result, sub.clone())
		}
	}
	sortNewestFirst(result)
	return result, nil
}

func (s *MemoryLedgerStore) ListDueForExpiration(ctx context.Context, now time.Time, gracePeriod time.Duration) ([]*Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*Subscription
	for _, sub := range s.subscriptions {
		switch sub.Status {
		case StatusCancelledActive:
			if sub.EndDate.Before(now) {
				result = append(result, sub.clone())
			}
		case StatusActive:
			if sub.IsInGracePeriod && !sub.GraceEndsAt(gracePeriod).After(now) {
				result = append(result, sub.clone())
			}
		}
	}
	sortNewestFirst(result)
	return result, nil
}

func (s *MemoryLedgerStore) Create(ctx context.Context, sub *Subscription, rec *BillingRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.subscriptions {
		if existing.UserID == sub.UserID && existing.PackageID == sub.PackageID && existing.Status.IsOpen() {
			return ErrSubscriptionConflict
		}
	}

	stored := sub.clone()
	stored.Version = 1
	s.subscriptions[stored.ID] = stored
	sub.Version = stored.Version

	if rec != nil {
		s.records[stored.ID] = append(s.records[stored.ID], *rec)
	}
	return nil
}

func (s *MemoryLedgerStore) Update(ctx context.Context, sub *Subscription, rec *BillingRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.subscriptions[sub.ID]
	if !ok {
		return ErrSubscriptionNotFound
	}
	if current.Version != sub.Version {
		return ErrVersionConflict
	}

	stored := sub.clone()
	stored.Version = current.Version + 1
	s.subscriptions[stored.ID] = stored
	sub.Version = stored.Version

	if rec != nil {
		s.records[stored.ID] = append(s.records[stored.ID], *rec)
	}
	return nil
}

func (s *MemoryLedgerStore) ListBillingRecords(ctx context.Context, subscriptionID uuid.UUID) ([]BillingRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	records := s.records[subscriptionID]
	result := make([]BillingRecord, len(records))
	copy(result, records)
	return result, nil
}

func sortNewestFirst(subs []*Subscription) {
	sort.Slice(subs, func(i, j int) bool {
		return subs[i].CreatedAt.After(subs[j].CreatedAt)
	})
}

// MemoryDeadLetterStore is an in-memory DeadLetterStore.
type MemoryDeadLetterStore struct {
	mu      sync.RWMutex
	letters map[uuid.UUID]DeadLetter
}

// NewMemoryDeadLetterStore creates an empty in-memory dead-letter store.
func NewMemoryDeadLetterStore() *MemoryDeadLetterStore {
	return &MemoryDeadLetterStore{letters: make(map[uuid.UUID]DeadLetter)}
}

func (s *MemoryDeadLetterStore) Add(ctx context.Context, letter DeadLetter) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.letters[letter.ID] = letter
	return nil
}

func (s *MemoryDeadLetterStore) List(ctx context.Context) ([]DeadLetter, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]DeadLetter, 0, len(s.letters))
	for _, letter := range s.letters {
		result = append(result, letter)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

func (s *MemoryDeadLetterStore) Remove(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.letters, id)
	return nil
}

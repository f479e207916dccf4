package billing

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
)

// PackageTemplate is reference data describing a purchasable coaching package.
// It is owned outside this engine and read-only from the engine's perspective.
type PackageTemplate struct {
	ID          uuid.UUID
	Name        string
	Description string
	TrainerID   uuid.UUID
	Price       Money
	Interval    BillingInterval
	TrialDays   int // 0 disables the trial for this package
}

// PeriodEnd returns the end of a billing period starting at the given time.
func (p PackageTemplate) PeriodEnd(start time.Time) time.Time {
	switch p.Interval {
	case BillingIntervalYearly:
		return start.AddDate(1, 0, 0)
	default:
		return start.AddDate(0, 1, 0)
	}
}

// HasTrial reports whether the package offers a trial at all. Whether a given
// user may still use it is a separate, history-based question answered by the
// state machine.
func (p PackageTemplate) HasTrial() bool {
	return p.TrialDays > 0
}

// PackagesSource resolves package templates by ID.
type PackagesSource interface {
	Get(ctx context.Context, packageID uuid.UUID) (*PackageTemplate, error)
}

type inMemPackages struct {
	mu       sync.RWMutex
	packages map[uuid.UUID]PackageTemplate
}

// NewInMemPackagesSource returns an in-memory PackagesSource with a copy of
// the given templates. Panics if no packages are provided so the engine always
// has at least one purchasable package.
func NewInMemPackagesSource(packages ...PackageTemplate) PackagesSource {
	if len(packages) < 1 {
		panic("billing: at least one package template is required")
	}
	copied := make(map[uuid.UUID]PackageTemplate, len(packages))
	for _, p := range packages {
		copied[p.ID] = p
	}
	return &inMemPackages{packages: copied}
}

func (s *inMemPackages) Get(ctx context.Context, packageID uuid.UUID) (*PackageTemplate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.packages[packageID]
	if !ok {
		return nil, ErrPackageNotFound
	}
	return &p, nil
}

// packageFile is the on-disk shape of one catalog entry.
type packageFile struct {
	ID          uuid.UUID       `json:"id"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	TrainerID   uuid.UUID       `json:"trainerId"`
	Amount      int64           `json:"amount"`
	Currency    string          `json:"currency"`
	Interval    BillingInterval `json:"interval"`
	TrialDays   int             `json:"trialDays,omitempty"`
}

// NewFilePackagesSource loads package templates from a JSON file holding an
// array of catalog entries. The file is read once at startup; the returned
// source is immutable afterwards.
func NewFilePackagesSource(path string) (PackagesSource, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read packages file: %w", err)
	}

	var entries []packageFile
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("failed to parse packages file %s: %w", path, err)
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("packages file %s holds no packages", path)
	}

	templates := make([]PackageTemplate, 0, len(entries))
	for _, e := range entries {
		if e.ID == uuid.Nil {
			return nil, fmt.Errorf("packages file %s: package %q lacks an id", path, e.Name)
		}
		templates = append(templates, PackageTemplate{
			ID:          e.ID,
			Name:        e.Name,
			Description: e.Description,
			TrainerID:   e.TrainerID,
			Price:       Money{Amount: e.Amount, Currency: e.Currency},
			Interval:    e.Interval,
			TrialDays:   e.TrialDays,
		})
	}

	return NewInMemPackagesSource(templates...), nil
}

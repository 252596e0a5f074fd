/*
lifecycle.go - Stock Entry lifecycle

PURPOSE:
  Drives a Stock Entry through its states and owns every side effect
  on the ledger. The hosting layer (HTTP, CLI, tests) only calls the
  transition methods; it holds no business logic.

STATE MACHINE:
  ┌───────┐  Validate  ┌───────────┐  Submit  ┌────────┐  Cancel  ┌───────────┐
  │ Draft │ ─────────▶ │ Validated │ ───────▶ │ Posted │ ───────▶ │ Cancelled │
  └───────┘            └───────────┘          └────────┘          └───────────┘
                         │      ▲
                         └──────┘ Validate (edit and re-validate)

  Validate   runs the Validator, persists the normalized entry, no ledger rows
  Submit     locks the touched pairs, re-validates against the current
             ledger, appends the expansion and saves the entry in one WithTx
  Cancel     locks, checks the reversal cannot drive a balance negative,
             appends the sign-inverted rows and saves the entry in one WithTx

TIMESTAMPS:
  Each transition reads the clock once. ValidatedAt, PostedAt and
  CancelledAt are those readings, and every ledger row written by a
  transition carries the same value.

CAPABILITIES:
  Every method takes an Actor and checks it before touching the store.

EXAMPLE:
  svc := stock.NewService(store, stock.ServiceConfig{})
  e, err := svc.Validate(ctx, actor, &stock.StockEntry{EntryType: stock.EntryReceipt, ...})
  e, rows, err := svc.Submit(ctx, actor, e.ID)
  e, rows, err = svc.Cancel(ctx, actor, e.ID)
*/
package stock

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// =============================================================================
// STATUS - FSM states and allowed transitions
// =============================================================================

type Status string

const (
	StatusDraft     Status = "Draft"
	StatusValidated Status = "Validated"
	StatusPosted    Status = "Posted"
	StatusCancelled Status = "Cancelled"
)

var transitions = map[Status][]Status{
	StatusDraft:     {StatusValidated},
	StatusValidated: {StatusValidated, StatusPosted},
	StatusPosted:    {StatusCancelled},
}

func (s Status) normalized() Status {
	if s == "" {
		return StatusDraft
	}
	return s
}

// CanTransition reports whether the FSM allows s -> to.
func (s Status) CanTransition(to Status) bool {
	for _, allowed := range transitions[s.normalized()] {
		if allowed == to {
			return true
		}
	}
	return false
}

func (e *StockEntry) transition(to Status, at time.Time) error {
	from := e.Status.normalized()
	if !from.CanTransition(to) {
		return &TransitionError{EntryID: e.ID, From: from, To: to}
	}
	e.Status = to
	e.UpdatedAt = at
	switch to {
	case StatusValidated:
		e.ValidatedAt = &at
	case StatusPosted:
		e.PostedAt = &at
	case StatusCancelled:
		e.CancelledAt = &at
	}
	return nil
}

// =============================================================================
// SERVICE
// =============================================================================

type ServiceConfig struct {
	Validator ValidatorConfig

	// Locker is optional; stores already serialize their own writers.
	Locker Locker

	// ReportConcurrency bounds per-pair aggregation in StockBalance.
	ReportConcurrency int

	Clock  func() time.Time
	Logger *slog.Logger
}

type Service struct {
	Store      Store
	Validator  *Validator
	Poster     *Poster
	Aggregator *Aggregator
	Locker     Locker
	Clock      func() time.Time
	Logger     *slog.Logger
	NewID      func() string
}

func NewService(store Store, cfg ServiceConfig) *Service {
	clock := cfg.Clock
	if clock == nil {
		clock = func() time.Time { return time.Now().UTC() }
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		Store:      store,
		Validator:  NewValidator(cfg.Validator, store),
		Poster:     NewPoster(),
		Aggregator: NewAggregator(store, cfg.ReportConcurrency),
		Locker:     cfg.Locker,
		Clock:      clock,
		Logger:     logger,
		NewID:      uuid.NewString,
	}
}

// Validate checks the entry and persists it in the Validated state.
// New entries (empty ID or unknown ID) start as Draft. Posted and
// Cancelled entries cannot be edited.
func (s *Service) Validate(ctx context.Context, actor Actor, in *StockEntry) (*StockEntry, error) {
	if err := actor.Require(CapEntryWrite); err != nil {
		return nil, err
	}
	at := s.Clock()

	e := in.Clone()
	if e.ID == "" {
		e.ID = EntryID(s.NewID())
	}
	e.Status = StatusDraft
	e.CreatedBy = actor.ID
	e.CreatedAt = at

	existing, err := s.Store.GetEntry(ctx, e.ID)
	switch {
	case err == nil:
		e.Status = existing.Status
		e.CreatedBy = existing.CreatedBy
		e.CreatedAt = existing.CreatedAt
	case !IsNotFound(err):
		return nil, fmt.Errorf("load stock entry: %w", err)
	}
	if !e.Status.normalized().CanTransition(StatusValidated) {
		return nil, &TransitionError{EntryID: e.ID, From: e.Status.normalized(), To: StatusValidated}
	}

	if err := s.Validator.ValidateEntry(ctx, NewLedger(s.Store), e); err != nil {
		return nil, err
	}
	if err := e.transition(StatusValidated, at); err != nil {
		return nil, err
	}
	if err := s.Store.SaveEntry(ctx, e); err != nil {
		return nil, fmt.Errorf("save stock entry: %w", err)
	}

	s.Logger.InfoContext(ctx, "stock entry validated",
		slog.String("entry_id", string(e.ID)),
		slog.String("entry_type", string(e.EntryType)),
		slog.Int("lines", len(e.Lines)),
		slog.String("actor", actor.ID),
	)
	return e, nil
}

// Submit posts a Validated entry to the ledger.
func (s *Service) Submit(ctx context.Context, actor Actor, id EntryID) (*StockEntry, []LedgerEntry, error) {
	if err := actor.Require(CapEntrySubmit); err != nil {
		return nil, nil, err
	}
	at := s.Clock()

	e, err := s.Store.GetEntry(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if !e.Status.normalized().CanTransition(StatusPosted) {
		return nil, nil, &TransitionError{EntryID: id, From: e.Status.normalized(), To: StatusPosted}
	}

	release, err := s.acquire(ctx, e.Pairs())
	if err != nil {
		return nil, nil, err
	}
	defer release()

	var rows []LedgerEntry
	err = s.Store.WithTx(ctx, func(tx Tx) error {
		// Reload under the lock: another submit may have won the race.
		current, err := tx.GetEntry(ctx, id)
		if err != nil {
			return err
		}
		if err := current.transition(StatusPosted, at); err != nil {
			return err
		}

		ledger := NewLedger(tx)
		if err := s.Validator.withoutCatalog().ValidateEntry(ctx, ledger, current); err != nil {
			return err
		}
		rows, err = s.Poster.Expand(current, at)
		if err != nil {
			return err
		}
		if err := s.Poster.Post(ctx, ledger, rows); err != nil {
			return err
		}
		if err := tx.SaveEntry(ctx, current); err != nil {
			return fmt.Errorf("save stock entry: %w", err)
		}
		e = current
		return nil
	})
	if err != nil {
		s.Logger.WarnContext(ctx, "stock entry submit failed",
			slog.String("entry_id", string(id)),
			slog.Any("error", err),
		)
		return nil, nil, err
	}

	s.Logger.InfoContext(ctx, "stock entry posted",
		slog.String("entry_id", string(e.ID)),
		slog.String("entry_type", string(e.EntryType)),
		slog.Int("rows", len(rows)),
		slog.String("actor", actor.ID),
	)
	return e, rows, nil
}

// Cancel reverses a Posted entry by appending sign-inverted rows.
func (s *Service) Cancel(ctx context.Context, actor Actor, id EntryID) (*StockEntry, []LedgerEntry, error) {
	if err := actor.Require(CapEntryCancel); err != nil {
		return nil, nil, err
	}
	at := s.Clock()

	e, err := s.Store.GetEntry(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if !e.Status.normalized().CanTransition(StatusCancelled) {
		return nil, nil, &TransitionError{EntryID: id, From: e.Status.normalized(), To: StatusCancelled}
	}

	release, err := s.acquire(ctx, e.Pairs())
	if err != nil {
		return nil, nil, err
	}
	defer release()

	var rows []LedgerEntry
	err = s.Store.WithTx(ctx, func(tx Tx) error {
		current, err := tx.GetEntry(ctx, id)
		if err != nil {
			return err
		}
		if err := current.transition(StatusCancelled, at); err != nil {
			return err
		}

		rows, err = s.Poster.ExpandReversal(current, at)
		if err != nil {
			return err
		}
		ledger := NewLedger(tx)
		if err := checkReversal(ctx, ledger, rows); err != nil {
			return err
		}
		if err := s.Poster.Post(ctx, ledger, rows); err != nil {
			return err
		}
		if err := tx.SaveEntry(ctx, current); err != nil {
			return fmt.Errorf("save stock entry: %w", err)
		}
		e = current
		return nil
	})
	if err != nil {
		s.Logger.WarnContext(ctx, "stock entry cancel failed",
			slog.String("entry_id", string(id)),
			slog.Any("error", err),
		)
		return nil, nil, err
	}

	s.Logger.InfoContext(ctx, "stock entry cancelled",
		slog.String("entry_id", string(e.ID)),
		slog.String("entry_type", string(e.EntryType)),
		slog.Int("rows", len(rows)),
		slog.String("actor", actor.ID),
	)
	return e, rows, nil
}

// checkReversal rejects a cancel whose outflows exceed the current balance,
// e.g. cancelling a receipt after its stock was consumed.
func checkReversal(ctx context.Context, ledger *Ledger, rows []LedgerEntry) error {
	nets := NetByPair(rows)
	for _, pair := range sortedPairs(nets) {
		net := nets[pair]
		if !net.IsNegative() {
			continue
		}
		balance, err := ledger.Balance(ctx, pair)
		if err != nil {
			return fmt.Errorf("read balance %s: %w", pair, err)
		}
		if balance.Add(net).IsNegative() {
			return &InsufficientStockError{
				Item:      pair.Item,
				Warehouse: pair.Warehouse,
				Available: balance,
				Requested: net.Neg(),
			}
		}
	}
	return nil
}

func sortedPairs(m map[Pair]decimal.Decimal) []Pair {
	pairs := make([]Pair, 0, len(m))
	for p := range m {
		pairs = append(pairs, p)
	}
	SortPairs(pairs)
	return pairs
}

func (s *Service) acquire(ctx context.Context, pairs []Pair) (func(), error) {
	if s.Locker == nil {
		return func() {}, nil
	}
	release, err := s.Locker.Acquire(ctx, LockKeys(pairs))
	if err != nil {
		return nil, fmt.Errorf("lock stock pairs: %w", err)
	}
	return release, nil
}

// =============================================================================
// READS
// =============================================================================

func (s *Service) GetEntry(ctx context.Context, actor Actor, id EntryID) (*StockEntry, error) {
	if err := actor.Require(CapEntryRead); err != nil {
		return nil, err
	}
	return s.Store.GetEntry(ctx, id)
}

func (s *Service) ListEntries(ctx context.Context, actor Actor, status Status) ([]*StockEntry, error) {
	if err := actor.Require(CapEntryRead); err != nil {
		return nil, err
	}
	return s.Store.ListEntries(ctx, status)
}

// EntryLedger returns the rows a Stock Entry has posted so far.
func (s *Service) EntryLedger(ctx context.Context, actor Actor, id EntryID) ([]LedgerEntry, error) {
	if err := actor.Require(CapEntryRead); err != nil {
		return nil, err
	}
	if _, err := s.Store.GetEntry(ctx, id); err != nil {
		return nil, err
	}
	return NewLedger(s.Store).Voucher(ctx, id)
}

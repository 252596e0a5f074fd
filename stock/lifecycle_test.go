package stock_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/stock-ledger/stock"
)

// =============================================================================
// SUBMIT
// =============================================================================

func TestLifecycle_ReceiptIncreasesTarget(t *testing.T) {
	// GIVEN: An empty ledger
	// WHEN: Receipts of 10 and 5 into Stores are posted
	// THEN: Stores holds 15, nothing else changed
	f := newFixture(t)

	f.post(t, day(time.January, 2), receipt(stores, line(widget, "10", "100")))
	f.post(t, day(time.January, 3), receipt(stores, line(widget, "5", "100")))

	assert.Equal(t, "15", f.balance(t, widget, stores))
	assert.Equal(t, "0", f.balance(t, widget, goods))
	assert.Equal(t, "0", f.balance(t, gadget, stores))
}

func TestLifecycle_TransferMovesStock(t *testing.T) {
	f := newFixture(t)
	f.post(t, day(time.January, 2), receipt(stores, line(widget, "10", "100")))

	ctx := context.Background()
	f.clock.Set(day(time.January, 3))
	e, err := f.svc.Validate(ctx, f.admin, transfer(stores, goods, line(widget, "4", "100")))
	require.NoError(t, err)
	_, rows, err := f.svc.Submit(ctx, f.admin, e.ID)
	require.NoError(t, err)

	require.Len(t, rows, 2)
	assert.True(t, rows[0].Quantity.Add(rows[1].Quantity).IsZero())
	assert.Equal(t, "6", f.balance(t, widget, stores))
	assert.Equal(t, "4", f.balance(t, widget, goods))
}

func TestLifecycle_StatusAndTimestamps(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.clock.Set(day(time.February, 1))
	e, err := f.svc.Validate(ctx, f.admin, receipt(stores, line(widget, "1", "1")))
	require.NoError(t, err)
	assert.Equal(t, stock.StatusValidated, e.Status)
	assert.NotEmpty(t, e.ID)
	require.NotNil(t, e.ValidatedAt)
	assert.Equal(t, day(time.February, 1), *e.ValidatedAt)
	assert.Equal(t, "system", e.CreatedBy)

	f.clock.Set(day(time.February, 2))
	posted, rows, err := f.svc.Submit(ctx, f.admin, e.ID)
	require.NoError(t, err)
	assert.Equal(t, stock.StatusPosted, posted.Status)
	require.NotNil(t, posted.PostedAt)
	assert.Equal(t, day(time.February, 2), *posted.PostedAt)
	assert.Equal(t, day(time.February, 2), rows[0].EntryTime)

	stored, err := f.svc.GetEntry(ctx, f.admin, e.ID)
	require.NoError(t, err)
	assert.Equal(t, stock.StatusPosted, stored.Status)
}

func TestLifecycle_SubmitTwiceRejected(t *testing.T) {
	f := newFixture(t)
	e := f.post(t, day(time.January, 2), receipt(stores, line(widget, "10", "100")))

	_, _, err := f.svc.Submit(context.Background(), f.admin, e.ID)

	var trErr *stock.TransitionError
	require.ErrorAs(t, err, &trErr)
	assert.Equal(t, stock.StatusPosted, trErr.From)
	assert.Equal(t, "10", f.balance(t, widget, stores), "no double posting")
}

func TestLifecycle_SubmitDraftRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.mem.SaveEntry(ctx, &stock.StockEntry{
		ID: "SE-DRAFT", EntryType: stock.EntryReceipt, Status: stock.StatusDraft,
	}))

	_, _, err := f.svc.Submit(ctx, f.admin, "SE-DRAFT")
	assert.ErrorIs(t, err, stock.ErrInvalidTransition)
}

func TestLifecycle_SubmitUnknownEntry(t *testing.T) {
	f := newFixture(t)
	_, _, err := f.svc.Submit(context.Background(), f.admin, "nope")
	assert.True(t, stock.IsNotFound(err))
}

func TestLifecycle_SubmitRevalidatesAgainstCurrentLedger(t *testing.T) {
	// GIVEN: A consume of 5 validated while 5 were in stock
	// WHEN: Another consume of 3 posts first
	// THEN: Submitting the first fails and it stays Validated
	f := newFixture(t)
	ctx := context.Background()
	f.post(t, day(time.January, 2), receipt(stores, line(widget, "5", "10")))

	first, err := f.svc.Validate(ctx, f.admin, consume(stores, line(widget, "5", "10")))
	require.NoError(t, err)
	f.post(t, day(time.January, 3), consume(stores, line(widget, "3", "10")))

	_, _, err = f.svc.Submit(ctx, f.admin, first.ID)
	assert.ErrorIs(t, err, stock.ErrInsufficientStock)

	stored, err := f.svc.GetEntry(ctx, f.admin, first.ID)
	require.NoError(t, err)
	assert.Equal(t, stock.StatusValidated, stored.Status)
	assert.Equal(t, "2", f.balance(t, widget, stores))
}

func TestLifecycle_ConcurrentSubmitsNeverOversell(t *testing.T) {
	// GIVEN: 5 in stock and four validated consumes of 2
	// WHEN: All submit at once
	// THEN: Exactly two succeed and the balance never goes negative
	f := newFixture(t)
	ctx := context.Background()
	f.post(t, day(time.January, 2), receipt(stores, line(widget, "5", "10")))

	var ids []stock.EntryID
	for i := 0; i < 4; i++ {
		e, err := f.svc.Validate(ctx, f.admin, consume(stores, line(widget, "2", "10")))
		require.NoError(t, err)
		ids = append(ids, e.ID)
	}

	var (
		wg sync.WaitGroup
		mu sync.Mutex
		ok int
	)
	for _, id := range ids {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, _, err := f.svc.Submit(ctx, f.admin, id); err == nil {
				mu.Lock()
				ok++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 2, ok)
	assert.Equal(t, "1", f.balance(t, widget, stores))
}

// =============================================================================
// VALIDATE
// =============================================================================

func TestLifecycle_RevalidateKeepsIdentity(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.clock.Set(day(time.January, 5))
	e, err := f.svc.Validate(ctx, f.admin, receipt(stores, line(widget, "1", "1")))
	require.NoError(t, err)

	f.clock.Set(day(time.January, 6))
	edit := e.Clone()
	edit.Lines[0].Quantity = qty("7")
	again, err := f.svc.Validate(ctx, stock.ActorForRole("clerk", stock.RoleStockUser), edit)
	require.NoError(t, err)

	assert.Equal(t, e.ID, again.ID)
	assert.Equal(t, "system", again.CreatedBy)
	assert.Equal(t, day(time.January, 5), again.CreatedAt)
	assert.Equal(t, day(time.January, 6), *again.ValidatedAt)
	assert.Equal(t, "7", again.Lines[0].Quantity.String())
}

func TestLifecycle_PostedEntryCannotBeEdited(t *testing.T) {
	f := newFixture(t)
	e := f.post(t, day(time.January, 2), receipt(stores, line(widget, "10", "100")))

	_, err := f.svc.Validate(context.Background(), f.admin, e)
	assert.ErrorIs(t, err, stock.ErrInvalidTransition)
	assert.True(t, stock.IsConflict(err))
}

func TestLifecycle_FailedValidateWritesNothing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Validate(ctx, f.admin, consume(stores, line(widget, "1", "1")))
	require.ErrorIs(t, err, stock.ErrInsufficientStock)

	entries, err := f.svc.ListEntries(ctx, f.admin, "")
	require.NoError(t, err)
	assert.Empty(t, entries)
}

// =============================================================================
// CANCEL
// =============================================================================

func TestLifecycle_CancelRestoresBalances(t *testing.T) {
	// GIVEN: A posted transfer of 4
	// WHEN: Cancelling it
	// THEN: Balances return to their prior values and the history keeps 4 rows
	f := newFixture(t)
	ctx := context.Background()
	f.post(t, day(time.January, 2), receipt(stores, line(widget, "10", "100")))
	e := f.post(t, day(time.January, 3), transfer(stores, goods, line(widget, "4", "100")))

	f.clock.Set(day(time.January, 4))
	cancelled, rows, err := f.svc.Cancel(ctx, f.admin, e.ID)
	require.NoError(t, err)
	assert.Equal(t, stock.StatusCancelled, cancelled.Status)
	require.NotNil(t, cancelled.CancelledAt)
	require.Len(t, rows, 2)
	assert.True(t, rows[0].IsReversal)

	assert.Equal(t, "10", f.balance(t, widget, stores))
	assert.Equal(t, "0", f.balance(t, widget, goods))

	history, err := f.svc.EntryLedger(ctx, f.admin, e.ID)
	require.NoError(t, err)
	assert.Len(t, history, 4)
}

func TestLifecycle_CancelTwiceRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	e := f.post(t, day(time.January, 2), receipt(stores, line(widget, "10", "100")))

	_, _, err := f.svc.Cancel(ctx, f.admin, e.ID)
	require.NoError(t, err)
	_, _, err = f.svc.Cancel(ctx, f.admin, e.ID)
	assert.ErrorIs(t, err, stock.ErrInvalidTransition)
	assert.Equal(t, "0", f.balance(t, widget, stores))
}

func TestLifecycle_CancelValidatedRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	e, err := f.svc.Validate(ctx, f.admin, receipt(stores, line(widget, "1", "1")))
	require.NoError(t, err)

	_, _, err = f.svc.Cancel(ctx, f.admin, e.ID)
	assert.ErrorIs(t, err, stock.ErrInvalidTransition)
}

func TestLifecycle_CancelReceiptAfterConsumptionRejected(t *testing.T) {
	// GIVEN: Receipt of 10, then 8 consumed
	// WHEN: Cancelling the receipt
	// THEN: Rejected, the ledger and the status are untouched
	f := newFixture(t)
	ctx := context.Background()
	r := f.post(t, day(time.January, 2), receipt(stores, line(widget, "10", "100")))
	f.post(t, day(time.January, 3), consume(stores, line(widget, "8", "100")))

	_, _, err := f.svc.Cancel(ctx, f.admin, r.ID)

	var stockErr *stock.InsufficientStockError
	require.ErrorAs(t, err, &stockErr)
	assert.Equal(t, "2", stockErr.Available.String())
	assert.Equal(t, "10", stockErr.Requested.String())

	stored, err := f.svc.GetEntry(ctx, f.admin, r.ID)
	require.NoError(t, err)
	assert.Equal(t, stock.StatusPosted, stored.Status)
	assert.Equal(t, "2", f.balance(t, widget, stores))
}

// =============================================================================
// CAPABILITIES
// =============================================================================

func TestLifecycle_GuestCannotWrite(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	guest := stock.ActorForRole("visitor", stock.RoleGuest)

	_, err := f.svc.Validate(ctx, guest, receipt(stores, line(widget, "1", "1")))
	assert.ErrorIs(t, err, stock.ErrForbidden)

	_, _, err = f.svc.Submit(ctx, guest, "any")
	assert.ErrorIs(t, err, stock.ErrForbidden)

	_, _, err = f.svc.Cancel(ctx, guest, "any")
	assert.ErrorIs(t, err, stock.ErrForbidden)

	_, err = f.svc.ListEntries(ctx, guest, "")
	assert.ErrorIs(t, err, stock.ErrForbidden)
}

func TestLifecycle_ListEntriesByStatus(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.post(t, day(time.January, 2), receipt(stores, line(widget, "10", "100")))
	f.clock.Set(day(time.January, 3))
	pending, err := f.svc.Validate(ctx, f.admin, consume(stores, line(widget, "1", "100")))
	require.NoError(t, err)

	all, err := f.svc.ListEntries(ctx, f.admin, "")
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, pending.ID, all[0].ID, "newest first")

	validated, err := f.svc.ListEntries(ctx, f.admin, stock.StatusValidated)
	require.NoError(t, err)
	require.Len(t, validated, 1)
	assert.Equal(t, pending.ID, validated[0].ID)
}

// =============================================================================
// LOCKING
// =============================================================================

type recordingLocker struct {
	mu   sync.Mutex
	keys [][]string
}

func (l *recordingLocker) Acquire(_ context.Context, keys []string) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.keys = append(l.keys, keys)
	return func() {}, nil
}

func TestLifecycle_SubmitLocksTouchedPairs(t *testing.T) {
	locker := &recordingLocker{}
	f := newFixtureWithConfig(t, stock.ServiceConfig{Locker: locker})
	f.post(t, day(time.January, 2), receipt(stores, line(widget, "10", "100")))
	f.post(t, day(time.January, 3), transfer(stores, goods, line(widget, "1", "100")))

	require.Len(t, locker.keys, 2)
	assert.Equal(t, []string{"stock:Widget:Stores"}, locker.keys[0])
	assert.Equal(t, []string{"stock:Widget:Finished Goods", "stock:Widget:Stores"}, locker.keys[1])
}

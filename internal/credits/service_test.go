package credits

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"time"

	"creditledger/internal/types"
)

// Shared test fixtures: an in-memory ledger store with real transaction
// semantics (mutations are visible immediately, rolled back from a snapshot
// unless committed), plus struct-configured fakes for the read-side sources.

var testNow = time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

// fakeState is the mutable world behind fakeStore.
type fakeState struct {
	ledger  *types.CreditLedger
	batches []*types.AddonCreditBatch
	txns    []types.CreditTransaction
	adjs    []types.CreditAdjustment

	trialPreviewUsed   bool
	trialPreviewUsedAt *time.Time
}

func (s *fakeState) clone() *fakeState {
	c := &fakeState{
		trialPreviewUsed:   s.trialPreviewUsed,
		trialPreviewUsedAt: s.trialPreviewUsedAt,
	}
	if s.ledger != nil {
		l := *s.ledger
		c.ledger = &l
	}
	for _, b := range s.batches {
		bb := *b
		c.batches = append(c.batches, &bb)
	}
	c.txns = append(c.txns, s.txns...)
	c.adjs = append(c.adjs, s.adjs...)
	return c
}

func (s *fakeState) restore(from *fakeState) {
	*s = *from
}

type fakeStore struct {
	state     *fakeState
	beginErr  error
	commitErr error
}

func (f *fakeStore) Begin(ctx context.Context) (types.LedgerTx, error) {
	if f.beginErr != nil {
		return nil, f.beginErr
	}
	return &fakeTx{store: f, snapshot: f.state.clone()}, nil
}

type fakeTx struct {
	store     *fakeStore
	snapshot  *fakeState
	committed bool
}

func (t *fakeTx) LockLedger(ctx context.Context, userID string) (*types.CreditLedger, error) {
	if t.store.state.ledger == nil {
		t.store.state.ledger = &types.CreditLedger{UserID: userID}
	}
	return t.store.state.ledger, nil
}

func (t *fakeTx) SaveLedger(ctx context.Context, ledger *types.CreditLedger) error {
	l := *ledger
	t.store.state.ledger = &l
	return nil
}

func (t *fakeTx) LockConsumableBatches(ctx context.Context, userID string, now time.Time) ([]types.AddonCreditBatch, error) {
	var out []types.AddonCreditBatch
	for _, b := range t.store.state.batches {
		if b.UserID == userID && b.Consumable(now) {
			out = append(out, *b)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ExpiresAt.Before(out[j].ExpiresAt)
	})
	return out, nil
}

func (t *fakeTx) ConsumeBatch(ctx context.Context, batchID string, used int) error {
	for _, b := range t.store.state.batches {
		if b.ID == batchID {
			if used > b.CreditsRemaining {
				return types.NewAppError(types.ErrCodeConflictConcurrent, "batch overdraw", nil)
			}
			b.CreditsRemaining -= used
			return nil
		}
	}
	return fmt.Errorf("batch %s not found", batchID)
}

func (t *fakeTx) CreateBatch(ctx context.Context, batch *types.AddonCreditBatch) error {
	b := *batch
	t.store.state.batches = append(t.store.state.batches, &b)
	return nil
}

func (t *fakeTx) ExpireBatches(ctx context.Context, userID string, cutoff time.Time) (int, error) {
	n := 0
	for _, b := range t.store.state.batches {
		if b.UserID == userID && b.CreditsRemaining > 0 && !b.ExpiresAt.After(cutoff) {
			b.CreditsRemaining = 0
			n++
		}
	}
	return n, nil
}

func (t *fakeTx) InsertTransaction(ctx context.Context, txn *types.CreditTransaction) error {
	t.store.state.txns = append(t.store.state.txns, *txn)
	return nil
}

func (t *fakeTx) InsertAdjustment(ctx context.Context, adj *types.CreditAdjustment) error {
	t.store.state.adjs = append(t.store.state.adjs, *adj)
	return nil
}

func (t *fakeTx) MarkTrialPreviewUsed(ctx context.Context, userID string, at time.Time) (bool, error) {
	if t.store.state.trialPreviewUsed {
		return false, nil
	}
	t.store.state.trialPreviewUsed = true
	t.store.state.trialPreviewUsedAt = &at
	return true, nil
}

func (t *fakeTx) Commit(ctx context.Context) error {
	if t.store.commitErr != nil {
		t.store.state.restore(t.snapshot)
		t.committed = true
		return t.store.commitErr
	}
	t.committed = true
	return nil
}

func (t *fakeTx) Rollback(ctx context.Context) error {
	if !t.committed {
		t.store.state.restore(t.snapshot)
		t.committed = true
	}
	return nil
}

// --- Read-side fakes ---

type fakeLedgers struct {
	state *fakeState
	// override, when set, is what the advisory (lock-free) read returns
	// instead of the live state. Used to model a stale pre-check racing a
	// concurrent deduction.
	override *types.CreditLedger
	err      error
}

func (f *fakeLedgers) Get(ctx context.Context, userID string) (*types.CreditLedger, error) {
	if f.err != nil {
		return nil, f.err
	}
	if f.override != nil {
		l := *f.override
		return &l, nil
	}
	if f.state.ledger == nil {
		return &types.CreditLedger{UserID: userID}, nil
	}
	l := *f.state.ledger
	return &l, nil
}

type fakeSubs struct {
	latest *types.UserSubscription
	active *types.UserSubscription
	err    error
}

func (f *fakeSubs) GetLatest(ctx context.Context, userID string) (*types.UserSubscription, error) {
	return f.latest, f.err
}

func (f *fakeSubs) GetActive(ctx context.Context, userID string) (*types.UserSubscription, error) {
	return f.active, f.err
}

type fakeUsers struct {
	isTrial bool
	used    bool
	err     error
}

func (f *fakeUsers) GetBillingState(ctx context.Context, userID string) (*types.UserBillingState, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &types.UserBillingState{
		UserID:           userID,
		IsTrialUser:      f.isTrial,
		TrialPreviewUsed: f.used,
	}, nil
}

type fakeCatalog struct {
	actions map[string]*types.CreditAction
	configs map[string]*types.PlanCreditConfig // keyed planID + "/" + actionID
	plans   map[string]*types.SubscriptionPlan
}

func (f *fakeCatalog) GetAction(ctx context.Context, name string) (*types.CreditAction, error) {
	a, ok := f.actions[name]
	if !ok {
		return nil, types.NewAppError(types.ErrCodeUnknownAction, "unknown action", nil)
	}
	if !a.IsActive {
		return nil, types.NewAppError(types.ErrCodeInactiveAction, "inactive action", nil)
	}
	return a, nil
}

func (f *fakeCatalog) GetPlanConfig(ctx context.Context, planID, actionID string) (*types.PlanCreditConfig, error) {
	return f.configs[planID+"/"+actionID], nil
}

func (f *fakeCatalog) GetPlan(ctx context.Context, planID string) (*types.SubscriptionPlan, error) {
	p, ok := f.plans[planID]
	if !ok {
		return nil, types.NewAppError(types.ErrCodeNotFoundSubscription, "plan not found", nil)
	}
	return p, nil
}

type fakeUsage struct {
	daily      int
	monthly    int
	dailyErr   error
	monthlyErr error
	incErr     error
	increments []string // action IDs, in call order
}

func (f *fakeUsage) DailyCount(ctx context.Context, userID, actionID string, day time.Time) (int, error) {
	return f.daily, f.dailyErr
}

func (f *fakeUsage) MonthlyCount(ctx context.Context, userID, actionID string, at time.Time) (int, error) {
	return f.monthly, f.monthlyErr
}

func (f *fakeUsage) Increment(ctx context.Context, userID, actionID string, day time.Time) error {
	if f.incErr != nil {
		return f.incErr
	}
	f.increments = append(f.increments, actionID)
	return nil
}

// --- Fixture wiring ---

type fixture struct {
	svc     *Service
	state   *fakeState
	store   *fakeStore
	ledgers *fakeLedgers
	subs    *fakeSubs
	users   *fakeUsers
	catalog *fakeCatalog
	usage   *fakeUsage
}

func newFixture(opts Options) *fixture {
	state := &fakeState{}
	f := &fixture{
		state:   state,
		store:   &fakeStore{state: state},
		ledgers: &fakeLedgers{state: state},
		subs:    &fakeSubs{},
		users:   &fakeUsers{},
		catalog: &fakeCatalog{
			actions: map[string]*types.CreditAction{},
			configs: map[string]*types.PlanCreditConfig{},
			plans:   map[string]*types.SubscriptionPlan{},
		},
		usage: &fakeUsage{},
	}
	if opts.Clock == nil {
		opts.Clock = fixedClock{now: testNow}
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	f.svc = New(f.store, f.ledgers, f.subs, f.users, f.catalog, f.usage, opts)
	return f
}

// withAction registers an active catalog action and returns the fixture for
// chaining.
func (f *fixture) withAction(id, name string, baseCost int) *fixture {
	f.catalog.actions[name] = &types.CreditAction{
		ID:             id,
		Name:           name,
		BaseCreditCost: baseCost,
		IsActive:       true,
	}
	return f
}

// withLedger seeds the live ledger state.
func (f *fixture) withLedger(subPool, addonPool int) *fixture {
	l := &types.CreditLedger{
		UserID:                       "usr_1",
		SubscriptionCreditsRemaining: subPool,
		AddonCreditsRemaining:        addonPool,
		TotalCreditsEverGranted:      subPool + addonPool,
	}
	l.Recompute()
	f.state.ledger = l
	return f
}

// activeSub returns a non-canceled subscription covering testNow.
func activeSub(planID string) *types.UserSubscription {
	return &types.UserSubscription{
		ID:                 "sub_1",
		UserID:             "usr_1",
		PlanID:             planID,
		Status:             types.SubStatusActive,
		CurrentPeriodStart: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
		CurrentPeriodEnd:   time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC),
	}
}

func intPtr(v int) *int { return &v }

package credits

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"creditledger/internal/types"
)

func TestDeductCredits_SubscriptionPoolOnly(t *testing.T) {
	f := newFixture(Options{}).withAction("act_gen", "generate_scene", 4).withLedger(10, 0)
	f.subs.latest = activeSub("plan_pro")

	err := f.svc.DeductCredits(context.Background(), "usr_1", "generate_scene", DeductOptions{
		Description: "scene 42",
	})
	require.NoError(t, err)

	assert.Equal(t, 6, f.state.ledger.SubscriptionCreditsRemaining)
	assert.Equal(t, 0, f.state.ledger.AddonCreditsRemaining)
	assert.Equal(t, 6, f.state.ledger.CreditsRemaining)
	assert.Equal(t, 4, f.state.ledger.CycleUsedCredits)
	require.NotNil(t, f.state.ledger.CycleStartAt)
	assert.Equal(t, f.subs.latest.CurrentPeriodStart, *f.state.ledger.CycleStartAt)

	require.Len(t, f.state.txns, 1)
	txn := f.state.txns[0]
	assert.Equal(t, types.TxTypeDeduction, txn.TransactionType)
	assert.Equal(t, 4, txn.CreditsAmount)
	assert.Equal(t, 6, txn.BalanceAfter)
	assert.Equal(t, "scene 42", txn.Description)
	assert.Equal(t, 4, txn.Metadata["subscription_credits_used"])
	assert.Equal(t, 0, txn.Metadata["addon_credits_used"])

	assert.Equal(t, []string{"act_gen"}, f.usage.increments)
}

func TestDeductCredits_FIFOAcrossBatches(t *testing.T) {
	f := newFixture(Options{}).withAction("act_gen", "generate_scene", 4).withLedger(0, 8)

	day1 := testNow.AddDate(0, 0, -10)
	day2 := testNow.AddDate(0, 0, -5)
	expiry := testNow.AddDate(0, 1, 0)
	f.state.batches = []*types.AddonCreditBatch{
		{ID: "bat_old", UserID: "usr_1", CreditsAmount: 3, CreditsRemaining: 3, ExpiresAt: expiry, CreatedAt: day1},
		{ID: "bat_new", UserID: "usr_1", CreditsAmount: 5, CreditsRemaining: 5, ExpiresAt: expiry, CreatedAt: day2},
	}

	err := f.svc.DeductCredits(context.Background(), "usr_1", "generate_scene", DeductOptions{})
	require.NoError(t, err)

	// Oldest batch drained first, the rest from the next.
	assert.Equal(t, 0, f.state.batches[0].CreditsRemaining)
	assert.Equal(t, 4, f.state.batches[1].CreditsRemaining)
	assert.Equal(t, 4, f.state.ledger.AddonCreditsRemaining)
	assert.Equal(t, 0, f.state.ledger.SubscriptionCreditsRemaining)

	require.Len(t, f.state.txns, 1)
	meta := f.state.txns[0].Metadata
	assert.Equal(t, 0, meta["subscription_credits_used"])
	assert.Equal(t, 4, meta["addon_credits_used"])

	splits, ok := meta["addon_batches"].([]map[string]any)
	require.True(t, ok)
	byBatch := map[string]int{}
	for _, s := range splits {
		byBatch[s["batch_id"].(string)] = s["credits_used"].(int)
	}
	assert.Equal(t, map[string]int{"bat_old": 3, "bat_new": 1}, byBatch)
}

func TestDeductCredits_SubscriptionThenAddon(t *testing.T) {
	f := newFixture(Options{}).withAction("act_gen", "generate_scene", 5).withLedger(2, 6)
	f.state.batches = []*types.AddonCreditBatch{
		{ID: "bat_1", UserID: "usr_1", CreditsAmount: 6, CreditsRemaining: 6,
			ExpiresAt: testNow.AddDate(0, 1, 0), CreatedAt: testNow.AddDate(0, 0, -1)},
	}

	err := f.svc.DeductCredits(context.Background(), "usr_1", "generate_scene", DeductOptions{})
	require.NoError(t, err)

	assert.Equal(t, 0, f.state.ledger.SubscriptionCreditsRemaining)
	assert.Equal(t, 3, f.state.ledger.AddonCreditsRemaining)
	assert.Equal(t, 3, f.state.ledger.CreditsRemaining)

	meta := f.state.txns[0].Metadata
	assert.Equal(t, 2, meta["subscription_credits_used"])
	assert.Equal(t, 3, meta["addon_credits_used"])
}

func TestDeductCredits_DenialLeavesStateUntouched(t *testing.T) {
	f := newFixture(Options{}).withAction("act_gen", "generate_scene", 5).withLedger(3, 0)

	err := f.svc.DeductCredits(context.Background(), "usr_1", "generate_scene", DeductOptions{})
	require.Error(t, err)
	assert.Equal(t, types.ErrCodeDeniedByPolicy, types.CodeOf(err))

	v := types.DenialVerdict(err)
	require.NotNil(t, v)
	assert.Equal(t, types.ReasonInsufficientCredits, v.Reason)

	assert.Equal(t, 3, f.state.ledger.CreditsRemaining)
	assert.Empty(t, f.state.txns)
	assert.Empty(t, f.usage.increments)
}

func TestDeductCredits_RecheckUnderLockDenies(t *testing.T) {
	// The advisory pre-check sees a stale rich balance; the locked re-check
	// sees the truth and denies without mutating anything.
	f := newFixture(Options{}).withAction("act_gen", "generate_scene", 5).withLedger(2, 0)
	rich := &types.CreditLedger{UserID: "usr_1", SubscriptionCreditsRemaining: 100}
	rich.Recompute()
	f.ledgers.override = rich

	err := f.svc.DeductCredits(context.Background(), "usr_1", "generate_scene", DeductOptions{})
	require.Error(t, err)
	assert.Equal(t, types.ErrCodeDeniedByPolicy, types.CodeOf(err))

	v := types.DenialVerdict(err)
	require.NotNil(t, v)
	assert.Equal(t, types.ReasonInsufficientCredits, v.Reason)
	assert.Equal(t, 2, v.CurrentCredits)

	assert.Equal(t, 2, f.state.ledger.CreditsRemaining)
	assert.Empty(t, f.state.txns)
}

func TestDeductCredits_AggregateDriftReconciled(t *testing.T) {
	// The cached addon aggregate claims 10 but the batch rows only hold 2.
	// The reconciled balance funds the deduction decision.
	f := newFixture(Options{}).withAction("act_gen", "generate_scene", 5).withLedger(0, 10)
	f.state.batches = []*types.AddonCreditBatch{
		{ID: "bat_1", UserID: "usr_1", CreditsAmount: 10, CreditsRemaining: 2,
			ExpiresAt: testNow.AddDate(0, 1, 0), CreatedAt: testNow.AddDate(0, 0, -1)},
	}

	err := f.svc.DeductCredits(context.Background(), "usr_1", "generate_scene", DeductOptions{})
	require.Error(t, err)
	assert.Equal(t, types.ErrCodeDeniedByPolicy, types.CodeOf(err))
	assert.Empty(t, f.state.txns)
	// Rolled back: the drifted aggregate stays until a successful write.
	assert.Equal(t, 10, f.state.ledger.AddonCreditsRemaining)
}

func TestDeductCredits_DriftReconciliationPersistsOnSuccess(t *testing.T) {
	f := newFixture(Options{}).withAction("act_gen", "generate_scene", 2).withLedger(0, 10)
	f.state.batches = []*types.AddonCreditBatch{
		{ID: "bat_1", UserID: "usr_1", CreditsAmount: 10, CreditsRemaining: 5,
			ExpiresAt: testNow.AddDate(0, 1, 0), CreatedAt: testNow.AddDate(0, 0, -1)},
	}

	err := f.svc.DeductCredits(context.Background(), "usr_1", "generate_scene", DeductOptions{})
	require.NoError(t, err)

	// 5 real addon credits minus the 2 spent.
	assert.Equal(t, 3, f.state.ledger.AddonCreditsRemaining)
	assert.Equal(t, 3, f.state.ledger.CreditsRemaining)
	assert.Equal(t, 3, f.state.batches[0].CreditsRemaining)
}

func TestDeductCredits_ExpiredBatchCannotFund(t *testing.T) {
	f := newFixture(Options{}).withAction("act_gen", "generate_scene", 3).withLedger(0, 3)
	f.state.batches = []*types.AddonCreditBatch{
		{ID: "bat_expired", UserID: "usr_1", CreditsAmount: 3, CreditsRemaining: 3,
			ExpiresAt: testNow.Add(-time.Hour), CreatedAt: testNow.AddDate(0, -1, 0)},
	}

	err := f.svc.DeductCredits(context.Background(), "usr_1", "generate_scene", DeductOptions{})
	require.Error(t, err)
	assert.Equal(t, types.ErrCodeDeniedByPolicy, types.CodeOf(err))
	assert.Equal(t, 3, f.state.batches[0].CreditsRemaining)
}

func TestDeductCredits_TrialPreview(t *testing.T) {
	f := newFixture(Options{}).withAction("act_prev", "preview_render", 0)
	f.users.isTrial = true

	err := f.svc.DeductCredits(context.Background(), "usr_1", "preview_render", DeductOptions{})
	require.NoError(t, err)

	assert.True(t, f.state.trialPreviewUsed)
	require.NotNil(t, f.state.trialPreviewUsedAt)
	assert.Equal(t, testNow, *f.state.trialPreviewUsedAt)

	// No ledger mutation and no transaction row; only the usage counter.
	assert.Nil(t, f.state.ledger)
	assert.Empty(t, f.state.txns)
	assert.Equal(t, []string{"act_prev"}, f.usage.increments)
}

func TestDeductCredits_TrialPreviewRaceLoses(t *testing.T) {
	// The advisory read saw the flag unset, but another call flipped it
	// before this transaction ran. The flag guard converts the lost race
	// into the already-used denial.
	f := newFixture(Options{}).withAction("act_prev", "preview_render", 0)
	f.users.isTrial = true
	f.state.trialPreviewUsed = true

	err := f.svc.DeductCredits(context.Background(), "usr_1", "preview_render", DeductOptions{})
	require.Error(t, err)

	v := types.DenialVerdict(err)
	require.NotNil(t, v)
	assert.Equal(t, types.ReasonTrialPreviewUsed, v.Reason)
	assert.Empty(t, f.usage.increments)
}

func TestDeductCredits_FreeActionOnlyTracksUsage(t *testing.T) {
	f := newFixture(Options{}).withAction("act_free", "list_templates", 0).withLedger(10, 0)

	err := f.svc.DeductCredits(context.Background(), "usr_1", "list_templates", DeductOptions{})
	require.NoError(t, err)

	assert.Equal(t, 10, f.state.ledger.CreditsRemaining)
	assert.Empty(t, f.state.txns)
	assert.Equal(t, []string{"act_free"}, f.usage.increments)
}

func TestDeductCredits_UsageFailureDoesNotFailDeduction(t *testing.T) {
	f := newFixture(Options{}).withAction("act_gen", "generate_scene", 4).withLedger(10, 0)
	f.usage.incErr = errors.New("tracking down")

	err := f.svc.DeductCredits(context.Background(), "usr_1", "generate_scene", DeductOptions{})
	require.NoError(t, err)
	assert.Equal(t, 6, f.state.ledger.CreditsRemaining)
	require.Len(t, f.state.txns, 1)
}

func TestDeductCredits_StaleCycleCounterOverwritten(t *testing.T) {
	f := newFixture(Options{}).withAction("act_gen", "generate_scene", 4).withLedger(10, 0)
	f.subs.latest = activeSub("plan_pro")

	oldStart := f.subs.latest.CurrentPeriodStart.AddDate(0, -1, 0)
	f.state.ledger.CycleUsedCredits = 50
	f.state.ledger.CycleStartAt = &oldStart

	err := f.svc.DeductCredits(context.Background(), "usr_1", "generate_scene", DeductOptions{})
	require.NoError(t, err)

	// Overwritten, not accumulated: the counter belonged to the old period.
	assert.Equal(t, 4, f.state.ledger.CycleUsedCredits)
	assert.Equal(t, f.subs.latest.CurrentPeriodStart, *f.state.ledger.CycleStartAt)
}

func TestDeductCredits_UnknownAction(t *testing.T) {
	f := newFixture(Options{}).withLedger(10, 0)

	err := f.svc.DeductCredits(context.Background(), "usr_1", "nope", DeductOptions{})
	require.Error(t, err)
	assert.Equal(t, types.ErrCodeUnknownAction, types.CodeOf(err))
	assert.Empty(t, f.state.txns)
}

func TestDeductCredits_CommitFailureRollsBack(t *testing.T) {
	f := newFixture(Options{}).withAction("act_gen", "generate_scene", 4).withLedger(10, 0)
	f.store.commitErr = types.NewAppError(types.ErrCodeConflictConcurrent, "serialization failure", nil)

	err := f.svc.DeductCredits(context.Background(), "usr_1", "generate_scene", DeductOptions{})
	require.Error(t, err)
	assert.Equal(t, types.ErrCodeConflictConcurrent, types.CodeOf(err))

	assert.Equal(t, 10, f.state.ledger.CreditsRemaining)
	assert.Empty(t, f.state.txns)
	assert.Empty(t, f.usage.increments)
}

package recon

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"validatorpass/services/extractd/accrual"
	"validatorpass/services/extractd/calldata"
	"validatorpass/services/extractd/chains"
	"validatorpass/services/extractd/chains/chaintest"
	"validatorpass/services/extractd/models"
	"validatorpass/services/extractd/store"
)

var (
	polygonToken = common.HexToAddress("0x3c499c542cEF5E3811e1192ce70d8cC03d5c3359")
	baseToken    = common.HexToAddress("0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913")
	treasury     = common.HexToAddress("0x440a948af13fe3b4dd1b341e2aa834f81bf6ff51")
	sender       = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	stranger     = common.HexToAddress("0x00000000000000000000000000000000000000b2")
)

type harness struct {
	db      *gorm.DB
	store   *store.Store
	polygon *chaintest.Client
	base    *chaintest.Client
	recon   *Reconciler
	now     time.Time
	block   int64
}

func setupReconDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("sqlite open: %v", err)
	}
	if err := models.AutoMigrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	db := setupReconDB(t)
	st := store.New(db).WithClock(func() time.Time { return now })

	registry, err := chains.NewRegistry([]chains.ChainSpec{
		{Name: "polygon", TokenAddress: polygonToken, RPCURL: "http://polygon.invalid", Decimals: 6},
		{Name: "base", TokenAddress: baseToken, RPCURL: "http://base.invalid", Decimals: 18},
	})
	require.NoError(t, err)
	polygon, base := chaintest.New(), chaintest.New()
	fetcher, err := chains.NewFetcher(registry, map[string]chains.Client{"polygon": polygon, "base": base})
	require.NoError(t, err)

	rec, err := NewReconciler(Config{
		Store:      st,
		Source:     fetcher,
		Recipients: []common.Address{treasury},
		Calculator: accrual.NewCalculator(time.Unix(1730419200, 0), func() time.Time { return now }),
	})
	require.NoError(t, err)
	return &harness{db: db, store: st, polygon: polygon, base: base, recon: rec, now: now, block: 100}
}

func txHash(i int) string {
	return fmt.Sprintf("0x%064x", i)
}

// transfer registers a mined token transfer on client.
func (h *harness) transfer(client *chaintest.Client, hash string, from, token, to common.Address, raw *big.Int) *chains.Transaction {
	h.block++
	target := token
	tx := &chains.Transaction{
		Hash:        common.HexToHash(hash),
		From:        from,
		To:          &target,
		BlockNumber: big.NewInt(h.block),
		Input:       calldata.EncodeTransfer(to, raw),
	}
	client.Add(tx, h.now.Add(-time.Hour))
	return tx
}

func (h *harness) submit(t *testing.T, hash, identity string, offset time.Duration) {
	t.Helper()
	require.NoError(t, h.db.Create(&models.Submission{
		TxHash:    hash,
		Identity:  identity,
		IsPending: true,
		CreatedAt: h.now.Add(offset),
		UpdatedAt: h.now.Add(offset),
	}).Error)
}

func (h *harness) bind(t *testing.T, identity string, addr common.Address) {
	t.Helper()
	_, err := h.store.ConfirmOwnership(context.Background(), identity, addr.Hex())
	require.NoError(t, err)
}

func (h *harness) submission(t *testing.T, hash, identity string) models.Submission {
	t.Helper()
	var sub models.Submission
	require.NoError(t, h.db.First(&sub, "txhash = ? AND discord_username = ?", hash, identity).Error)
	return sub
}

func (h *harness) contributions(t *testing.T) []models.Contribution {
	t.Helper()
	var records []models.Contribution
	require.NoError(t, h.db.Order("id ASC").Find(&records).Error)
	return records
}

func usdc(units int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(units), big.NewInt(1_000_000))
}

func TestRunCycleAcceptsValidTransfer(t *testing.T) {
	h := newHarness(t)
	h.bind(t, "alice", sender)
	h.transfer(h.polygon, txHash(1), sender, polygonToken, treasury, big.NewInt(5_000_000))
	h.submit(t, txHash(1), "alice", 0)

	result, err := h.recon.RunCycle(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, result.Count(StatusValid))

	sub := h.submission(t, txHash(1), "alice")
	require.True(t, sub.IsValid)
	require.False(t, sub.IsPending)
	require.Empty(t, sub.Reason)

	records := h.contributions(t)
	require.Len(t, records, 1)
	rec := records[0]
	require.Equal(t, "polygon", rec.Chain)
	require.Equal(t, "5", rec.Amount.String())
	require.Equal(t, int64(28*86400), rec.AdditionalSeconds)
	require.Equal(t, h.now.Unix()+28*86400, rec.AccessExpiry)
	require.Equal(t, "0x00000000000000000000000000000000000000a1", rec.Address)
	require.True(t, rec.TxDate.Equal(h.now.Add(-time.Hour)))
}

func TestRunCycleSequentialAccrualForSameIdentity(t *testing.T) {
	h := newHarness(t)
	h.bind(t, "alice", sender)
	h.transfer(h.polygon, txHash(1), sender, polygonToken, treasury, usdc(5))
	h.transfer(h.polygon, txHash(2), sender, polygonToken, treasury, big.NewInt(2_500_000))
	h.submit(t, txHash(1), "alice", 0)
	h.submit(t, txHash(2), "alice", time.Second)

	result, err := h.recon.RunCycle(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, result.Count(StatusValid))

	records := h.contributions(t)
	require.Len(t, records, 2)
	first := h.now.Unix() + 28*86400
	require.Equal(t, first, records[0].AccessExpiry)
	require.Equal(t, first+14*86400, records[1].AccessExpiry)
}

func TestRunCycleExtendsFromPriorExpiry(t *testing.T) {
	h := newHarness(t)
	prior := h.now.Add(90 * 24 * time.Hour).Unix()
	require.NoError(t, h.store.RecordContribution(context.Background(), &models.Contribution{
		TxDate:       h.now.Add(-48 * time.Hour),
		Address:      sender.Hex(),
		Chain:        "polygon",
		TxHash:       txHash(99),
		AccessExpiry: prior,
		Identity:     "alice",
	}))
	h.bind(t, "alice", sender)
	h.transfer(h.base, txHash(1), sender, baseToken, treasury, new(big.Int).Exp(big.NewInt(10), big.NewInt(19), nil))
	h.submit(t, txHash(1), "alice", 0)

	_, err := h.recon.RunCycle(context.Background())
	require.NoError(t, err)

	var rec models.Contribution
	require.NoError(t, h.db.First(&rec, "txhash = ?", txHash(1)).Error)
	require.Equal(t, "base", rec.Chain)
	require.Equal(t, "10", rec.Amount.String())
	require.Equal(t, int64(56*86400), rec.AdditionalSeconds)
	require.Equal(t, prior+56*86400, rec.AccessExpiry)
}

func TestRunCycleRejections(t *testing.T) {
	cases := []struct {
		name   string
		setup  func(t *testing.T, h *harness, hash string)
		reason string
	}{
		{
			name:   "not found on any chain",
			setup:  func(*testing.T, *harness, string) {},
			reason: models.ReasonNotFound,
		},
		{
			name: "wrong token contract",
			setup: func(t *testing.T, h *harness, hash string) {
				h.bind(t, "alice", sender)
				h.transfer(h.polygon, hash, sender, baseToken, treasury, usdc(5))
			},
			reason: models.ReasonInvalidToken,
		},
		{
			name: "recipient outside allow-list",
			setup: func(t *testing.T, h *harness, hash string) {
				h.bind(t, "alice", sender)
				h.transfer(h.polygon, hash, sender, polygonToken, stranger, usdc(5))
			},
			reason: models.ReasonInvalidRecipient,
		},
		{
			name: "sender not owned by identity",
			setup: func(t *testing.T, h *harness, hash string) {
				h.bind(t, "bob", sender)
				h.transfer(h.polygon, hash, sender, polygonToken, treasury, usdc(5))
			},
			reason: models.ReasonUnverifiedSource,
		},
		{
			name: "not a transfer call",
			setup: func(t *testing.T, h *harness, hash string) {
				h.bind(t, "alice", sender)
				tx := h.transfer(h.polygon, hash, sender, polygonToken, treasury, usdc(5))
				tx.Input = tx.Input[:40]
			},
			reason: models.ReasonInvalid,
		},
		{
			name: "reverted on chain",
			setup: func(t *testing.T, h *harness, hash string) {
				h.bind(t, "alice", sender)
				h.transfer(h.polygon, hash, sender, polygonToken, treasury, usdc(5))
				h.polygon.Statuses[common.HexToHash(hash)] = chains.ReceiptStatusFailed
			},
			reason: models.ReasonFailed,
		},
		{
			name: "hash already credited",
			setup: func(t *testing.T, h *harness, hash string) {
				h.bind(t, "alice", sender)
				h.transfer(h.polygon, hash, sender, polygonToken, treasury, usdc(5))
				require.NoError(t, h.store.RecordContribution(context.Background(), &models.Contribution{
					TxDate: h.now, Address: sender.Hex(), Chain: "polygon", TxHash: hash, Identity: "carol",
				}))
			},
			reason: models.ReasonAlreadyClaimed,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t)
			hash := txHash(7)
			tc.setup(t, h, hash)
			h.submit(t, hash, "alice", 0)
			before := len(h.contributions(t))

			result, err := h.recon.RunCycle(context.Background())
			require.NoError(t, err)
			require.Equal(t, 1, result.Count(StatusInvalid))

			sub := h.submission(t, hash, "alice")
			require.False(t, sub.IsPending)
			require.False(t, sub.IsValid)
			require.Equal(t, tc.reason, sub.Reason)
			require.Len(t, h.contributions(t), before)
		})
	}
}

func TestRunCycleNotFoundSearchesEveryChain(t *testing.T) {
	h := newHarness(t)
	h.polygon.LookupErr = errors.New("connection refused")
	h.submit(t, txHash(3), "alice", 0)

	_, err := h.recon.RunCycle(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, h.polygon.LookupCalls)
	require.Equal(t, 1, h.base.LookupCalls)
	require.Equal(t, models.ReasonNotFound, h.submission(t, txHash(3), "alice").Reason)
}

func TestRunCycleDefersUnminedTransaction(t *testing.T) {
	h := newHarness(t)
	h.bind(t, "alice", sender)
	token := polygonToken
	h.polygon.Add(&chains.Transaction{
		Hash:  common.HexToHash(txHash(4)),
		From:  sender,
		To:    &token,
		Input: calldata.EncodeTransfer(treasury, usdc(5)),
	}, time.Time{})
	h.submit(t, txHash(4), "alice", 0)

	result, err := h.recon.RunCycle(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, result.Count(StatusDeferred))
	sub := h.submission(t, txHash(4), "alice")
	require.True(t, sub.IsPending)
	require.False(t, sub.IsValid)
}

func TestRunCycleRollsBackOnInfrastructureError(t *testing.T) {
	h := newHarness(t)
	h.bind(t, "alice", sender)
	h.submit(t, txHash(5), "alice", 0)
	h.transfer(h.polygon, txHash(6), sender, polygonToken, treasury, usdc(5))
	h.submit(t, txHash(6), "alice", time.Second)
	h.polygon.BlockErr = errors.New("upstream 502")

	result, err := h.recon.RunCycle(context.Background())
	require.Error(t, err)
	require.Nil(t, result)

	// The not-found outcome decided earlier in the cycle was rolled back too.
	require.True(t, h.submission(t, txHash(5), "alice").IsPending)
	require.True(t, h.submission(t, txHash(6), "alice").IsPending)
	require.Empty(t, h.contributions(t))

	h.polygon.BlockErr = nil
	result, err = h.recon.RunCycle(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, result.Count(StatusValid))
	require.Equal(t, 1, result.Count(StatusInvalid))
}

func TestRunCycleNeverTouchesValidSubmission(t *testing.T) {
	h := newHarness(t)
	h.bind(t, "alice", sender)
	h.transfer(h.polygon, txHash(8), sender, polygonToken, treasury, usdc(5))
	require.NoError(t, h.db.Create(&models.Submission{
		TxHash: txHash(8), Identity: "alice", IsPending: true, IsValid: true,
		CreatedAt: h.now, UpdatedAt: h.now,
	}).Error)

	result, err := h.recon.RunCycle(context.Background())
	require.NoError(t, err)
	require.Empty(t, result.Outcomes)
	require.True(t, h.submission(t, txHash(8), "alice").IsValid)
	require.Empty(t, h.contributions(t))
}

func TestRunCycleCancelledContextAborts(t *testing.T) {
	h := newHarness(t)
	h.submit(t, txHash(9), "alice", 0)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := h.recon.RunCycle(ctx)
	require.Error(t, err)
	require.True(t, h.submission(t, txHash(9), "alice").IsPending)
}

func TestNewReconcilerRequiresRecipients(t *testing.T) {
	h := newHarness(t)
	_, err := NewReconciler(Config{
		Store:      h.store,
		Source:     h.recon.source,
		Calculator: h.recon.calc,
	})
	require.ErrorIs(t, err, ErrNoRecipients)
}

type countingCycler struct {
	calls chan struct{}
}

func (c *countingCycler) RunCycle(ctx context.Context) (*CycleResult, error) {
	select {
	case c.calls <- struct{}{}:
	case <-ctx.Done():
	}
	return nil, errors.New("transient")
}

func TestSchedulerRunsUntilCancelled(t *testing.T) {
	cycler := &countingCycler{calls: make(chan struct{})}
	sched := NewScheduler(SchedulerConfig{Reconciler: cycler, Interval: time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		sched.Start(ctx)
		close(done)
	}()
	for i := 0; i < 3; i++ {
		select {
		case <-cycler.calls:
		case <-time.After(time.Second):
			t.Fatal("scheduler did not run a cycle")
		}
	}
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop")
	}
}

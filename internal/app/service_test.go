package app

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/sellermint/ledger-service/internal/domain"
	"github.com/sellermint/ledger-service/internal/store"
)

type ledgerRepoStub struct {
	store.Repository

	buckets  map[string]*domain.Balance // keyed on UTC date string
	earliest *domain.Balance

	createdTransactions []*domain.BalanceTransaction
	createdBalances     []*domain.Balance
	createBalanceErrs   []error

	applyCalls      int
	applyErrs       []error
	applied         []uuid.UUID
	findByDateCalls int
}

func (s *ledgerRepoStub) FindUnpaidBalanceByDate(ctx context.Context, key domain.BalanceKey, date time.Time) (*domain.Balance, error) {
	s.findByDateCalls++
	if b, ok := s.buckets[date.Format("2006-01-02")]; ok {
		return b, nil
	}
	return nil, store.ErrBalanceNotFound
}

func (s *ledgerRepoStub) FindEarliestUnpaidBalance(ctx context.Context, key domain.BalanceKey) (*domain.Balance, error) {
	if s.earliest == nil {
		return nil, store.ErrBalanceNotFound
	}
	return s.earliest, nil
}

func (s *ledgerRepoStub) CreateBalance(ctx context.Context, balance *domain.Balance) error {
	if len(s.createBalanceErrs) > 0 {
		err := s.createBalanceErrs[0]
		s.createBalanceErrs = s.createBalanceErrs[1:]
		if err != nil {
			return err
		}
	}
	s.createdBalances = append(s.createdBalances, balance)
	if s.buckets == nil {
		s.buckets = make(map[string]*domain.Balance)
	}
	s.buckets[balance.Date.Format("2006-01-02")] = balance
	return nil
}

func (s *ledgerRepoStub) CreateBalanceTransaction(ctx context.Context, tx *domain.BalanceTransaction) error {
	s.createdTransactions = append(s.createdTransactions, tx)
	return nil
}

func (s *ledgerRepoStub) GetBalanceTransaction(ctx context.Context, id uuid.UUID) (*domain.BalanceTransaction, error) {
	for _, tx := range s.createdTransactions {
		if tx.ID == id {
			return tx, nil
		}
	}
	return nil, store.ErrBalanceTransactionNotFound
}

func (s *ledgerRepoStub) ApplyBalanceDelta(ctx context.Context, balanceID, transactionID uuid.UUID, issuedNetCents, holdingNetCents int64) (*domain.Balance, error) {
	s.applyCalls++
	if len(s.applyErrs) > 0 {
		err := s.applyErrs[0]
		s.applyErrs = s.applyErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	s.applied = append(s.applied, balanceID)
	return &domain.Balance{ID: balanceID, State: domain.BalanceUnpaid}, nil
}

func newTestService(repo store.Repository) *Service {
	return NewService(repo, nil, nil, nil, time.Hour, 100, time.Minute)
}

func purchaseInput(userID, merchantID uuid.UUID, occurredOn time.Time) domain.NewBalanceTransaction {
	purchaseID := uuid.New()
	return domain.NewBalanceTransaction{
		UserID:            userID,
		MerchantAccountID: merchantID,
		Causal: domain.CausalEntity{
			PurchaseID: &purchaseID,
			OccurredOn: occurredOn,
		},
		IssuedAmount:   domain.NewAmount("USD", 1000, 870),
		HoldingAmount:  domain.NewAmount("USD", 1000, 870),
		ApplyToBalance: true,
	}
}

func TestRecordBalanceTransaction_PurchaseCreatesBucketAtSaleDate(t *testing.T) {
	repo := &ledgerRepoStub{}
	svc := newTestService(repo)

	userID := uuid.New()
	merchantID := uuid.New()
	occurredOn := time.Date(2026, 3, 14, 17, 30, 0, 0, time.UTC)
	txn, err := svc.RecordBalanceTransaction(context.Background(), purchaseInput(userID, merchantID, occurredOn))
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}

	if len(repo.createdTransactions) != 1 {
		t.Fatalf("expected one persisted transaction, got %d", len(repo.createdTransactions))
	}
	if len(repo.createdBalances) != 1 {
		t.Fatalf("expected one bucket created, got %d", len(repo.createdBalances))
	}
	wantDate := time.Date(2026, 3, 14, 0, 0, 0, 0, time.UTC)
	if !repo.createdBalances[0].Date.Equal(wantDate) {
		t.Fatalf("expected bucket at %s, got %s", wantDate, repo.createdBalances[0].Date)
	}
	wantKey := domain.BalanceKey{UserID: userID, MerchantAccountID: merchantID, Currency: "USD", HoldingCurrency: "USD"}
	if repo.createdBalances[0].Key() != wantKey {
		t.Fatalf("expected bucket key %+v, got %+v", wantKey, repo.createdBalances[0].Key())
	}
	if txn.BalanceID == nil || *txn.BalanceID != repo.createdBalances[0].ID {
		t.Fatal("expected transaction to be assigned to the created bucket")
	}
}

func TestRecordBalanceTransaction_PurchaseReusesExistingBucket(t *testing.T) {
	existing := &domain.Balance{ID: uuid.New(), Date: time.Date(2026, 3, 14, 0, 0, 0, 0, time.UTC), State: domain.BalanceUnpaid}
	repo := &ledgerRepoStub{buckets: map[string]*domain.Balance{"2026-03-14": existing}}
	svc := newTestService(repo)

	txn, err := svc.RecordBalanceTransaction(context.Background(), purchaseInput(uuid.New(), uuid.New(), time.Date(2026, 3, 14, 8, 0, 0, 0, time.UTC)))
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if len(repo.createdBalances) != 0 {
		t.Fatal("did not expect a new bucket when one exists for the date")
	}
	if txn.BalanceID == nil || *txn.BalanceID != existing.ID {
		t.Fatal("expected transaction to land in the existing bucket")
	}
}

func TestRecordBalanceTransaction_RefundPrefersReferenceDate(t *testing.T) {
	original := &domain.Balance{ID: uuid.New(), Date: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC), State: domain.BalanceUnpaid}
	earliest := &domain.Balance{ID: uuid.New(), Date: time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC), State: domain.BalanceUnpaid}
	repo := &ledgerRepoStub{
		buckets:  map[string]*domain.Balance{"2026-03-01": original},
		earliest: earliest,
	}
	svc := newTestService(repo)

	refundID := uuid.New()
	refDate := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	txn, err := svc.RecordBalanceTransaction(context.Background(), domain.NewBalanceTransaction{
		UserID:            uuid.New(),
		MerchantAccountID: uuid.New(),
		Causal: domain.CausalEntity{
			RefundID:      &refundID,
			OccurredOn:    time.Date(2026, 3, 20, 0, 0, 0, 0, time.UTC),
			ReferenceDate: &refDate,
		},
		IssuedAmount:   domain.Amount{Currency: "USD", GrossCents: -1000, NetCents: -870},
		HoldingAmount:  domain.Amount{Currency: "USD", GrossCents: -1000, NetCents: -870},
		ApplyToBalance: true,
	})
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if txn.BalanceID == nil || *txn.BalanceID != original.ID {
		t.Fatal("expected refund to land in the original sale's bucket")
	}
}

func TestRecordBalanceTransaction_RefundFallsBackToEarliestBucket(t *testing.T) {
	earliest := &domain.Balance{ID: uuid.New(), Date: time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC), State: domain.BalanceUnpaid}
	repo := &ledgerRepoStub{earliest: earliest}
	svc := newTestService(repo)

	refundID := uuid.New()
	refDate := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	txn, err := svc.RecordBalanceTransaction(context.Background(), domain.NewBalanceTransaction{
		UserID:            uuid.New(),
		MerchantAccountID: uuid.New(),
		Causal: domain.CausalEntity{
			RefundID:      &refundID,
			OccurredOn:    time.Date(2026, 3, 20, 0, 0, 0, 0, time.UTC),
			ReferenceDate: &refDate,
		},
		IssuedAmount:   domain.Amount{Currency: "USD", GrossCents: -1000, NetCents: -870},
		HoldingAmount:  domain.Amount{Currency: "USD", GrossCents: -1000, NetCents: -870},
		ApplyToBalance: true,
	})
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if txn.BalanceID == nil || *txn.BalanceID != earliest.ID {
		t.Fatal("expected refund to fall back to the earliest unpaid bucket")
	}
}

func TestRecordBalanceTransaction_CreditWithoutPinLandsInEarliestBucket(t *testing.T) {
	earliest := &domain.Balance{ID: uuid.New(), Date: time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC), State: domain.BalanceUnpaid}
	repo := &ledgerRepoStub{earliest: earliest}
	svc := newTestService(repo)

	creditID := uuid.New()
	txn, err := svc.RecordBalanceTransaction(context.Background(), domain.NewBalanceTransaction{
		UserID:            uuid.New(),
		MerchantAccountID: uuid.New(),
		Causal: domain.CausalEntity{
			CreditID:   &creditID,
			OccurredOn: time.Date(2026, 3, 20, 0, 0, 0, 0, time.UTC),
		},
		IssuedAmount:   domain.Amount{Currency: "USD", GrossCents: 500, NetCents: 500},
		HoldingAmount:  domain.Amount{Currency: "USD", GrossCents: 500, NetCents: 500},
		ApplyToBalance: true,
	})
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if txn.BalanceID == nil || *txn.BalanceID != earliest.ID {
		t.Fatal("expected unpinned credit to land in the earliest unpaid bucket")
	}
}

func TestRecordBalanceTransaction_RejectsCausalCardinality(t *testing.T) {
	repo := &ledgerRepoStub{}
	svc := newTestService(repo)

	purchaseID := uuid.New()
	refundID := uuid.New()
	_, err := svc.RecordBalanceTransaction(context.Background(), domain.NewBalanceTransaction{
		UserID:            uuid.New(),
		MerchantAccountID: uuid.New(),
		Causal: domain.CausalEntity{
			PurchaseID: &purchaseID,
			RefundID:   &refundID,
			OccurredOn: time.Now(),
		},
		IssuedAmount:  domain.Amount{Currency: "USD"},
		HoldingAmount: domain.Amount{Currency: "USD"},
	})
	if !errors.Is(err, domain.ErrCausalCardinality) {
		t.Fatalf("expected ErrCausalCardinality, got %v", err)
	}
	if len(repo.createdTransactions) != 0 {
		t.Fatal("did not expect a transaction with two causes to be persisted")
	}
}

func TestRecordBalanceTransaction_RejectsZeroAmounts(t *testing.T) {
	repo := &ledgerRepoStub{}
	svc := newTestService(repo)

	input := purchaseInput(uuid.New(), uuid.New(), time.Now().UTC())
	input.IssuedAmount = domain.NewAmount("USD", 0, 0)
	input.HoldingAmount = domain.NewAmount("USD", 0, 0)

	if _, err := svc.RecordBalanceTransaction(context.Background(), input); err == nil {
		t.Fatal("expected a zero-amount transaction to be rejected")
	}
	if len(repo.createdTransactions) != 0 {
		t.Fatal("did not expect a zero-amount transaction to be persisted")
	}
}

func TestRecordBalanceTransaction_DeferredApplicationSkipsBucket(t *testing.T) {
	repo := &ledgerRepoStub{}
	svc := newTestService(repo)

	input := purchaseInput(uuid.New(), uuid.New(), time.Now().UTC())
	input.ApplyToBalance = false

	txn, err := svc.RecordBalanceTransaction(context.Background(), input)
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if txn.BalanceID != nil {
		t.Fatal("expected deferred transaction to stay unassigned")
	}
	if repo.applyCalls != 0 {
		t.Fatal("did not expect a balance application for a deferred transaction")
	}
}

func TestApplyToBalance_RetriesOnceOnStateChange(t *testing.T) {
	existing := &domain.Balance{ID: uuid.New(), Date: time.Date(2026, 3, 14, 0, 0, 0, 0, time.UTC), State: domain.BalanceUnpaid}
	repo := &ledgerRepoStub{
		buckets:   map[string]*domain.Balance{"2026-03-14": existing},
		applyErrs: []error{store.ErrBalanceStateChanged},
	}
	svc := newTestService(repo)

	purchaseID := uuid.New()
	txn := &domain.BalanceTransaction{
		ID:            uuid.New(),
		UserID:        uuid.New(),
		PurchaseID:    &purchaseID,
		OccurredOn:    time.Date(2026, 3, 14, 0, 0, 0, 0, time.UTC),
		IssuedAmount:  domain.Amount{Currency: "USD", NetCents: 870},
		HoldingAmount: domain.Amount{Currency: "USD", NetCents: 870},
	}

	if err := svc.ApplyToBalance(context.Background(), txn); err != nil {
		t.Fatalf("expected retry to succeed, got %v", err)
	}
	if repo.applyCalls != 2 {
		t.Fatalf("expected two apply attempts, got %d", repo.applyCalls)
	}
}

func TestApplyToBalance_GivesUpAfterSecondStateChange(t *testing.T) {
	existing := &domain.Balance{ID: uuid.New(), Date: time.Date(2026, 3, 14, 0, 0, 0, 0, time.UTC), State: domain.BalanceUnpaid}
	repo := &ledgerRepoStub{
		buckets:   map[string]*domain.Balance{"2026-03-14": existing},
		applyErrs: []error{store.ErrBalanceStateChanged, store.ErrBalanceStateChanged},
	}
	svc := newTestService(repo)

	purchaseID := uuid.New()
	txn := &domain.BalanceTransaction{
		ID:            uuid.New(),
		UserID:        uuid.New(),
		PurchaseID:    &purchaseID,
		OccurredOn:    time.Date(2026, 3, 14, 0, 0, 0, 0, time.UTC),
		IssuedAmount:  domain.Amount{Currency: "USD", NetCents: 870},
		HoldingAmount: domain.Amount{Currency: "USD", NetCents: 870},
	}

	err := svc.ApplyToBalance(context.Background(), txn)
	if !errors.Is(err, store.ErrBalanceStateChanged) {
		t.Fatalf("expected contention error to propagate unchanged, got %v", err)
	}
	var resErr *BalanceResolutionError
	if errors.As(err, &resErr) {
		t.Fatalf("contention exhaustion must not surface as a resolution failure, got %v", err)
	}
	if repo.applyCalls != 2 {
		t.Fatalf("expected exactly two apply attempts, got %d", repo.applyCalls)
	}
}

func TestApplyToBalance_PropagatesUnrelatedErrorsUnchanged(t *testing.T) {
	existing := &domain.Balance{ID: uuid.New(), Date: time.Date(2026, 3, 14, 0, 0, 0, 0, time.UTC), State: domain.BalanceUnpaid}
	boom := errors.New("connection reset")
	repo := &ledgerRepoStub{
		buckets:   map[string]*domain.Balance{"2026-03-14": existing},
		applyErrs: []error{boom},
	}
	svc := newTestService(repo)

	purchaseID := uuid.New()
	txn := &domain.BalanceTransaction{
		ID:            uuid.New(),
		PurchaseID:    &purchaseID,
		OccurredOn:    time.Date(2026, 3, 14, 0, 0, 0, 0, time.UTC),
		IssuedAmount:  domain.Amount{Currency: "USD", NetCents: 870},
		HoldingAmount: domain.Amount{Currency: "USD", NetCents: 870},
	}

	err := svc.ApplyToBalance(context.Background(), txn)
	if !errors.Is(err, boom) {
		t.Fatalf("expected underlying error to propagate unchanged, got %v", err)
	}
	if repo.applyCalls != 1 {
		t.Fatalf("expected no retry for a non-contention error, got %d attempts", repo.applyCalls)
	}
}

func TestCreateBalanceBucket_ResolvesCreationRace(t *testing.T) {
	winner := &domain.Balance{ID: uuid.New(), Date: time.Date(2026, 3, 14, 0, 0, 0, 0, time.UTC), State: domain.BalanceUnpaid}
	repo := &raceRepoStub{winner: winner}
	svc := newTestService(repo)

	txn, err := svc.RecordBalanceTransaction(context.Background(), purchaseInput(uuid.New(), uuid.New(), winner.Date))
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if txn.BalanceID == nil || *txn.BalanceID != winner.ID {
		t.Fatal("expected the concurrent winner's bucket to be reused")
	}
}

// raceRepoStub simulates a concurrent bucket creation: the first date lookup
// misses, the insert hits the unique index, and the re-select finds the row
// the other writer inserted.
type raceRepoStub struct {
	store.Repository

	winner  *domain.Balance
	lookups int
}

func (s *raceRepoStub) FindUnpaidBalanceByDate(ctx context.Context, key domain.BalanceKey, date time.Time) (*domain.Balance, error) {
	s.lookups++
	if s.lookups == 1 {
		return nil, store.ErrBalanceNotFound
	}
	return s.winner, nil
}

func (s *raceRepoStub) CreateBalance(ctx context.Context, balance *domain.Balance) error {
	return store.ErrBalanceBucketExists
}

func (s *raceRepoStub) CreateBalanceTransaction(ctx context.Context, tx *domain.BalanceTransaction) error {
	return nil
}

func (s *raceRepoStub) ApplyBalanceDelta(ctx context.Context, balanceID, transactionID uuid.UUID, issuedNetCents, holdingNetCents int64) (*domain.Balance, error) {
	return &domain.Balance{ID: balanceID, State: domain.BalanceUnpaid}, nil
}

func TestApplyBalanceTransaction_ReDrivesDeferredEntry(t *testing.T) {
	existing := &domain.Balance{ID: uuid.New(), Date: time.Date(2026, 3, 14, 0, 0, 0, 0, time.UTC), State: domain.BalanceUnpaid}
	repo := &ledgerRepoStub{buckets: map[string]*domain.Balance{"2026-03-14": existing}}
	svc := newTestService(repo)

	input := purchaseInput(uuid.New(), uuid.New(), time.Date(2026, 3, 14, 8, 0, 0, 0, time.UTC))
	input.ApplyToBalance = false
	recorded, err := svc.RecordBalanceTransaction(context.Background(), input)
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if recorded.BalanceID != nil || repo.applyCalls != 0 {
		t.Fatal("expected the deferred entry to stay unapplied")
	}

	applied, err := svc.ApplyBalanceTransaction(context.Background(), recorded.ID)
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if applied.BalanceID == nil || *applied.BalanceID != existing.ID {
		t.Fatal("expected the re-drive to land the entry in the existing bucket")
	}
	if repo.applyCalls != 1 {
		t.Fatalf("expected one apply attempt, got %d", repo.applyCalls)
	}
}

func TestApplyBalanceTransaction_AlreadyAppliedIsNoOp(t *testing.T) {
	repo := &ledgerRepoStub{}
	svc := newTestService(repo)

	recorded, err := svc.RecordBalanceTransaction(context.Background(), purchaseInput(uuid.New(), uuid.New(), time.Date(2026, 3, 14, 8, 0, 0, 0, time.UTC)))
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if recorded.BalanceID == nil || repo.applyCalls != 1 {
		t.Fatal("expected the entry to be applied on record")
	}

	if _, err := svc.ApplyBalanceTransaction(context.Background(), recorded.ID); err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if repo.applyCalls != 1 {
		t.Fatalf("expected no second apply attempt, got %d", repo.applyCalls)
	}
}

func TestApplyBalanceTransaction_UnknownEntry(t *testing.T) {
	svc := newTestService(&ledgerRepoStub{})

	_, err := svc.ApplyBalanceTransaction(context.Background(), uuid.New())
	if !errors.Is(err, store.ErrBalanceTransactionNotFound) {
		t.Fatalf("expected ErrBalanceTransactionNotFound, got %v", err)
	}
}

/**
 * @description
 * In-memory implementation of the `Repository` interface. A single mutex
 * serializes every ledger transition, matching the atomicity the PostgreSQL
 * implementation gets from transactions. Used by the test suite and as a
 * fallback when the service is started without a database, so the ledger
 * semantics can be exercised end to end without infrastructure.
 */

package store

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/learn-tg/vault-service/internal/domain"
)

type tripleKey struct {
	courseID    int64
	guideNumber int64
	student     string
}

type pairKey struct {
	courseID int64
	student  string
}

type pendingEntry struct {
	amount       int64
	profileScore int
	preparedAt   time.Time
}

type payoutEntry struct {
	amount       int64
	profileScore int
	claimRef     uuid.UUID
}

// MemoryRepository keeps the whole vault ledger in process memory.
type MemoryRepository struct {
	mu        sync.Mutex
	vaults    map[int64]*domain.Vault
	pending   map[tripleKey]pendingEntry
	payouts   map[tripleKey]payoutEntry
	cooldowns map[pairKey]time.Time
	journal   []DepositParams
}

// NewMemoryRepository creates an empty in-memory ledger.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		vaults:    make(map[int64]*domain.Vault),
		pending:   make(map[tripleKey]pendingEntry),
		payouts:   make(map[tripleKey]payoutEntry),
		cooldowns: make(map[pairKey]time.Time),
	}
}

func (r *MemoryRepository) key(courseID, guideNumber int64, student string) tripleKey {
	return tripleKey{courseID: courseID, guideNumber: guideNumber, student: domain.NormalizeAddress(student)}
}

func (r *MemoryRepository) CreateVault(ctx context.Context, courseID, amountPerGuide int64) (*domain.Vault, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.vaults[courseID]; ok {
		return nil, ErrVaultExists
	}
	vault := &domain.Vault{
		CourseID:       courseID,
		AmountPerGuide: amountPerGuide,
		CreatedAt:      time.Now().UTC(),
	}
	r.vaults[courseID] = vault
	v := *vault
	return &v, nil
}

func (r *MemoryRepository) FindVault(ctx context.Context, courseID int64) (*domain.Vault, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	vault, ok := r.vaults[courseID]
	if !ok {
		return nil, ErrVaultNotFound
	}
	v := *vault
	return &v, nil
}

func (r *MemoryRepository) CreditDeposit(ctx context.Context, params DepositParams) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	vault, ok := r.vaults[params.CourseID]
	if !ok {
		return ErrVaultNotFound
	}
	switch params.Asset {
	case domain.AssetCCOP:
		vault.BalanceCCOP += params.VaultShare
	case domain.AssetGoodDollar:
		vault.BalanceGoodDollar += params.VaultShare
	default:
		vault.BalanceUSDT += params.VaultShare
	}
	r.journal = append(r.journal, params)
	return nil
}

func (r *MemoryRepository) PrepareScholarship(ctx context.Context, params PrepareParams) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	vault, ok := r.vaults[params.CourseID]
	if !ok {
		return ErrVaultNotFound
	}
	if vault.BalanceUSDT < params.Amount {
		return ErrInsufficientFunds
	}
	vault.BalanceUSDT -= params.Amount
	r.pending[r.key(params.CourseID, params.GuideNumber, params.Student)] = pendingEntry{
		amount:       params.Amount,
		profileScore: params.ProfileScore,
		preparedAt:   params.SubmittedAt,
	}
	r.cooldowns[pairKey{courseID: params.CourseID, student: domain.NormalizeAddress(params.Student)}] = params.SubmittedAt
	return nil
}

func (r *MemoryRepository) ClaimScholarship(ctx context.Context, courseID, guideNumber int64, student string, claimRef uuid.UUID) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := r.key(courseID, guideNumber, student)
	entry, ok := r.pending[key]
	if !ok || entry.amount <= 0 {
		return 0, ErrNoPendingScholarship
	}
	delete(r.pending, key)
	r.payouts[key] = payoutEntry{amount: entry.amount, profileScore: entry.profileScore, claimRef: claimRef}
	return entry.amount, nil
}

func (r *MemoryRepository) ReinstateScholarship(ctx context.Context, courseID, guideNumber int64, student string, amount int64, profileScore int, claimRef uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	// Only the claim attempt recorded on the payout may be undone; anything else
	// is a stale failure report.
	key := r.key(courseID, guideNumber, student)
	payout, ok := r.payouts[key]
	if !ok || payout.claimRef == uuid.Nil || payout.claimRef != claimRef {
		return ErrClaimSettled
	}
	r.pending[key] = pendingEntry{amount: amount, profileScore: profileScore, preparedAt: time.Now().UTC()}
	delete(r.payouts, key)
	return nil
}

func (r *MemoryRepository) PendingScholarship(ctx context.Context, courseID, guideNumber int64, student string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.pending[r.key(courseID, guideNumber, student)].amount, nil
}

func (r *MemoryRepository) GuidePaid(ctx context.Context, courseID, guideNumber int64, student string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.payouts[r.key(courseID, guideNumber, student)].amount, nil
}

func (r *MemoryRepository) ProfileScoreAtSubmission(ctx context.Context, courseID, guideNumber int64, student string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := r.key(courseID, guideNumber, student)
	if entry, ok := r.pending[key]; ok {
		return entry.profileScore, nil
	}
	return r.payouts[key].profileScore, nil
}

func (r *MemoryRepository) LastQualifyingSubmission(ctx context.Context, courseID int64, student string) (time.Time, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.cooldowns[pairKey{courseID: courseID, student: domain.NormalizeAddress(student)}], nil
}

func (r *MemoryRepository) SetGuidePaid(ctx context.Context, courseID, guideNumber int64, student string, amount int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.payouts[r.key(courseID, guideNumber, student)] = payoutEntry{amount: amount}
	return nil
}

func (r *MemoryRepository) SetVaultBalance(ctx context.Context, courseID, newBalance int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	vault, ok := r.vaults[courseID]
	if !ok {
		return ErrVaultNotFound
	}
	vault.BalanceUSDT = newBalance
	return nil
}

func (r *MemoryRepository) RecordWithdrawal(ctx context.Context, asset domain.Asset, amount int64) error {
	return nil
}

func (r *MemoryRepository) OutstandingLiabilities(ctx context.Context) (int64, int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var vaultTotal, pendingTotal int64
	for _, vault := range r.vaults {
		vaultTotal += vault.BalanceUSDT
	}
	for _, entry := range r.pending {
		pendingTotal += entry.amount
	}
	return vaultTotal, pendingTotal, nil
}

/**
 * @description
 * This file defines the `Repository` interface, the contract for all ledger state
 * the vault-service keeps: course vaults, pending scholarships, payout records,
 * and submission cooldowns. Every state transition that the on-chain contract
 * performed in one transaction is exposed here as a single atomic method, so the
 * business layer never observes a partially applied transition.
 *
 * @dependencies
 * - context, time: Standard Go libraries.
 * - github.com/google/uuid: Journal entry identifiers.
 * - internal/domain: The service's domain models.
 */

package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/learn-tg/vault-service/internal/domain"
)

var (
	ErrVaultNotFound        = errors.New("vault does not exist")
	ErrVaultExists          = errors.New("vault already exists for this course")
	ErrNoPendingScholarship = errors.New("no pending scholarship")
	ErrInsufficientFunds    = errors.New("insufficient funds")
	ErrClaimSettled         = errors.New("claim attempt already settled or superseded")
)

// DepositParams records one fee-split donation. FeeAmount + VaultShare must equal
// GrossAmount; the repository stores all three for the deposit journal.
type DepositParams struct {
	Reference   uuid.UUID
	CourseID    int64
	Asset       domain.Asset
	Donor       string
	GrossAmount int64
	FeeAmount   int64
	VaultShare  int64
}

// PrepareParams records one qualifying guide submission. Amount is debited from
// the vault's USDT balance and reserved under (CourseID, GuideNumber, Student).
type PrepareParams struct {
	CourseID     int64
	GuideNumber  int64
	Student      string
	Amount       int64
	ProfileScore int
	SubmittedAt  time.Time
}

// Repository defines the set of methods for interacting with the vault ledger.
type Repository interface {
	// Vault lifecycle
	CreateVault(ctx context.Context, courseID, amountPerGuide int64) (*domain.Vault, error)
	FindVault(ctx context.Context, courseID int64) (*domain.Vault, error)

	// Deposits: credits the vault share to the per-asset balance and journals the
	// gross/fee/share split in the same transaction.
	CreditDeposit(ctx context.Context, params DepositParams) error

	// Scholarship preparation: atomically verifies the USDT balance covers the
	// award, debits it, records the pending scholarship and profile score, and
	// starts the (course, student) cooldown. Fails with ErrInsufficientFunds
	// without any state change when the vault cannot cover the amount.
	PrepareScholarship(ctx context.Context, params PrepareParams) error

	// Claim: atomically clears the pending amount and records it as paid,
	// returning the claimed amount. The claimRef identifies this claim attempt
	// and is stored on the payout record so a later reinstatement can be
	// correlated to it. Fails with ErrNoPendingScholarship when nothing is
	// reserved for the triple.
	ClaimScholarship(ctx context.Context, courseID, guideNumber int64, student string, claimRef uuid.UUID) (int64, error)

	// ReinstateScholarship undoes a claim whose settlement transfer failed after
	// the ledger had already committed: the pending row is restored and the
	// payout record removed. It acts only when the payout record still carries
	// claimRef; otherwise it fails with ErrClaimSettled, so a redelivered or
	// stale failure report can never undo a claim that actually settled.
	ReinstateScholarship(ctx context.Context, courseID, guideNumber int64, student string, amount int64, profileScore int, claimRef uuid.UUID) error

	// Plain reads
	PendingScholarship(ctx context.Context, courseID, guideNumber int64, student string) (int64, error)
	GuidePaid(ctx context.Context, courseID, guideNumber int64, student string) (int64, error)
	ProfileScoreAtSubmission(ctx context.Context, courseID, guideNumber int64, student string) (int, error)
	// LastQualifyingSubmission returns the zero time when the student has never
	// made a qualifying submission in the course.
	LastQualifyingSubmission(ctx context.Context, courseID int64, student string) (time.Time, error)

	// Migration overrides: bypass the prepare/claim discipline entirely. The
	// caller is responsible for balance consistency.
	SetGuidePaid(ctx context.Context, courseID, guideNumber int64, student string, amount int64) error
	SetVaultBalance(ctx context.Context, courseID, newBalance int64) error

	// RecordWithdrawal journals an owner emergency withdrawal. Withdrawals are
	// not tied to any vault balance.
	RecordWithdrawal(ctx context.Context, asset domain.Asset, amount int64) error

	// OutstandingLiabilities returns the sum of all vault USDT balances and the
	// sum of all pending scholarship amounts, for the solvency audit.
	OutstandingLiabilities(ctx context.Context) (vaultTotal int64, pendingTotal int64, err error)
}

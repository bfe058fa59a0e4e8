/**
 * @description
 * This file provides the PostgreSQL implementation of the `Repository` interface.
 * Atomic ledger transitions (scholarship preparation, claims, reinstatement) run
 * inside a database transaction with `SELECT ... FOR UPDATE` row locks, which
 * gives this off-chain ledger the same serialized, all-or-nothing semantics the
 * chain gave the original contract for free.
 *
 * @dependencies
 * - context, errors, fmt, time: Standard Go libraries.
 * - github.com/google/uuid: Claim attempt references on payout records.
 * - github.com/jackc/pgx/v5: The PostgreSQL driver for database operations.
 * - internal/domain: Contains the domain models used for data transfer.
 */

package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/learn-tg/vault-service/internal/domain"
)

// PostgresRepository is a concrete implementation of the Repository interface for PostgreSQL.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a new instance of PostgresRepository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// CreateVault inserts a new vault row. The primary key on course_id rejects
// duplicates, which is surfaced as ErrVaultExists.
func (r *PostgresRepository) CreateVault(ctx context.Context, courseID, amountPerGuide int64) (*domain.Vault, error) {
	var vault domain.Vault
	query := `
		INSERT INTO vaults (course_id, balance_usdt, balance_ccop, balance_gooddollar, amount_per_guide, created_at)
		VALUES ($1, 0, 0, 0, $2, NOW())
		ON CONFLICT (course_id) DO NOTHING
		RETURNING course_id, balance_usdt, balance_ccop, balance_gooddollar, amount_per_guide, created_at
	`
	err := r.db.QueryRow(ctx, query, courseID, amountPerGuide).Scan(
		&vault.CourseID,
		&vault.BalanceUSDT,
		&vault.BalanceCCOP,
		&vault.BalanceGoodDollar,
		&vault.AmountPerGuide,
		&vault.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrVaultExists
		}
		return nil, err
	}
	return &vault, nil
}

// FindVault retrieves a vault by course id.
func (r *PostgresRepository) FindVault(ctx context.Context, courseID int64) (*domain.Vault, error) {
	var vault domain.Vault
	query := `
		SELECT course_id, balance_usdt, balance_ccop, balance_gooddollar, amount_per_guide, created_at
		FROM vaults
		WHERE course_id = $1
	`
	err := r.db.QueryRow(ctx, query, courseID).Scan(
		&vault.CourseID,
		&vault.BalanceUSDT,
		&vault.BalanceCCOP,
		&vault.BalanceGoodDollar,
		&vault.AmountPerGuide,
		&vault.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrVaultNotFound
		}
		return nil, err
	}
	return &vault, nil
}

func balanceColumn(asset domain.Asset) string {
	switch asset {
	case domain.AssetCCOP:
		return "balance_ccop"
	case domain.AssetGoodDollar:
		return "balance_gooddollar"
	default:
		return "balance_usdt"
	}
}

// CreditDeposit credits the vault share of a donation and journals the fee split
// within a single transaction.
func (r *PostgresRepository) CreditDeposit(ctx context.Context, params DepositParams) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	updateQuery := fmt.Sprintf(`
		UPDATE vaults
		SET %s = %s + $1
		WHERE course_id = $2
	`, balanceColumn(params.Asset), balanceColumn(params.Asset))
	result, err := tx.Exec(ctx, updateQuery, params.VaultShare, params.CourseID)
	if err != nil {
		return fmt.Errorf("failed to credit vault balance: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrVaultNotFound
	}

	journalQuery := `
		INSERT INTO vault_journal (id, course_id, entry_type, asset, counterparty, gross_amount, fee_amount, net_amount, created_at)
		VALUES ($1, $2, 'deposit', $3, $4, $5, $6, $7, NOW())
	`
	_, err = tx.Exec(ctx, journalQuery,
		params.Reference, params.CourseID, string(params.Asset), params.Donor,
		params.GrossAmount, params.FeeAmount, params.VaultShare,
	)
	if err != nil {
		return fmt.Errorf("failed to journal deposit: %w", err)
	}

	return tx.Commit(ctx)
}

// PrepareScholarship reserves an award: the vault row is locked, the balance
// check and debit happen under that lock, and the pending row and cooldown are
// written in the same transaction. Two concurrent submissions can therefore
// never jointly overcommit a vault's balance.
func (r *PostgresRepository) PrepareScholarship(ctx context.Context, params PrepareParams) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var balance int64
	lockQuery := `
		SELECT balance_usdt
		FROM vaults
		WHERE course_id = $1
		FOR UPDATE
	`
	err = tx.QueryRow(ctx, lockQuery, params.CourseID).Scan(&balance)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrVaultNotFound
		}
		return fmt.Errorf("failed to lock vault: %w", err)
	}
	if balance < params.Amount {
		return ErrInsufficientFunds
	}

	debitQuery := `UPDATE vaults SET balance_usdt = balance_usdt - $1 WHERE course_id = $2`
	if _, err = tx.Exec(ctx, debitQuery, params.Amount, params.CourseID); err != nil {
		return fmt.Errorf("failed to debit vault balance: %w", err)
	}

	pendingQuery := `
		INSERT INTO pending_scholarships (course_id, guide_number, student_address, amount, profile_score, prepared_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (course_id, guide_number, student_address)
		DO UPDATE SET amount = EXCLUDED.amount, profile_score = EXCLUDED.profile_score, prepared_at = EXCLUDED.prepared_at
	`
	_, err = tx.Exec(ctx, pendingQuery,
		params.CourseID, params.GuideNumber, domain.NormalizeAddress(params.Student),
		params.Amount, params.ProfileScore, params.SubmittedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to record pending scholarship: %w", err)
	}

	cooldownQuery := `
		INSERT INTO student_cooldowns (course_id, student_address, last_submission_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (course_id, student_address)
		DO UPDATE SET last_submission_at = EXCLUDED.last_submission_at
	`
	if _, err = tx.Exec(ctx, cooldownQuery, params.CourseID, domain.NormalizeAddress(params.Student), params.SubmittedAt); err != nil {
		return fmt.Errorf("failed to record submission cooldown: %w", err)
	}

	return tx.Commit(ctx)
}

// ClaimScholarship clears the pending reservation and records the payout. The
// pending row is locked first so a double claim deterministically fails with
// ErrNoPendingScholarship.
func (r *PostgresRepository) ClaimScholarship(ctx context.Context, courseID, guideNumber int64, student string, claimRef uuid.UUID) (int64, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var amount int64
	var profileScore int
	lockQuery := `
		SELECT amount, profile_score
		FROM pending_scholarships
		WHERE course_id = $1 AND guide_number = $2 AND student_address = $3
		FOR UPDATE
	`
	err = tx.QueryRow(ctx, lockQuery, courseID, guideNumber, domain.NormalizeAddress(student)).Scan(&amount, &profileScore)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrNoPendingScholarship
		}
		return 0, fmt.Errorf("failed to lock pending scholarship: %w", err)
	}
	if amount <= 0 {
		return 0, ErrNoPendingScholarship
	}

	deleteQuery := `
		DELETE FROM pending_scholarships
		WHERE course_id = $1 AND guide_number = $2 AND student_address = $3
	`
	if _, err = tx.Exec(ctx, deleteQuery, courseID, guideNumber, domain.NormalizeAddress(student)); err != nil {
		return 0, fmt.Errorf("failed to clear pending scholarship: %w", err)
	}

	payoutQuery := `
		INSERT INTO guide_payouts (course_id, guide_number, student_address, amount_paid, profile_score, claim_reference, paid_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
		ON CONFLICT (course_id, guide_number, student_address)
		DO UPDATE SET amount_paid = EXCLUDED.amount_paid, profile_score = EXCLUDED.profile_score, claim_reference = EXCLUDED.claim_reference, paid_at = EXCLUDED.paid_at
	`
	if _, err = tx.Exec(ctx, payoutQuery, courseID, guideNumber, domain.NormalizeAddress(student), amount, profileScore, claimRef); err != nil {
		return 0, fmt.Errorf("failed to record payout: %w", err)
	}

	if err = tx.Commit(ctx); err != nil {
		return 0, err
	}
	return amount, nil
}

// ReinstateScholarship restores a pending reservation after a failed settlement
// transfer and removes the payout record written by the claim. The payout row is
// locked and its claim reference compared first: a record that is gone, was
// written by a migration override, or belongs to a later claim attempt means the
// failure report is stale, and nothing is restored.
func (r *PostgresRepository) ReinstateScholarship(ctx context.Context, courseID, guideNumber int64, student string, amount int64, profileScore int, claimRef uuid.UUID) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var recordedRef *uuid.UUID
	lockQuery := `
		SELECT claim_reference
		FROM guide_payouts
		WHERE course_id = $1 AND guide_number = $2 AND student_address = $3
		FOR UPDATE
	`
	err = tx.QueryRow(ctx, lockQuery, courseID, guideNumber, domain.NormalizeAddress(student)).Scan(&recordedRef)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrClaimSettled
		}
		return fmt.Errorf("failed to lock payout record: %w", err)
	}
	if recordedRef == nil || *recordedRef != claimRef {
		return ErrClaimSettled
	}

	pendingQuery := `
		INSERT INTO pending_scholarships (course_id, guide_number, student_address, amount, profile_score, prepared_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (course_id, guide_number, student_address)
		DO UPDATE SET amount = EXCLUDED.amount, profile_score = EXCLUDED.profile_score
	`
	if _, err = tx.Exec(ctx, pendingQuery, courseID, guideNumber, domain.NormalizeAddress(student), amount, profileScore); err != nil {
		return fmt.Errorf("failed to restore pending scholarship: %w", err)
	}

	deleteQuery := `
		DELETE FROM guide_payouts
		WHERE course_id = $1 AND guide_number = $2 AND student_address = $3
	`
	if _, err = tx.Exec(ctx, deleteQuery, courseID, guideNumber, domain.NormalizeAddress(student)); err != nil {
		return fmt.Errorf("failed to remove payout record: %w", err)
	}

	return tx.Commit(ctx)
}

// PendingScholarship returns the reserved amount for the triple, zero when none.
func (r *PostgresRepository) PendingScholarship(ctx context.Context, courseID, guideNumber int64, student string) (int64, error) {
	var amount int64
	query := `
		SELECT amount FROM pending_scholarships
		WHERE course_id = $1 AND guide_number = $2 AND student_address = $3
	`
	err := r.db.QueryRow(ctx, query, courseID, guideNumber, domain.NormalizeAddress(student)).Scan(&amount)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil
		}
		return 0, err
	}
	return amount, nil
}

// GuidePaid returns the cumulative amount disbursed for the triple, zero when never paid.
func (r *PostgresRepository) GuidePaid(ctx context.Context, courseID, guideNumber int64, student string) (int64, error) {
	var amount int64
	query := `
		SELECT amount_paid FROM guide_payouts
		WHERE course_id = $1 AND guide_number = $2 AND student_address = $3
	`
	err := r.db.QueryRow(ctx, query, courseID, guideNumber, domain.NormalizeAddress(student)).Scan(&amount)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil
		}
		return 0, err
	}
	return amount, nil
}

// ProfileScoreAtSubmission returns the score recorded when the scholarship was
// prepared, checking the pending row first and falling back to the payout record.
func (r *PostgresRepository) ProfileScoreAtSubmission(ctx context.Context, courseID, guideNumber int64, student string) (int, error) {
	var score int
	pendingQuery := `
		SELECT profile_score FROM pending_scholarships
		WHERE course_id = $1 AND guide_number = $2 AND student_address = $3
	`
	err := r.db.QueryRow(ctx, pendingQuery, courseID, guideNumber, domain.NormalizeAddress(student)).Scan(&score)
	if err == nil {
		return score, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return 0, err
	}

	paidQuery := `
		SELECT profile_score FROM guide_payouts
		WHERE course_id = $1 AND guide_number = $2 AND student_address = $3
	`
	err = r.db.QueryRow(ctx, paidQuery, courseID, guideNumber, domain.NormalizeAddress(student)).Scan(&score)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil
		}
		return 0, err
	}
	return score, nil
}

// LastQualifyingSubmission returns the timestamp of the student's last qualifying
// submission in the course, or the zero time when there is none.
func (r *PostgresRepository) LastQualifyingSubmission(ctx context.Context, courseID int64, student string) (time.Time, error) {
	var last time.Time
	query := `
		SELECT last_submission_at FROM student_cooldowns
		WHERE course_id = $1 AND student_address = $2
	`
	err := r.db.QueryRow(ctx, query, courseID, domain.NormalizeAddress(student)).Scan(&last)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return time.Time{}, nil
		}
		return time.Time{}, err
	}
	return last, nil
}

// SetGuidePaid writes the payout record directly, bypassing prepare/claim. The
// claim reference is cleared so no pre-override failure report can undo it.
func (r *PostgresRepository) SetGuidePaid(ctx context.Context, courseID, guideNumber int64, student string, amount int64) error {
	query := `
		INSERT INTO guide_payouts (course_id, guide_number, student_address, amount_paid, profile_score, claim_reference, paid_at)
		VALUES ($1, $2, $3, $4, 0, NULL, NOW())
		ON CONFLICT (course_id, guide_number, student_address)
		DO UPDATE SET amount_paid = EXCLUDED.amount_paid, claim_reference = NULL, paid_at = EXCLUDED.paid_at
	`
	_, err := r.db.Exec(ctx, query, courseID, guideNumber, domain.NormalizeAddress(student), amount)
	return err
}

// SetVaultBalance overwrites the USDT balance directly, with no arithmetic
// relation to deposits.
func (r *PostgresRepository) SetVaultBalance(ctx context.Context, courseID, newBalance int64) error {
	query := `UPDATE vaults SET balance_usdt = $1 WHERE course_id = $2`
	result, err := r.db.Exec(ctx, query, newBalance, courseID)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return ErrVaultNotFound
	}
	return nil
}

// RecordWithdrawal journals an owner emergency withdrawal.
func (r *PostgresRepository) RecordWithdrawal(ctx context.Context, asset domain.Asset, amount int64) error {
	query := `
		INSERT INTO vault_journal (id, course_id, entry_type, asset, counterparty, gross_amount, fee_amount, net_amount, created_at)
		VALUES (gen_random_uuid(), 0, 'emergency_withdrawal', $1, 'owner', $2, 0, $2, NOW())
	`
	_, err := r.db.Exec(ctx, query, string(asset), amount)
	return err
}

// OutstandingLiabilities sums vault USDT balances and pending scholarship amounts.
func (r *PostgresRepository) OutstandingLiabilities(ctx context.Context) (int64, int64, error) {
	var vaultTotal, pendingTotal int64
	if err := r.db.QueryRow(ctx, `SELECT COALESCE(SUM(balance_usdt), 0) FROM vaults`).Scan(&vaultTotal); err != nil {
		return 0, 0, err
	}
	if err := r.db.QueryRow(ctx, `SELECT COALESCE(SUM(amount), 0) FROM pending_scholarships`).Scan(&pendingTotal); err != nil {
		return 0, 0, err
	}
	return vaultTotal, pendingTotal, nil
}

/**
 * @description
 * This file contains the core business logic for the vault-service. The `Service`
 * struct orchestrates every scholarship operation, coordinating between the ledger
 * repository, the treasury token API client, and the message broker.
 *
 * Key features:
 * - Implements the main use cases: vault creation, fee-split deposits, scholarship
 *   preparation from graded guide results, and student claims.
 * - Reserves scholarship funds at submission time so a prepared award can never be
 *   stranded by a later deposit shortfall.
 * - Enforces the per-(course, student) submission cooldown.
 * - Publishes events to RabbitMQ for asynchronous processing by other services.
 *
 * @dependencies
 * - context, errors, fmt, log, time: Standard Go libraries.
 * - github.com/google/uuid: Transfer reference generation.
 * - internal/domain, internal/store: For domain models and data access.
 * - pkg/tokenclient, pkg/rabbitmq: For external service communication.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/learn-tg/vault-service/internal/domain"
	"github.com/learn-tg/vault-service/internal/store"
	"github.com/learn-tg/vault-service/pkg/rabbitmq"
	"github.com/learn-tg/vault-service/pkg/tokenclient"
)

const (
	// MinQualifyingScore and MaxProfileScore bound the oracle-reported profile
	// score; submissions outside the range are rejected outright.
	MinQualifyingScore = 50
	MaxProfileScore    = 100

	// DefaultDepositFeePercent is the platform's share of every donation.
	DefaultDepositFeePercent = 20

	// DefaultSubmissionCooldown throttles qualifying submissions per course.
	DefaultSubmissionCooldown = 24 * time.Hour
)

var (
	ErrInvalidCourseID       = errors.New("course id must be greater than 0")
	ErrInvalidAmountPerGuide = errors.New("amount per guide must be greater than 0")
	ErrInvalidDepositAmount  = errors.New("deposit amount must be greater than 0")
	ErrInvalidAsset          = errors.New("unknown asset")
	ErrInvalidParams         = errors.New("invalid params")
	ErrScoreOutOfRange       = errors.New("score must be between 50 and 100")
	ErrInCooldown            = errors.New("in cooldown")
	ErrInvalidWithdrawAmount = errors.New("withdraw amount must be greater than 0")
	ErrNonPositiveBalance    = errors.New("balance should be positive")
	ErrRateLimited           = errors.New("rate limit exceeded")
)

// TokenClient is the treasury API surface the service depends on. Satisfied by
// *tokenclient.Client in production and by stubs in tests.
type TokenClient interface {
	BalanceOf(ctx context.Context, asset, address string) (int64, error)
	Transfer(ctx context.Context, asset, to string, amount int64, reference string) (*tokenclient.TransferResponse, error)
	Pull(ctx context.Context, asset, from string, amount int64, reference string) (*tokenclient.TransferResponse, error)
}

// Service provides the core business logic for scholarship vaults.
type Service struct {
	repo            store.Repository
	token           TokenClient
	eventProducer   rabbitmq.Publisher
	ownerAddress    string
	treasuryAddress string
	feePercent      int64
	cooldown        time.Duration

	// now is swapped out by tests to drive cooldown windows.
	now func() time.Time
}

// NewService creates a new vault service instance. feePercent is clamped to
// [0, 100]; non-positive cooldowns fall back to the default.
func NewService(repo store.Repository, token TokenClient, producer rabbitmq.Publisher, ownerAddress, treasuryAddress string, feePercent int64, cooldown time.Duration) *Service {
	if feePercent < 0 {
		feePercent = 0
	}
	if feePercent > 100 {
		feePercent = 100
	}
	if cooldown <= 0 {
		cooldown = DefaultSubmissionCooldown
	}
	return &Service{
		repo:            repo,
		token:           token,
		eventProducer:   producer,
		ownerAddress:    domain.NormalizeAddress(ownerAddress),
		treasuryAddress: domain.NormalizeAddress(treasuryAddress),
		feePercent:      feePercent,
		cooldown:        cooldown,
		now:             time.Now,
	}
}

// CreateVault provisions the pooled fund for a course. One vault per course.
func (s *Service) CreateVault(ctx context.Context, courseID, amountPerGuide int64) (*domain.Vault, error) {
	if courseID <= 0 {
		return nil, ErrInvalidCourseID
	}
	if amountPerGuide <= 0 {
		return nil, ErrInvalidAmountPerGuide
	}

	vault, err := s.repo.CreateVault(ctx, courseID, amountPerGuide)
	if err != nil {
		return nil, fmt.Errorf("failed to create vault: %w", err)
	}
	log.Printf("CreateVault: created vault for course %d with amount_per_guide %d", courseID, amountPerGuide)

	s.publish(ctx, rabbitmq.RouteVaultCreated, rabbitmq.VaultCreatedEvent{
		CourseID:       courseID,
		AmountPerGuide: amountPerGuide,
		Timestamp:      s.now().UTC(),
	})
	return vault, nil
}

// GetVault returns the vault for a course.
func (s *Service) GetVault(ctx context.Context, courseID int64) (*domain.Vault, error) {
	if courseID <= 0 {
		return nil, ErrInvalidCourseID
	}
	return s.repo.FindVault(ctx, courseID)
}

// Deposit moves a donation from the donor's wallet into the treasury, splits off
// the platform fee to the owner, and credits the remainder to the course vault.
func (s *Service) Deposit(ctx context.Context, courseID int64, donor string, asset domain.Asset, amount int64) error {
	vault, err := s.repo.FindVault(ctx, courseID)
	if err != nil {
		return err
	}
	if amount <= 0 {
		return ErrInvalidDepositAmount
	}
	donor = domain.NormalizeAddress(donor)
	if !domain.IsValidAddress(donor) {
		return ErrInvalidParams
	}

	// Integer fee split: the fee truncates, the vault share absorbs the remainder.
	fee := amount * s.feePercent / 100
	share := amount - fee
	reference := uuid.New()

	log.Printf("Deposit: course %d donor %s asset %s gross %d fee %d share %d", courseID, donor, asset, amount, fee, share)

	// 1. Pull the gross amount from the donor into the treasury.
	if _, err := s.token.Pull(ctx, string(asset), donor, amount, reference.String()); err != nil {
		return fmt.Errorf("failed to pull deposit from donor: %w", err)
	}

	// 2. Forward the platform fee from the treasury to the owner. On failure the
	// gross amount is returned to the donor so the treasury holds nothing.
	if fee > 0 {
		if _, err := s.token.Transfer(ctx, string(asset), s.ownerAddress, fee, reference.String()+":fee"); err != nil {
			if _, refundErr := s.token.Transfer(ctx, string(asset), donor, amount, reference.String()+":refund"); refundErr != nil {
				log.Printf("CRITICAL: Deposit: failed to refund donor %s after fee transfer failure: %v", donor, refundErr)
			}
			return fmt.Errorf("failed to forward platform fee: %w", err)
		}
	}

	// 3. Journal the split and credit the vault share.
	if err := s.repo.CreditDeposit(ctx, store.DepositParams{
		Reference:   reference,
		CourseID:    vault.CourseID,
		Asset:       asset,
		Donor:       donor,
		GrossAmount: amount,
		FeeAmount:   fee,
		VaultShare:  share,
	}); err != nil {
		log.Printf("CRITICAL: Deposit: funds moved but ledger credit failed for course %d reference %s: %v", courseID, reference, err)
		return fmt.Errorf("failed to credit deposit: %w", err)
	}

	s.publish(ctx, rabbitmq.RouteVaultDeposit, rabbitmq.DepositEvent{
		CourseID:  courseID,
		Asset:     string(asset),
		Amount:    amount,
		Donor:     donor,
		Timestamp: s.now().UTC(),
	})
	return nil
}

// SubmitGuideResult is the oracle entry point: the web backend grades a guide
// off-chain and reports the verdict plus the student's profile score. A perfect
// result reserves a scholarship proportional to the profile score. Resubmissions
// for an already-paid or already-pending guide succeed without changing state.
func (s *Service) SubmitGuideResult(ctx context.Context, courseID, guideNumber int64, student string, isPerfect bool, profileScore int) (*domain.SubmissionResult, error) {
	student = domain.NormalizeAddress(student)
	if guideNumber <= 0 || !domain.IsValidAddress(student) {
		return nil, ErrInvalidParams
	}

	vault, err := s.repo.FindVault(ctx, courseID)
	if err != nil {
		return nil, err
	}

	if profileScore < MinQualifyingScore || profileScore > MaxProfileScore {
		return nil, ErrScoreOutOfRange
	}

	canSubmit, _, err := s.StudentCanSubmit(ctx, courseID, student)
	if err != nil {
		return nil, fmt.Errorf("failed to check cooldown: %w", err)
	}
	if !canSubmit {
		return nil, ErrInCooldown
	}

	if !isPerfect {
		return &domain.SubmissionResult{Outcome: domain.OutcomeNotPerfect}, nil
	}

	paid, err := s.repo.GuidePaid(ctx, courseID, guideNumber, student)
	if err != nil {
		return nil, fmt.Errorf("failed to check payout record: %w", err)
	}
	if paid > 0 {
		log.Printf("SubmitGuideResult: guide %d already paid for student %s in course %d", guideNumber, student, courseID)
		s.publish(ctx, rabbitmq.RouteScholarshipAlreadyPaid, rabbitmq.ScholarshipAlreadyPaidEvent{
			CourseID:    courseID,
			GuideNumber: guideNumber,
			Student:     student,
			Timestamp:   s.now().UTC(),
		})
		return &domain.SubmissionResult{Outcome: domain.OutcomeAlreadyPaid}, nil
	}

	pending, err := s.repo.PendingScholarship(ctx, courseID, guideNumber, student)
	if err != nil {
		return nil, fmt.Errorf("failed to check pending scholarship: %w", err)
	}
	if pending > 0 {
		// Unclaimed award already reserved; nothing to do and no cooldown refresh.
		return &domain.SubmissionResult{Outcome: domain.OutcomePending}, nil
	}

	actual := vault.AmountPerGuide * int64(profileScore) / 100
	if err := s.repo.PrepareScholarship(ctx, store.PrepareParams{
		CourseID:     courseID,
		GuideNumber:  guideNumber,
		Student:      student,
		Amount:       actual,
		ProfileScore: profileScore,
		SubmittedAt:  s.now().UTC(),
	}); err != nil {
		return nil, err
	}

	log.Printf("SubmitGuideResult: prepared scholarship of %d for student %s, guide %d, course %d (score %d)", actual, student, guideNumber, courseID, profileScore)
	s.publish(ctx, rabbitmq.RouteScholarshipPrepared, rabbitmq.ScholarshipPreparedEvent{
		CourseID:       courseID,
		GuideNumber:    guideNumber,
		Student:        student,
		AmountPerGuide: vault.AmountPerGuide,
		ActualAmount:   actual,
		ProfileScore:   profileScore,
		Timestamp:      s.now().UTC(),
	})
	return &domain.SubmissionResult{
		Outcome:        domain.OutcomePrepared,
		AmountPerGuide: vault.AmountPerGuide,
		ActualAmount:   actual,
		ProfileScore:   profileScore,
	}, nil
}

// ClaimScholarship settles a prepared award to the student's wallet. The ledger
// commits first; if the treasury transfer then fails, the pending row is
// reinstated so the student can retry.
func (s *Service) ClaimScholarship(ctx context.Context, courseID, guideNumber int64, student string) (int64, error) {
	student = domain.NormalizeAddress(student)
	if courseID <= 0 || guideNumber <= 0 || !domain.IsValidAddress(student) {
		return 0, ErrInvalidParams
	}

	// Captured before the claim clears the pending row, for a possible reinstate.
	profileScore, err := s.repo.ProfileScoreAtSubmission(ctx, courseID, guideNumber, student)
	if err != nil {
		return 0, fmt.Errorf("failed to read submission score: %w", err)
	}

	// The reference names this claim attempt on the payout record, the treasury
	// transfer, and any settlement failure report, so a failure can only ever
	// undo the attempt it belongs to.
	reference := uuid.New()
	amount, err := s.repo.ClaimScholarship(ctx, courseID, guideNumber, student, reference)
	if err != nil {
		return 0, err
	}

	if _, err := s.token.Transfer(ctx, string(domain.AssetUSDT), student, amount, reference.String()); err != nil {
		log.Printf("ClaimScholarship: treasury transfer failed for student %s, guide %d, course %d: %v", student, guideNumber, courseID, err)
		if restoreErr := s.repo.ReinstateScholarship(ctx, courseID, guideNumber, student, amount, profileScore, reference); restoreErr != nil {
			log.Printf("CRITICAL: ClaimScholarship: failed to reinstate scholarship for student %s, guide %d, course %d: %v", student, guideNumber, courseID, restoreErr)
		}
		return 0, fmt.Errorf("failed to settle scholarship: %w", err)
	}

	log.Printf("ClaimScholarship: paid %d to student %s for guide %d, course %d", amount, student, guideNumber, courseID)
	s.publish(ctx, rabbitmq.RouteScholarshipClaimed, rabbitmq.ScholarshipClaimedEvent{
		CourseID:    courseID,
		GuideNumber: guideNumber,
		Student:     student,
		Amount:      amount,
		Reference:   reference.String(),
		Timestamp:   s.now().UTC(),
	})
	return amount, nil
}

// ReinstateFailedClaim restores a pending scholarship whose downstream settlement
// was reported failed asynchronously (broker-delivered, see the consumer). The
// reference must match the claim attempt recorded on the payout; a report for an
// attempt that was already undone or superseded fails with store.ErrClaimSettled.
func (s *Service) ReinstateFailedClaim(ctx context.Context, courseID, guideNumber int64, student string, amount int64, profileScore int, reference string) error {
	student = domain.NormalizeAddress(student)
	if courseID <= 0 || guideNumber <= 0 || !domain.IsValidAddress(student) || amount <= 0 {
		return ErrInvalidParams
	}
	claimRef, err := uuid.Parse(reference)
	if err != nil {
		return ErrInvalidParams
	}
	return s.repo.ReinstateScholarship(ctx, courseID, guideNumber, student, amount, profileScore, claimRef)
}

// StudentCanSubmit reports whether the per-(course, student) cooldown has
// elapsed, and when the next submission window opens if it has not.
func (s *Service) StudentCanSubmit(ctx context.Context, courseID int64, student string) (bool, time.Time, error) {
	last, err := s.repo.LastQualifyingSubmission(ctx, courseID, domain.NormalizeAddress(student))
	if err != nil {
		return false, time.Time{}, err
	}
	if last.IsZero() {
		return true, time.Time{}, nil
	}
	next := last.Add(s.cooldown)
	if s.now().Before(next) {
		return false, next, nil
	}
	return true, time.Time{}, nil
}

// StudentGuideStatus is the combined view the frontend polls for one
// (course, guide, student) triple.
func (s *Service) StudentGuideStatus(ctx context.Context, courseID, guideNumber int64, student string) (*domain.GuideStatus, error) {
	student = domain.NormalizeAddress(student)
	if guideNumber <= 0 || !domain.IsValidAddress(student) {
		return nil, ErrInvalidParams
	}
	if _, err := s.repo.FindVault(ctx, courseID); err != nil {
		return nil, err
	}

	paid, err := s.repo.GuidePaid(ctx, courseID, guideNumber, student)
	if err != nil {
		return nil, err
	}
	pending, err := s.repo.PendingScholarship(ctx, courseID, guideNumber, student)
	if err != nil {
		return nil, err
	}
	score, err := s.repo.ProfileScoreAtSubmission(ctx, courseID, guideNumber, student)
	if err != nil {
		return nil, err
	}
	canSubmit, _, err := s.StudentCanSubmit(ctx, courseID, student)
	if err != nil {
		return nil, err
	}

	return &domain.GuideStatus{
		CourseID:                 courseID,
		GuideNumber:              guideNumber,
		Student:                  student,
		PaidAmount:               paid,
		PendingAmount:            pending,
		ProfileScoreAtSubmission: score,
		CanSubmit:                canSubmit,
	}, nil
}

// EmergencyWithdraw moves treasury funds to the owner wallet. It bypasses vault
// balances entirely; only the withdrawal journal records it.
func (s *Service) EmergencyWithdraw(ctx context.Context, asset domain.Asset, amount int64) error {
	if amount <= 0 {
		return ErrInvalidWithdrawAmount
	}

	reference := uuid.New().String()
	if _, err := s.token.Transfer(ctx, string(asset), s.ownerAddress, amount, reference); err != nil {
		return fmt.Errorf("failed to withdraw from treasury: %w", err)
	}
	if err := s.repo.RecordWithdrawal(ctx, asset, amount); err != nil {
		log.Printf("CRITICAL: EmergencyWithdraw: funds moved but journal write failed (asset %s amount %d): %v", asset, amount, err)
		return fmt.Errorf("failed to journal withdrawal: %w", err)
	}

	log.Printf("EmergencyWithdraw: withdrew %d %s to owner", amount, asset)
	s.publish(ctx, rabbitmq.RouteEmergencyWithdrawal, rabbitmq.EmergencyWithdrawalEvent{
		Asset:     string(asset),
		Amount:    amount,
		Timestamp: s.now().UTC(),
	})
	return nil
}

// SetGuidePaid is a migration override: it records a payout directly, without a
// prepare/claim cycle or a treasury transfer.
func (s *Service) SetGuidePaid(ctx context.Context, courseID, guideNumber int64, student string, amount int64) error {
	if _, err := s.repo.FindVault(ctx, courseID); err != nil {
		return err
	}
	student = domain.NormalizeAddress(student)
	if guideNumber <= 0 || !domain.IsValidAddress(student) || amount <= 0 {
		return ErrInvalidParams
	}
	if err := s.repo.SetGuidePaid(ctx, courseID, guideNumber, student, amount); err != nil {
		return fmt.Errorf("failed to set payout record: %w", err)
	}
	log.Printf("SetGuidePaid: migration override for course %d, guide %d, student %s, amount %d", courseID, guideNumber, student, amount)
	return nil
}

// SetVaultBalance is a migration override for a vault's USDT balance.
func (s *Service) SetVaultBalance(ctx context.Context, courseID, newBalance int64) error {
	if _, err := s.repo.FindVault(ctx, courseID); err != nil {
		return err
	}
	if newBalance <= 0 {
		return ErrNonPositiveBalance
	}
	if err := s.repo.SetVaultBalance(ctx, courseID, newBalance); err != nil {
		return fmt.Errorf("failed to set vault balance: %w", err)
	}

	log.Printf("SetVaultBalance: migration override for course %d, new balance %d", courseID, newBalance)
	s.publish(ctx, rabbitmq.RouteVaultBalanceSet, rabbitmq.VaultBalanceSetEvent{
		CourseID:   courseID,
		NewBalance: newBalance,
		Timestamp:  s.now().UTC(),
	})
	return nil
}

// TreasuryBalances reads the treasury wallet's holdings per asset.
func (s *Service) TreasuryBalances(ctx context.Context) (*domain.TreasuryBalances, error) {
	usdt, err := s.token.BalanceOf(ctx, string(domain.AssetUSDT), s.treasuryAddress)
	if err != nil {
		return nil, fmt.Errorf("failed to read usdt balance: %w", err)
	}
	ccop, err := s.token.BalanceOf(ctx, string(domain.AssetCCOP), s.treasuryAddress)
	if err != nil {
		return nil, fmt.Errorf("failed to read ccop balance: %w", err)
	}
	gd, err := s.token.BalanceOf(ctx, string(domain.AssetGoodDollar), s.treasuryAddress)
	if err != nil {
		return nil, fmt.Errorf("failed to read gooddollar balance: %w", err)
	}
	return &domain.TreasuryBalances{USDT: usdt, CCOP: ccop, GoodDollar: gd}, nil
}

func (s *Service) publish(ctx context.Context, routingKey string, body interface{}) {
	if s.eventProducer == nil {
		return
	}
	if err := s.eventProducer.Publish(ctx, rabbitmq.EventsExchange, routingKey, body); err != nil {
		log.Printf("WARN: failed to publish %s event: %v", routingKey, err)
	}
}

/**
 * @description
 * This file defines the domain models for the vault-service: course scholarship
 * vaults, pending scholarships, payout records, and the request/response payloads
 * exchanged with the learn.tg web backend. All monetary amounts are integers in
 * the smallest unit of their asset (USDT uses 6 decimals).
 *
 * @dependencies
 * - regexp, strings, time: Standard Go libraries.
 */

package domain

import (
	"regexp"
	"strings"
	"time"
)

// ContractVersion identifies the ledger logic revision. The web backend checks it
// before submitting guide results so a stale deployment cannot feed a newer ledger.
const ContractVersion = 2

// ZeroAddress is the null wallet address; it is never a valid student or donor.
const ZeroAddress = "0x0000000000000000000000000000000000000000"

var addressPattern = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)

// IsValidAddress reports whether s is a well-formed, non-zero wallet address.
func IsValidAddress(s string) bool {
	return addressPattern.MatchString(s) && !strings.EqualFold(s, ZeroAddress)
}

// NormalizeAddress lowercases a wallet address so map keys and database rows
// compare consistently regardless of checksum casing.
func NormalizeAddress(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// Asset is a settlement or donation currency held by the treasury.
type Asset string

const (
	AssetUSDT       Asset = "usdt"
	AssetCCOP       Asset = "ccop"
	AssetGoodDollar Asset = "gooddollar"
)

// ParseAsset maps a request string onto a known asset. An empty string defaults
// to USDT, the scholarship settlement currency.
func ParseAsset(s string) (Asset, bool) {
	switch Asset(strings.ToLower(strings.TrimSpace(s))) {
	case "", AssetUSDT:
		return AssetUSDT, true
	case AssetCCOP:
		return AssetCCOP, true
	case AssetGoodDollar:
		return AssetGoodDollar, true
	}
	return "", false
}

// Vault is the pooled scholarship fund for one course. Scholarships are only ever
// paid from BalanceUSDT; the cCOP and GoodDollar balances track donations in those
// assets until the team converts them.
type Vault struct {
	CourseID          int64     `json:"course_id"`
	BalanceUSDT       int64     `json:"balance_usdt"`
	BalanceCCOP       int64     `json:"balance_ccop"`
	BalanceGoodDollar int64     `json:"balance_gooddollar"`
	AmountPerGuide    int64     `json:"amount_per_guide"`
	CreatedAt         time.Time `json:"created_at"`
}

// PendingScholarship is a prepared, not-yet-claimed award. The vault balance was
// already debited when it was prepared, so the amount is fully reserved.
type PendingScholarship struct {
	CourseID     int64     `json:"course_id"`
	GuideNumber  int64     `json:"guide_number"`
	Student      string    `json:"student"`
	Amount       int64     `json:"amount"`
	ProfileScore int       `json:"profile_score"`
	PreparedAt   time.Time `json:"prepared_at"`
}

// GuideStatus is the combined per-(course, guide, student) view the frontend
// polls: what has been paid, what is reserved, and whether a new submission for
// the course would pass the cooldown gate.
type GuideStatus struct {
	CourseID                 int64  `json:"course_id"`
	GuideNumber              int64  `json:"guide_number"`
	Student                  string `json:"student"`
	PaidAmount               int64  `json:"paid_amount"`
	PendingAmount            int64  `json:"pending_amount"`
	ProfileScoreAtSubmission int    `json:"profile_score_at_submission"`
	CanSubmit                bool   `json:"can_submit"`
}

// SubmissionOutcome describes what a guide-result submission did. Repeated calls
// for an already-paid or already-pending guide are successful no-ops, mirroring
// how the backend treats resubmissions as informational rather than errors.
type SubmissionOutcome string

const (
	OutcomePrepared    SubmissionOutcome = "prepared"
	OutcomeNotPerfect  SubmissionOutcome = "not_perfect"
	OutcomeAlreadyPaid SubmissionOutcome = "already_paid"
	OutcomePending     SubmissionOutcome = "already_pending"
)

// SubmissionResult is returned to the oracle caller after submitGuideResult.
type SubmissionResult struct {
	Outcome        SubmissionOutcome `json:"outcome"`
	AmountPerGuide int64             `json:"amount_per_guide,omitempty"`
	ActualAmount   int64             `json:"actual_amount,omitempty"`
	ProfileScore   int               `json:"profile_score,omitempty"`
}

// CreateVaultRequest is the payload for the owner-only vault creation endpoint.
type CreateVaultRequest struct {
	CourseID       int64 `json:"course_id" validate:"required"`
	AmountPerGuide int64 `json:"amount_per_guide" validate:"required"`
}

// DepositRequest is the payload for donor deposits into a course vault.
type DepositRequest struct {
	Asset  string `json:"asset"`
	Amount int64  `json:"amount" validate:"required"`
}

// SubmitGuideResultRequest is the oracle payload: the backend grades the guide
// off-chain and reports only the verdict and the student's profile score.
type SubmitGuideResultRequest struct {
	Student      string `json:"student" validate:"required,eth_addr"`
	IsPerfect    bool   `json:"is_perfect"`
	ProfileScore int    `json:"profile_score" validate:"required"`
}

// SetGuidePaidRequest is the migration override payload.
type SetGuidePaidRequest struct {
	CourseID    int64  `json:"course_id" validate:"required"`
	GuideNumber int64  `json:"guide_number"`
	Student     string `json:"student"`
	Amount      int64  `json:"amount"`
}

// SetVaultBalanceRequest is the migration override payload for vault balances.
type SetVaultBalanceRequest struct {
	NewBalance int64 `json:"new_balance"`
}

// WithdrawRequest is the payload for owner emergency withdrawals.
type WithdrawRequest struct {
	Asset  string `json:"asset"`
	Amount int64  `json:"amount" validate:"required"`
}

// TreasuryBalances reports the treasury's total holdings per asset. The USDT
// figure may exceed the sum of vault balances when fee remnants accumulate.
type TreasuryBalances struct {
	USDT       int64 `json:"usdt"`
	CCOP       int64 `json:"ccop"`
	GoodDollar int64 `json:"gooddollar"`
}

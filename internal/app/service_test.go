package app

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/learn-tg/vault-service/internal/domain"
	"github.com/learn-tg/vault-service/internal/store"
	"github.com/learn-tg/vault-service/pkg/rabbitmq"
	"github.com/learn-tg/vault-service/pkg/tokenclient"
)

const (
	testOwner    = "0x00000000000000000000000000000000000000ee"
	testTreasury = "0x00000000000000000000000000000000000000cc"
	testStudent  = "0x00000000000000000000000000000000000000a1"
	testStudent2 = "0x00000000000000000000000000000000000000a2"
	testDonor    = "0x00000000000000000000000000000000000000d1"
)

type tokenCall struct {
	asset     string
	other     string // counterparty: destination for transfers, source for pulls
	amount    int64
	reference string
}

type stubTokenClient struct {
	balances         map[string]int64
	pulls            []tokenCall
	transfers        []tokenCall
	pullErr          error
	transferErr      error
	failOnTransferTo string // when set, only transfers to this address fail
}

func (s *stubTokenClient) BalanceOf(ctx context.Context, asset, address string) (int64, error) {
	return s.balances[asset+":"+address], nil
}

func (s *stubTokenClient) Transfer(ctx context.Context, asset, to string, amount int64, reference string) (*tokenclient.TransferResponse, error) {
	if s.transferErr != nil && (s.failOnTransferTo == "" || s.failOnTransferTo == to) {
		return nil, s.transferErr
	}
	s.transfers = append(s.transfers, tokenCall{asset: asset, other: to, amount: amount, reference: reference})
	return &tokenclient.TransferResponse{}, nil
}

func (s *stubTokenClient) Pull(ctx context.Context, asset, from string, amount int64, reference string) (*tokenclient.TransferResponse, error) {
	if s.pullErr != nil {
		return nil, s.pullErr
	}
	s.pulls = append(s.pulls, tokenCall{asset: asset, other: from, amount: amount, reference: reference})
	return &tokenclient.TransferResponse{}, nil
}

type publishedEvent struct {
	routingKey string
	body       interface{}
}

type stubPublisher struct {
	events []publishedEvent
}

func (s *stubPublisher) Publish(ctx context.Context, exchange, routingKey string, body interface{}) error {
	s.events = append(s.events, publishedEvent{routingKey: routingKey, body: body})
	return nil
}

func (s *stubPublisher) Close() {}

func (s *stubPublisher) countRoute(routingKey string) int {
	n := 0
	for _, e := range s.events {
		if e.routingKey == routingKey {
			n++
		}
	}
	return n
}

// testClock lets tests drive the service's view of time.
type testClock struct {
	current time.Time
}

func (c *testClock) advance(d time.Duration) {
	c.current = c.current.Add(d)
}

func newTestService(t *testing.T) (*Service, *store.MemoryRepository, *stubTokenClient, *stubPublisher, *testClock) {
	t.Helper()
	repo := store.NewMemoryRepository()
	token := &stubTokenClient{balances: make(map[string]int64)}
	pub := &stubPublisher{}
	svc := NewService(repo, token, pub, testOwner, testTreasury, DefaultDepositFeePercent, DefaultSubmissionCooldown)

	clock := &testClock{current: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	svc.now = func() time.Time { return clock.current }
	return svc, repo, token, pub, clock
}

// fundVault credits a vault's USDT balance directly through the repository so
// deposit mechanics stay out of scholarship tests.
func fundVault(t *testing.T, svc *Service, repo *store.MemoryRepository, courseID, amountPerGuide, balance int64) {
	t.Helper()
	if _, err := svc.CreateVault(context.Background(), courseID, amountPerGuide); err != nil {
		t.Fatalf("CreateVault failed: %v", err)
	}
	if balance > 0 {
		if err := repo.SetVaultBalance(context.Background(), courseID, balance); err != nil {
			t.Fatalf("SetVaultBalance failed: %v", err)
		}
	}
}

func TestCreateVault_Validation(t *testing.T) {
	svc, _, _, _, _ := newTestService(t)
	ctx := context.Background()

	if _, err := svc.CreateVault(ctx, 0, 100); !errors.Is(err, ErrInvalidCourseID) {
		t.Fatalf("expected ErrInvalidCourseID for course 0, got %v", err)
	}
	if _, err := svc.CreateVault(ctx, 1, 0); !errors.Is(err, ErrInvalidAmountPerGuide) {
		t.Fatalf("expected ErrInvalidAmountPerGuide for zero award, got %v", err)
	}
	if _, err := svc.CreateVault(ctx, 1, 100); err != nil {
		t.Fatalf("CreateVault failed: %v", err)
	}
	if _, err := svc.CreateVault(ctx, 1, 200); !errors.Is(err, store.ErrVaultExists) {
		t.Fatalf("expected ErrVaultExists for duplicate course, got %v", err)
	}
}

func TestDeposit_FeeSplit(t *testing.T) {
	tests := []struct {
		name      string
		gross     int64
		wantFee   int64
		wantShare int64
	}{
		{name: "even split", gross: 100, wantFee: 20, wantShare: 80},
		{name: "fee truncates down", gross: 99, wantFee: 19, wantShare: 80},
		{name: "small amount keeps remainder in vault", gross: 4, wantFee: 0, wantShare: 4},
		{name: "large usdt amount", gross: 12_500_000, wantFee: 2_500_000, wantShare: 10_000_000},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			svc, repo, token, _, _ := newTestService(t)
			ctx := context.Background()
			fundVault(t, svc, repo, 1, 100, 0)

			if err := svc.Deposit(ctx, 1, testDonor, domain.AssetUSDT, tc.gross); err != nil {
				t.Fatalf("Deposit failed: %v", err)
			}

			vault, err := repo.FindVault(ctx, 1)
			if err != nil {
				t.Fatalf("FindVault failed: %v", err)
			}
			if vault.BalanceUSDT != tc.wantShare {
				t.Fatalf("expected vault share %d, got %d", tc.wantShare, vault.BalanceUSDT)
			}
			if tc.wantFee+tc.wantShare != tc.gross {
				t.Fatalf("fee %d + share %d must equal gross %d", tc.wantFee, tc.wantShare, tc.gross)
			}

			if len(token.pulls) != 1 || token.pulls[0].amount != tc.gross || token.pulls[0].other != testDonor {
				t.Fatalf("expected one pull of %d from donor, got %+v", tc.gross, token.pulls)
			}
			if tc.wantFee > 0 {
				if len(token.transfers) != 1 || token.transfers[0].amount != tc.wantFee || token.transfers[0].other != testOwner {
					t.Fatalf("expected fee transfer of %d to owner, got %+v", tc.wantFee, token.transfers)
				}
			} else if len(token.transfers) != 0 {
				t.Fatalf("expected no fee transfer for zero fee, got %+v", token.transfers)
			}
		})
	}
}

func TestDeposit_Validation(t *testing.T) {
	svc, repo, _, _, _ := newTestService(t)
	ctx := context.Background()
	fundVault(t, svc, repo, 1, 100, 0)

	if err := svc.Deposit(ctx, 99, testDonor, domain.AssetUSDT, 100); !errors.Is(err, store.ErrVaultNotFound) {
		t.Fatalf("expected ErrVaultNotFound for unknown course, got %v", err)
	}
	if err := svc.Deposit(ctx, 1, testDonor, domain.AssetUSDT, 0); !errors.Is(err, ErrInvalidDepositAmount) {
		t.Fatalf("expected ErrInvalidDepositAmount for zero amount, got %v", err)
	}
	if err := svc.Deposit(ctx, 1, domain.ZeroAddress, domain.AssetUSDT, 100); !errors.Is(err, ErrInvalidParams) {
		t.Fatalf("expected ErrInvalidParams for zero donor address, got %v", err)
	}
}

func TestDeposit_RefundsDonorWhenFeeTransferFails(t *testing.T) {
	svc, repo, token, _, _ := newTestService(t)
	ctx := context.Background()
	fundVault(t, svc, repo, 1, 100, 0)

	token.transferErr = errors.New("treasury down")
	token.failOnTransferTo = testOwner

	if err := svc.Deposit(ctx, 1, testDonor, domain.AssetUSDT, 100); err == nil {
		t.Fatal("expected deposit to fail when fee transfer fails")
	}

	vault, _ := repo.FindVault(ctx, 1)
	if vault.BalanceUSDT != 0 {
		t.Fatalf("expected no vault credit after failed deposit, got %d", vault.BalanceUSDT)
	}
	// The gross pull must have been refunded to the donor.
	if len(token.transfers) != 1 || token.transfers[0].other != testDonor || token.transfers[0].amount != 100 {
		t.Fatalf("expected refund transfer of 100 to donor, got %+v", token.transfers)
	}
}

func TestDeposit_MultiAssetBalancesAreSeparate(t *testing.T) {
	svc, repo, _, _, _ := newTestService(t)
	ctx := context.Background()
	fundVault(t, svc, repo, 1, 100, 0)

	if err := svc.Deposit(ctx, 1, testDonor, domain.AssetCCOP, 1000); err != nil {
		t.Fatalf("cCOP deposit failed: %v", err)
	}
	if err := svc.Deposit(ctx, 1, testDonor, domain.AssetGoodDollar, 500); err != nil {
		t.Fatalf("GoodDollar deposit failed: %v", err)
	}

	vault, _ := repo.FindVault(ctx, 1)
	if vault.BalanceUSDT != 0 {
		t.Fatalf("expected USDT balance untouched, got %d", vault.BalanceUSDT)
	}
	if vault.BalanceCCOP != 800 {
		t.Fatalf("expected cCOP share 800, got %d", vault.BalanceCCOP)
	}
	if vault.BalanceGoodDollar != 400 {
		t.Fatalf("expected GoodDollar share 400, got %d", vault.BalanceGoodDollar)
	}
}

func TestSubmitGuideResult_ScoreProportionality(t *testing.T) {
	tests := []struct {
		name       string
		score      int
		wantAmount int64
	}{
		{name: "perfect profile gets full award", score: 100, wantAmount: 10_000_000},
		{name: "score 80 gets 80 percent", score: 80, wantAmount: 8_000_000},
		{name: "minimum score gets half", score: 50, wantAmount: 5_000_000},
		{name: "truncating division", score: 67, wantAmount: 6_700_000},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			svc, repo, _, _, _ := newTestService(t)
			ctx := context.Background()
			fundVault(t, svc, repo, 1, 10_000_000, 100_000_000)

			result, err := svc.SubmitGuideResult(ctx, 1, 1, testStudent, true, tc.score)
			if err != nil {
				t.Fatalf("SubmitGuideResult failed: %v", err)
			}
			if result.Outcome != domain.OutcomePrepared {
				t.Fatalf("expected prepared outcome, got %s", result.Outcome)
			}
			if result.ActualAmount != tc.wantAmount {
				t.Fatalf("expected actual amount %d, got %d", tc.wantAmount, result.ActualAmount)
			}

			pending, _ := repo.PendingScholarship(ctx, 1, 1, testStudent)
			if pending != tc.wantAmount {
				t.Fatalf("expected pending %d, got %d", tc.wantAmount, pending)
			}
			vault, _ := repo.FindVault(ctx, 1)
			if vault.BalanceUSDT != 100_000_000-tc.wantAmount {
				t.Fatalf("expected vault debited to %d, got %d", 100_000_000-tc.wantAmount, vault.BalanceUSDT)
			}
			score, _ := repo.ProfileScoreAtSubmission(ctx, 1, 1, testStudent)
			if score != tc.score {
				t.Fatalf("expected recorded score %d, got %d", tc.score, score)
			}
		})
	}
}

func TestSubmitGuideResult_ScoreBounds(t *testing.T) {
	svc, repo, _, _, _ := newTestService(t)
	ctx := context.Background()
	fundVault(t, svc, repo, 1, 100, 10_000)

	for _, score := range []int{0, 49, 101, 150} {
		if _, err := svc.SubmitGuideResult(ctx, 1, 1, testStudent, true, score); !errors.Is(err, ErrScoreOutOfRange) {
			t.Fatalf("expected ErrScoreOutOfRange for score %d, got %v", score, err)
		}
	}

	// Both bounds are inclusive.
	if _, err := svc.SubmitGuideResult(ctx, 1, 1, testStudent, true, 50); err != nil {
		t.Fatalf("score 50 should qualify: %v", err)
	}
	if _, err := svc.SubmitGuideResult(ctx, 1, 2, testStudent2, true, 100); err != nil {
		t.Fatalf("score 100 should qualify: %v", err)
	}
}

func TestSubmitGuideResult_ValidationOrder(t *testing.T) {
	svc, repo, _, _, _ := newTestService(t)
	ctx := context.Background()
	fundVault(t, svc, repo, 1, 100, 10_000)

	// Bad params are rejected before the vault lookup.
	if _, err := svc.SubmitGuideResult(ctx, 99, 0, testStudent, true, 100); !errors.Is(err, ErrInvalidParams) {
		t.Fatalf("expected ErrInvalidParams for guide 0, got %v", err)
	}
	if _, err := svc.SubmitGuideResult(ctx, 99, 1, domain.ZeroAddress, true, 100); !errors.Is(err, ErrInvalidParams) {
		t.Fatalf("expected ErrInvalidParams for zero student, got %v", err)
	}
	// Vault existence is checked before the score range.
	if _, err := svc.SubmitGuideResult(ctx, 99, 1, testStudent, true, 500); !errors.Is(err, store.ErrVaultNotFound) {
		t.Fatalf("expected ErrVaultNotFound before score validation, got %v", err)
	}
}

func TestSubmitGuideResult_CooldownAcrossGuides(t *testing.T) {
	svc, repo, _, _, clock := newTestService(t)
	ctx := context.Background()
	fundVault(t, svc, repo, 1, 100, 10_000)

	if _, err := svc.SubmitGuideResult(ctx, 1, 1, testStudent, true, 100); err != nil {
		t.Fatalf("first submission failed: %v", err)
	}

	// The cooldown is per (course, student), not per guide.
	if _, err := svc.SubmitGuideResult(ctx, 1, 2, testStudent, true, 100); !errors.Is(err, ErrInCooldown) {
		t.Fatalf("expected ErrInCooldown for second guide in same course, got %v", err)
	}

	clock.advance(23 * time.Hour)
	if _, err := svc.SubmitGuideResult(ctx, 1, 2, testStudent, true, 100); !errors.Is(err, ErrInCooldown) {
		t.Fatalf("expected ErrInCooldown at 23h, got %v", err)
	}

	clock.advance(time.Hour + time.Second)
	if _, err := svc.SubmitGuideResult(ctx, 1, 2, testStudent, true, 100); err != nil {
		t.Fatalf("expected submission to pass after cooldown, got %v", err)
	}
}

func TestSubmitGuideResult_CooldownIsPerCourse(t *testing.T) {
	svc, repo, _, _, _ := newTestService(t)
	ctx := context.Background()
	fundVault(t, svc, repo, 1, 100, 10_000)
	fundVault(t, svc, repo, 2, 100, 10_000)

	if _, err := svc.SubmitGuideResult(ctx, 1, 1, testStudent, true, 100); err != nil {
		t.Fatalf("course 1 submission failed: %v", err)
	}
	// A fresh course carries no cooldown.
	if _, err := svc.SubmitGuideResult(ctx, 2, 1, testStudent, true, 100); err != nil {
		t.Fatalf("course 2 submission should not share course 1 cooldown: %v", err)
	}
}

func TestSubmitGuideResult_ImperfectIsNoOpWithoutCooldown(t *testing.T) {
	svc, repo, _, _, _ := newTestService(t)
	ctx := context.Background()
	fundVault(t, svc, repo, 1, 100, 10_000)

	result, err := svc.SubmitGuideResult(ctx, 1, 1, testStudent, false, 100)
	if err != nil {
		t.Fatalf("imperfect submission should succeed: %v", err)
	}
	if result.Outcome != domain.OutcomeNotPerfect {
		t.Fatalf("expected not_perfect outcome, got %s", result.Outcome)
	}

	pending, _ := repo.PendingScholarship(ctx, 1, 1, testStudent)
	if pending != 0 {
		t.Fatalf("imperfect submission must not reserve funds, got pending %d", pending)
	}
	// Failed attempts do not start the cooldown; an immediate retry qualifies.
	if _, err := svc.SubmitGuideResult(ctx, 1, 1, testStudent, true, 100); err != nil {
		t.Fatalf("retry after imperfect submission failed: %v", err)
	}
}

func TestSubmitGuideResult_AlreadyPaidEmitsEventWithoutStateChange(t *testing.T) {
	svc, repo, _, pub, clock := newTestService(t)
	ctx := context.Background()
	fundVault(t, svc, repo, 1, 100, 10_000)

	if _, err := svc.SubmitGuideResult(ctx, 1, 1, testStudent, true, 100); err != nil {
		t.Fatalf("submission failed: %v", err)
	}
	if _, err := svc.ClaimScholarship(ctx, 1, 1, testStudent); err != nil {
		t.Fatalf("claim failed: %v", err)
	}
	clock.advance(25 * time.Hour)

	vaultBefore, _ := repo.FindVault(ctx, 1)
	result, err := svc.SubmitGuideResult(ctx, 1, 1, testStudent, true, 100)
	if err != nil {
		t.Fatalf("resubmission for paid guide should succeed: %v", err)
	}
	if result.Outcome != domain.OutcomeAlreadyPaid {
		t.Fatalf("expected already_paid outcome, got %s", result.Outcome)
	}
	if pub.countRoute(rabbitmq.RouteScholarshipAlreadyPaid) != 1 {
		t.Fatal("expected one already-paid event")
	}

	vaultAfter, _ := repo.FindVault(ctx, 1)
	if vaultAfter.BalanceUSDT != vaultBefore.BalanceUSDT {
		t.Fatalf("already-paid resubmission must not touch the vault: %d -> %d", vaultBefore.BalanceUSDT, vaultAfter.BalanceUSDT)
	}
	paid, _ := repo.GuidePaid(ctx, 1, 1, testStudent)
	if paid != 100 {
		t.Fatalf("payout record must be unchanged, got %d", paid)
	}
}

func TestSubmitGuideResult_AlreadyPendingIsSilentAndKeepsCooldown(t *testing.T) {
	svc, repo, _, pub, clock := newTestService(t)
	ctx := context.Background()
	fundVault(t, svc, repo, 1, 100, 10_000)

	if _, err := svc.SubmitGuideResult(ctx, 1, 1, testStudent, true, 100); err != nil {
		t.Fatalf("submission failed: %v", err)
	}
	firstSubmission, _ := repo.LastQualifyingSubmission(ctx, 1, testStudent)
	preparedEvents := pub.countRoute(rabbitmq.RouteScholarshipPrepared)
	clock.advance(25 * time.Hour)

	result, err := svc.SubmitGuideResult(ctx, 1, 1, testStudent, true, 100)
	if err != nil {
		t.Fatalf("resubmission for pending guide should succeed: %v", err)
	}
	if result.Outcome != domain.OutcomePending {
		t.Fatalf("expected already_pending outcome, got %s", result.Outcome)
	}

	// No new reservation, no new event, and the cooldown window is untouched.
	pending, _ := repo.PendingScholarship(ctx, 1, 1, testStudent)
	if pending != 100 {
		t.Fatalf("pending amount must be unchanged, got %d", pending)
	}
	if got := pub.countRoute(rabbitmq.RouteScholarshipPrepared); got != preparedEvents {
		t.Fatalf("pending resubmission must not publish, had %d now %d", preparedEvents, got)
	}
	lastSubmission, _ := repo.LastQualifyingSubmission(ctx, 1, testStudent)
	if !lastSubmission.Equal(firstSubmission) {
		t.Fatalf("pending resubmission must not refresh cooldown: %v -> %v", firstSubmission, lastSubmission)
	}
}

func TestSubmitGuideResult_InsufficientFunds(t *testing.T) {
	svc, repo, _, _, _ := newTestService(t)
	ctx := context.Background()
	fundVault(t, svc, repo, 1, 50_000_000, 49_600_000)

	_, err := svc.SubmitGuideResult(ctx, 1, 1, testStudent, true, 100)
	if !errors.Is(err, store.ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}

	// Failed preparation leaves no trace: balance, pending, and cooldown intact.
	vault, _ := repo.FindVault(ctx, 1)
	if vault.BalanceUSDT != 49_600_000 {
		t.Fatalf("vault balance must be unchanged, got %d", vault.BalanceUSDT)
	}
	pending, _ := repo.PendingScholarship(ctx, 1, 1, testStudent)
	if pending != 0 {
		t.Fatalf("no pending scholarship should exist, got %d", pending)
	}
	last, _ := repo.LastQualifyingSubmission(ctx, 1, testStudent)
	if !last.IsZero() {
		t.Fatal("failed preparation must not start a cooldown")
	}

	// A lower score that fits the remaining balance still qualifies.
	if _, err := svc.SubmitGuideResult(ctx, 1, 1, testStudent, true, 99); err != nil {
		t.Fatalf("submission within balance should succeed: %v", err)
	}
}

func TestClaimScholarship_RoundTrip(t *testing.T) {
	svc, repo, token, pub, _ := newTestService(t)
	ctx := context.Background()
	fundVault(t, svc, repo, 1, 10_000_000, 100_000_000)

	if _, err := svc.SubmitGuideResult(ctx, 1, 1, testStudent, true, 80); err != nil {
		t.Fatalf("submission failed: %v", err)
	}

	amount, err := svc.ClaimScholarship(ctx, 1, 1, testStudent)
	if err != nil {
		t.Fatalf("claim failed: %v", err)
	}
	if amount != 8_000_000 {
		t.Fatalf("expected claim of 8000000, got %d", amount)
	}

	if len(token.transfers) != 1 || token.transfers[0].other != testStudent || token.transfers[0].amount != 8_000_000 {
		t.Fatalf("expected settlement transfer to student, got %+v", token.transfers)
	}
	pending, _ := repo.PendingScholarship(ctx, 1, 1, testStudent)
	if pending != 0 {
		t.Fatalf("pending must clear after claim, got %d", pending)
	}
	paid, _ := repo.GuidePaid(ctx, 1, 1, testStudent)
	if paid != 8_000_000 {
		t.Fatalf("payout record must hold claimed amount, got %d", paid)
	}
	if pub.countRoute(rabbitmq.RouteScholarshipClaimed) != 1 {
		t.Fatal("expected one claimed event")
	}

	// A second claim finds nothing to pay.
	if _, err := svc.ClaimScholarship(ctx, 1, 1, testStudent); !errors.Is(err, store.ErrNoPendingScholarship) {
		t.Fatalf("expected ErrNoPendingScholarship on double claim, got %v", err)
	}
}

func TestClaimScholarship_ReinstatesOnTransferFailure(t *testing.T) {
	svc, repo, token, pub, _ := newTestService(t)
	ctx := context.Background()
	fundVault(t, svc, repo, 1, 100, 10_000)

	if _, err := svc.SubmitGuideResult(ctx, 1, 1, testStudent, true, 100); err != nil {
		t.Fatalf("submission failed: %v", err)
	}

	token.transferErr = errors.New("treasury down")
	if _, err := svc.ClaimScholarship(ctx, 1, 1, testStudent); err == nil {
		t.Fatal("expected claim to fail when settlement fails")
	}

	// The award must be claimable again, with the score preserved.
	pending, _ := repo.PendingScholarship(ctx, 1, 1, testStudent)
	if pending != 100 {
		t.Fatalf("expected pending reinstated to 100, got %d", pending)
	}
	paid, _ := repo.GuidePaid(ctx, 1, 1, testStudent)
	if paid != 0 {
		t.Fatalf("payout record must be rolled back, got %d", paid)
	}
	score, _ := repo.ProfileScoreAtSubmission(ctx, 1, 1, testStudent)
	if score != 100 {
		t.Fatalf("expected score preserved through reinstate, got %d", score)
	}
	if pub.countRoute(rabbitmq.RouteScholarshipClaimed) != 0 {
		t.Fatal("failed claim must not publish a claimed event")
	}

	token.transferErr = nil
	if amount, err := svc.ClaimScholarship(ctx, 1, 1, testStudent); err != nil || amount != 100 {
		t.Fatalf("retry claim should pay 100, got %d, %v", amount, err)
	}
}

func TestClaimScholarship_InvalidParams(t *testing.T) {
	svc, _, _, _, _ := newTestService(t)
	ctx := context.Background()

	if _, err := svc.ClaimScholarship(ctx, 1, 0, testStudent); !errors.Is(err, ErrInvalidParams) {
		t.Fatalf("expected ErrInvalidParams for guide 0, got %v", err)
	}
	if _, err := svc.ClaimScholarship(ctx, 1, 1, "not-an-address"); !errors.Is(err, ErrInvalidParams) {
		t.Fatalf("expected ErrInvalidParams for malformed address, got %v", err)
	}
}

func TestSetGuidePaid_ChecksVaultBeforeParams(t *testing.T) {
	svc, repo, _, _, _ := newTestService(t)
	ctx := context.Background()

	// With no vault, even garbage params report the missing vault.
	if err := svc.SetGuidePaid(ctx, 42, 0, domain.ZeroAddress, 0); !errors.Is(err, store.ErrVaultNotFound) {
		t.Fatalf("expected ErrVaultNotFound before param validation, got %v", err)
	}

	fundVault(t, svc, repo, 42, 100, 0)
	if err := svc.SetGuidePaid(ctx, 42, 0, testStudent, 100); !errors.Is(err, ErrInvalidParams) {
		t.Fatalf("expected ErrInvalidParams for guide 0, got %v", err)
	}
	if err := svc.SetGuidePaid(ctx, 42, 1, domain.ZeroAddress, 100); !errors.Is(err, ErrInvalidParams) {
		t.Fatalf("expected ErrInvalidParams for zero student, got %v", err)
	}
	if err := svc.SetGuidePaid(ctx, 42, 1, testStudent, 0); !errors.Is(err, ErrInvalidParams) {
		t.Fatalf("expected ErrInvalidParams for zero amount, got %v", err)
	}

	if err := svc.SetGuidePaid(ctx, 42, 1, testStudent, 777); err != nil {
		t.Fatalf("SetGuidePaid failed: %v", err)
	}
	paid, _ := repo.GuidePaid(ctx, 42, 1, testStudent)
	if paid != 777 {
		t.Fatalf("expected payout record 777, got %d", paid)
	}
}

func TestSetVaultBalance(t *testing.T) {
	svc, repo, _, pub, _ := newTestService(t)
	ctx := context.Background()

	if err := svc.SetVaultBalance(ctx, 1, 500); !errors.Is(err, store.ErrVaultNotFound) {
		t.Fatalf("expected ErrVaultNotFound for unknown course, got %v", err)
	}

	fundVault(t, svc, repo, 1, 100, 9_999)
	if err := svc.SetVaultBalance(ctx, 1, 0); !errors.Is(err, ErrNonPositiveBalance) {
		t.Fatalf("expected ErrNonPositiveBalance for zero, got %v", err)
	}
	if err := svc.SetVaultBalance(ctx, 1, -5); !errors.Is(err, ErrNonPositiveBalance) {
		t.Fatalf("expected ErrNonPositiveBalance for negative, got %v", err)
	}

	if err := svc.SetVaultBalance(ctx, 1, 500); err != nil {
		t.Fatalf("SetVaultBalance failed: %v", err)
	}
	vault, _ := repo.FindVault(ctx, 1)
	if vault.BalanceUSDT != 500 {
		t.Fatalf("expected overwritten balance 500, got %d", vault.BalanceUSDT)
	}
	if pub.countRoute(rabbitmq.RouteVaultBalanceSet) != 1 {
		t.Fatal("expected one balance-set event")
	}
}

func TestEmergencyWithdraw(t *testing.T) {
	svc, _, token, pub, _ := newTestService(t)
	ctx := context.Background()

	if err := svc.EmergencyWithdraw(ctx, domain.AssetUSDT, 0); !errors.Is(err, ErrInvalidWithdrawAmount) {
		t.Fatalf("expected ErrInvalidWithdrawAmount for zero, got %v", err)
	}

	if err := svc.EmergencyWithdraw(ctx, domain.AssetCCOP, 1_000); err != nil {
		t.Fatalf("EmergencyWithdraw failed: %v", err)
	}
	if len(token.transfers) != 1 || token.transfers[0].other != testOwner || token.transfers[0].asset != string(domain.AssetCCOP) {
		t.Fatalf("expected cCOP transfer to owner, got %+v", token.transfers)
	}
	if pub.countRoute(rabbitmq.RouteEmergencyWithdrawal) != 1 {
		t.Fatal("expected one withdrawal event")
	}
}

func TestStudentGuideStatus(t *testing.T) {
	svc, repo, _, _, _ := newTestService(t)
	ctx := context.Background()
	fundVault(t, svc, repo, 1, 10_000_000, 100_000_000)

	if _, err := svc.SubmitGuideResult(ctx, 1, 3, testStudent, true, 90); err != nil {
		t.Fatalf("submission failed: %v", err)
	}

	status, err := svc.StudentGuideStatus(ctx, 1, 3, testStudent)
	if err != nil {
		t.Fatalf("StudentGuideStatus failed: %v", err)
	}
	if status.PendingAmount != 9_000_000 || status.PaidAmount != 0 {
		t.Fatalf("expected pending 9000000 / paid 0, got %+v", status)
	}
	if status.ProfileScoreAtSubmission != 90 {
		t.Fatalf("expected recorded score 90, got %d", status.ProfileScoreAtSubmission)
	}
	if status.CanSubmit {
		t.Fatal("expected cooldown to block further submissions")
	}

	if _, err := svc.ClaimScholarship(ctx, 1, 3, testStudent); err != nil {
		t.Fatalf("claim failed: %v", err)
	}
	status, _ = svc.StudentGuideStatus(ctx, 1, 3, testStudent)
	if status.PaidAmount != 9_000_000 || status.PendingAmount != 0 {
		t.Fatalf("expected paid 9000000 / pending 0 after claim, got %+v", status)
	}
}

func TestSolvencyAudit(t *testing.T) {
	svc, repo, token, _, _ := newTestService(t)
	ctx := context.Background()
	fundVault(t, svc, repo, 1, 100, 5_000)
	if _, err := svc.SubmitGuideResult(ctx, 1, 1, testStudent, true, 100); err != nil {
		t.Fatalf("submission failed: %v", err)
	}

	// Vault holds 4900 after the 100 reservation; treasury exactly covers both.
	token.balances[string(domain.AssetUSDT)+":"+testTreasury] = 5_000
	report, err := svc.SolvencyAudit(ctx)
	if err != nil {
		t.Fatalf("SolvencyAudit failed: %v", err)
	}
	if !report.Solvent() {
		t.Fatalf("expected solvent treasury, got %+v", report)
	}
	if report.VaultTotal != 4_900 || report.PendingTotal != 100 {
		t.Fatalf("expected liabilities 4900+100, got %+v", report)
	}

	token.balances[string(domain.AssetUSDT)+":"+testTreasury] = 4_000
	report, err = svc.SolvencyAudit(ctx)
	if err != nil {
		t.Fatalf("SolvencyAudit failed: %v", err)
	}
	if report.Solvent() || report.Shortfall != 1_000 {
		t.Fatalf("expected shortfall of 1000, got %+v", report)
	}
}

func TestReinstateFailedClaim_Validation(t *testing.T) {
	svc, repo, token, _, _ := newTestService(t)
	ctx := context.Background()
	fundVault(t, svc, repo, 1, 100, 10_000)

	if _, err := svc.SubmitGuideResult(ctx, 1, 1, testStudent, true, 100); err != nil {
		t.Fatalf("submission failed: %v", err)
	}
	if _, err := svc.ClaimScholarship(ctx, 1, 1, testStudent); err != nil {
		t.Fatalf("claim failed: %v", err)
	}
	claimRef := token.transfers[0].reference

	if err := svc.ReinstateFailedClaim(ctx, 1, 1, testStudent, 0, 100, claimRef); !errors.Is(err, ErrInvalidParams) {
		t.Fatalf("expected ErrInvalidParams for zero amount, got %v", err)
	}
	if err := svc.ReinstateFailedClaim(ctx, 1, 1, testStudent, 100, 100, "garbage"); !errors.Is(err, ErrInvalidParams) {
		t.Fatalf("expected ErrInvalidParams for malformed reference, got %v", err)
	}
	// A reference from some other claim attempt does not match the payout.
	if err := svc.ReinstateFailedClaim(ctx, 1, 1, testStudent, 100, 100, uuid.New().String()); !errors.Is(err, store.ErrClaimSettled) {
		t.Fatalf("expected ErrClaimSettled for unknown reference, got %v", err)
	}

	if err := svc.ReinstateFailedClaim(ctx, 1, 1, testStudent, 100, 100, claimRef); err != nil {
		t.Fatalf("ReinstateFailedClaim failed: %v", err)
	}
	pending, _ := repo.PendingScholarship(ctx, 1, 1, testStudent)
	if pending != 100 {
		t.Fatalf("expected reinstated pending 100, got %d", pending)
	}
	// The attempt was consumed by the first reinstate.
	if err := svc.ReinstateFailedClaim(ctx, 1, 1, testStudent, 100, 100, claimRef); !errors.Is(err, store.ErrClaimSettled) {
		t.Fatalf("expected ErrClaimSettled for already-reinstated attempt, got %v", err)
	}
}

/**
 * @description
 * Solvency audit job: verifies the treasury's USDT holdings cover every vault
 * balance plus every reserved (pending) scholarship. Runs on a cron schedule so
 * a drifting treasury is caught before a claim bounces.
 *
 * @dependencies
 * - github.com/robfig/cron/v3: Job scheduling.
 * - internal/domain, pkg/rabbitmq: Audit inputs and discrepancy events.
 */

package app

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/learn-tg/vault-service/internal/domain"
)

// SolvencyReport is the outcome of one audit pass.
type SolvencyReport struct {
	TreasuryUSDT int64     `json:"treasury_usdt"`
	VaultTotal   int64     `json:"vault_total"`
	PendingTotal int64     `json:"pending_total"`
	Shortfall    int64     `json:"shortfall"`
	CheckedAt    time.Time `json:"checked_at"`
}

// Solvent reports whether the treasury covers all liabilities.
func (r *SolvencyReport) Solvent() bool {
	return r.Shortfall <= 0
}

// SolvencyAudit compares treasury USDT holdings against outstanding
// liabilities. A shortfall is logged but never blocks operations; claims fail
// individually at the treasury when it truly runs dry.
func (s *Service) SolvencyAudit(ctx context.Context) (*SolvencyReport, error) {
	treasury, err := s.token.BalanceOf(ctx, string(domain.AssetUSDT), s.treasuryAddress)
	if err != nil {
		return nil, fmt.Errorf("failed to read treasury balance: %w", err)
	}
	vaultTotal, pendingTotal, err := s.repo.OutstandingLiabilities(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read outstanding liabilities: %w", err)
	}

	report := &SolvencyReport{
		TreasuryUSDT: treasury,
		VaultTotal:   vaultTotal,
		PendingTotal: pendingTotal,
		Shortfall:    vaultTotal + pendingTotal - treasury,
		CheckedAt:    s.now().UTC(),
	}
	if report.Solvent() {
		log.Printf("SolvencyAudit: solvent (treasury %d, vaults %d, pending %d)", treasury, vaultTotal, pendingTotal)
	} else {
		log.Printf("CRITICAL: SolvencyAudit: treasury shortfall of %d (treasury %d, vaults %d, pending %d)", report.Shortfall, treasury, vaultTotal, pendingTotal)
	}
	return report, nil
}

// Scheduler runs the solvency audit on a cron schedule.
type Scheduler struct {
	cron     *cron.Cron
	service  *Service
	schedule string
}

// NewScheduler creates the audit scheduler. The schedule is a standard 5-field
// cron expression.
func NewScheduler(service *Service, schedule string) *Scheduler {
	cronLogger := cron.PrintfLogger(log.Default())
	c := cron.New(cron.WithChain(cron.Recover(cronLogger)))

	return &Scheduler{
		cron:     c,
		service:  service,
		schedule: schedule,
	}
}

// Start registers the audit job and starts the cron scheduler.
func (s *Scheduler) Start() {
	if _, err := s.cron.AddFunc(s.schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if _, err := s.service.SolvencyAudit(ctx); err != nil {
			log.Printf("level=error component=scheduler msg=\"solvency audit failed\" err=%v", err)
		}
	}); err != nil {
		log.Printf("level=error component=scheduler msg=\"failed to schedule solvency audit\" err=%v", err)
		return
	}
	log.Printf("level=info component=scheduler msg=\"scheduled solvency audit\" schedule=%q", s.schedule)
	s.cron.Start()
}

// Stop gracefully stops the cron scheduler.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}

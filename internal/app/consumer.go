package app

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"strings"
	"time"

	"github.com/learn-tg/vault-service/internal/store"
)

// RouteSettlementClaimFailed is published by the treasury settlement worker
// when a scholarship payout bounces after the HTTP call already succeeded
// (e.g. the downstream chain transaction reverted).
const RouteSettlementClaimFailed = "settlement.claim.failed"

// SettlementFailureEvent is the payload for asynchronous settlement failures.
// Reference is the transfer reference of the failed claim attempt; the
// settlement worker echoes it back from the original treasury transfer request.
type SettlementFailureEvent struct {
	CourseID     int64  `json:"course_id"`
	GuideNumber  int64  `json:"guide_number"`
	Student      string `json:"student"`
	Amount       int64  `json:"amount"`
	ProfileScore int    `json:"profile_score"`
	Reference    string `json:"reference"`
	Reason       string `json:"reason"`
}

// SettlementConsumer reinstates pending scholarships whose settlement the
// treasury reports failed asynchronously, so students can claim again.
type SettlementConsumer struct {
	service *Service
}

func NewSettlementConsumer(service *Service) *SettlementConsumer {
	return &SettlementConsumer{service: service}
}

// HandleMessage processes one settlement failure. Malformed payloads are
// acknowledged and dropped; transient processing errors are requeued.
func (c *SettlementConsumer) HandleMessage(body []byte) bool {
	var event SettlementFailureEvent
	if err := json.Unmarshal(body, &event); err != nil {
		log.Printf("settlement-consumer: failed to unmarshal payload: %v", err)
		return true
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	err := c.service.ReinstateFailedClaim(ctx, event.CourseID, event.GuideNumber, event.Student, event.Amount, event.ProfileScore, event.Reference)
	if err != nil {
		if errors.Is(err, ErrInvalidParams) {
			log.Printf("settlement-consumer: dropping malformed failure event %+v", event)
			return true
		}
		// Redelivered or out-of-date reports must not undo a settled claim.
		if errors.Is(err, store.ErrClaimSettled) {
			log.Printf("settlement-consumer: dropping stale failure event for course %d, guide %d, student %s (reference %s)",
				event.CourseID, event.GuideNumber, event.Student, event.Reference)
			return true
		}
		log.Printf("settlement-consumer: reinstate error for course %d, guide %d, student %s: %v",
			event.CourseID, event.GuideNumber, event.Student, err)
		return false
	}

	reason := strings.TrimSpace(event.Reason)
	if reason == "" {
		reason = "unspecified"
	}
	log.Printf("settlement-consumer: reinstated scholarship for course %d, guide %d, student %s (reason: %s)",
		event.CourseID, event.GuideNumber, event.Student, reason)
	return true
}

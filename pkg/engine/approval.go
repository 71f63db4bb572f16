package engine

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// DefaultApprovalTTL is the validity window of an approval token.
const DefaultApprovalTTL = 15 * time.Minute

// ApprovalGate issues and validates the signed, expiring, single-use tokens
// that bind an operator's approval to a plan fingerprint. A plan edited or
// recompiled after approval produces a new fingerprint, so stale approvals
// fail closed.
type ApprovalGate struct {
	store      Store
	signingKey []byte
	ttl        time.Duration
	now        func() time.Time
	logger     zerolog.Logger
}

// NewApprovalGate creates an approval gate with the given HMAC signing key.
// A zero ttl selects DefaultApprovalTTL.
func NewApprovalGate(store Store, signingKey []byte, ttl time.Duration, logger zerolog.Logger) *ApprovalGate {
	if ttl <= 0 {
		ttl = DefaultApprovalTTL
	}
	return &ApprovalGate{
		store:      store,
		signingKey: signingKey,
		ttl:        ttl,
		now:        time.Now,
		logger:     logger.With().Str("component", "approval-gate").Logger(),
	}
}

// Approve transitions a draft plan to approved and issues a token signed over
// the plan's current fingerprint. Approving an already-approved plan issues a
// fresh token without changing the plan: that recovers an approval whose
// token expired unused, or was consumed by an apply that died before it
// enqueued a job.
func (g *ApprovalGate) Approve(ctx context.Context, planID, issuer string) (*ApprovalToken, error) {
	plan, err := g.store.GetPlan(ctx, planID)
	if err != nil {
		return nil, err
	}

	if plan.Status != PlanStatusDraft && plan.Status != PlanStatusApproved {
		return nil, NewPermanentError(
			fmt.Sprintf("plan is %s, only draft or approved plans can be approved", plan.Status), nil).
			WithCode(ErrCodeValidation)
	}

	if plan.Status == PlanStatusDraft {
		plan.Status = PlanStatusApproved
		plan.UpdatedAt = g.now().UTC()
		if err := g.store.UpdatePlan(ctx, plan); err != nil {
			return nil, err
		}
	}

	issuedAt := g.now().UTC()
	token := &ApprovalToken{
		PlanID:      plan.ID,
		Fingerprint: plan.Fingerprint,
		Issuer:      issuer,
		IssuedAt:    issuedAt,
		ExpiresAt:   issuedAt.Add(g.ttl),
		Nonce:       uuid.New().String(),
	}
	token.Signature = g.sign(token)

	g.appendAudit(ctx, "plan.approved", issuer, plan.ID, map[string]interface{}{
		"fingerprint": plan.Fingerprint,
		"expires_at":  token.ExpiresAt,
	})

	g.logger.Info().
		Str("plan_id", plan.ID).
		Str("issuer", issuer).
		Time("expires_at", token.ExpiresAt).
		Msg("Plan approved")

	return token, nil
}

// Reject transitions a draft plan to failed with the reason recorded in the
// audit trail. Rejected plans can never be approved.
func (g *ApprovalGate) Reject(ctx context.Context, planID, actor, reason string) error {
	plan, err := g.store.GetPlan(ctx, planID)
	if err != nil {
		return err
	}

	if plan.Status != PlanStatusDraft {
		return NewPermanentError(
			fmt.Sprintf("plan is %s, only draft plans can be rejected", plan.Status), nil).
			WithCode(ErrCodeValidation)
	}

	plan.Status = PlanStatusFailed
	plan.RejectReason = reason
	plan.UpdatedAt = g.now().UTC()
	if err := g.store.UpdatePlan(ctx, plan); err != nil {
		return err
	}

	g.appendAudit(ctx, "plan.rejected", actor, plan.ID, map[string]interface{}{
		"reason": reason,
	})

	g.logger.Info().Str("plan_id", plan.ID).Str("reason", reason).Msg("Plan rejected")
	return nil
}

// Validate checks a token against the plan's current state: signature,
// expiry, and fingerprint equality. It does not consume the nonce; Consume
// does that atomically at apply time.
func (g *ApprovalGate) Validate(token *ApprovalToken, plan *Plan) error {
	if token == nil {
		return NewPermanentError("approval token is required", nil).
			WithCode(ErrCodeValidation)
	}
	if token.PlanID != plan.ID {
		return NewPermanentError("token was issued for a different plan", nil).
			WithCode(ErrCodeValidation)
	}

	expected := g.sign(token)
	if !hmac.Equal([]byte(expected), []byte(token.Signature)) {
		return NewPermanentError("token signature mismatch", nil).
			WithCode(ErrCodeAuthorization)
	}

	if g.now().After(token.ExpiresAt) {
		return NewPermanentError("approval token expired, re-approval required", nil).
			WithCode(ErrCodeApprovalExpired)
	}

	if token.Fingerprint != plan.Fingerprint {
		return NewConflictError(
			"plan fingerprint changed since approval, re-approval required", nil).
			WithCode(ErrCodeConcurrentModification)
	}

	return nil
}

// Consume marks the token's nonce as used. A second consumption attempt
// fails with TOKEN_ALREADY_USED.
func (g *ApprovalGate) Consume(ctx context.Context, token *ApprovalToken) error {
	return g.store.ConsumeApprovalNonce(ctx, token.Nonce, token.PlanID)
}

// sign computes the HMAC-SHA256 signature over the token's bound fields.
func (g *ApprovalGate) sign(t *ApprovalToken) string {
	payload := fmt.Sprintf("%s|%s|%s|%d|%d|%s",
		t.PlanID, t.Fingerprint, t.Issuer,
		t.IssuedAt.UnixNano(), t.ExpiresAt.UnixNano(), t.Nonce)

	mac := hmac.New(sha256.New, g.signingKey)
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

func (g *ApprovalGate) appendAudit(ctx context.Context, action, actor, targetID string, details map[string]interface{}) {
	blob, _ := json.Marshal(details)
	entry := &AuditEntry{
		Action:    action,
		Actor:     actor,
		TargetID:  targetID,
		Details:   string(blob),
		Timestamp: g.now().UTC(),
	}
	if err := g.store.AppendAudit(ctx, entry); err != nil {
		g.logger.Warn().Err(err).Str("target_id", targetID).Msg("Failed to append audit entry")
	}
}

// EncodeToken serializes a token for transport to the operator.
func EncodeToken(t *ApprovalToken) (string, error) {
	raw, err := json.Marshal(t)
	if err != nil {
		return "", fmt.Errorf("failed to encode token: %w", err)
	}
	return hex.EncodeToString(raw), nil
}

// DecodeToken parses a token previously produced by EncodeToken.
func DecodeToken(s string) (*ApprovalToken, error) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return nil, NewPermanentError("malformed approval token", err).
			WithCode(ErrCodeValidation)
	}
	var t ApprovalToken
	if err := json.Unmarshal(raw, &t); err != nil {
		return nil, NewPermanentError("malformed approval token", err).
			WithCode(ErrCodeValidation)
	}
	return &t, nil
}

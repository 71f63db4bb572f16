package engine

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func testGate(t *testing.T) (*ApprovalGate, *memStore, *Plan) {
	t.Helper()
	store := newMemStore()
	gate := NewApprovalGate(store, []byte("test-signing-key"), 0, zerolog.Nop())

	c := NewCompiler(newMemDirectory(testDevices()...), []ChangeProvider{newFakeProvider(TopicDNS)}, store, nil, zerolog.Nop())
	plan, err := c.Compile(context.Background(), dnsRequest("r1", "r2"))
	if err != nil {
		t.Fatalf("Compile failed: %v", err)
	}
	return gate, store, plan
}

func TestApproveIssuesValidToken(t *testing.T) {
	gate, store, plan := testGate(t)

	token, err := gate.Approve(context.Background(), plan.ID, "alice")
	if err != nil {
		t.Fatalf("Approve failed: %v", err)
	}

	if token.Fingerprint != plan.Fingerprint {
		t.Errorf("token fingerprint %s does not match plan %s", token.Fingerprint, plan.Fingerprint)
	}
	if token.Nonce == "" || token.Signature == "" {
		t.Error("token missing nonce or signature")
	}
	if got := token.ExpiresAt.Sub(token.IssuedAt); got != DefaultApprovalTTL {
		t.Errorf("expected TTL %v, got %v", DefaultApprovalTTL, got)
	}

	updated, err := store.GetPlan(context.Background(), plan.ID)
	if err != nil {
		t.Fatalf("GetPlan failed: %v", err)
	}
	if updated.Status != PlanStatusApproved {
		t.Errorf("expected approved, got %s", updated.Status)
	}

	updated.Status = PlanStatusApproved
	if err := gate.Validate(token, updated); err != nil {
		t.Errorf("fresh token should validate: %v", err)
	}
}

func TestApproveRejectsExecutingPlan(t *testing.T) {
	gate, store, plan := testGate(t)
	ctx := context.Background()

	plan.Status = PlanStatusExecuting
	if err := store.UpdatePlan(ctx, plan); err != nil {
		t.Fatalf("UpdatePlan failed: %v", err)
	}
	if _, err := gate.Approve(ctx, plan.ID, "alice"); err == nil {
		t.Fatal("approving an executing plan should fail")
	}
}

func TestReapprovalIssuesFreshToken(t *testing.T) {
	gate, store, plan := testGate(t)
	ctx := context.Background()

	first, err := gate.Approve(ctx, plan.ID, "alice")
	if err != nil {
		t.Fatalf("first approve failed: %v", err)
	}

	// The first token is lost or burned; a second approval recovers the
	// plan without leaving the approved state.
	second, err := gate.Approve(ctx, plan.ID, "alice")
	if err != nil {
		t.Fatalf("re-approval failed: %v", err)
	}
	if second.Nonce == first.Nonce {
		t.Error("re-approval must issue a fresh nonce")
	}

	updated, err := store.GetPlan(ctx, plan.ID)
	if err != nil {
		t.Fatalf("GetPlan failed: %v", err)
	}
	if updated.Status != PlanStatusApproved {
		t.Errorf("expected approved, got %s", updated.Status)
	}
	if err := gate.Validate(second, updated); err != nil {
		t.Errorf("re-issued token should validate: %v", err)
	}
	if err := gate.Consume(ctx, second); err != nil {
		t.Errorf("re-issued token should be consumable: %v", err)
	}
}

func TestValidateRejectsTamperedToken(t *testing.T) {
	gate, store, plan := testGate(t)

	token, err := gate.Approve(context.Background(), plan.ID, "alice")
	if err != nil {
		t.Fatalf("Approve failed: %v", err)
	}
	updated, _ := store.GetPlan(context.Background(), plan.ID)

	tampered := *token
	tampered.Issuer = "mallory"
	if err := gate.Validate(&tampered, updated); err == nil {
		t.Error("tampered issuer should fail signature validation")
	}
	if !HasCode(gate.Validate(&tampered, updated), ErrCodeAuthorization) {
		t.Error("expected AUTHORIZATION_ERROR for bad signature")
	}
}

func TestValidateRejectsExpiredToken(t *testing.T) {
	gate, store, plan := testGate(t)

	token, err := gate.Approve(context.Background(), plan.ID, "alice")
	if err != nil {
		t.Fatalf("Approve failed: %v", err)
	}
	updated, _ := store.GetPlan(context.Background(), plan.ID)

	gate.now = func() time.Time { return token.ExpiresAt.Add(time.Second) }

	err = gate.Validate(token, updated)
	if err == nil {
		t.Fatal("expired token should fail")
	}
	if !HasCode(err, ErrCodeApprovalExpired) {
		t.Errorf("expected APPROVAL_EXPIRED, got %v", err)
	}
}

func TestValidateRejectsFingerprintDrift(t *testing.T) {
	gate, store, plan := testGate(t)

	token, err := gate.Approve(context.Background(), plan.ID, "alice")
	if err != nil {
		t.Fatalf("Approve failed: %v", err)
	}

	updated, _ := store.GetPlan(context.Background(), plan.ID)
	updated.Fingerprint = "recompiled-to-something-else"

	err = gate.Validate(token, updated)
	if err == nil {
		t.Fatal("fingerprint drift should fail")
	}
	if !HasCode(err, ErrCodeConcurrentModification) {
		t.Errorf("expected CONCURRENT_MODIFICATION, got %v", err)
	}
}

func TestConsumeIsSingleUse(t *testing.T) {
	gate, _, plan := testGate(t)

	token, err := gate.Approve(context.Background(), plan.ID, "alice")
	if err != nil {
		t.Fatalf("Approve failed: %v", err)
	}

	if err := gate.Consume(context.Background(), token); err != nil {
		t.Fatalf("first consume failed: %v", err)
	}
	err = gate.Consume(context.Background(), token)
	if err == nil {
		t.Fatal("second consume should fail")
	}
	if !HasCode(err, ErrCodeTokenAlreadyUsed) {
		t.Errorf("expected TOKEN_ALREADY_USED, got %v", err)
	}
}

func TestRejectRecordsReason(t *testing.T) {
	gate, store, plan := testGate(t)

	if err := gate.Reject(context.Background(), plan.ID, "bob", "wrong maintenance window"); err != nil {
		t.Fatalf("Reject failed: %v", err)
	}

	updated, _ := store.GetPlan(context.Background(), plan.ID)
	if updated.Status != PlanStatusFailed {
		t.Errorf("expected failed, got %s", updated.Status)
	}
	if updated.RejectReason != "wrong maintenance window" {
		t.Errorf("reject reason not recorded: %q", updated.RejectReason)
	}

	// Rejection is final.
	if _, err := gate.Approve(context.Background(), plan.ID, "alice"); err == nil {
		t.Error("rejected plan should not be approvable")
	}
}

func TestTokenEncodeDecodeRoundTrip(t *testing.T) {
	gate, _, plan := testGate(t)

	token, err := gate.Approve(context.Background(), plan.ID, "alice")
	if err != nil {
		t.Fatalf("Approve failed: %v", err)
	}

	encoded, err := EncodeToken(token)
	if err != nil {
		t.Fatalf("EncodeToken failed: %v", err)
	}
	decoded, err := DecodeToken(encoded)
	if err != nil {
		t.Fatalf("DecodeToken failed: %v", err)
	}
	if decoded.Nonce != token.Nonce || decoded.Signature != token.Signature {
		t.Error("round trip lost token fields")
	}

	if _, err := DecodeToken("not-a-token"); err == nil {
		t.Error("garbage input should fail decoding")
	}
}

package policy

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/grammy-jiang/RouterOS-MCP-sub003/pkg/engine"
)

func testAdmitter(t *testing.T) *Admitter {
	t.Helper()
	a, err := NewAdmitter(zerolog.Nop())
	if err != nil {
		t.Fatalf("NewAdmitter failed: %v", err)
	}
	return a
}

func testPlan(batchSize int, pause time.Duration, rollback bool) *engine.Plan {
	return &engine.Plan{
		ID:                  "plan-1",
		Topic:               engine.TopicDNS,
		BatchSize:           batchSize,
		PauseBetweenBatches: pause,
		RollbackOnFailure:   rollback,
	}
}

func devices(envs ...engine.Environment) []engine.Device {
	out := make([]engine.Device, len(envs))
	for i, env := range envs {
		out[i] = engine.Device{ID: "r" + string(rune('1'+i)), Environment: env}
	}
	return out
}

func TestLabPlanAdmitted(t *testing.T) {
	a := testAdmitter(t)

	denials, warnings, err := a.AdmitPlan(context.Background(),
		testPlan(5, 0, false), devices(engine.EnvironmentLab, engine.EnvironmentLab))
	if err != nil {
		t.Fatalf("AdmitPlan failed: %v", err)
	}
	if len(denials) != 0 {
		t.Errorf("lab plan should pass, got denials %v", denials)
	}
	if len(warnings) != 0 {
		t.Errorf("lab plan should carry no warnings, got %v", warnings)
	}
}

func TestProdPlanRequiresRollback(t *testing.T) {
	a := testAdmitter(t)

	denials, _, err := a.AdmitPlan(context.Background(),
		testPlan(1, time.Minute, false), devices(engine.EnvironmentProd))
	if err != nil {
		t.Fatalf("AdmitPlan failed: %v", err)
	}
	if !containsSubstring(denials, "prod-rollback-required") {
		t.Errorf("expected prod rollback denial, got %v", denials)
	}

	denials, _, err = a.AdmitPlan(context.Background(),
		testPlan(1, time.Minute, true), devices(engine.EnvironmentProd))
	if err != nil {
		t.Fatalf("AdmitPlan failed: %v", err)
	}
	if containsSubstring(denials, "prod-rollback-required") {
		t.Errorf("rollback enabled, denial should clear: %v", denials)
	}
}

func TestProdBatchSizeCapped(t *testing.T) {
	a := testAdmitter(t)

	denials, _, err := a.AdmitPlan(context.Background(),
		testPlan(3, time.Minute, true), devices(engine.EnvironmentProd, engine.EnvironmentProd))
	if err != nil {
		t.Fatalf("AdmitPlan failed: %v", err)
	}
	if !containsSubstring(denials, "prod-batch-size") {
		t.Errorf("expected batch size denial, got %v", denials)
	}

	// The same batch size is fine outside production.
	denials, _, err = a.AdmitPlan(context.Background(),
		testPlan(3, time.Minute, true), devices(engine.EnvironmentStaging))
	if err != nil {
		t.Fatalf("AdmitPlan failed: %v", err)
	}
	if containsSubstring(denials, "prod-batch-size") {
		t.Errorf("staging plan should not hit the prod cap: %v", denials)
	}
}

func TestMissingSoakPauseWarns(t *testing.T) {
	a := testAdmitter(t)

	denials, warnings, err := a.AdmitPlan(context.Background(),
		testPlan(1, 0, true), devices(engine.EnvironmentStaging))
	if err != nil {
		t.Fatalf("AdmitPlan failed: %v", err)
	}
	if containsSubstring(denials, "soak-pause") {
		t.Errorf("soak pause is advisory, got denial %v", denials)
	}
	if !containsSubstring(warnings, "soak-pause") {
		t.Errorf("expected soak pause warning, got %v", warnings)
	}
}

func TestBlastRadiusWarns(t *testing.T) {
	a := testAdmitter(t)

	fleet := make([]engine.Device, 21)
	for i := range fleet {
		fleet[i] = engine.Device{ID: "r" + string(rune('a'+i%26)), Environment: engine.EnvironmentLab}
	}

	_, warnings, err := a.AdmitPlan(context.Background(), testPlan(2, time.Minute, true), fleet)
	if err != nil {
		t.Fatalf("AdmitPlan failed: %v", err)
	}
	if !containsSubstring(warnings, "blast-radius") {
		t.Errorf("expected blast radius warning, got %v", warnings)
	}
}

func TestLoadPoliciesFromDirectory(t *testing.T) {
	dir := t.TempDir()
	custom := `# severity: warning
package rosfleet.admission.custom_topic

import rego.v1

deny contains finding if {
	input.plan.topic == "ntp"
	finding := {"message": "ntp plans are under review this quarter"}
}
`
	if err := os.WriteFile(filepath.Join(dir, "custom-topic.rego"), []byte(custom), 0o600); err != nil {
		t.Fatalf("failed to write policy: %v", err)
	}

	a := testAdmitter(t)
	if err := a.LoadPolicies(context.Background(), []string{dir}); err != nil {
		t.Fatalf("LoadPolicies failed: %v", err)
	}

	plan := testPlan(1, time.Minute, true)
	plan.Topic = engine.TopicNTP
	denials, warnings, err := a.AdmitPlan(context.Background(), plan, devices(engine.EnvironmentLab))
	if err != nil {
		t.Fatalf("AdmitPlan failed: %v", err)
	}
	if len(denials) != 0 {
		t.Errorf("warning-severity policy should not deny: %v", denials)
	}
	if !containsSubstring(warnings, "custom-topic") {
		t.Errorf("expected custom policy warning, got %v", warnings)
	}
}

func TestLoadPoliciesRejectsBadRego(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "broken.rego"), []byte("this is not rego"), 0o600); err != nil {
		t.Fatalf("failed to write policy: %v", err)
	}

	a := testAdmitter(t)
	if err := a.LoadPolicies(context.Background(), []string{dir}); err == nil {
		t.Fatal("broken rego should fail to compile")
	}
}

func containsSubstring(list []string, sub string) bool {
	for _, s := range list {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

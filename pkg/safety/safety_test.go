package safety

import (
	"strings"
	"testing"
)

func TestEvaluate_CleanTextPassesThrough(t *testing.T) {
	p := NewPolicy(Config{})
	d := p.Evaluate(Input{Text: "前方是便利店入口。", Source: "vlm", Confidence: 0.95})
	if d.Text != "前方是便利店入口。" {
		t.Errorf("Text = %q; clean text must pass unchanged", d.Text)
	}
	if d.Downgraded || d.Reason != "ok" || len(d.RuleIDs) != 0 {
		t.Errorf("decision = %+v; want untouched", d)
	}
	if d.PolicyVersion != PolicyVersion {
		t.Errorf("PolicyVersion = %q", d.PolicyVersion)
	}
}

func TestEvaluate_EmptyOutputFallback(t *testing.T) {
	p := NewPolicy(Config{})
	d := p.Evaluate(Input{Text: "   ", Source: "llm", Confidence: 0.9})
	if !d.Downgraded || d.Reason != "empty_output" {
		t.Fatalf("decision = %+v; want empty_output downgrade", d)
	}
	if d.Text != FallbackMessage(RiskP3) {
		t.Errorf("Text = %q; want P3 fallback", d.Text)
	}
}

func TestEvaluate_LowConfidenceFallback(t *testing.T) {
	p := NewPolicy(Config{})
	d := p.Evaluate(Input{Text: "直行五十米。", Source: "vlm", Confidence: 0.4})
	if d.Reason != "low_confidence" || !d.Downgraded {
		t.Fatalf("decision = %+v; want low_confidence", d)
	}
	if !strings.Contains(d.Text, "请先停下") {
		t.Errorf("Text = %q; want conservative fallback", d.Text)
	}
}

func TestEvaluate_RiskInference(t *testing.T) {
	p := NewPolicy(Config{})
	tests := []struct {
		name string
		text string
		want string
	}{
		{"p0_traffic", "注意，前方车流密集。", RiskP0},
		{"p0_english", "There is a gas leak ahead.", RiskP0},
		{"p1_stairs", "注意，前方有楼梯。", RiskP1},
		{"p2_hedge", "注意，前方可能有障碍。", RiskP1}, // P1 keyword outranks P2
		{"p2_only", "注意，结果不确定。", RiskP2},
		{"p3_default", "注意，天气晴朗。", RiskP3},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			d := p.Evaluate(Input{Text: tc.text, Confidence: 0.95})
			if d.RiskLevel != tc.want {
				t.Errorf("RiskLevel = %s; want %s", d.RiskLevel, tc.want)
			}
		})
	}
}

func TestEvaluate_CautionPrefix(t *testing.T) {
	p := NewPolicy(Config{})

	d := p.Evaluate(Input{Text: "前方有台阶，扶好扶手。", Confidence: 0.95})
	if !strings.HasPrefix(d.Text, "注意安全。") {
		t.Errorf("Text = %q; P1 output must get caution prefix", d.Text)
	}
	if !contains(d.RuleIDs, "caution_prefix_added") {
		t.Errorf("RuleIDs = %v", d.RuleIDs)
	}

	// Already-cautious text keeps its own prefix.
	d = p.Evaluate(Input{Text: "小心，前方有台阶。", Confidence: 0.95})
	if strings.HasPrefix(d.Text, "注意安全。") {
		t.Errorf("Text = %q; existing caution prefix must be kept", d.Text)
	}
}

func TestEvaluate_SemanticGuardConflict(t *testing.T) {
	p := NewPolicy(Config{})
	d := p.Evaluate(Input{Text: "先左转，然后右转进入大厅。", Confidence: 0.97})
	if d.Reason != "semantic_guard_conflict" || !d.Downgraded {
		t.Fatalf("decision = %+v; conflicting directions must downgrade", d)
	}
	if d.Evidence["conflict_direction"] != true {
		t.Errorf("Evidence = %v", d.Evidence)
	}
}

func TestEvaluate_SemanticGuardDirectional(t *testing.T) {
	p := NewPolicy(Config{})

	// High-risk directional guidance below the directional threshold falls
	// back even though it clears the low-confidence bar.
	d := p.Evaluate(Input{Text: "前方路口，直行通过。", Confidence: 0.7})
	if d.Reason != "semantic_guard_directional" || !d.Downgraded {
		t.Fatalf("decision = %+v; want semantic_guard_directional", d)
	}

	// The same guidance with strong confidence passes (with caution prefix).
	d = p.Evaluate(Input{Text: "前方路口，直行通过。", Confidence: 0.92})
	if d.Downgraded {
		t.Errorf("decision = %+v; confident directional guidance must pass", d)
	}
}

func TestEvaluate_Truncation(t *testing.T) {
	p := NewPolicy(Config{MaxOutputChars: 64})
	long := strings.Repeat("阳光明媚。", 40)
	d := p.Evaluate(Input{Text: long, Confidence: 0.95})
	if got := len([]rune(d.Text)); got > 64 {
		t.Errorf("rune length = %d; want <= 64", got)
	}
	if !strings.HasSuffix(d.Text, "...") || !contains(d.RuleIDs, "output_truncated") {
		t.Errorf("decision = %+v; want truncation", d)
	}
	if d.Downgraded {
		t.Error("truncation alone must not mark the decision downgraded")
	}
}

func TestEvaluate_Disabled(t *testing.T) {
	p := NewPolicy(Config{Disabled: true})

	// Confidence and semantic rules are off.
	d := p.Evaluate(Input{Text: "先左转，然后右转。", Confidence: 0.1})
	if d.Downgraded {
		t.Errorf("decision = %+v; disabled policy must not downgrade", d)
	}

	// Empty-output fallback still runs.
	d = p.Evaluate(Input{Text: "", Confidence: 0.9})
	if d.Reason != "empty_output" {
		t.Errorf("Reason = %q; empty_output must survive disable", d.Reason)
	}
}

func TestEvaluate_InputRiskOutranksInferred(t *testing.T) {
	p := NewPolicy(Config{})
	d := p.Evaluate(Input{Text: "天气晴朗。", Confidence: 0.95, RiskLevel: "p0"})
	if d.RiskLevel != RiskP0 {
		t.Errorf("RiskLevel = %s; explicit P0 must win", d.RiskLevel)
	}
	if d.Evidence["input_risk_level"] != RiskP0 {
		t.Errorf("Evidence = %v", d.Evidence)
	}
}

func contains(list []string, want string) bool {
	for _, s := range list {
		if s == want {
			return true
		}
	}
	return false
}

// Package safety gates every outbound spoken or displayed text through an
// ordered rule chain: empty-output fallback, low-confidence fallback, caution
// prefixing for high risk, semantic guards against conflicting or shaky
// directional guidance, and a final length clamp. The chain is conservative:
// when in doubt the user is told to stop and reassess.
package safety

import (
	"strings"
)

// PolicyVersion is stamped into every decision.
const PolicyVersion = "v1.1"

// Risk levels, ordered from most to least severe.
const (
	RiskP0 = "P0"
	RiskP1 = "P1"
	RiskP2 = "P2"
	RiskP3 = "P3"
)

var riskOrder = map[string]int{
	RiskP0: 0,
	RiskP1: 1,
	RiskP2: 2,
	RiskP3: 3,
}

var p0Keywords = []string{
	"车流", "来车", "机动车", "高速", "火灾", "煤气", "触电", "深坑", "坠落",
	"gas leak", "fire",
}

var p1Keywords = []string{
	"楼梯", "台阶", "路口", "斑马线", "施工", "障碍", "人群", "路沿",
	"stairs", "crosswalk", "intersection",
}

var p2Keywords = []string{
	"可能", "不确定", "模糊", "大概",
	"perhaps", "uncertain", "maybe",
}

var directionalKeywords = []string{
	"向前", "前进", "直行", "左转", "右转",
	"go straight", "turn left", "turn right",
}

var cautionPrefixes = []string{
	"注意", "小心", "请先停", "先停", "请立即停",
	"caution", "warning",
}

// Decision is the outcome of gating one outbound text.
type Decision struct {
	Text          string         `json:"text"`
	Source        string         `json:"source"`
	RiskLevel     string         `json:"risk_level"`
	Confidence    float64        `json:"confidence"`
	Downgraded    bool           `json:"downgraded"`
	Reason        string         `json:"reason"`
	Flags         []string       `json:"flags"`
	PolicyVersion string         `json:"policy_version"`
	RuleIDs       []string       `json:"rule_ids"`
	Evidence      map[string]any `json:"evidence"`
}

// Policy is the rule-based output gate. The zero value is not usable; build
// one with NewPolicy.
type Policy struct {
	enabled                        bool
	lowConfidenceThreshold         float64
	maxOutputChars                 int
	prependCautionForRisk          bool
	semanticGuardEnabled           bool
	directionalConfidenceThreshold float64
}

// Config selects policy thresholds. Zero values take defaults; Disabled turns
// the confidence and semantic rules off (empty-output fallback and length
// clamping always run).
type Config struct {
	Disabled                       bool
	LowConfidenceThreshold         float64 // default 0.55
	MaxOutputChars                 int     // default 320, floor 64
	DisableCautionPrefix           bool
	DisableSemanticGuard           bool
	DirectionalConfidenceThreshold float64 // default 0.85
}

// NewPolicy builds a Policy from config.
func NewPolicy(cfg Config) *Policy {
	if cfg.LowConfidenceThreshold <= 0 {
		cfg.LowConfidenceThreshold = 0.55
	}
	if cfg.MaxOutputChars <= 0 {
		cfg.MaxOutputChars = 320
	}
	if cfg.MaxOutputChars < 64 {
		cfg.MaxOutputChars = 64
	}
	if cfg.DirectionalConfidenceThreshold <= 0 {
		cfg.DirectionalConfidenceThreshold = 0.85
	}
	return &Policy{
		enabled:                        !cfg.Disabled,
		lowConfidenceThreshold:         clampConfidence(cfg.LowConfidenceThreshold, 0.55),
		maxOutputChars:                 cfg.MaxOutputChars,
		prependCautionForRisk:          !cfg.DisableCautionPrefix,
		semanticGuardEnabled:           !cfg.DisableSemanticGuard,
		directionalConfidenceThreshold: clampConfidence(cfg.DirectionalConfidenceThreshold, 0.85),
	}
}

// Input describes one outbound text to gate. Confidence outside [0,1] is
// clamped; a missing risk level defaults to P3 and is raised by keyword
// inference.
type Input struct {
	Text       string
	Source     string
	Confidence float64
	RiskLevel  string
	Context    map[string]any
}

// Evaluate runs the rule chain over one outbound text.
func (p *Policy) Evaluate(in Input) Decision {
	rawText := strings.TrimSpace(in.Text)
	out := rawText
	source := strings.TrimSpace(in.Source)
	if source == "" {
		source = "runtime"
	}
	conf := clampConfidence(in.Confidence, 1.0)
	inputRisk := normalizeRisk(in.RiskLevel)
	inferred := p.inferRisk(rawText, in.Context)
	risk := higherRisk(inputRisk, inferred)

	d := Decision{
		Source:        source,
		RiskLevel:     risk,
		Confidence:    conf,
		Reason:        "ok",
		Flags:         []string{},
		PolicyVersion: PolicyVersion,
		RuleIDs:       []string{},
		Evidence: map[string]any{
			"input_risk_level":    inputRisk,
			"inferred_risk_level": inferred,
			"directional":         containsDirectional(rawText),
			"conflict_direction":  hasConflictingDirections(rawText),
		},
	}

	apply := func(rule string) {
		d.Flags = append(d.Flags, rule)
		d.RuleIDs = append(d.RuleIDs, rule)
	}

	if out == "" {
		out = FallbackMessage(risk)
		apply("empty_output")
		d.Downgraded = true
		d.Reason = "empty_output"
	}

	if p.enabled {
		if conf < p.lowConfidenceThreshold {
			out = FallbackMessage(risk)
			apply("low_confidence")
			d.Downgraded = true
			d.Reason = "low_confidence"
		} else if p.prependCautionForRisk && (risk == RiskP0 || risk == RiskP1) && out != "" && !hasCautionPrefix(out) {
			out = "注意安全。" + out
			apply("caution_prefix_added")
		}

		if p.semanticGuardEnabled && !d.Downgraded {
			switch {
			case hasConflictingDirections(out):
				out = FallbackMessage(risk)
				apply("semantic_guard_conflict")
				d.Downgraded = true
				d.Reason = "semantic_guard_conflict"
			case (risk == RiskP0 || risk == RiskP1) &&
				conf < p.directionalConfidenceThreshold &&
				containsDirectional(out):
				out = FallbackMessage(risk)
				apply("semantic_guard_directional")
				d.Downgraded = true
				d.Reason = "semantic_guard_directional"
			}
		}
	}

	if runeLen(out) > p.maxOutputChars {
		out = shorten(out, p.maxOutputChars)
		apply("output_truncated")
	}

	d.Text = out
	return d
}

// FallbackMessage is the conservative replacement text for a risk level.
func FallbackMessage(riskLevel string) string {
	switch normalizeRisk(riskLevel) {
	case RiskP0:
		return "我对当前环境判断不够确定。请立即停下，先确认周边安全并寻求附近人员协助。"
	case RiskP1:
		return "我当前判断不够稳定。请先停下，用盲杖确认前方，再谨慎移动。"
	default:
		return "我现在不够确定。请先停下并确认周边环境安全。"
	}
}

func (p *Policy) inferRisk(text string, context map[string]any) string {
	risk := RiskP3
	if context != nil {
		if v, ok := context["risk_level"].(string); ok {
			risk = normalizeRisk(v)
		}
	}
	switch {
	case containsKeyword(text, p0Keywords):
		risk = higherRisk(risk, RiskP0)
	case containsKeyword(text, p1Keywords):
		risk = higherRisk(risk, RiskP1)
	case containsKeyword(text, p2Keywords):
		risk = higherRisk(risk, RiskP2)
	}
	return risk
}

func normalizeRisk(value string) string {
	text := strings.ToUpper(strings.TrimSpace(value))
	if _, ok := riskOrder[text]; ok {
		return text
	}
	return RiskP3
}

func higherRisk(left, right string) string {
	if riskOrder[left] <= riskOrder[right] {
		return left
	}
	return right
}

func clampConfidence(v, def float64) float64 {
	if v != v { // NaN
		v = def
	}
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func containsKeyword(text string, keywords []string) bool {
	lower := strings.ToLower(text)
	for _, kw := range keywords {
		if strings.Contains(text, kw) || strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

func containsDirectional(text string) bool {
	return containsKeyword(text, directionalKeywords)
}

func hasConflictingDirections(text string) bool {
	lower := strings.ToLower(text)
	hasLeft := strings.Contains(text, "左转") || strings.Contains(lower, "turn left")
	hasRight := strings.Contains(text, "右转") || strings.Contains(lower, "turn right")
	return hasLeft && hasRight
}

func hasCautionPrefix(text string) bool {
	lower := strings.ToLower(text)
	for _, prefix := range cautionPrefixes {
		if strings.HasPrefix(lower, strings.ToLower(prefix)) {
			return true
		}
	}
	return false
}

func runeLen(text string) int {
	return len([]rune(text))
}

func shorten(text string, maxChars int) string {
	runes := []rune(text)
	if len(runes) <= maxChars {
		return text
	}
	cut := maxChars - 3
	if cut < 1 {
		cut = 1
	}
	return strings.TrimRight(string(runes[:cut]), " ") + "..."
}

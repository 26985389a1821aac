// Package decision classifies a generated reply candidate into a dispatch
// verdict. Decide is a pure function: identical inputs always produce an
// identical Verdict, and it never returns an error — malformed inputs fall
// toward the conservative NEED_APPROVAL / ESCALATE paths instead of guessing.
package decision

import (
	"fmt"

	"github.com/go-playground/validator/v10"
)

// Decision is the dispatch verdict for a candidate reply.
type Decision string

const (
	// AutoSend: the reply may be sent to the customer without approval.
	AutoSend Decision = "AUTO_SEND"
	// NeedApproval: a human should review (and usually just approve).
	NeedApproval Decision = "NEED_APPROVAL"
	// Escalate: confidence is too low, hand the conversation to a human.
	Escalate Decision = "ESCALATE"
)

// BlockReason identifies which autosend gate failed. Exactly one reason is
// reported even when several gates fail: the first in evaluation order
// FLAG_OFF → SETTING_OFF → INTENT_NOT_ALLOWED.
type BlockReason string

const (
	BlockFlagOff          BlockReason = "FLAG_OFF"
	BlockSettingOff       BlockReason = "SETTING_OFF"
	BlockIntentNotAllowed BlockReason = "INTENT_NOT_ALLOWED"
)

// ConfidenceBreakdown carries the per-component confidence scores, each in
// [0,1]. Total is the sole input to threshold comparisons; the components
// exist for explainability only and are never re-derived here.
type ConfidenceBreakdown struct {
	Similarity     float64 `json:"similarity"`
	IntentScore    float64 `json:"intent_score"`
	SelfCheckScore float64 `json:"self_check_score"`
	Total          float64 `json:"total"`
}

// SelfCheck is the independent validation pass over a generated reply. Its
// handoff flag is a veto, not a vote: it forces human handoff regardless of
// confidence.
type SelfCheck struct {
	Passed        bool     `json:"passed"`
	NeedsHandoff  bool     `json:"needs_handoff"`
	HandoffReason string   `json:"handoff_reason,omitempty"`
	Notes         []string `json:"notes,omitempty"`
}

// Penalty records a numeric deduction already applied upstream to
// ConfidenceBreakdown.Total. Purely explanatory — the router never re-applies
// them (that would be the double-penalty bug).
type Penalty struct {
	Code   string  `json:"code"`
	Amount float64 `json:"amount"`
}

// Settings are the per-tenant decision thresholds and autosend permissions.
// Invariant: 0 ≤ TEscalate ≤ TAuto ≤ 1, rejected at the settings-update
// boundary — never silently clamped.
type Settings struct {
	TAuto                  float64  `json:"t_auto" validate:"gte=0,lte=1"`
	TEscalate              float64  `json:"t_escalate" validate:"gte=0,lte=1,ltefield=TAuto"`
	AutosendAllowed        bool     `json:"autosend_allowed"`
	IntentsAutosendAllowed []string `json:"intents_autosend_allowed"`
	IntentsForceHandoff    []string `json:"intents_force_handoff"`
}

var validate = validator.New()

// Validate enforces the threshold-ordering invariant. Called at the
// settings-update boundary before settings ever reach the router.
func (s Settings) Validate() error {
	if err := validate.Struct(s); err != nil {
		return fmt.Errorf("invalid decision settings (need 0 <= t_escalate <= t_auto <= 1): %w", err)
	}
	return nil
}

// Verdict is the router's output. Created fresh per candidate reply and
// never mutated after construction — a re-decision produces a new Verdict.
type Verdict struct {
	Confidence          float64     `json:"confidence"`
	Decision            Decision    `json:"decision"`
	Explanations        []string    `json:"explanations"`
	Penalties           []Penalty   `json:"penalties,omitempty"`
	AutosendEligible    bool        `json:"autosend_eligible"`
	AutosendBlockReason BlockReason `json:"autosend_block_reason,omitempty"`
	NeedsHandoff        bool        `json:"needs_handoff"`
	HandoffReasons      []string    `json:"handoff_reasons,omitempty"`
}

package decision

import (
	"fmt"
	"math"
	"slices"
)

// Input carries everything Decide needs. AutosendFlagOn is the global
// autosend capability flag, resolved by the caller so Decide stays pure.
type Input struct {
	Confidence     ConfidenceBreakdown
	Intent         string
	Settings       Settings
	SelfCheck      SelfCheck
	Penalties      []Penalty
	AutosendFlagOn bool
}

// Decide classifies a candidate reply. For every confidence total it returns
// exactly one of AUTO_SEND, NEED_APPROVAL, ESCALATE.
//
// Autosend requires three independent gates (the triple lock): the global
// capability flag, the tenant setting, and the intent allow/deny lists. The
// first failing gate in that order is the single reported block reason.
func Decide(in Input) Verdict {
	v := Verdict{
		Penalties:    in.Penalties,
		Explanations: []string{},
	}

	total := in.Confidence.Total
	if math.IsNaN(total) || total < 0 || total > 1 {
		// Malformed upstream input: don't guess, take the conservative path.
		v.Confidence = 0
		v.Decision = Escalate
		v.Explanations = append(v.Explanations,
			fmt.Sprintf("confidence total %v outside [0,1], escalating", total))
		return v
	}
	v.Confidence = total

	forcedHandoffIntent := slices.Contains(in.Settings.IntentsForceHandoff, in.Intent)

	// Triple lock: first failing gate wins the block reason.
	switch {
	case !in.AutosendFlagOn:
		v.AutosendBlockReason = BlockFlagOff
		v.Explanations = append(v.Explanations, "autosend capability flag is off")
	case !in.Settings.AutosendAllowed:
		v.AutosendBlockReason = BlockSettingOff
		v.Explanations = append(v.Explanations, "tenant has autosend disabled")
	case forcedHandoffIntent || !slices.Contains(in.Settings.IntentsAutosendAllowed, in.Intent):
		v.AutosendBlockReason = BlockIntentNotAllowed
		v.Explanations = append(v.Explanations,
			fmt.Sprintf("intent %q is not autosend-eligible", in.Intent))
	default:
		v.AutosendEligible = true
	}

	// Self-check is a veto, not a vote.
	if in.SelfCheck.NeedsHandoff {
		v.NeedsHandoff = true
		reason := in.SelfCheck.HandoffReason
		if reason == "" {
			reason = "self-check requested handoff"
		}
		v.HandoffReasons = append(v.HandoffReasons, reason)
		v.Explanations = append(v.Explanations, "self-check vetoed automatic send")
	}
	if forcedHandoffIntent {
		v.NeedsHandoff = true
		v.HandoffReasons = append(v.HandoffReasons,
			fmt.Sprintf("intent %q always requires a human", in.Intent))
	}

	// Threshold classification on the total only.
	switch {
	case total >= in.Settings.TAuto && v.AutosendEligible && !v.NeedsHandoff:
		v.Decision = AutoSend
		v.Explanations = append(v.Explanations,
			fmt.Sprintf("confidence %.2f >= auto threshold %.2f, all gates clear", total, in.Settings.TAuto))
	case total >= in.Settings.TAuto:
		// High confidence blocked by a safety gate: a human should simply
		// approve it. Never downgraded to ESCALATE.
		v.Decision = NeedApproval
		v.Explanations = append(v.Explanations,
			fmt.Sprintf("confidence %.2f >= auto threshold %.2f but a safety gate blocked automation", total, in.Settings.TAuto))
	case total < in.Settings.TEscalate:
		v.Decision = Escalate
		v.Explanations = append(v.Explanations,
			fmt.Sprintf("confidence %.2f < escalate threshold %.2f", total, in.Settings.TEscalate))
	default:
		v.Decision = NeedApproval
		v.Explanations = append(v.Explanations,
			fmt.Sprintf("confidence %.2f in approval band [%.2f, %.2f)", total, in.Settings.TEscalate, in.Settings.TAuto))
	}

	return v
}

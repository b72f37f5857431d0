// Package gate decides whether a drafted reply may be sent without a human.
//
// Evaluate is a pure function: it performs no I/O and returns a decision for
// every input, so callers can run it inside a transaction or a test without
// setup.
package gate

import (
	"fmt"
	"math"
	"strings"
)

// Decision is the outcome of evaluating a draft.
type Decision string

const (
	AutoSend      Decision = "auto_send"
	HoldForReview Decision = "hold_for_review"
	Skip          Decision = "skip"
)

// Reason is a machine-readable code explaining a decision.
type Reason string

const (
	ReasonPassed               Reason = "passed"
	ReasonAutoSendDisabled     Reason = "auto_send_disabled"
	ReasonAutoSendPaused       Reason = "auto_send_paused"
	ReasonHighPriority         Reason = "high_priority"
	ReasonSensitiveCategory    Reason = "sensitive_category"
	ReasonLowConfidence        Reason = "low_confidence"
	ReasonNoCalendarMatch      Reason = "no_calendar_match"
	ReasonClassificationFailed Reason = "classification_failed"
	ReasonSchedulingFailed     Reason = "scheduling_failed"
	ReasonNoPolicy             Reason = "no_policy"
	ReasonManualFlag           Reason = "manual_flag"
	ReasonDraftFailed          Reason = "draft_failed"
	ReasonAlreadyHandled       Reason = "already_handled"
)

// SensitiveCategories are never auto-sent regardless of workspace settings.
var SensitiveCategories = []string{"personal", "financial", "security", "support", "legal"}

// Policy is the slice of workspace auto-send settings the gate consults.
type Policy struct {
	Enabled        bool
	Paused         bool
	Threshold      float64
	SkipCategories []string
}

// Input describes the draft and message under evaluation.
type Input struct {
	Confidence float64
	Priority   string
	Category   string
	// Flagged is set when the draft or message is already marked for review.
	Flagged bool
}

// Result carries the decision and why it was made. Gap is threshold minus
// confidence and only set for low-confidence holds.
type Result struct {
	Decision Decision
	Reason   Reason
	Detail   string
	Gap      float64
}

// Evaluate applies the auto-send rules in order: disabled or paused, high
// priority, sensitive category, confidence threshold.
func Evaluate(in Input, p Policy) Result {
	confidence := Clamp(in.Confidence)
	threshold := Clamp(p.Threshold)

	if !p.Enabled {
		return Result{Decision: Skip, Reason: ReasonAutoSendDisabled, Detail: "auto-send is disabled for this workspace"}
	}
	if p.Paused {
		return Result{Decision: Skip, Reason: ReasonAutoSendPaused, Detail: "auto-send is paused for this workspace"}
	}

	priority := normalize(in.Priority)
	if priority == "urgent" || priority == "high" {
		return flaggedOrSkip(in.Flagged, ReasonHighPriority, fmt.Sprintf("priority %q is never auto-sent", priority))
	}

	category := normalize(in.Category)
	if IsSensitive(category, p.SkipCategories) {
		return flaggedOrSkip(in.Flagged, ReasonSensitiveCategory, fmt.Sprintf("category %q requires a human", category))
	}

	if confidence < threshold {
		gap := threshold - confidence
		return Result{
			Decision: HoldForReview,
			Reason:   ReasonLowConfidence,
			Detail:   fmt.Sprintf("confidence %.2f is %.2f below threshold %.2f", confidence, gap, threshold),
			Gap:      gap,
		}
	}

	return Result{Decision: AutoSend, Reason: ReasonPassed}
}

func flaggedOrSkip(flagged bool, reason Reason, detail string) Result {
	if flagged {
		return Result{Decision: HoldForReview, Reason: reason, Detail: detail}
	}
	return Result{Decision: Skip, Reason: reason, Detail: detail}
}

// IsSensitive reports whether category is in the fixed sensitive set or the
// workspace skip-list. Comparison is case-insensitive.
func IsSensitive(category string, extra []string) bool {
	category = normalize(category)
	if category == "" {
		return false
	}
	for _, c := range SensitiveCategories {
		if c == category {
			return true
		}
	}
	for _, c := range extra {
		if normalize(c) == category {
			return true
		}
	}
	return false
}

// Clamp maps any float into [0,1]. NaN becomes 0.
func Clamp(v float64) float64 {
	switch {
	case math.IsNaN(v):
		return 0
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

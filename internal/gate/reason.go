package gate

// reasonText is what a reviewer sees instead of the raw code.
var reasonText = map[Reason]string{
	ReasonPassed:               "passed all checks",
	ReasonAutoSendDisabled:     "auto-send disabled",
	ReasonAutoSendPaused:       "auto-send paused",
	ReasonHighPriority:         "high priority",
	ReasonSensitiveCategory:    "sensitive category",
	ReasonLowConfidence:        "low confidence",
	ReasonNoCalendarMatch:      "no calendar match",
	ReasonClassificationFailed: "classification failed",
	ReasonSchedulingFailed:     "could not schedule send",
	ReasonNoPolicy:             "no workspace policy",
	ReasonManualFlag:           "flagged for review",
	ReasonDraftFailed:          "draft generation failed",
	ReasonAlreadyHandled:       "already handled",
}

// Describe returns the human-readable form of a reason code. Unknown codes
// are returned with underscores replaced by spaces.
func Describe(r Reason) string {
	if text, ok := reasonText[r]; ok {
		return text
	}
	if r == "" {
		return reasonText[ReasonManualFlag]
	}
	out := []byte(r)
	for i, b := range out {
		if b == '_' {
			out[i] = ' '
		}
	}
	return string(out)
}

package external

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
)

// Errors returned while adjudicating through the reasoning service
var (
	ErrMissingField  = errors.New("verdict is missing a required field")
	ErrInvalidStatus = errors.New("verdict has an invalid status")
	ErrInvalidAmount = errors.New("verdict has an invalid amount")
	ErrMalformedJSON = errors.New("verdict is not valid JSON")
	ErrRunFailed     = errors.New("assistant run did not complete")
	ErrTimeout       = errors.New("assistant run timed out")
)

// Verdict statuses the reasoning service may return
const (
	VerdictApproved           = "approved"
	VerdictRejected           = "rejected"
	VerdictAdjustmentRequired = "adjustment_required"
)

// Verdict is a validated adjudication returned by the reasoning service.
type Verdict struct {
	Status        string  `json:"status"`
	ApprovedTotal float64 `json:"approved_total"`
	FlaggedExcess float64 `json:"flagged_excess"`
	Reason        string  `json:"reason"`
}

// ParseVerdict decodes and validates the assistant's reply. The reply may be
// wrapped in a markdown code fence. Fields beyond the four required ones are ignored.
func ParseVerdict(text string) (*Verdict, error) {
	body := stripFence(text)

	dec := json.NewDecoder(strings.NewReader(body))
	dec.UseNumber()
	var raw map[string]json.RawMessage
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedJSON, err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: unexpected data after the verdict object", ErrMalformedJSON)
	}

	statusRaw, ok := raw["status"]
	if !ok {
		statusRaw, ok = raw["claim_status"]
	}
	if !ok {
		return nil, fmt.Errorf("%w: status", ErrMissingField)
	}
	for _, field := range []string{"approved_total", "flagged_excess", "reason"} {
		if _, ok := raw[field]; !ok {
			return nil, fmt.Errorf("%w: %s", ErrMissingField, field)
		}
	}

	var status string
	if err := json.Unmarshal(statusRaw, &status); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidStatus, string(statusRaw))
	}
	status = strings.ToLower(strings.TrimSpace(status))
	switch status {
	case VerdictApproved, VerdictRejected, VerdictAdjustmentRequired:
	case "flagged":
		status = VerdictAdjustmentRequired
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}

	approved, err := parseAmount("approved_total", raw["approved_total"])
	if err != nil {
		return nil, err
	}
	excess, err := parseAmount("flagged_excess", raw["flagged_excess"])
	if err != nil {
		return nil, err
	}

	return &Verdict{
		Status:        status,
		ApprovedTotal: approved,
		FlaggedExcess: excess,
		Reason:        parseReason(raw["reason"]),
	}, nil
}

func stripFence(text string) string {
	s := strings.TrimSpace(text)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

// parseAmount accepts a JSON number or a numeric string.
func parseAmount(field string, raw json.RawMessage) (float64, error) {
	trimmed := bytes.TrimSpace(raw)

	var text string
	if len(trimmed) > 0 && trimmed[0] == '"' {
		if err := json.Unmarshal(trimmed, &text); err != nil {
			return 0, fmt.Errorf("%w: %s", ErrInvalidAmount, field)
		}
		text = strings.TrimSpace(text)
	} else {
		text = string(trimmed)
	}

	v, err := strconv.ParseFloat(text, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("%w: %s=%s", ErrInvalidAmount, field, string(trimmed))
	}
	if v < 0 {
		return 0, fmt.Errorf("%w: %s must be non-negative", ErrInvalidAmount, field)
	}
	return v, nil
}

func parseReason(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(bytes.TrimSpace(raw))
}

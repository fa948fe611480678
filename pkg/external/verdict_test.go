package external

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseVerdict(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected *Verdict
		err      error
	}{
		{
			name:  "plain json",
			input: `{"status":"approved","approved_total":120.5,"flagged_excess":0,"reason":"Within formulary"}`,
			expected: &Verdict{Status: "approved", ApprovedTotal: 120.5, Reason: "Within formulary"},
		},
		{
			name:  "fenced with legacy status key",
			input: "```json\n{\"claim_status\":\" Rejected \",\"approved_total\":\"0\",\"flagged_excess\":\"0\",\"reason\":\"No cover\"}\n```",
			expected: &Verdict{Status: "rejected", Reason: "No cover"},
		},
		{
			name:  "flagged alias",
			input: `{"status":"flagged","approved_total":50,"flagged_excess":"12.25","reason":"Excess dosage"}`,
			expected: &Verdict{Status: "adjustment_required", ApprovedTotal: 50, FlaggedExcess: 12.25, Reason: "Excess dosage"},
		},
		{
			name:  "extra fields ignored",
			input: `{"status":"approved","approved_total":1,"flagged_excess":0,"reason":"ok","confidence":0.9}`,
			expected: &Verdict{Status: "approved", ApprovedTotal: 1, Reason: "ok"},
		},
		{
			name:  "missing reason",
			input: `{"status":"approved","approved_total":10,"flagged_excess":0}`,
			err:   ErrMissingField,
		},
		{
			name:  "missing status",
			input: `{"approved_total":10,"flagged_excess":0,"reason":"x"}`,
			err:   ErrMissingField,
		},
		{
			name:  "unknown status",
			input: `{"status":"pending","approved_total":10,"flagged_excess":0,"reason":"x"}`,
			err:   ErrInvalidStatus,
		},
		{
			name:  "non numeric amount",
			input: `{"status":"approved","approved_total":"ten","flagged_excess":0,"reason":"x"}`,
			err:   ErrInvalidAmount,
		},
		{
			name:  "negative amount",
			input: `{"status":"approved","approved_total":-1,"flagged_excess":0,"reason":"x"}`,
			err:   ErrInvalidAmount,
		},
		{
			name:  "null amount",
			input: `{"status":"approved","approved_total":null,"flagged_excess":0,"reason":"ok"}`,
			err:   ErrInvalidAmount,
		},
		{
			name:  "null excess",
			input: `{"status":"approved","approved_total":10,"flagged_excess":null,"reason":"ok"}`,
			err:   ErrInvalidAmount,
		},
		{
			name:  "trailing data",
			input: `{"status":"approved","approved_total":10,"flagged_excess":0,"reason":"ok"} trailing garbage`,
			err:   ErrMalformedJSON,
		},
		{
			name:  "second object",
			input: "```json\n{\"status\":\"approved\",\"approved_total\":10,\"flagged_excess\":0,\"reason\":\"ok\"}\n{}\n```",
			err:   ErrMalformedJSON,
		},
		{
			name:  "trailing whitespace",
			input: "{\"status\":\"approved\",\"approved_total\":10,\"flagged_excess\":0,\"reason\":\"ok\"}\n\n",
			expected: &Verdict{Status: "approved", ApprovedTotal: 10, Reason: "ok"},
		},
		{
			name:  "not json",
			input: "I think this claim should be approved.",
			err:   ErrMalformedJSON,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, err := ParseVerdict(tt.input)
			if tt.err != nil {
				require.Error(t, err)
				assert.True(t, errors.Is(err, tt.err), "got %v", err)
				assert.Nil(t, v)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, v)
		})
	}
}

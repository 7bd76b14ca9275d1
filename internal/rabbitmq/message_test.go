package rabbitmq

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorkUnitMessageRoundTrip(t *testing.T) {
	msg := WorkUnitMessage{Kind: "batch", JobID: "65f0c0ffee", BatchID: "b-1"}

	body, err := msg.Encode()
	require.NoError(t, err)
	assert.JSONEq(t, `{"kind":"batch","job_id":"65f0c0ffee","batch_id":"b-1"}`, string(body))

	decoded, err := DecodeWorkUnitMessage(body)
	require.NoError(t, err)
	assert.Equal(t, msg, decoded)
	assert.Equal(t, "b-1", msg.Headers()["batch_id"])
}

func TestDecodeWorkUnitMessageRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"not json", `{`},
		{"unknown kind", `{"kind":"export","job_id":"j"}`},
		{"batch without id", `{"kind":"batch","job_id":"j"}`},
		{"missing job", `{"kind":"cohort"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeWorkUnitMessage([]byte(tt.body))
			assert.Error(t, err)
		})
	}

	cohort, err := DecodeWorkUnitMessage([]byte(`{"kind":"cohort","job_id":"j"}`))
	require.NoError(t, err)
	assert.NotContains(t, cohort.Headers(), "batch_id")
}

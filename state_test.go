package warehouse

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStateNames(t *testing.T) {
	for _, s := range []State{StatePending, StateRunning, StateSucceeded, StateFailed, StateCanceled, StateClosed} {
		parsed, err := ParseState(s.String())
		require.NoError(t, err)
		assert.Equal(t, s, parsed)
	}
	assert.Equal(t, "UNKNOWN(0)", StateUnknown.String())

	_, err := ParseState("succeeded")
	assert.Error(t, err)
}

func TestStateJSON(t *testing.T) {
	var status StatementStatus
	require.NoError(t, json.Unmarshal([]byte(`{"state":"RUNNING"}`), &status))
	assert.Equal(t, StateRunning, status.State)

	b, err := json.Marshal(StatementStatus{State: StateCanceled})
	require.NoError(t, err)
	assert.JSONEq(t, `{"state":"CANCELED"}`, string(b))

	assert.Error(t, json.Unmarshal([]byte(`{"state":"QUEUED"}`), &status))
	_, err = json.Marshal(StatementStatus{})
	assert.Error(t, err)
}

func TestStatePredicates(t *testing.T) {
	assert.True(t, StatePending.InProgress())
	assert.True(t, StateRunning.InProgress())
	assert.False(t, StateSucceeded.InProgress())

	for _, s := range []State{StateSucceeded, StateFailed, StateCanceled, StateClosed} {
		assert.True(t, s.Terminal(), s.String())
	}
	assert.False(t, StateRunning.Terminal())
}

func TestStateAdvance(t *testing.T) {
	tests := []struct {
		name    string
		from    State
		to      State
		want    State
		wantErr bool
	}{
		{"pending to pending", StatePending, StatePending, StatePending, false},
		{"pending to running", StatePending, StateRunning, StateRunning, false},
		{"pending to succeeded", StatePending, StateSucceeded, StateSucceeded, false},
		{"running to failed", StateRunning, StateFailed, StateFailed, false},
		{"running to canceled", StateRunning, StateCanceled, StateCanceled, false},
		{"running back to pending", StateRunning, StatePending, StateRunning, true},
		{"running to unknown", StateRunning, StateUnknown, StateRunning, true},
		{"succeeded is sticky", StateSucceeded, StateRunning, StateSucceeded, false},
		{"failed is sticky", StateFailed, StateSucceeded, StateFailed, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.from.Advance(tt.to)
			assert.Equal(t, tt.want, got)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrProtocol)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

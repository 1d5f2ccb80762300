package models

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRentalSession_Validate_SSHIffRunning(t *testing.T) {
	creds := &SSHCredentials{Host: "10.0.0.1", Port: 22, Username: "root", Password: "pw"}

	tests := []struct {
		name    string
		state   SessionState
		ssh     *SSHCredentials
		wantErr bool
	}{
		{"running with ssh", StateRunning, creds, false},
		{"running without ssh", StateRunning, nil, true},
		{"pending without ssh", StatePending, nil, false},
		{"pending with ssh", StatePending, creds, true},
		{"stopped without ssh", StateStopped, nil, false},
		{"stopped with ssh", StateStopped, creds, true},
		{"cancelled without ssh", StateCancelled, nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := &RentalSession{ID: "s-1", State: tt.state, SSH: tt.ssh}
			err := s.Validate()
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrSSHStateMismatch)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestRentalSession_Validate_UnknownState(t *testing.T) {
	s := &RentalSession{ID: "s-1", State: "BOGUS"}
	assert.Error(t, s.Validate())
}

func TestRentalSession_CanTransition(t *testing.T) {
	pending := &RentalSession{State: StatePending}
	assert.True(t, pending.CanTransition(StateRunning))
	assert.True(t, pending.CanTransition(StateCancelled))
	assert.True(t, pending.CanTransition(StateStopped))

	running := &RentalSession{State: StateRunning}
	assert.True(t, running.CanTransition(StateStopped))
	assert.False(t, running.CanTransition(StateCancelled))
	assert.False(t, running.CanTransition(StatePending))

	for _, terminal := range []SessionState{StateStopped, StateCancelled} {
		s := &RentalSession{State: terminal}
		assert.True(t, s.IsTerminal())
		for _, to := range []SessionState{StatePending, StateRunning, StateStopped, StateCancelled} {
			assert.False(t, s.CanTransition(to), "%s -> %s", terminal, to)
		}
	}
}

func TestRentalSession_JSONDecode(t *testing.T) {
	raw := `{
		"id": "sess-1",
		"rental_id": "7",
		"node_id": "node-a",
		"provider": "0x00000000000000000000000000000000000000aa",
		"state": "RUNNING",
		"tx_hash": "0xabc",
		"price_per_second": "1000000000000000",
		"created_at": "2026-01-02T03:04:05Z",
		"extended_until": "2026-01-02T05:04:05Z",
		"extension_count": 1,
		"ssh": {"host": "1.2.3.4", "port": 2222, "username": "ubuntu", "password": "secret"}
	}`

	var s RentalSession
	require.NoError(t, json.Unmarshal([]byte(raw), &s))
	require.NoError(t, s.Validate())

	assert.Equal(t, "7", s.RentalID.String())
	assert.Equal(t, "3600000000000000000", s.PricePerHour().String())
	assert.Equal(t, time.Date(2026, 1, 2, 5, 4, 5, 0, time.UTC), *s.ExtendedUntil)
	assert.Equal(t, "ssh -p 2222 ubuntu@1.2.3.4", s.SSH.Command())
}

func TestSessionList_Filters(t *testing.T) {
	list := SessionList{Sessions: []RentalSession{
		{ID: "a", State: StatePending},
		{ID: "b", State: StateRunning},
		{ID: "c", State: StateStopped},
		{ID: "d", State: StatePending},
	}}

	assert.Len(t, list.Pending(), 2)
	assert.Len(t, list.Running(), 1)

	s, ok := list.Find("c")
	require.True(t, ok)
	assert.Equal(t, StateStopped, s.State)

	_, ok = list.Find("zzz")
	assert.False(t, ok)
}

package audit_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meshbroker/broker/internal/audit"
	"github.com/meshbroker/broker/internal/store/storetest"
)

func TestWrite_ThenRecent(t *testing.T) {
	ctx := context.Background()
	l := audit.New(storetest.New())

	l.Write(ctx, audit.EventAgentRegister, map[string]interface{}{"agent_id": "alice/web"})
	l.Write(ctx, audit.EventAuthFailure, map[string]interface{}{"reason": "bad token"})

	entries, err := l.Recent(ctx, 10, "")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	// Head-inserted: newest first.
	assert.Equal(t, audit.EventAuthFailure, entries[0].Event)
	assert.Equal(t, audit.EventAgentRegister, entries[1].Event)
}

func TestRecent_FiltersByEvent(t *testing.T) {
	ctx := context.Background()
	l := audit.New(storetest.New())

	l.Write(ctx, audit.EventAgentRegister, nil)
	l.Write(ctx, audit.EventAuthFailure, nil)
	l.Write(ctx, audit.EventAgentRegister, nil)

	entries, err := l.Recent(ctx, 10, audit.EventAgentRegister)
	require.NoError(t, err)
	assert.Len(t, entries, 2)
	for _, e := range entries {
		assert.Equal(t, audit.EventAgentRegister, e.Event)
	}
}

func TestRecent_RespectsLimit(t *testing.T) {
	ctx := context.Background()
	l := audit.New(storetest.New())

	for i := 0; i < 5; i++ {
		l.Write(ctx, audit.EventAgentRegister, nil)
	}

	entries, err := l.Recent(ctx, 3, "")
	require.NoError(t, err)
	assert.Len(t, entries, 3)
}

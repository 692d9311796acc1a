package notify_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meshbroker/broker/internal/notify"
	"github.com/meshbroker/broker/internal/store/storetest"
)

func threePending(context.Context) (int64, error) { return 3, nil }

func TestNotify_WaitReturnsReadyOnToken(t *testing.T) {
	ctx := context.Background()
	fake := storetest.New()
	ch := notify.New(fake, 16)

	require.NoError(t, ch.Notify(ctx, "alice"))

	res, err := ch.Wait(ctx, "alice", time.Second, threePending)
	require.NoError(t, err)
	assert.Equal(t, "ready", res.Status)
	assert.Equal(t, int64(3), res.Pending)
}

func TestNotify_WaitTimesOutWithNoToken(t *testing.T) {
	ctx := context.Background()
	fake := storetest.New()
	ch := notify.New(fake, 16)

	res, err := ch.Wait(ctx, "alice", 150*time.Millisecond, threePending)
	require.NoError(t, err)
	assert.Equal(t, "timeout", res.Status)
}

func TestNotify_TokensCappedByTrim(t *testing.T) {
	ctx := context.Background()
	fake := storetest.New()
	ch := notify.New(fake, 2)

	for i := 0; i < 5; i++ {
		require.NoError(t, ch.Notify(ctx, "alice"))
	}

	n, err := fake.ListLen(ctx, "notify:alice")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestNotify_WaitWakesOnLateNotify(t *testing.T) {
	ctx := context.Background()
	fake := storetest.New()
	ch := notify.New(fake, 16)

	go func() {
		time.Sleep(50 * time.Millisecond)
		_ = ch.Notify(ctx, "alice")
	}()

	res, err := ch.Wait(ctx, "alice", 2*time.Second, threePending)
	require.NoError(t, err)
	assert.Equal(t, "ready", res.Status)
}

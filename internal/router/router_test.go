package router_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meshbroker/broker/internal/inbox"
	"github.com/meshbroker/broker/internal/notify"
	"github.com/meshbroker/broker/internal/router"
	"github.com/meshbroker/broker/internal/store/storetest"
)

func TestWaitForResponse_RoundTrip(t *testing.T) {
	ctx := context.Background()
	fake := storetest.New()
	n := notify.New(fake, 16)
	e := inbox.New(fake, n, 24*time.Hour, 20)
	r := router.New(fake)

	sent, err := e.Send(ctx, "a", "b", "hi", "")
	require.NoError(t, err)

	go func() {
		time.Sleep(30 * time.Millisecond)
		_, _ = e.Reply(ctx, sent.ID, "b", "ok", "success")
	}()

	reply, err := r.WaitForResponse(ctx, "a", sent.ID, 5*time.Second)
	require.NoError(t, err)
	require.NotNil(t, reply)
	assert.Equal(t, "ok", reply.Message)
}

func TestWaitForResponse_OutOfOrderPutsBackAtTail(t *testing.T) {
	ctx := context.Background()
	fake := storetest.New()
	n := notify.New(fake, 16)
	e := inbox.New(fake, n, 24*time.Hour, 20)
	r := router.New(fake)

	m1, err := e.Send(ctx, "a", "b", "first", "")
	require.NoError(t, err)
	m2, err := e.Send(ctx, "a", "b", "second", "")
	require.NoError(t, err)

	// b replies to m2 first, then m1 — the waiter on m1 must still get
	// m1's reply, unaffected by ordering.
	_, err = e.Reply(ctx, m2.ID, "b", "reply-to-2", "success")
	require.NoError(t, err)
	_, err = e.Reply(ctx, m1.ID, "b", "reply-to-1", "success")
	require.NoError(t, err)

	reply, err := r.WaitForResponse(ctx, "a", m1.ID, 5*time.Second)
	require.NoError(t, err)
	require.NotNil(t, reply)
	assert.Equal(t, "reply-to-1", reply.Message)

	// The other waiter's reply must still be there, at the tail.
	reply2, err := r.WaitForResponse(ctx, "a", m2.ID, 5*time.Second)
	require.NoError(t, err)
	require.NotNil(t, reply2)
	assert.Equal(t, "reply-to-2", reply2.Message)
}

func TestWaitForResponse_TimesOut(t *testing.T) {
	ctx := context.Background()
	fake := storetest.New()
	r := router.New(fake)

	reply, err := r.WaitForResponse(ctx, "a", "a::b::12345678", 1100*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, reply)
}

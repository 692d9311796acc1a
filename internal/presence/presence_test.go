package presence_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meshbroker/broker/internal/brokererr"
	"github.com/meshbroker/broker/internal/presence"
	"github.com/meshbroker/broker/internal/store/storetest"
)

func newRegistry(t *testing.T, liveness time.Duration) *presence.Registry {
	t.Helper()
	return presence.New(storetest.New(), liveness)
}

func TestRegister_CreatesNewAgent(t *testing.T) {
	ctx := context.Background()
	reg := newRegistry(t, 90*time.Second)

	rec, err := reg.Register(ctx, "alice/web", "s1", []string{"code"})
	require.NoError(t, err)
	assert.Equal(t, "alice/web", rec.ID)
	assert.Equal(t, presence.StatusOnline, rec.Status)
}

func TestRegister_SameSessionUpdatesInPlace(t *testing.T) {
	ctx := context.Background()
	reg := newRegistry(t, 90*time.Second)

	first, err := reg.Register(ctx, "alice/web", "s1", []string{"code"})
	require.NoError(t, err)

	second, err := reg.Register(ctx, "alice/web", "s1", []string{"code", "shell"})
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, []string{"code", "shell"}, second.Capabilities)
}

func TestRegister_CollisionWhileOnlineGetsSuffix(t *testing.T) {
	ctx := context.Background()
	reg := newRegistry(t, 90*time.Second)

	_, err := reg.Register(ctx, "alice/web", "s1", nil)
	require.NoError(t, err)

	second, err := reg.Register(ctx, "alice/web", "s2", nil)
	require.NoError(t, err)
	assert.Equal(t, "alice/web-2", second.ID)
}

func TestRegister_OfflineSlotIsReused(t *testing.T) {
	ctx := context.Background()
	reg := newRegistry(t, 50*time.Millisecond)

	_, err := reg.Register(ctx, "alice/web", "s1", nil)
	require.NoError(t, err)

	time.Sleep(100 * time.Millisecond)

	third, err := reg.Register(ctx, "alice/web", "s3", nil)
	require.NoError(t, err)
	assert.Equal(t, "alice/web", third.ID, "offline slot should be reused rather than suffixed")
}

func TestRegister_SkipsOnlineSuffixes(t *testing.T) {
	ctx := context.Background()
	reg := newRegistry(t, 90*time.Second)

	_, err := reg.Register(ctx, "alice/web", "s1", nil)
	require.NoError(t, err)
	_, err = reg.Register(ctx, "alice/web", "s2", nil)
	require.NoError(t, err)

	third, err := reg.Register(ctx, "alice/web", "s3", nil)
	require.NoError(t, err)
	assert.Equal(t, "alice/web-3", third.ID)
}

func TestGet_NotFound(t *testing.T) {
	ctx := context.Background()
	reg := newRegistry(t, 90*time.Second)

	_, err := reg.Get(ctx, "nobody")
	assert.Equal(t, brokererr.AgentNotFound, brokererr.CodeOf(err))
}

func TestSetDescription_NotFound(t *testing.T) {
	ctx := context.Background()
	reg := newRegistry(t, 90*time.Second)

	_, err := reg.SetDescription(ctx, "nobody", "x")
	assert.Equal(t, brokererr.AgentNotFound, brokererr.CodeOf(err))
}

func TestSetDescription_Updates(t *testing.T) {
	ctx := context.Background()
	reg := newRegistry(t, 90*time.Second)

	_, err := reg.Register(ctx, "alice/web", "s1", nil)
	require.NoError(t, err)

	rec, err := reg.SetDescription(ctx, "alice/web", "does stuff")
	require.NoError(t, err)
	assert.Equal(t, "does stuff", rec.Description)
}

func TestList_SortedAndOnline(t *testing.T) {
	ctx := context.Background()
	reg := newRegistry(t, 90*time.Second)

	_, err := reg.Register(ctx, "bob/api", "s1", nil)
	require.NoError(t, err)
	_, err = reg.Register(ctx, "alice/web", "s1", nil)
	require.NoError(t, err)

	list, err := reg.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "alice/web", list[0].ID)
	assert.Equal(t, "bob/api", list[1].ID)

	online, err := reg.CountOnline(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, online)
}

func TestRemove_NotFound(t *testing.T) {
	ctx := context.Background()
	reg := newRegistry(t, 90*time.Second)

	err := reg.Remove(ctx, "nobody", nil)
	assert.Equal(t, brokererr.AgentNotFound, brokererr.CodeOf(err))
}

func TestRemove_DeletesAgent(t *testing.T) {
	ctx := context.Background()
	reg := newRegistry(t, 90*time.Second)

	_, err := reg.Register(ctx, "alice/web", "s1", nil)
	require.NoError(t, err)

	require.NoError(t, reg.Remove(ctx, "alice/web", nil))
	_, err = reg.Get(ctx, "alice/web")
	assert.Equal(t, brokererr.AgentNotFound, brokererr.CodeOf(err))
}

func TestRemoveByPattern(t *testing.T) {
	ctx := context.Background()
	reg := newRegistry(t, 90*time.Second)

	_, err := reg.Register(ctx, "alice/web", "s1", nil)
	require.NoError(t, err)
	_, err = reg.Register(ctx, "alice/api", "s1", nil)
	require.NoError(t, err)
	_, err = reg.Register(ctx, "bob/web", "s1", nil)
	require.NoError(t, err)

	removed, err := reg.RemoveByPattern(ctx, "alice/*", nil)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"alice/web", "alice/api"}, removed)

	list, err := reg.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "bob/web", list[0].ID)
}

func TestFindByBase(t *testing.T) {
	ctx := context.Background()
	reg := newRegistry(t, 90*time.Second)

	_, err := reg.Register(ctx, "alice/web", "s1", nil)
	require.NoError(t, err)

	found, err := reg.FindByBase(ctx, "alice")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, "alice/web", found.ID)

	missing, err := reg.FindByBase(ctx, "carol")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

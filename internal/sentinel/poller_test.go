package sentinel

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nathanregner/hydra-sentinel/internal/hydra"
	"github.com/nathanregner/hydra-sentinel/internal/model"
)

func TestQueuePoller_UpdatesStore(t *testing.T) {
	store := newTestStore(t, time.Minute, bogusMachine())
	client := &stubHydra{queue: []hydra.Build{
		{Project: "nixpkgs", Jobset: "trunk", System: model.X86_64Linux, Finished: true},
		{Project: "nixpkgs", Jobset: "trunk", System: model.Aarch64Darwin},
	}}
	poller := NewQueuePoller(zerolog.Nop(), store, client)

	sub := store.Subscribe()
	defer sub.Close()

	poller.poll(context.Background())
	requireTick(t, sub)

	handle, err := store.Connect("bogus", time.Now())
	require.NoError(t, err)
	defer handle.Release()

	// Finished builds count too: the whole queue feeds the set.
	assert.True(t, handle.Wanted())
}

func TestQueuePoller_SkipsFailedPolls(t *testing.T) {
	store := newTestStore(t, time.Minute, bogusMachine())
	store.UpdateQueued([]model.System{model.X86_64Linux})

	client := &stubHydra{err: assert.AnError}
	poller := NewQueuePoller(zerolog.Nop(), store, client)

	sub := store.Subscribe()
	defer sub.Close()

	// A failed poll leaves the queued set untouched and fires no tick.
	poller.poll(context.Background())
	requireNoTick(t, sub)

	handle, err := store.Connect("bogus", time.Now())
	require.NoError(t, err)
	defer handle.Release()
	assert.True(t, handle.Wanted())
}

func TestQueuePoller_EmptyQueueClearsSet(t *testing.T) {
	store := newTestStore(t, time.Minute, bogusMachine())
	store.UpdateQueued([]model.System{model.X86_64Linux})

	client := &stubHydra{}
	poller := NewQueuePoller(zerolog.Nop(), store, client)

	sub := store.Subscribe()
	defer sub.Close()

	poller.poll(context.Background())
	requireTick(t, sub)

	handle, err := store.Connect("bogus", time.Now())
	require.NoError(t, err)
	defer handle.Release()
	assert.False(t, handle.Wanted())
}

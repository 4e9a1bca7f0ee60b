package presence

import (
	"context"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tunecast/server/internal/broker"
	"github.com/tunecast/server/internal/models"
	"github.com/tunecast/server/internal/observability"
	"github.com/tunecast/server/internal/protocol"
)

type fakeDeviceStore struct {
	mu      sync.Mutex
	devices map[string]*models.Device // by token
}

func newFakeDeviceStore(tokens ...string) *fakeDeviceStore {
	s := &fakeDeviceStore{devices: make(map[string]*models.Device)}
	for _, tok := range tokens {
		s.devices[tok] = &models.Device{ID: "dev-" + tok, Token: tok, Status: models.DeviceOffline}
	}
	return s
}

func (s *fakeDeviceStore) GetByToken(_ context.Context, token string) (*models.Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.devices[token]
	if !ok {
		return nil, nil
	}
	cp := *d
	return &cp, nil
}

func (s *fakeDeviceStore) UpdatePresence(_ context.Context, deviceID string, status models.DeviceStatus, lastSeenAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range s.devices {
		if d.ID == deviceID {
			d.Status = status
			seen := lastSeenAt
			d.LastSeenAt = &seen
		}
	}
	return nil
}

func (s *fakeDeviceStore) status(token string) models.DeviceStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.devices[token].Status
}

func startTracker(t *testing.T, b broker.Broker, store DeviceStore, ttl time.Duration) *Tracker {
	t.Helper()
	tr := NewTracker(b, store, ttl, observability.NewDiscardLogger(), nil)
	require.NoError(t, tr.Start(context.Background()))
	t.Cleanup(func() { _ = tr.Stop(context.Background()) })
	return tr
}

func publishPresence(t *testing.T, b broker.Broker, token string, status models.DeviceStatus) {
	t.Helper()
	rec := models.NewPresenceRecord(token, status, nil, time.Now())
	env := protocol.MustEncode(protocol.PresenceUpdate{
		Channel: protocol.PresenceChannel(token),
		Event:   protocol.EventUpdate,
		Key:     token,
		Record:  &rec,
	})
	require.NoError(t, b.Publish(context.Background(), protocol.PresenceChannel(token), env))
}

func TestTracker_HeartbeatMarksOnline(t *testing.T) {
	b := broker.NewMemoryBroker(observability.NewDiscardLogger())
	defer b.Close()
	store := newFakeDeviceStore("a", "b")
	tr := startTracker(t, b, store, time.Minute)

	publishPresence(t, b, "a", models.DeviceOnline)
	require.Eventually(t, func() bool { return store.status("a") == models.DeviceOnline }, time.Second, time.Millisecond)
	assert.True(t, tr.IsOnline("a"))
	assert.False(t, tr.IsOnline("b"))

	publishPresence(t, b, "a", models.DeviceOnline)
	publishPresence(t, b, "a", models.DeviceOffline)
	require.Eventually(t, func() bool { return store.status("a") == models.DeviceOffline }, time.Second, time.Millisecond)
	assert.False(t, tr.IsOnline("a"))
	assert.Empty(t, tr.Snapshot())
}

func TestTracker_ChannelTokenIsAuthoritative(t *testing.T) {
	b := broker.NewMemoryBroker(observability.NewDiscardLogger())
	defer b.Close()
	tr := startTracker(t, b, newFakeDeviceStore("a"), time.Minute)

	rec := models.NewPresenceRecord("someone-else", models.DeviceOnline, nil, time.Now())
	env := protocol.MustEncode(protocol.PresenceUpdate{Event: protocol.EventUpdate, Record: &rec})
	require.NoError(t, b.Publish(context.Background(), protocol.PresenceChannel("a"), env))

	require.Eventually(t, func() bool { return tr.IsOnline("a") }, time.Second, time.Millisecond)
	assert.False(t, tr.IsOnline("someone-else"))
}

func TestTracker_ExpiresSilentDevices(t *testing.T) {
	b := broker.NewMemoryBroker(observability.NewDiscardLogger())
	defer b.Close()
	store := newFakeDeviceStore("a")
	tr := startTracker(t, b, store, 50*time.Millisecond)

	publishPresence(t, b, "a", models.DeviceOnline)
	require.Eventually(t, func() bool { return tr.IsOnline("a") }, time.Second, time.Millisecond)

	require.Eventually(t, func() bool {
		return !tr.IsOnline("a") && store.status("a") == models.DeviceOffline
	}, 2*time.Second, 5*time.Millisecond)
}

func TestTracker_LeaveMarksOffline(t *testing.T) {
	ctx := context.Background()
	b := broker.NewMemoryBroker(observability.NewDiscardLogger())
	defer b.Close()
	store := newFakeDeviceStore("a")
	tr := startTracker(t, b, store, time.Minute)

	sub, err := b.Subscribe(ctx, protocol.PresenceChannel("a"), "a", broker.Handlers{})
	require.NoError(t, err)
	publishPresence(t, b, "a", models.DeviceOnline)
	require.Eventually(t, func() bool { return tr.IsOnline("a") }, time.Second, time.Millisecond)

	require.NoError(t, b.Unsubscribe(ctx, sub))
	require.Eventually(t, func() bool { return store.status("a") == models.DeviceOffline }, time.Second, time.Millisecond)
	assert.False(t, tr.IsOnline("a"))
}

// Random connect/disconnect sequences of registries sharing one token never
// leave more than one live record for that token.
func TestTracker_AtMostOneRecordPerToken(t *testing.T) {
	ctx := context.Background()
	b := broker.NewMemoryBroker(observability.NewDiscardLogger())
	defer b.Close()
	tr := startTracker(t, b, newFakeDeviceStore("tok"), time.Minute)

	clock := clockwork.NewFakeClock()
	registries := make([]*Registry, 3)
	for i := range registries {
		r, err := NewRegistry(RegistryOptions{Broker: b, Clock: clock, Logger: observability.NewDiscardLogger()})
		require.NoError(t, err)
		registries[i] = r
		defer r.Cleanup(ctx)
	}

	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 60; i++ {
		r := registries[rng.Intn(len(registries))]
		if rng.Intn(2) == 0 {
			require.NoError(t, r.Initialize(ctx, "tok"))
		} else {
			require.NoError(t, r.Cleanup(ctx))
		}
		clock.Advance(5 * time.Second)

		records := 0
		for token, rec := range tr.Snapshot() {
			if token == "tok" && rec.IsOnline() {
				records++
			}
		}
		assert.LessOrEqual(t, records, 1)
	}
}

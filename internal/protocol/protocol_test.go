package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tunecast/server/internal/models"
)

func TestDecode(t *testing.T) {
	t.Run("sync playlist", func(t *testing.T) {
		msg, err := ParseMessage([]byte(`{"type":"sync_playlist","payload":{"messageId":"m1","playlist":{"id":"p1","name":"Morning","songs":[{"id":"s1","title":"A","artist":"B","streamUrl":"https://cdn/s1"}]}}}`))
		require.NoError(t, err)

		sp, ok := msg.(SyncPlaylist)
		require.True(t, ok)
		assert.Equal(t, "m1", sp.MessageID)
		assert.Equal(t, "p1", sp.Playlist.ID)
		require.Len(t, sp.Playlist.Songs, 1)
		assert.Equal(t, "https://cdn/s1", sp.Playlist.Songs[0].StreamURL)
	})

	t.Run("unknown type is not an error", func(t *testing.T) {
		msg, err := ParseMessage([]byte(`{"type":"volume_change","payload":{"level":3}}`))
		require.NoError(t, err)
		u, ok := msg.(Unknown)
		require.True(t, ok)
		assert.Equal(t, "volume_change", u.MessageType())
	})

	t.Run("malformed frame", func(t *testing.T) {
		_, err := ParseMessage([]byte(`{"type":`))
		assert.ErrorIs(t, err, ErrMalformed)
	})

	t.Run("missing type", func(t *testing.T) {
		_, err := ParseMessage([]byte(`{"payload":{}}`))
		assert.ErrorIs(t, err, ErrMalformed)
	})

	t.Run("wrong payload shape", func(t *testing.T) {
		_, err := ParseMessage([]byte(`{"type":"sync_success","payload":"oops"}`))
		assert.ErrorIs(t, err, ErrMalformed)
	})

	t.Run("ping without payload", func(t *testing.T) {
		msg, err := ParseMessage([]byte(`{"type":"ping"}`))
		require.NoError(t, err)
		assert.Equal(t, Ping{}, msg)
	})
}

func TestEncode(t *testing.T) {
	env := MustEncode(SyncError{MessageID: "m1", PlaylistID: "p1", Message: "disk full"})
	assert.Equal(t, TypeSyncError, env.Type)
	assert.JSONEq(t, `{"messageId":"m1","playlistId":"p1","message":"disk full"}`, string(env.Payload))

	rec := models.PresenceRecord{DeviceToken: "tok", Status: models.DeviceOnline}
	env = MustEncode(PresenceUpdate{Channel: PresenceChannel("tok"), Event: EventUpdate, Record: &rec})
	msg, err := Decode(env)
	require.NoError(t, err)
	pu := msg.(PresenceUpdate)
	require.NotNil(t, pu.Record)
	assert.True(t, pu.Record.IsOnline())

	env = MustEncode(Pong{})
	assert.Equal(t, Envelope{Type: TypePong}, env)
}

func TestChannels(t *testing.T) {
	assert.Equal(t, "presence_abc", PresenceChannel("abc"))
	assert.Equal(t, "device_abc", DeviceChannel("abc"))

	tests := []struct {
		channel    string
		wantPrefix string
		wantToken  string
		wantOK     bool
	}{
		{"presence_abc", PresencePrefix, "abc", true},
		{"device_x_y", DevicePrefix, "x_y", true},
		{"device_", "", "", false},
		{"branch_1", "", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.channel, func(t *testing.T) {
			prefix, token, ok := TokenFromChannel(tt.channel)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.wantPrefix, prefix)
			assert.Equal(t, tt.wantToken, token)
		})
	}

	assert.True(t, OwnsChannel("abc", "device_abc"))
	assert.False(t, OwnsChannel("abc", "device_abd"))
	assert.False(t, OwnsChannel("abc", "other"))
}

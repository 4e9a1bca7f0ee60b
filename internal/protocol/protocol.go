// Package protocol defines the envelope exchanged between devices, the
// gateway and the broker, and the typed messages carried inside it.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tunecast/server/internal/models"
)

// Envelope is the wire frame: {"type": "...", "payload": {...}}
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Message types
const (
	TypeAuthenticate   = "authenticate"
	TypeAuthSuccess    = "auth_success"
	TypeSyncPlaylist   = "sync_playlist"
	TypeSyncDevice     = "sync_device"
	TypeSyncSuccess    = "sync_success"
	TypeSyncError      = "sync_error"
	TypePresenceUpdate = "presence_update"
	TypeError          = "error"
	TypeSubscribe      = "subscribe"
	TypeUnsubscribe    = "unsubscribe"
	TypePublish        = "publish"
	TypePing           = "ping"
	TypePong           = "pong"
)

// Error codes carried by Error messages
const (
	CodeUnauthorized = "unauthorized"
	CodeForbidden    = "forbidden"
	CodeBadRequest   = "bad_request"
	CodeInternal     = "internal"
)

// Presence events carried by PresenceUpdate messages
const (
	EventJoin   = "join"
	EventLeave  = "leave"
	EventSync   = "sync"
	EventUpdate = "update"
)

// ErrMalformed is returned when a frame or payload cannot be decoded
var ErrMalformed = errors.New("malformed message")

// Message is implemented by every typed payload
type Message interface {
	MessageType() string
}

type Authenticate struct {
	Token string `json:"token"`
}

type AuthSuccess struct {
	DeviceID string `json:"deviceId"`
}

type SyncPlaylist struct {
	MessageID string                  `json:"messageId"`
	Playlist  models.PlaylistSnapshot `json:"playlist"`
}

type SyncDevice struct {
	DeviceID string `json:"deviceId"`
}

type SyncSuccess struct {
	MessageID  string `json:"messageId"`
	PlaylistID string `json:"playlistId"`
}

type SyncError struct {
	MessageID  string `json:"messageId"`
	PlaylistID string `json:"playlistId"`
	Message    string `json:"message"`
}

// PresenceUpdate reports a presence channel event. Record is set for
// EventUpdate, Key for EventJoin/EventLeave and Members for EventSync.
type PresenceUpdate struct {
	Channel string                 `json:"channel"`
	Event   string                 `json:"event"`
	Key     string                 `json:"key,omitempty"`
	Record  *models.PresenceRecord `json:"record,omitempty"`
	Members []string               `json:"members,omitempty"`
}

type Error struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

func (e Error) Error() string {
	if e.Code == "" {
		return e.Message
	}
	return e.Code + ": " + e.Message
}

type Subscribe struct {
	Channel string `json:"channel"`
	Key     string `json:"key,omitempty"`
}

type Unsubscribe struct {
	Channel string `json:"channel"`
}

// Publish asks the gateway to publish Message on Channel
type Publish struct {
	Channel string   `json:"channel"`
	Message Envelope `json:"message"`
}

type Ping struct{}

type Pong struct{}

// Unknown carries a frame whose type is not recognised
type Unknown struct {
	Type    string
	Payload json.RawMessage
}

func (Authenticate) MessageType() string   { return TypeAuthenticate }
func (AuthSuccess) MessageType() string    { return TypeAuthSuccess }
func (SyncPlaylist) MessageType() string   { return TypeSyncPlaylist }
func (SyncDevice) MessageType() string     { return TypeSyncDevice }
func (SyncSuccess) MessageType() string    { return TypeSyncSuccess }
func (SyncError) MessageType() string      { return TypeSyncError }
func (PresenceUpdate) MessageType() string { return TypePresenceUpdate }
func (Error) MessageType() string          { return TypeError }
func (Subscribe) MessageType() string      { return TypeSubscribe }
func (Unsubscribe) MessageType() string    { return TypeUnsubscribe }
func (Publish) MessageType() string        { return TypePublish }
func (Ping) MessageType() string           { return TypePing }
func (Pong) MessageType() string           { return TypePong }
func (u Unknown) MessageType() string      { return u.Type }

// Encode wraps a typed message into an envelope
func Encode(m Message) (Envelope, error) {
	if u, ok := m.(Unknown); ok {
		return Envelope{Type: u.Type, Payload: u.Payload}, nil
	}
	switch m.(type) {
	case Ping, Pong:
		return Envelope{Type: m.MessageType()}, nil
	}
	payload, err := json.Marshal(m)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode %s: %w", m.MessageType(), err)
	}
	return Envelope{Type: m.MessageType(), Payload: payload}, nil
}

// MustEncode is Encode for messages built from plain fields, which cannot fail
func MustEncode(m Message) Envelope {
	env, err := Encode(m)
	if err != nil {
		panic(err)
	}
	return env
}

// Decode turns an envelope into its typed message. Unrecognised types decode
// to Unknown without error; bad payloads of known types return ErrMalformed.
func Decode(env Envelope) (Message, error) {
	switch env.Type {
	case TypeAuthenticate:
		return decode[Authenticate](env)
	case TypeAuthSuccess:
		return decode[AuthSuccess](env)
	case TypeSyncPlaylist:
		return decode[SyncPlaylist](env)
	case TypeSyncDevice:
		return decode[SyncDevice](env)
	case TypeSyncSuccess:
		return decode[SyncSuccess](env)
	case TypeSyncError:
		return decode[SyncError](env)
	case TypePresenceUpdate:
		return decode[PresenceUpdate](env)
	case TypeError:
		return decode[Error](env)
	case TypeSubscribe:
		return decode[Subscribe](env)
	case TypeUnsubscribe:
		return decode[Unsubscribe](env)
	case TypePublish:
		return decode[Publish](env)
	case TypePing:
		return Ping{}, nil
	case TypePong:
		return Pong{}, nil
	case "":
		return nil, fmt.Errorf("%w: missing type", ErrMalformed)
	default:
		return Unknown{Type: env.Type, Payload: env.Payload}, nil
	}
}

func decode[T Message](env Envelope) (Message, error) {
	var v T
	if len(env.Payload) == 0 || string(env.Payload) == "null" {
		return v, nil
	}
	if err := json.Unmarshal(env.Payload, &v); err != nil {
		return nil, fmt.Errorf("%w: %s payload: %v", ErrMalformed, env.Type, err)
	}
	return v, nil
}

// Parse reads one wire frame
func Parse(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if env.Type == "" {
		return Envelope{}, fmt.Errorf("%w: missing type", ErrMalformed)
	}
	return env, nil
}

// ParseMessage is Parse followed by Decode
func ParseMessage(data []byte) (Message, error) {
	env, err := Parse(data)
	if err != nil {
		return nil, err
	}
	return Decode(env)
}

// Marshal returns the wire form of the envelope
func (e Envelope) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

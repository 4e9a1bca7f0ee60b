package protocol

import "strings"

// Channel name prefixes
const (
	PresencePrefix = "presence_"
	DevicePrefix   = "device_"
)

// PresenceChannel returns the presence channel of a device
func PresenceChannel(token string) string {
	return PresencePrefix + token
}

// DeviceChannel returns the broadcast channel of a device
func DeviceChannel(token string) string {
	return DevicePrefix + token
}

// PresencePattern matches every presence channel
const PresencePattern = PresencePrefix + "*"

// TokenFromChannel splits a channel into its prefix and device token
func TokenFromChannel(channel string) (prefix, token string, ok bool) {
	for _, p := range []string{PresencePrefix, DevicePrefix} {
		if strings.HasPrefix(channel, p) && len(channel) > len(p) {
			return p, channel[len(p):], true
		}
	}
	return "", "", false
}

// OwnsChannel reports whether a device with token may use channel
func OwnsChannel(token, channel string) bool {
	_, t, ok := TokenFromChannel(channel)
	return ok && t == token
}

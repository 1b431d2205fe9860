package messagebus

import (
	"fmt"
	"strings"

	"github.com/ChristianBoehm/opsiconfd-sub000/internal/session"
)

// Channel shorthands a client may use instead of a concrete channel name.
// "$" is the session channel of the sending connection, "@" its user
// channel.
const (
	ShorthandSession = "$"
	ShorthandUser    = "@"
)

// SessionChannel returns the per-connection channel of a session.
func SessionChannel(s *session.Session) string {
	return "session:" + s.ID
}

// UserChannel returns the per-principal inbox: host:<id> for machine
// sessions, user:<name> for user sessions.
func UserChannel(s *session.Session) string {
	if s.HostID != "" {
		return "host:" + s.HostID
	}
	return "user:" + s.Username
}

// SenderID is the identity stamped into the sender field of messages a
// connection produces.
func SenderID(s *session.Session) string {
	return UserChannel(s)
}

// ExpandShorthand resolves the "$" and "@" channel shorthands against the
// sending session. Concrete channel names pass through unchanged.
func ExpandShorthand(channel string, s *session.Session) string {
	switch channel {
	case ShorthandSession:
		return SessionChannel(s)
	case ShorthandUser:
		return UserChannel(s)
	}
	return channel
}

// IsServiceChannel reports whether the channel is read through a consumer
// group, distributing each message to exactly one reader.
func IsServiceChannel(channel string) bool {
	return strings.HasPrefix(channel, "service:")
}

// IsEventChannel reports whether the channel fans out to every subscriber.
func IsEventChannel(channel string) bool {
	return strings.HasPrefix(channel, "event:")
}

// isUserChannel matches per-principal inboxes, the only channels with
// delivery tracking across reconnects.
func isUserChannel(channel string) bool {
	return strings.HasPrefix(channel, "user:") || strings.HasPrefix(channel, "host:")
}

// DefaultStart returns the initial cursor for a fresh subscription: user
// channels resume behind the last acknowledged message, everything else
// starts at the stream head.
func DefaultStart(channel string) string {
	if isUserChannel(channel) {
		return StartPending
	}
	return StartNew
}

// CheckRead decides whether a session may subscribe to a channel.
func CheckRead(s *session.Session, channel string) error {
	switch {
	case strings.HasPrefix(channel, "session:"):
		if channel != SessionChannel(s) {
			return fmt.Errorf("access to channel %q denied", channel)
		}
	case isUserChannel(channel):
		if channel != UserChannel(s) && !s.IsAdmin {
			return fmt.Errorf("access to channel %q denied", channel)
		}
	case IsServiceChannel(channel), IsEventChannel(channel):
		if !s.IsAdmin && !s.IsDepot {
			return fmt.Errorf("access to channel %q denied", channel)
		}
	default:
		return fmt.Errorf("invalid channel %q", channel)
	}
	return nil
}

// CheckWrite decides whether a session may produce into a channel.
func CheckWrite(s *session.Session, channel string) error {
	switch {
	case strings.HasPrefix(channel, "session:"):
		if channel != SessionChannel(s) && !s.IsAdmin && !s.IsDepot {
			return fmt.Errorf("write to channel %q denied", channel)
		}
	case isUserChannel(channel):
		if channel != UserChannel(s) && !s.IsAdmin && !s.IsDepot {
			return fmt.Errorf("write to channel %q denied", channel)
		}
	case IsServiceChannel(channel):
		// Any authenticated session may submit work to a service worker.
	case IsEventChannel(channel):
		return fmt.Errorf("write to channel %q denied", channel)
	default:
		return fmt.Errorf("invalid channel %q", channel)
	}
	return nil
}

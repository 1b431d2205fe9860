// Package session issues and persists the per-connection sessions behind
// the service cookie. Redis holds the durable copy; every node works on a
// private in-memory instance and detects concurrent writes through a
// version field.
package session

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// CookieName is the session cookie issued to clients.
const CookieName = "opsiconfd-session"

// Session lifetime limits a client may request via the lifetime header.
const (
	MinMaxAge = 1
	MaxMaxAge = 86400
)

// A websocket that talked to the message bus within this window makes the
// session look interactive; the cookie is then issued without Max-Age so
// browsers drop it with the tab.
const messagebusRecentWindow = 60

// Redis hash fields of one session record.
const (
	fieldClientAddr         = "client_addr"
	fieldUserAgent          = "user_agent"
	fieldCreated            = "created"
	fieldLastUsed           = "last_used"
	fieldMessagebusLastUsed = "messagebus_last_used"
	fieldMaxAge             = "max_age"
	fieldAuthenticated      = "authenticated"
	fieldIsAdmin            = "is_admin"
	fieldIsReadOnly         = "is_read_only"
	fieldUsername           = "username"
	fieldUserGroups         = "user_groups"
	fieldHostID             = "host_id"
	fieldIsDepot            = "is_depot"
	fieldVersion            = "version"
)

// Session is the server-side state bound to one client via the cookie id.
// Mutations go through the setter methods so the manager can persist only
// the changed fields.
type Session struct {
	ID         string
	ClientAddr string
	UserAgent  string

	Created            int64
	LastUsed           int64
	MessagebusLastUsed int64
	MaxAge             int

	Authenticated bool
	IsAdmin       bool
	IsReadOnly    bool
	Username      string
	UserGroups    []string
	HostID        string
	IsDepot       bool

	// Version changes on every store. Loaders compare it to detect writes
	// from other nodes.
	Version string

	mu      sync.Mutex
	dirty   map[string]bool
	isNew   bool
	deleted bool
	// Cookie shape at load time, to detect when Set-Cookie must be
	// re-emitted.
	loadedInteractive bool
	loadedMaxAge      int
}

// NewID returns a fresh opaque 128-bit session id as 32 hex characters.
func NewID() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		panic(fmt.Sprintf("session id entropy unavailable: %v", err))
	}
	return hex.EncodeToString(buf)
}

// newVersion returns a time-ordered UUID so observers of successive stores
// see an increasing sequence.
func newVersion() string {
	return uuid.Must(uuid.NewV7()).String()
}

func newSession(clientAddr, userAgent string, maxAge int) *Session {
	now := time.Now().Unix()
	return &Session{
		ID:           NewID(),
		ClientAddr:   clientAddr,
		UserAgent:    userAgent,
		Created:      now,
		LastUsed:     now,
		MaxAge:       maxAge,
		dirty:        make(map[string]bool),
		isNew:        true,
		loadedMaxAge: maxAge,
	}
}

func (s *Session) markDirty(fields ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dirty == nil {
		s.dirty = make(map[string]bool)
	}
	for _, f := range fields {
		s.dirty[f] = true
	}
}

// IsNew reports whether the session was created for the current request
// and has to be announced via Set-Cookie.
func (s *Session) IsNew() bool {
	return s.isNew
}

// Deleted reports whether the session was removed, here or on another node.
func (s *Session) Deleted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deleted
}

// Expired reports whether the idle timeout has passed.
func (s *Session) Expired(now int64) bool {
	return now-s.LastUsed > int64(s.MaxAge)
}

// Touch marks the session used now.
func (s *Session) Touch() {
	s.LastUsed = time.Now().Unix()
	s.markDirty(fieldLastUsed)
}

// TouchMessagebus marks the session used by a live message bus connection.
func (s *Session) TouchMessagebus() {
	now := time.Now().Unix()
	s.LastUsed = now
	s.MessagebusLastUsed = now
	s.markDirty(fieldLastUsed, fieldMessagebusLastUsed)
}

// SetMaxAge applies a client-requested lifetime, clamped to the allowed
// range, and returns the applied value.
func (s *Session) SetMaxAge(seconds int) int {
	if seconds < MinMaxAge {
		seconds = MinMaxAge
	}
	if seconds > MaxMaxAge {
		seconds = MaxMaxAge
	}
	if seconds != s.MaxAge {
		s.MaxAge = seconds
		s.markDirty(fieldMaxAge)
	}
	return seconds
}

// SetUserAuthenticated binds a user principal to the session.
func (s *Session) SetUserAuthenticated(username string, groups []string, isAdmin, isReadOnly bool) {
	s.Authenticated = true
	s.Username = username
	s.UserGroups = groups
	s.IsAdmin = isAdmin
	s.IsReadOnly = isReadOnly
	s.HostID = ""
	s.IsDepot = false
	s.markDirty(fieldAuthenticated, fieldUsername, fieldUserGroups,
		fieldIsAdmin, fieldIsReadOnly, fieldHostID, fieldIsDepot)
}

// SetHostAuthenticated binds a managed host principal to the session.
func (s *Session) SetHostAuthenticated(hostID string, isDepot bool) {
	s.Authenticated = true
	s.Username = hostID
	s.UserGroups = nil
	s.IsAdmin = false
	s.IsReadOnly = false
	s.HostID = hostID
	s.IsDepot = isDepot
	s.markDirty(fieldAuthenticated, fieldUsername, fieldUserGroups,
		fieldIsAdmin, fieldIsReadOnly, fieldHostID, fieldIsDepot)
}

// Principal returns the identity the session acts as: the host id for
// machine sessions, the username for user sessions, empty when anonymous.
func (s *Session) Principal() string {
	if s.HostID != "" {
		return s.HostID
	}
	return s.Username
}

// InGroup reports membership in the named group.
func (s *Session) InGroup(group string) bool {
	for _, g := range s.UserGroups {
		if g == group {
			return true
		}
	}
	return false
}

// messagebusRecent reports whether a bus connection used the session
// recently enough to treat it as interactive.
func (s *Session) messagebusRecent(now int64) bool {
	return s.MessagebusLastUsed > 0 && now-s.MessagebusLastUsed < messagebusRecentWindow
}

// Cookie renders the Set-Cookie value for this session. Interactive
// sessions get a browser-session cookie without Max-Age.
func (s *Session) Cookie() *http.Cookie {
	c := &http.Cookie{
		Name:     CookieName,
		Value:    s.ID,
		Path:     "/",
		Secure:   true,
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
	}
	if !s.messagebusRecent(time.Now().Unix()) {
		c.MaxAge = s.MaxAge
	}
	return c
}

// CookieChanged reports whether the cookie attributes differ from the ones
// in effect when the session was loaded.
func (s *Session) CookieChanged() bool {
	interactive := s.messagebusRecent(time.Now().Unix())
	if interactive != s.loadedInteractive {
		return true
	}
	return !interactive && s.MaxAge != s.loadedMaxAge
}

// snapshot renders every field for a full store.
func (s *Session) snapshot() map[string]interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return map[string]interface{}{
		fieldClientAddr:         s.ClientAddr,
		fieldUserAgent:          s.UserAgent,
		fieldCreated:            strconv.FormatInt(s.Created, 10),
		fieldLastUsed:           strconv.FormatInt(s.LastUsed, 10),
		fieldMessagebusLastUsed: strconv.FormatInt(s.MessagebusLastUsed, 10),
		fieldMaxAge:             strconv.Itoa(s.MaxAge),
		fieldAuthenticated:      formatBool(s.Authenticated),
		fieldIsAdmin:            formatBool(s.IsAdmin),
		fieldIsReadOnly:         formatBool(s.IsReadOnly),
		fieldUsername:           s.Username,
		fieldUserGroups:         strings.Join(s.UserGroups, ","),
		fieldHostID:             s.HostID,
		fieldIsDepot:            formatBool(s.IsDepot),
	}
}

// dirtySnapshot renders only the modified fields. last_used rides along so
// the idle timeout keeps moving.
func (s *Session) dirtySnapshot() map[string]interface{} {
	full := s.snapshot()
	s.mu.Lock()
	defer s.mu.Unlock()
	out := map[string]interface{}{
		fieldLastUsed: full[fieldLastUsed],
	}
	for f := range s.dirty {
		out[f] = full[f]
	}
	return out
}

// clearDirty resets the modification set after a successful store. isNew
// is kept: it refers to the request that created the instance, not to the
// persistence state.
func (s *Session) clearDirty() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dirty = make(map[string]bool)
}

// applyRecord fills the session from a Redis hash. Locally dirty fields
// win over the stored value so a refresh does not drop pending changes.
func (s *Session) applyRecord(record map[string]string) {
	s.mu.Lock()
	dirty := s.dirty
	s.mu.Unlock()

	set := func(field string, apply func(string)) {
		if dirty[field] {
			return
		}
		if v, ok := record[field]; ok {
			apply(v)
		}
	}
	set(fieldClientAddr, func(v string) { s.ClientAddr = v })
	set(fieldUserAgent, func(v string) { s.UserAgent = v })
	set(fieldCreated, func(v string) { s.Created = parseInt64(v) })
	set(fieldLastUsed, func(v string) { s.LastUsed = parseInt64(v) })
	set(fieldMessagebusLastUsed, func(v string) { s.MessagebusLastUsed = parseInt64(v) })
	set(fieldMaxAge, func(v string) { s.MaxAge = int(parseInt64(v)) })
	set(fieldAuthenticated, func(v string) { s.Authenticated = parseBool(v) })
	set(fieldIsAdmin, func(v string) { s.IsAdmin = parseBool(v) })
	set(fieldIsReadOnly, func(v string) { s.IsReadOnly = parseBool(v) })
	set(fieldUsername, func(v string) { s.Username = v })
	set(fieldUserGroups, func(v string) { s.UserGroups = splitGroups(v) })
	set(fieldHostID, func(v string) { s.HostID = v })
	set(fieldIsDepot, func(v string) { s.IsDepot = parseBool(v) })
	if v, ok := record[fieldVersion]; ok {
		s.Version = v
	}
}

func formatBool(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

func parseBool(v string) bool {
	return v == "1" || v == "true"
}

func parseInt64(v string) int64 {
	n, _ := strconv.ParseInt(v, 10, 64)
	return n
}

func splitGroups(v string) []string {
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	groups := make([]string, 0, len(parts))
	for _, p := range parts {
		if g := strings.TrimSpace(p); g != "" {
			groups = append(groups, g)
		}
	}
	return groups
}

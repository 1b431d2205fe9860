package middleware

import (
	"context"
	"database/sql"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/jmoiron/sqlx"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/ChristianBoehm/opsiconfd-sub000/internal/auth"
	"github.com/ChristianBoehm/opsiconfd-sub000/internal/backend/sqlstore"
	"github.com/ChristianBoehm/opsiconfd-sub000/internal/redis"
	"github.com/ChristianBoehm/opsiconfd-sub000/internal/session"
)

type fakeTimeSeries struct {
	mu      sync.Mutex
	samples map[string][]redis.Point
}

func newFakeTimeSeries() *fakeTimeSeries {
	return &fakeTimeSeries{samples: make(map[string][]redis.Point)}
}

func (f *fakeTimeSeries) EnsureSeries(context.Context, string, int64, map[string]string) error {
	return nil
}

func (f *fakeTimeSeries) CreateRule(context.Context, string, string, string, int64) error {
	return nil
}

func (f *fakeTimeSeries) Add(_ context.Context, key string, timestampMs int64, value float64, _ redis.AddOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.samples[key] = append(f.samples[key], redis.Point{TimestampMs: timestampMs, Value: value})
	return nil
}

func (f *fakeTimeSeries) Range(_ context.Context, key string, fromMs, toMs int64, _ string, _ int64) ([]redis.Point, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []redis.Point
	for _, p := range f.samples[key] {
		if p.TimestampMs >= fromMs && p.TimestampMs <= toMs {
			out = append(out, p)
		}
	}
	return out, nil
}

func (f *fakeTimeSeries) MRange(context.Context, int64, int64, string, int64, []string) ([]redis.RangeSeries, error) {
	return nil, nil
}

type pipeline struct {
	mr      *miniredis.Miniredis
	rdb     *goredis.Client
	mock    sqlmock.Sqlmock
	manager *session.Manager
	gate    *auth.Gate
}

func mustNet(t *testing.T, cidr string) *net.IPNet {
	t.Helper()
	_, n, err := net.ParseCIDR(cidr)
	require.NoError(t, err)
	return n
}

func newPipeline(t *testing.T) *pipeline {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	store := sqlstore.NewStoreFromDB(sqlx.NewDb(mockDB, "sqlmock"), zap.NewNop())
	t.Cleanup(func() { _ = store.Close() })

	keys := redis.NewKeys("opsiconfd")
	manager := session.NewManager(rdb, keys, zap.NewNop(), session.Options{})
	gate := auth.NewGate(store, rdb, keys, newFakeTimeSeries(),
		auth.NewTokenManager("test", time.Hour), zap.NewNop(), auth.Options{
			Networks:      []*net.IPNet{mustNet(t, "10.0.0.0/8"), mustNet(t, "127.0.0.0/8")},
			AdminNetworks: []*net.IPNet{mustNet(t, "10.10.0.0/16"), mustNet(t, "127.0.0.0/8")},
			AdminGroup:    "opsiadmin",
			FailureDelay:  -1,
		})

	return &pipeline{mr: mr, rdb: rdb, mock: mock, manager: manager, gate: gate}
}

// handler builds the full stack around an inner handler that records the
// session it observed.
func (p *pipeline) handler(t *testing.T, opts SessionOptions, inner http.HandlerFunc) (http.Handler, *sessionCapture) {
	t.Helper()
	capture := &sessionCapture{}
	if inner == nil {
		inner = func(w http.ResponseWriter, r *http.Request) {
			capture.set(SessionFromContext(r.Context()))
			w.WriteHeader(http.StatusOK)
		}
	}
	base := NewBase(zap.NewNop(), []*net.IPNet{mustNet(t, "127.0.0.0/8")})
	stats := NewStats(zap.NewNop(), nil)
	sessions := NewSessions(p.manager, p.gate, zap.NewNop(), opts)
	return base.Middleware(stats.Middleware(sessions.Middleware(inner))), capture
}

type sessionCapture struct {
	mu sync.Mutex
	s  *session.Session
}

func (c *sessionCapture) set(s *session.Session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.s = s
}

func (c *sessionCapture) get() *session.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.s
}

// authedSession creates and persists an authenticated session, returning
// its cookie value.
func (p *pipeline) authedSession(t *testing.T, clientAddr string, admin bool) string {
	t.Helper()
	ctx := context.Background()
	s, err := p.manager.Get(ctx, clientAddr, "test-agent", "")
	require.NoError(t, err)
	groups := []string{"users"}
	if admin {
		groups = []string{"opsiadmin"}
	}
	s.SetUserAuthenticated("adminuser", groups, admin, false)
	require.NoError(t, p.manager.Store(ctx, s, true, false))
	return s.ID
}

func (p *pipeline) expectUserAuth(t *testing.T, username, password string) {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	require.NoError(t, err)
	p.mock.ExpectQuery(`SELECT \* FROM hosts WHERE host_id = \?`).
		WithArgs(username).
		WillReturnError(sql.ErrNoRows)
	p.mock.ExpectQuery(`SELECT \* FROM users WHERE username = \?`).
		WithArgs(username).
		WillReturnRows(sqlmock.NewRows([]string{"username", "password_hash", "user_groups"}).
			AddRow(username, string(hash), "opsiadmin"))
}

func request(method, path, remoteAddr string) *http.Request {
	r := httptest.NewRequest(method, path, nil)
	r.RemoteAddr = remoteAddr
	return r
}

func TestPublicPathServedWithoutSession(t *testing.T) {
	p := newPipeline(t)
	h, capture := p.handler(t, SessionOptions{}, nil)

	r := request(http.MethodGet, "/status", "10.1.1.1:40000")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, w.Result().Cookies())
	assert.Nil(t, capture.get())
}

func TestAuthenticatedRequestCreatesSession(t *testing.T) {
	p := newPipeline(t)
	h, capture := p.handler(t, SessionOptions{}, nil)
	p.expectUserAuth(t, "adminuser", "linux123")

	r := request(http.MethodPost, "/rpc", "10.10.1.1:40000")
	r.SetBasicAuth("adminuser", "linux123")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)

	require.Equal(t, http.StatusOK, w.Code)
	s := capture.get()
	require.NotNil(t, s)
	assert.True(t, s.Authenticated)
	assert.True(t, s.IsAdmin)

	cookies := w.Result().Cookies()
	require.Len(t, cookies, 1)
	assert.Equal(t, session.CookieName, cookies[0].Name)
	assert.Equal(t, s.ID, cookies[0].Value)
}

func TestExistingSessionNoCookieRewrite(t *testing.T) {
	p := newPipeline(t)
	h, capture := p.handler(t, SessionOptions{}, nil)
	sid := p.authedSession(t, "10.1.1.1", false)

	r := request(http.MethodGet, "/rpc", "10.1.1.1:40000")
	r.AddCookie(&http.Cookie{Name: session.CookieName, Value: sid})
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, w.Result().Cookies())
	require.NotNil(t, capture.get())
	assert.Equal(t, sid, capture.get().ID)
}

func TestMissingCredentialsChallenged(t *testing.T) {
	p := newPipeline(t)
	h, _ := p.handler(t, SessionOptions{}, nil)

	r := request(http.MethodPost, "/rpc", "10.1.1.1:40000")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Header().Get("WWW-Authenticate"), "Basic")
}

func TestInvalidCredentialsRejected(t *testing.T) {
	p := newPipeline(t)
	h, _ := p.handler(t, SessionOptions{}, nil)
	p.mock.ExpectQuery(`SELECT \* FROM hosts WHERE host_id = \?`).
		WithArgs("ghost").
		WillReturnError(sql.ErrNoRows)
	p.mock.ExpectQuery(`SELECT \* FROM users WHERE username = \?`).
		WithArgs("ghost").
		WillReturnError(sql.ErrNoRows)

	r := request(http.MethodPost, "/rpc", "10.1.1.1:40000")
	r.SetBasicAuth("ghost", "nope")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestNetworkDenied(t *testing.T) {
	p := newPipeline(t)
	h, _ := p.handler(t, SessionOptions{}, nil)

	r := request(http.MethodGet, "/rpc", "192.168.1.1:40000")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)

	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestBlockedClientRejected(t *testing.T) {
	p := newPipeline(t)
	h, _ := p.handler(t, SessionOptions{}, nil)
	p.mr.Set("opsiconfd:stats:client:blocked:10.1.1.1", "1")

	r := request(http.MethodGet, "/rpc", "10.1.1.1:40000")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)

	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestOverloadShedsWithRetryAfter(t *testing.T) {
	p := newPipeline(t)
	h, _ := p.handler(t, SessionOptions{}, nil)
	p.manager.SetOverload(30 * time.Second)

	r := request(http.MethodGet, "/rpc", "10.1.1.1:40000")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))
}

func TestOverloadLoopbackBypass(t *testing.T) {
	p := newPipeline(t)
	sid := p.authedSession(t, "127.0.0.1", false)
	h, _ := p.handler(t, SessionOptions{}, nil)
	p.manager.SetOverload(30 * time.Second)

	r := request(http.MethodGet, "/rpc", "127.0.0.1:40000")
	r.AddCookie(&http.Cookie{Name: session.CookieName, Value: sid})
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)

	assert.Equal(t, http.StatusOK, w.Code)
}

func TestAdminEndpointOutsideAdminNetwork(t *testing.T) {
	p := newPipeline(t)
	adminOnly := func(*http.Request) Requirement { return RequireAdmin }
	h, _ := p.handler(t, SessionOptions{Requirement: adminOnly}, nil)

	// 10.1.* is an allowed network but not an admin network.
	r := request(http.MethodGet, "/admin/unblock-all", "10.1.1.1:40000")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)

	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestAdminEndpointNonAdminSession(t *testing.T) {
	p := newPipeline(t)
	sid := p.authedSession(t, "10.10.1.1", false)
	adminOnly := func(*http.Request) Requirement { return RequireAdmin }
	h, _ := p.handler(t, SessionOptions{Requirement: adminOnly}, nil)

	r := request(http.MethodGet, "/admin/unblock-all", "10.10.1.1:40000")
	r.AddCookie(&http.Cookie{Name: session.CookieName, Value: sid})
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAdminEndpointAdminSession(t *testing.T) {
	p := newPipeline(t)
	sid := p.authedSession(t, "10.10.1.1", true)
	adminOnly := func(*http.Request) Requirement { return RequireAdmin }
	h, _ := p.handler(t, SessionOptions{Requirement: adminOnly}, nil)

	r := request(http.MethodGet, "/admin/unblock-all", "10.10.1.1:40000")
	r.AddCookie(&http.Cookie{Name: session.CookieName, Value: sid})
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)

	assert.Equal(t, http.StatusOK, w.Code)
}

func TestSessionLifetimeHintClamped(t *testing.T) {
	p := newPipeline(t)
	sid := p.authedSession(t, "10.1.1.1", false)
	h, capture := p.handler(t, SessionOptions{}, nil)

	r := request(http.MethodGet, "/rpc", "10.1.1.1:40000")
	r.AddCookie(&http.Cookie{Name: session.CookieName, Value: sid})
	r.Header.Set(SessionLifetimeHeader, "999999")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 86400, capture.get().MaxAge)
}

func TestClientAddrFromTrustedProxy(t *testing.T) {
	var seen string
	base := NewBase(zap.NewNop(), []*net.IPNet{mustNet(t, "127.0.0.0/8")})
	h := base.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = ClientAddr(r.Context())
	}))

	r := request(http.MethodGet, "/rpc", "127.0.0.1:40000")
	r.Header.Set("X-Forwarded-For", "203.0.113.9, 127.0.0.1")
	h.ServeHTTP(httptest.NewRecorder(), r)
	assert.Equal(t, "203.0.113.9", seen)

	// Untrusted peers keep their own address.
	r = request(http.MethodGet, "/rpc", "10.1.1.1:40000")
	r.Header.Set("X-Forwarded-For", "203.0.113.9")
	h.ServeHTTP(httptest.NewRecorder(), r)
	assert.Equal(t, "10.1.1.1", seen)
}

func TestRequestIDIncrements(t *testing.T) {
	var ids []uint64
	base := NewBase(zap.NewNop(), nil)
	h := base.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ids = append(ids, RequestID(r.Context()))
	}))

	for i := 0; i < 3; i++ {
		h.ServeHTTP(httptest.NewRecorder(), request(http.MethodGet, "/", "10.1.1.1:1"))
	}
	assert.Equal(t, []uint64{1, 2, 3}, ids)
}

func TestCORSReflectsOrigin(t *testing.T) {
	base := NewBase(zap.NewNop(), nil)
	h := base.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	r := request(http.MethodOptions, "/rpc", "10.1.1.1:40000")
	r.Header.Set("Origin", "https://configed.example.org:4447")
	r.Header.Set("Access-Control-Request-Method", http.MethodPost)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)

	assert.Equal(t, "https://configed.example.org:4447", w.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "true", w.Header().Get("Access-Control-Allow-Credentials"))
}

func TestServerTimingHeader(t *testing.T) {
	stats := NewStats(zap.NewNop(), nil)
	h := stats.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(5 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))

	w := httptest.NewRecorder()
	h.ServeHTTP(w, request(http.MethodGet, "/rpc", "10.1.1.1:1"))

	assert.Contains(t, w.Header().Get("Server-Timing"), "request_processing;dur=")
}

type recordedStat struct {
	method   string
	path     string
	client   string
	status   int
	duration time.Duration
}

type statRecorder struct {
	mu    sync.Mutex
	stats []recordedStat
}

func (r *statRecorder) ObserveRequest(method, path, client string, status int, duration time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stats = append(r.stats, recordedStat{method, path, client, status, duration})
}

func TestStatsRecorder(t *testing.T) {
	rec := &statRecorder{}
	stats := NewStats(zap.NewNop(), rec)
	h := stats.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusTeapot)
	}))

	h.ServeHTTP(httptest.NewRecorder(), request(http.MethodGet, "/rpc", "10.1.1.1:1"))

	require.Len(t, rec.stats, 1)
	assert.Equal(t, http.StatusTeapot, rec.stats[0].status)
	assert.Equal(t, "/rpc", rec.stats[0].path)
	assert.Positive(t, rec.stats[0].duration)
}

func TestErrorMappingStatuses(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
	}{
		{"authentication", auth.ErrAuthentication, http.StatusUnauthorized},
		{"blocked", auth.ErrBlocked, http.StatusForbidden},
		{"network", auth.ErrNetworkDenied, http.StatusForbidden},
		{"too many sessions", session.ErrTooManySessions, http.StatusForbidden},
		{"overload", &OverloadError{RetryAfter: 10 * time.Second}, http.StatusServiceUnavailable},
		{"untyped", context.DeadlineExceeded, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			WriteError(w, request(http.MethodGet, "/rpc", "10.1.1.1:1"), zap.NewNop(), tc.err, false)
			assert.Equal(t, tc.status, w.Code)
		})
	}
}

func TestErrorDetailAdminOnly(t *testing.T) {
	err := assert.AnError

	w := httptest.NewRecorder()
	WriteError(w, request(http.MethodGet, "/rpc", "10.1.1.1:1"), zap.NewNop(), err, false)
	assert.NotContains(t, w.Body.String(), err.Error())

	w = httptest.NewRecorder()
	WriteError(w, request(http.MethodGet, "/rpc", "10.1.1.1:1"), zap.NewNop(), err, true)
	assert.Contains(t, w.Body.String(), err.Error())
}

package auth

import (
	"context"
	"database/sql"
	"net"
	"net/http"
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

	"github.com/ChristianBoehm/opsiconfd-sub000/internal/backend/sqlstore"
	"github.com/ChristianBoehm/opsiconfd-sub000/internal/redis"
)

// fakeTimeSeries keeps samples in memory. miniredis carries no
// RedisTimeSeries module.
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
	pts := f.samples[key]
	if n := len(pts); n > 0 && pts[n-1].TimestampMs == timestampMs {
		pts[n-1].Value += value
		return nil
	}
	f.samples[key] = append(pts, redis.Point{TimestampMs: timestampMs, Value: value})
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

func mustCIDR(t *testing.T, s string) *net.IPNet {
	t.Helper()
	_, n, err := net.ParseCIDR(s)
	require.NoError(t, err)
	return n
}

func newTestGate(t *testing.T, opts Options) (*Gate, sqlmock.Sqlmock, *fakeTimeSeries) {
	t.Helper()
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	store := sqlstore.NewStoreFromDB(sqlx.NewDb(mockDB, "sqlmock"), zap.NewNop())
	t.Cleanup(func() { _ = store.Close() })

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	if opts.Networks == nil {
		opts.Networks = []*net.IPNet{mustCIDR(t, "0.0.0.0/0")}
	}
	if opts.AdminNetworks == nil {
		opts.AdminNetworks = []*net.IPNet{mustCIDR(t, "10.0.0.0/8")}
	}
	if opts.AdminGroup == "" {
		opts.AdminGroup = "opsiadmin"
	}
	if opts.FailureDelay == 0 {
		opts.FailureDelay = -1
	}

	ts := newFakeTimeSeries()
	tokens := NewTokenManager("test-secret", time.Hour)
	gate := NewGate(store, rdb, redis.NewKeys("opsiconfd"), ts, tokens, zap.NewNop(), opts)
	return gate, mock, ts
}

func userColumns() []string {
	return []string{"username", "password_hash", "user_groups"}
}

func hostColumns() []string {
	return []string{
		"host_id", "type", "host_key", "description", "notes",
		"hardware_address", "ip_address", "inventory_number", "created", "last_seen",
	}
}

func hashPassword(t *testing.T, password string) string {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	require.NoError(t, err)
	return string(hash)
}

func expectNoHost(mock sqlmock.Sqlmock, username string) {
	mock.ExpectQuery(`SELECT \* FROM hosts WHERE host_id = \?`).
		WithArgs(username).
		WillReturnError(sql.ErrNoRows)
}

func TestExtractCredentials(t *testing.T) {
	t.Run("bearer", func(t *testing.T) {
		r, _ := http.NewRequest(http.MethodGet, "/rpc", nil)
		r.Header.Set("Authorization", "Bearer abc.def.ghi")
		creds, ok := ExtractCredentials(r)
		require.True(t, ok)
		assert.Equal(t, MethodBearer, creds.Method)
		assert.Equal(t, "abc.def.ghi", creds.Token)
	})

	t.Run("basic", func(t *testing.T) {
		r, _ := http.NewRequest(http.MethodGet, "/rpc", nil)
		r.SetBasicAuth("adminuser", "secret")
		creds, ok := ExtractCredentials(r)
		require.True(t, ok)
		assert.Equal(t, MethodBasic, creds.Method)
		assert.Equal(t, "adminuser", creds.Username)
		assert.Equal(t, "secret", creds.Password)
	})

	t.Run("host key only", func(t *testing.T) {
		r, _ := http.NewRequest(http.MethodGet, "/rpc", nil)
		r.SetBasicAuth("", "0102030405060708090a0b0c0d0e0f10")
		creds, ok := ExtractCredentials(r)
		require.True(t, ok)
		assert.Equal(t, MethodHostKey, creds.Method)
		assert.Empty(t, creds.Username)
		assert.Equal(t, "0102030405060708090a0b0c0d0e0f10", creds.Password)
	})

	t.Run("none", func(t *testing.T) {
		r, _ := http.NewRequest(http.MethodGet, "/rpc", nil)
		_, ok := ExtractCredentials(r)
		assert.False(t, ok)
	})
}

func TestIsPublicPath(t *testing.T) {
	cases := []struct {
		path   string
		public bool
	}{
		{"/status", true},
		{"/public", true},
		{"/public/repository/file.opsi", true},
		{"/session/login", true},
		{"/favicon.ico", true},
		{"/ssl/opsi-ca-cert.pem", true},
		{"/rpc", false},
		{"/publicize", false},
		{"/admin", false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.public, IsPublicPath(tc.path), tc.path)
	}
}

func TestCheckNetwork(t *testing.T) {
	gate, _, _ := newTestGate(t, Options{
		Networks: []*net.IPNet{mustCIDR(t, "10.0.0.0/8"), mustCIDR(t, "127.0.0.1/32")},
	})

	assert.NoError(t, gate.CheckNetwork("10.1.2.3"))
	assert.NoError(t, gate.CheckNetwork("127.0.0.1"))
	assert.ErrorIs(t, gate.CheckNetwork("192.168.1.1"), ErrNetworkDenied)
	assert.ErrorIs(t, gate.CheckNetwork("not-an-address"), ErrNetworkDenied)
}

func TestInAdminNetwork(t *testing.T) {
	gate, _, _ := newTestGate(t, Options{
		AdminNetworks: []*net.IPNet{mustCIDR(t, "10.10.0.0/16")},
	})

	assert.True(t, gate.InAdminNetwork("10.10.99.1"))
	assert.False(t, gate.InAdminNetwork("10.20.0.1"))
	assert.False(t, gate.InAdminNetwork("garbage"))
}

func TestAuthenticateUser(t *testing.T) {
	gate, mock, _ := newTestGate(t, Options{})
	ctx := context.Background()

	expectNoHost(mock, "adminuser")
	mock.ExpectQuery(`SELECT \* FROM users WHERE username = \?`).
		WithArgs("adminuser").
		WillReturnRows(sqlmock.NewRows(userColumns()).
			AddRow("adminuser", hashPassword(t, "linux123"), "opsiadmin,staff"))

	p, err := gate.Authenticate(ctx, "10.1.1.1", Credentials{
		Method: MethodBasic, Username: "adminuser", Password: "linux123",
	})
	require.NoError(t, err)
	assert.Equal(t, "adminuser", p.Username)
	assert.Equal(t, []string{"opsiadmin", "staff"}, p.Groups)
	assert.True(t, p.IsAdmin)
	assert.False(t, p.IsReadOnly)
	assert.Empty(t, p.HostID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAuthenticateAdminOutsideAdminNetwork(t *testing.T) {
	gate, mock, _ := newTestGate(t, Options{})
	ctx := context.Background()

	expectNoHost(mock, "adminuser")
	mock.ExpectQuery(`SELECT \* FROM users WHERE username = \?`).
		WithArgs("adminuser").
		WillReturnRows(sqlmock.NewRows(userColumns()).
			AddRow("adminuser", hashPassword(t, "linux123"), "opsiadmin"))

	p, err := gate.Authenticate(ctx, "192.168.1.50", Credentials{
		Method: MethodBasic, Username: "adminuser", Password: "linux123",
	})
	require.NoError(t, err)
	assert.False(t, p.IsAdmin)
}

func TestAuthenticateReadOnlyGroup(t *testing.T) {
	gate, mock, _ := newTestGate(t, Options{ReadOnlyGroup: "auditors"})
	ctx := context.Background()

	expectNoHost(mock, "viewer")
	mock.ExpectQuery(`SELECT \* FROM users WHERE username = \?`).
		WithArgs("viewer").
		WillReturnRows(sqlmock.NewRows(userColumns()).
			AddRow("viewer", hashPassword(t, "look"), "auditors"))

	p, err := gate.Authenticate(ctx, "10.1.1.1", Credentials{
		Method: MethodBasic, Username: "viewer", Password: "look",
	})
	require.NoError(t, err)
	assert.False(t, p.IsAdmin)
	assert.True(t, p.IsReadOnly)
}

func TestAuthenticateWrongPassword(t *testing.T) {
	gate, mock, ts := newTestGate(t, Options{})
	ctx := context.Background()

	expectNoHost(mock, "adminuser")
	mock.ExpectQuery(`SELECT \* FROM users WHERE username = \?`).
		WithArgs("adminuser").
		WillReturnRows(sqlmock.NewRows(userColumns()).
			AddRow("adminuser", hashPassword(t, "linux123"), "opsiadmin"))

	_, err := gate.Authenticate(ctx, "10.1.1.1", Credentials{
		Method: MethodBasic, Username: "adminuser", Password: "wrong",
	})
	assert.ErrorIs(t, err, ErrAuthentication)

	// The failure must land in the per-client series.
	pts, err := ts.Range(ctx, "opsiconfd:stats:client:failed_auth:10.1.1.1", 0, time.Now().UnixMilli(), "", 0)
	require.NoError(t, err)
	assert.Len(t, pts, 1)
}

func TestAuthenticateUnknownUserUniformError(t *testing.T) {
	gate, mock, _ := newTestGate(t, Options{})
	ctx := context.Background()

	expectNoHost(mock, "ghost")
	mock.ExpectQuery(`SELECT \* FROM users WHERE username = \?`).
		WithArgs("ghost").
		WillReturnError(sql.ErrNoRows)

	_, err := gate.Authenticate(ctx, "10.1.1.1", Credentials{
		Method: MethodBasic, Username: "ghost", Password: "anything",
	})
	assert.ErrorIs(t, err, ErrAuthentication)
	assert.EqualError(t, err, "authentication failed")
}

func TestAuthenticateHostByIDAndKey(t *testing.T) {
	gate, mock, _ := newTestGate(t, Options{})
	ctx := context.Background()

	mock.ExpectQuery(`SELECT \* FROM hosts WHERE host_id = \?`).
		WithArgs("client1.example.org").
		WillReturnRows(sqlmock.NewRows(hostColumns()).
			AddRow("client1.example.org", sqlstore.HostTypeClient, "11111111222222223333333344444444",
				"", "", nil, nil, "", nil, nil))

	p, err := gate.Authenticate(ctx, "10.9.9.9", Credentials{
		Method: MethodBasic, Username: "client1.example.org", Password: "11111111222222223333333344444444",
	})
	require.NoError(t, err)
	assert.Equal(t, "client1.example.org", p.HostID)
	assert.Equal(t, "client1.example.org", p.Username)
	assert.False(t, p.IsDepot)
	assert.False(t, p.IsAdmin)
}

func TestAuthenticateDepotHost(t *testing.T) {
	gate, mock, _ := newTestGate(t, Options{})
	ctx := context.Background()

	mock.ExpectQuery(`SELECT \* FROM hosts WHERE host_id = \?`).
		WithArgs("depot1.example.org").
		WillReturnRows(sqlmock.NewRows(hostColumns()).
			AddRow("depot1.example.org", sqlstore.HostTypeDepot, "aaaaaaaabbbbbbbbccccccccdddddddd",
				"", "", nil, nil, "", nil, nil))

	p, err := gate.Authenticate(ctx, "10.9.9.9", Credentials{
		Method: MethodBasic, Username: "depot1.example.org", Password: "aaaaaaaabbbbbbbbccccccccdddddddd",
	})
	require.NoError(t, err)
	assert.True(t, p.IsDepot)
}

func TestAuthenticateHostWrongKey(t *testing.T) {
	gate, mock, _ := newTestGate(t, Options{})
	ctx := context.Background()

	mock.ExpectQuery(`SELECT \* FROM hosts WHERE host_id = \?`).
		WithArgs("client1.example.org").
		WillReturnRows(sqlmock.NewRows(hostColumns()).
			AddRow("client1.example.org", sqlstore.HostTypeClient, "11111111222222223333333344444444",
				"", "", nil, nil, "", nil, nil))

	_, err := gate.Authenticate(ctx, "10.9.9.9", Credentials{
		Method: MethodBasic, Username: "client1.example.org", Password: "wrongkey",
	})
	assert.ErrorIs(t, err, ErrAuthentication)
}

func TestAuthenticateHostKeyOnly(t *testing.T) {
	gate, mock, _ := newTestGate(t, Options{AllowHostKeyOnlyAuth: true})
	ctx := context.Background()

	mock.ExpectQuery(`SELECT \* FROM hosts WHERE host_key = \?`).
		WithArgs("11111111222222223333333344444444").
		WillReturnRows(sqlmock.NewRows(hostColumns()).
			AddRow("client1.example.org", sqlstore.HostTypeClient, "11111111222222223333333344444444",
				"", "", nil, nil, "", nil, nil))

	p, err := gate.Authenticate(ctx, "10.9.9.9", Credentials{
		Method: MethodHostKey, Password: "11111111222222223333333344444444",
	})
	require.NoError(t, err)
	assert.Equal(t, "client1.example.org", p.HostID)
}

func TestAuthenticateHostKeyOnlyDisabled(t *testing.T) {
	gate, _, _ := newTestGate(t, Options{})
	ctx := context.Background()

	// No database expectations: the lookup must not even run.
	_, err := gate.Authenticate(ctx, "10.9.9.9", Credentials{
		Method: MethodHostKey, Password: "11111111222222223333333344444444",
	})
	assert.ErrorIs(t, err, ErrAuthentication)
}

func TestAuthenticateBearerRolesPerRequest(t *testing.T) {
	gate, _, _ := newTestGate(t, Options{})
	ctx := context.Background()

	token, err := gate.Tokens().Issue(&Principal{Username: "adminuser", Groups: []string{"opsiadmin"}})
	require.NoError(t, err)

	inside, err := gate.Authenticate(ctx, "10.1.1.1", Credentials{Method: MethodBearer, Token: token})
	require.NoError(t, err)
	assert.True(t, inside.IsAdmin)

	outside, err := gate.Authenticate(ctx, "192.168.1.50", Credentials{Method: MethodBearer, Token: token})
	require.NoError(t, err)
	assert.False(t, outside.IsAdmin)
}

func TestAuthenticateBearerInvalidToken(t *testing.T) {
	gate, _, _ := newTestGate(t, Options{})
	ctx := context.Background()

	_, err := gate.Authenticate(ctx, "10.1.1.1", Credentials{Method: MethodBearer, Token: "not-a-token"})
	assert.ErrorIs(t, err, ErrAuthentication)
}

func TestBlockAfterRepeatedFailures(t *testing.T) {
	gate, _, _ := newTestGate(t, Options{MaxAuthFailures: 3})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		blocked, err := gate.RecordAuthFailure(ctx, "10.7.7.7")
		require.NoError(t, err)
		assert.False(t, blocked)
	}
	blocked, err := gate.RecordAuthFailure(ctx, "10.7.7.7")
	require.NoError(t, err)
	assert.True(t, blocked)

	isBlocked, err := gate.IsBlocked(ctx, "10.7.7.7")
	require.NoError(t, err)
	assert.True(t, isBlocked)

	clients, err := gate.BlockedClients(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"10.7.7.7"}, clients)
}

func TestFailuresOutsideWindowIgnored(t *testing.T) {
	gate, _, ts := newTestGate(t, Options{
		MaxAuthFailures:      3,
		AuthFailuresInterval: 2 * time.Minute,
	})
	ctx := context.Background()

	stale := time.Now().Add(-10 * time.Minute).UnixMilli()
	key := "opsiconfd:stats:client:failed_auth:10.7.7.7"
	for i := 0; i < 5; i++ {
		require.NoError(t, ts.Add(ctx, key, stale+int64(i), 1, redis.AddOptions{}))
	}

	blocked, err := gate.RecordAuthFailure(ctx, "10.7.7.7")
	require.NoError(t, err)
	assert.False(t, blocked)
}

func TestClearBlock(t *testing.T) {
	gate, _, _ := newTestGate(t, Options{MaxAuthFailures: 1})
	ctx := context.Background()

	blocked, err := gate.RecordAuthFailure(ctx, "10.7.7.7")
	require.NoError(t, err)
	require.True(t, blocked)

	require.NoError(t, gate.ClearBlock(ctx, "10.7.7.7"))

	isBlocked, err := gate.IsBlocked(ctx, "10.7.7.7")
	require.NoError(t, err)
	assert.False(t, isBlocked)
}

func TestClearAllBlocks(t *testing.T) {
	gate, _, _ := newTestGate(t, Options{MaxAuthFailures: 1})
	ctx := context.Background()

	for _, addr := range []string{"10.7.7.7", "10.8.8.8"} {
		blocked, err := gate.RecordAuthFailure(ctx, addr)
		require.NoError(t, err)
		require.True(t, blocked)
	}

	removed, err := gate.ClearAllBlocks(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), removed)

	clients, err := gate.BlockedClients(ctx)
	require.NoError(t, err)
	assert.Empty(t, clients)
}

func TestFailureDelayHonorsContext(t *testing.T) {
	gate, mock, _ := newTestGate(t, Options{FailureDelay: 5 * time.Second})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	expectNoHost(mock, "ghost")
	mock.ExpectQuery(`SELECT \* FROM users WHERE username = \?`).
		WithArgs("ghost").
		WillReturnError(sql.ErrNoRows)

	start := time.Now()
	_, err := gate.Authenticate(ctx, "10.1.1.1", Credentials{
		Method: MethodBasic, Username: "ghost", Password: "x",
	})
	assert.ErrorIs(t, err, ErrAuthentication)
	assert.Less(t, time.Since(start), time.Second)
}

package backup

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/jmoiron/sqlx"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"

	"github.com/ChristianBoehm/opsiconfd-sub000/internal/backend/sqlstore"
	"github.com/ChristianBoehm/opsiconfd-sub000/internal/redis"
)

func setupBackup(t *testing.T) (*sqlstore.Store, sqlmock.Sqlmock, *goredis.Client, redis.Keys) {
	t.Helper()
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	store := sqlstore.NewStoreFromDB(sqlx.NewDb(mockDB, "sqlmock"), zap.NewNop())
	t.Cleanup(func() { _ = store.Close() })

	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	return store, mock, rdb, redis.NewKeys("opsiconfd")
}

func hostColumns() []string {
	return []string{
		"host_id", "type", "host_key", "description", "notes",
		"hardware_address", "ip_address", "inventory_number", "created", "last_seen",
	}
}

func expectDump(mock sqlmock.Sqlmock, hosts, users *sqlmock.Rows) {
	mock.ExpectQuery(`SELECT \* FROM hosts ORDER BY host_id`).WillReturnRows(hosts)
	mock.ExpectQuery(`SELECT \* FROM users ORDER BY username`).WillReturnRows(users)
	mock.ExpectQuery(`SELECT \* FROM product_on_depot ORDER BY depot_id, product_id`).
		WillReturnRows(sqlmock.NewRows([]string{
			"product_id", "depot_id", "product_type", "product_version", "package_version", "priority",
		}))
	mock.ExpectQuery(`SELECT \* FROM product_dependencies ORDER BY product_id, required_product_id`).
		WillReturnRows(sqlmock.NewRows([]string{"product_id", "required_product_id"}))
	mock.ExpectQuery(`SELECT \* FROM config_states ORDER BY config_id, object_id`).
		WillReturnRows(sqlmock.NewRows([]string{"config_id", "object_id", "state"}))
}

func TestCreateWritesArchive(t *testing.T) {
	store, mock, rdb, keys := setupBackup(t)
	ctx := context.Background()

	created := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	expectDump(mock,
		sqlmock.NewRows(hostColumns()).
			AddRow("client1.example.org", sqlstore.HostTypeClient, "5913397e0d4cf7928a4b0b12ad7abceb",
				"", "", nil, "10.0.0.7", "", created, nil),
		sqlmock.NewRows([]string{"username", "password_hash", "user_groups"}).
			AddRow("adminuser", "$2a$04$hash", "opsiadmin"))

	path := filepath.Join(t.TempDir(), "opsiconfd-backup.msgpack")
	err := Create(ctx, store, rdb, keys, zap.NewNop(), Options{
		Path:           path,
		ServiceVersion: "4.3.1.2",
		Node:           "node1",
	})
	require.NoError(t, err)

	archive, err := ReadArchive(path)
	require.NoError(t, err)
	assert.Equal(t, FormatVersion, archive.FormatVersion)
	assert.Equal(t, "4.3.1.2", archive.ServiceVersion)
	assert.Equal(t, "node1", archive.Node)
	assert.WithinDuration(t, time.Now(), archive.CreatedAt, 5*time.Second)
	require.Len(t, archive.Hosts, 1)
	assert.Equal(t, "5913397e0d4cf7928a4b0b12ad7abceb", archive.Hosts[0].HostKey)
	assert.True(t, archive.Hosts[0].Created.Equal(created))
	assert.True(t, archive.Hosts[0].LastSeen.IsZero())
	require.Len(t, archive.Users, 1)
	assert.Equal(t, 2, archive.ObjectCount())

	// The lock is gone and the temporary file was renamed away.
	held, err := rdb.Exists(ctx, keys.Lock(LockName)).Result()
	require.NoError(t, err)
	assert.Zero(t, held)
	_, err = os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err))

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRestoreReplacesStore(t *testing.T) {
	store, mock, rdb, keys := setupBackup(t)
	ctx := context.Background()

	archive := &Archive{
		FormatVersion:  FormatVersion,
		ServiceVersion: "4.3.1.2",
		Node:           "node2",
		CreatedAt:      time.Now().UTC(),
		Hosts: []Host{{
			ID:      "client1.example.org",
			Type:    sqlstore.HostTypeClient,
			HostKey: "5913397e0d4cf7928a4b0b12ad7abceb",
		}},
		Users: []User{{Username: "adminuser", PasswordHash: "hash", Groups: "opsiadmin"}},
	}
	data, err := msgpack.Marshal(archive)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "opsiconfd-backup.msgpack")
	require.NoError(t, os.WriteFile(path, data, 0o600))

	mock.ExpectBegin()
	for _, table := range []string{
		"hosts", "users", "product_on_depot", "product_dependencies", "config_states",
	} {
		mock.ExpectExec("DELETE FROM " + table).WillReturnResult(sqlmock.NewResult(0, 0))
	}
	mock.ExpectExec(`INSERT INTO hosts`).WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(`INSERT INTO users`).
		WithArgs("adminuser", "hash", "opsiadmin").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	require.NoError(t, Restore(ctx, store, rdb, keys, zap.NewNop(), Options{Path: path}))

	held, err := rdb.Exists(ctx, keys.Lock(LockName)).Result()
	require.NoError(t, err)
	assert.Zero(t, held)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRestoreRejectsNewerFormat(t *testing.T) {
	store, mock, rdb, keys := setupBackup(t)

	archive := &Archive{FormatVersion: FormatVersion + 1, Node: "node1", CreatedAt: time.Now()}
	data, err := msgpack.Marshal(archive)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "future.msgpack")
	require.NoError(t, os.WriteFile(path, data, 0o600))

	err = Restore(context.Background(), store, rdb, keys, zap.NewNop(), Options{Path: path})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported archive format")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateFailsWhenLockHeld(t *testing.T) {
	store, _, rdb, keys := setupBackup(t)
	ctx := context.Background()

	require.NoError(t, rdb.Set(ctx, keys.Lock(LockName), "other-holder", time.Minute).Err())

	err := Create(ctx, store, rdb, keys, zap.NewNop(), Options{
		Path:           filepath.Join(t.TempDir(), "never-written.msgpack"),
		AcquireTimeout: 100 * time.Millisecond,
	})
	assert.ErrorIs(t, err, redis.ErrLockTimeout)
}

func TestArchiveRoundTrip(t *testing.T) {
	created := time.Date(2025, 5, 17, 8, 30, 0, 0, time.UTC)
	snap := &sqlstore.Snapshot{
		Hosts: []sqlstore.Host{
			{
				ID:        "client1.example.org",
				Type:      sqlstore.HostTypeClient,
				HostKey:   sql.NullString{String: "5913397e0d4cf7928a4b0b12ad7abceb", Valid: true},
				IPAddress: sql.NullString{String: "10.0.0.7", Valid: true},
				Created:   sql.NullTime{Time: created, Valid: true},
			},
			{ID: "depot1.example.org", Type: sqlstore.HostTypeDepot},
		},
		Users: []sqlstore.User{{Username: "adminuser", PasswordHash: "hash", GroupsRaw: "opsiadmin,users"}},
		ProductsOnDepot: []sqlstore.ProductOnDepot{{
			ProductID: "firefox", DepotID: "depot1.example.org",
			ProductType: "LocalbootProduct", ProductVersion: "128.0", PackageVersion: "1", Priority: 10,
		}},
		ProductDependencies: []sqlstore.ProductDependency{{ProductID: "firefox", RequiredProductID: "vcredist"}},
		ConfigStates: []sqlstore.ConfigState{{
			ConfigID: "clientconfig.depot.id", ObjectID: "client1.example.org", State: `["depot1.example.org"]`,
		}},
	}

	data, err := msgpack.Marshal(fromSnapshot(snap))
	require.NoError(t, err)
	decoded := &Archive{}
	require.NoError(t, msgpack.Unmarshal(data, decoded))
	back := toSnapshot(decoded)

	require.Len(t, back.Hosts, 2)
	assert.Equal(t, snap.Hosts[0].HostKey, back.Hosts[0].HostKey)
	assert.Equal(t, snap.Hosts[0].IPAddress, back.Hosts[0].IPAddress)
	require.True(t, back.Hosts[0].Created.Valid)
	assert.True(t, back.Hosts[0].Created.Time.Equal(created))
	assert.False(t, back.Hosts[1].HostKey.Valid)
	assert.False(t, back.Hosts[1].Created.Valid)
	assert.Equal(t, snap.Users, back.Users)
	assert.Equal(t, snap.ProductsOnDepot, back.ProductsOnDepot)
	assert.Equal(t, snap.ProductDependencies, back.ProductDependencies)
	assert.Equal(t, snap.ConfigStates, back.ConfigStates)
}

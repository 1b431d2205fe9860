package sqlstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDump(t *testing.T) {
	store, mock := setupMock(t)

	created := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	mock.ExpectQuery(`SELECT \* FROM hosts ORDER BY host_id`).
		WillReturnRows(sqlmock.NewRows(hostColumns()).
			AddRow("client1.example.org", HostTypeClient, "5913397e0d4cf7928a4b0b12ad7abceb",
				"", "", nil, "10.0.0.7", "", created, nil).
			AddRow("depot1.example.org", HostTypeDepot, nil, "Depot", "", nil, nil, "", nil, nil))
	mock.ExpectQuery(`SELECT \* FROM users ORDER BY username`).
		WillReturnRows(sqlmock.NewRows([]string{"username", "password_hash", "user_groups"}).
			AddRow("adminuser", "$2a$04$hash", "opsiadmin"))
	mock.ExpectQuery(`SELECT \* FROM product_on_depot ORDER BY depot_id, product_id`).
		WillReturnRows(sqlmock.NewRows([]string{
			"product_id", "depot_id", "product_type", "product_version", "package_version", "priority",
		}).AddRow("firefox", "depot1.example.org", "LocalbootProduct", "128.0", "1", 0))
	mock.ExpectQuery(`SELECT \* FROM product_dependencies ORDER BY product_id, required_product_id`).
		WillReturnRows(sqlmock.NewRows([]string{"product_id", "required_product_id"}).
			AddRow("firefox", "vcredist"))
	mock.ExpectQuery(`SELECT \* FROM config_states ORDER BY config_id, object_id`).
		WillReturnRows(sqlmock.NewRows([]string{"config_id", "object_id", "state"}).
			AddRow("clientconfig.depot.id", "client1.example.org", `["depot1.example.org"]`))

	snap, err := store.Dump(context.Background())
	require.NoError(t, err)

	require.Len(t, snap.Hosts, 2)
	assert.Equal(t, "client1.example.org", snap.Hosts[0].ID)
	assert.True(t, snap.Hosts[0].Created.Valid)
	assert.False(t, snap.Hosts[1].HostKey.Valid)
	require.Len(t, snap.Users, 1)
	assert.Equal(t, "adminuser", snap.Users[0].Username)
	require.Len(t, snap.ProductsOnDepot, 1)
	require.Len(t, snap.ProductDependencies, 1)
	require.Len(t, snap.ConfigStates, 1)
	assert.Equal(t, `["depot1.example.org"]`, snap.ConfigStates[0].State)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestReplace(t *testing.T) {
	store, mock := setupMock(t)

	snap := &Snapshot{
		Hosts: []Host{{ID: "client1.example.org", Type: HostTypeClient}},
		Users: []User{{Username: "adminuser", PasswordHash: "hash", GroupsRaw: "opsiadmin"}},
		ProductsOnDepot: []ProductOnDepot{{
			ProductID: "firefox", DepotID: "depot1.example.org",
			ProductType: "LocalbootProduct", ProductVersion: "128.0", PackageVersion: "1",
		}},
		ProductDependencies: []ProductDependency{{ProductID: "firefox", RequiredProductID: "vcredist"}},
		ConfigStates:        []ConfigState{{ConfigID: "clientconfig.depot.id", ObjectID: "client1.example.org", State: "[]"}},
	}

	mock.ExpectBegin()
	for _, table := range []string{
		"hosts", "users", "product_on_depot", "product_dependencies", "config_states",
	} {
		mock.ExpectExec("DELETE FROM " + table).WillReturnResult(sqlmock.NewResult(0, 0))
	}
	mock.ExpectExec(`INSERT INTO hosts`).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(`INSERT INTO users`).
		WithArgs("adminuser", "hash", "opsiadmin").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(`INSERT INTO product_on_depot`).
		WithArgs("firefox", "depot1.example.org", "LocalbootProduct", "128.0", "1", 0).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(`INSERT INTO product_dependencies`).
		WithArgs("firefox", "vcredist").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(`INSERT INTO config_states`).
		WithArgs("clientconfig.depot.id", "client1.example.org", "[]").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	require.NoError(t, store.Replace(context.Background(), snap))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestReplaceRollsBackOnError(t *testing.T) {
	store, mock := setupMock(t)

	mock.ExpectBegin()
	mock.ExpectExec(`DELETE FROM hosts`).WillReturnError(errors.New("table locked"))
	mock.ExpectRollback()

	err := store.Replace(context.Background(), &Snapshot{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "clear hosts")
	require.NoError(t, mock.ExpectationsWereMet())
}

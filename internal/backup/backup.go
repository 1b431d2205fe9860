// Package backup serializes the object store into a portable msgpack
// archive and loads such archives back. Both directions hold the
// backup-restore Redis lock so concurrent maintenance on other workers
// or nodes cannot interleave with a running transfer.
package backup

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"

	"github.com/ChristianBoehm/opsiconfd-sub000/internal/backend/sqlstore"
	"github.com/ChristianBoehm/opsiconfd-sub000/internal/redis"
)

// LockName is the Redis lock guarding backup and restore runs.
const LockName = "backup-restore"

// FormatVersion is written into every archive and bumped whenever the
// archive layout changes. Restore refuses archives from a newer format.
const FormatVersion = 1

const (
	defaultAcquireTimeout = 10 * time.Second
	defaultLockTimeout    = 10 * time.Minute
)

// Options configures a backup or restore run.
type Options struct {
	// Path of the archive file.
	Path string
	// ServiceVersion stamped into created archives.
	ServiceVersion string
	// Node stamped into created archives.
	Node string
	// AcquireTimeout bounds waiting for the backup-restore lock.
	AcquireTimeout time.Duration
	// LockTimeout is the lock TTL while the run is in progress.
	LockTimeout time.Duration
}

func (o *Options) withDefaults() Options {
	opts := *o
	if opts.AcquireTimeout <= 0 {
		opts.AcquireTimeout = defaultAcquireTimeout
	}
	if opts.LockTimeout <= 0 {
		opts.LockTimeout = defaultLockTimeout
	}
	return opts
}

// Archive is the on-disk shape of a backup. Nullable database fields
// flatten into plain values, absent encoded as the zero value.
type Archive struct {
	FormatVersion  int       `msgpack:"format_version"`
	ServiceVersion string    `msgpack:"service_version"`
	Node           string    `msgpack:"node"`
	CreatedAt      time.Time `msgpack:"created_at"`

	Hosts               []Host              `msgpack:"hosts"`
	Users               []User              `msgpack:"users"`
	ProductsOnDepot     []ProductOnDepot    `msgpack:"products_on_depot"`
	ProductDependencies []ProductDependency `msgpack:"product_dependencies"`
	ConfigStates        []ConfigState       `msgpack:"config_states"`
}

// ObjectCount is the number of records the archive carries.
func (a *Archive) ObjectCount() int {
	return len(a.Hosts) + len(a.Users) + len(a.ProductsOnDepot) +
		len(a.ProductDependencies) + len(a.ConfigStates)
}

// Host is the archive form of a hosts row.
type Host struct {
	ID              string    `msgpack:"id"`
	Type            string    `msgpack:"type"`
	HostKey         string    `msgpack:"host_key"`
	Description     string    `msgpack:"description"`
	Notes           string    `msgpack:"notes"`
	HardwareAddress string    `msgpack:"hardware_address"`
	IPAddress       string    `msgpack:"ip_address"`
	InventoryNumber string    `msgpack:"inventory_number"`
	Created         time.Time `msgpack:"created"`
	LastSeen        time.Time `msgpack:"last_seen"`
}

// User is the archive form of a users row. The password hash travels
// verbatim so restored accounts keep their credentials.
type User struct {
	Username     string `msgpack:"username"`
	PasswordHash string `msgpack:"password_hash"`
	Groups       string `msgpack:"groups"`
}

// ProductOnDepot is the archive form of a product_on_depot row.
type ProductOnDepot struct {
	ProductID      string `msgpack:"product_id"`
	DepotID        string `msgpack:"depot_id"`
	ProductType    string `msgpack:"product_type"`
	ProductVersion string `msgpack:"product_version"`
	PackageVersion string `msgpack:"package_version"`
	Priority       int    `msgpack:"priority"`
}

// ProductDependency is the archive form of a product_dependencies row.
type ProductDependency struct {
	ProductID         string `msgpack:"product_id"`
	RequiredProductID string `msgpack:"required_product_id"`
}

// ConfigState is the archive form of a config_states row.
type ConfigState struct {
	ConfigID string `msgpack:"config_id"`
	ObjectID string `msgpack:"object_id"`
	State    string `msgpack:"state"`
}

// Create dumps the object store into an archive file at opts.Path. The
// file is written atomically via a rename from a temporary sibling.
func Create(ctx context.Context, store *sqlstore.Store, rdb *goredis.Client, keys redis.Keys, logger *zap.Logger, opts Options) error {
	opts = opts.withDefaults()

	lock, err := redis.AcquireLock(ctx, rdb, keys.Lock(LockName), opts.AcquireTimeout, opts.LockTimeout)
	if err != nil {
		return fmt.Errorf("acquire %s lock: %w", LockName, err)
	}
	defer releaseLock(lock, logger)

	snap, err := store.Dump(ctx)
	if err != nil {
		return err
	}

	archive := fromSnapshot(snap)
	archive.FormatVersion = FormatVersion
	archive.ServiceVersion = opts.ServiceVersion
	archive.Node = opts.Node
	archive.CreatedAt = time.Now().UTC()

	data, err := msgpack.Marshal(archive)
	if err != nil {
		return fmt.Errorf("encode archive: %w", err)
	}

	tmp := opts.Path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write archive: %w", err)
	}
	if err := os.Rename(tmp, opts.Path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("finalize archive: %w", err)
	}

	logger.Info("Backup written",
		zap.String("path", opts.Path),
		zap.Int("objects", archive.ObjectCount()),
		zap.Int("size", len(data)))
	return nil
}

// Restore loads the archive at opts.Path into the object store,
// replacing all existing content. Archives written by a newer format
// are rejected before anything is touched.
func Restore(ctx context.Context, store *sqlstore.Store, rdb *goredis.Client, keys redis.Keys, logger *zap.Logger, opts Options) error {
	opts = opts.withDefaults()

	archive, err := ReadArchive(opts.Path)
	if err != nil {
		return err
	}

	lock, err := redis.AcquireLock(ctx, rdb, keys.Lock(LockName), opts.AcquireTimeout, opts.LockTimeout)
	if err != nil {
		return fmt.Errorf("acquire %s lock: %w", LockName, err)
	}
	defer releaseLock(lock, logger)

	if err := store.Replace(ctx, toSnapshot(archive)); err != nil {
		return err
	}

	logger.Info("Backup restored",
		zap.String("path", opts.Path),
		zap.String("created_at", archive.CreatedAt.UTC().Format(time.RFC3339)),
		zap.String("source_node", archive.Node),
		zap.Int("objects", archive.ObjectCount()))
	return nil
}

// ReadArchive decodes and validates the archive file at path.
func ReadArchive(path string) (*Archive, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read archive: %w", err)
	}
	archive := &Archive{}
	if err := msgpack.Unmarshal(data, archive); err != nil {
		return nil, fmt.Errorf("decode archive: %w", err)
	}
	if archive.FormatVersion < 1 || archive.FormatVersion > FormatVersion {
		return nil, fmt.Errorf("unsupported archive format %d, this build reads up to %d",
			archive.FormatVersion, FormatVersion)
	}
	return archive, nil
}

func releaseLock(lock *redis.Lock, logger *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := lock.Release(ctx); err != nil {
		logger.Warn("Releasing backup-restore lock failed", zap.Error(err))
	}
}

func fromSnapshot(snap *sqlstore.Snapshot) *Archive {
	archive := &Archive{
		Hosts:               make([]Host, 0, len(snap.Hosts)),
		Users:               make([]User, 0, len(snap.Users)),
		ProductsOnDepot:     make([]ProductOnDepot, 0, len(snap.ProductsOnDepot)),
		ProductDependencies: make([]ProductDependency, 0, len(snap.ProductDependencies)),
		ConfigStates:        make([]ConfigState, 0, len(snap.ConfigStates)),
	}
	for i := range snap.Hosts {
		h := &snap.Hosts[i]
		rec := Host{
			ID:              h.ID,
			Type:            h.Type,
			Description:     h.Description,
			Notes:           h.Notes,
			InventoryNumber: h.InventoryNumber,
		}
		if h.HostKey.Valid {
			rec.HostKey = h.HostKey.String
		}
		if h.HardwareAddress.Valid {
			rec.HardwareAddress = h.HardwareAddress.String
		}
		if h.IPAddress.Valid {
			rec.IPAddress = h.IPAddress.String
		}
		if h.Created.Valid {
			rec.Created = h.Created.Time.UTC()
		}
		if h.LastSeen.Valid {
			rec.LastSeen = h.LastSeen.Time.UTC()
		}
		archive.Hosts = append(archive.Hosts, rec)
	}
	for _, u := range snap.Users {
		archive.Users = append(archive.Users, User{
			Username:     u.Username,
			PasswordHash: u.PasswordHash,
			Groups:       u.GroupsRaw,
		})
	}
	for _, p := range snap.ProductsOnDepot {
		archive.ProductsOnDepot = append(archive.ProductsOnDepot, ProductOnDepot(p))
	}
	for _, d := range snap.ProductDependencies {
		archive.ProductDependencies = append(archive.ProductDependencies, ProductDependency(d))
	}
	for _, c := range snap.ConfigStates {
		archive.ConfigStates = append(archive.ConfigStates, ConfigState(c))
	}
	return archive
}

func toSnapshot(archive *Archive) *sqlstore.Snapshot {
	snap := &sqlstore.Snapshot{
		Hosts:               make([]sqlstore.Host, 0, len(archive.Hosts)),
		Users:               make([]sqlstore.User, 0, len(archive.Users)),
		ProductsOnDepot:     make([]sqlstore.ProductOnDepot, 0, len(archive.ProductsOnDepot)),
		ProductDependencies: make([]sqlstore.ProductDependency, 0, len(archive.ProductDependencies)),
		ConfigStates:        make([]sqlstore.ConfigState, 0, len(archive.ConfigStates)),
	}
	for i := range archive.Hosts {
		h := &archive.Hosts[i]
		rec := sqlstore.Host{
			ID:              h.ID,
			Type:            h.Type,
			Description:     h.Description,
			Notes:           h.Notes,
			InventoryNumber: h.InventoryNumber,
		}
		rec.HostKey = nullString(h.HostKey)
		rec.HardwareAddress = nullString(h.HardwareAddress)
		rec.IPAddress = nullString(h.IPAddress)
		rec.Created = nullTime(h.Created)
		rec.LastSeen = nullTime(h.LastSeen)
		snap.Hosts = append(snap.Hosts, rec)
	}
	for _, u := range archive.Users {
		snap.Users = append(snap.Users, sqlstore.User{
			Username:     u.Username,
			PasswordHash: u.PasswordHash,
			GroupsRaw:    u.Groups,
		})
	}
	for _, p := range archive.ProductsOnDepot {
		snap.ProductsOnDepot = append(snap.ProductsOnDepot, sqlstore.ProductOnDepot(p))
	}
	for _, d := range archive.ProductDependencies {
		snap.ProductDependencies = append(snap.ProductDependencies, sqlstore.ProductDependency(d))
	}
	for _, c := range archive.ConfigStates {
		snap.ConfigStates = append(snap.ConfigStates, sqlstore.ConfigState(c))
	}
	return snap
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}

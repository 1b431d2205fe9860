package sqlstore

import (
	"context"
	"fmt"
)

// ConfigState is one stored config state row.
type ConfigState struct {
	ConfigID string `db:"config_id"`
	ObjectID string `db:"object_id"`
	State    string `db:"state"`
}

// Snapshot is the complete content of the object store.
type Snapshot struct {
	Hosts               []Host
	Users               []User
	ProductsOnDepot     []ProductOnDepot
	ProductDependencies []ProductDependency
	ConfigStates        []ConfigState
}

// Dump reads every table into a snapshot. Rows are ordered by primary key
// so two dumps of the same content are identical.
func (s *Store) Dump(ctx context.Context) (*Snapshot, error) {
	snap := &Snapshot{}
	if err := s.db.SelectContext(ctx, &snap.Hosts,
		`SELECT * FROM hosts ORDER BY host_id`); err != nil {
		return nil, fmt.Errorf("dump hosts: %w", err)
	}
	if err := s.db.SelectContext(ctx, &snap.Users,
		`SELECT * FROM users ORDER BY username`); err != nil {
		return nil, fmt.Errorf("dump users: %w", err)
	}
	if err := s.db.SelectContext(ctx, &snap.ProductsOnDepot,
		`SELECT * FROM product_on_depot ORDER BY depot_id, product_id`); err != nil {
		return nil, fmt.Errorf("dump products on depot: %w", err)
	}
	if err := s.db.SelectContext(ctx, &snap.ProductDependencies,
		`SELECT * FROM product_dependencies ORDER BY product_id, required_product_id`); err != nil {
		return nil, fmt.Errorf("dump product dependencies: %w", err)
	}
	if err := s.db.SelectContext(ctx, &snap.ConfigStates,
		`SELECT * FROM config_states ORDER BY config_id, object_id`); err != nil {
		return nil, fmt.Errorf("dump config states: %w", err)
	}
	return snap, nil
}

// Replace overwrites the store content with the snapshot in a single
// transaction.
func (s *Store) Replace(ctx context.Context, snap *Snapshot) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin restore: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	for _, table := range []string{
		"hosts", "users", "product_on_depot", "product_dependencies", "config_states",
	} {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("clear %s: %w", table, err)
		}
	}

	for i := range snap.Hosts {
		h := &snap.Hosts[i]
		if _, err := tx.ExecContext(ctx, s.db.Rebind(`
			INSERT INTO hosts (host_id, type, host_key, description, notes, hardware_address, ip_address, inventory_number, created, last_seen)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
			h.ID, h.Type, h.HostKey, h.Description, h.Notes,
			h.HardwareAddress, h.IPAddress, h.InventoryNumber, h.Created, h.LastSeen,
		); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("restore host %s: %w", h.ID, err)
		}
	}
	for _, u := range snap.Users {
		if _, err := tx.ExecContext(ctx, s.db.Rebind(`
			INSERT INTO users (username, password_hash, user_groups)
			VALUES (?, ?, ?)`),
			u.Username, u.PasswordHash, u.GroupsRaw,
		); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("restore user %s: %w", u.Username, err)
		}
	}
	for _, p := range snap.ProductsOnDepot {
		if _, err := tx.ExecContext(ctx, s.db.Rebind(`
			INSERT INTO product_on_depot (product_id, depot_id, product_type, product_version, package_version, priority)
			VALUES (?, ?, ?, ?, ?, ?)`),
			p.ProductID, p.DepotID, p.ProductType, p.ProductVersion, p.PackageVersion, p.Priority,
		); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("restore product %s on %s: %w", p.ProductID, p.DepotID, err)
		}
	}
	for _, d := range snap.ProductDependencies {
		if _, err := tx.ExecContext(ctx, s.db.Rebind(`
			INSERT INTO product_dependencies (product_id, required_product_id)
			VALUES (?, ?)`),
			d.ProductID, d.RequiredProductID,
		); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("restore dependency %s -> %s: %w", d.ProductID, d.RequiredProductID, err)
		}
	}
	for _, c := range snap.ConfigStates {
		if _, err := tx.ExecContext(ctx, s.db.Rebind(`
			INSERT INTO config_states (config_id, object_id, state)
			VALUES (?, ?, ?)`),
			c.ConfigID, c.ObjectID, c.State,
		); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("restore config state %s/%s: %w", c.ConfigID, c.ObjectID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit restore: %w", err)
	}
	return nil
}

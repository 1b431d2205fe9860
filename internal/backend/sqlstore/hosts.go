package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrHostNotFound is returned when a host id does not exist.
var ErrHostNotFound = errors.New("host not found")

// HostFilter narrows host queries. Zero fields match everything.
type HostFilter struct {
	IDs  []string
	Type string
	// SelfID restricts results to the named host. Used to enforce
	// self-only ACL decisions.
	SelfID string
}

// GetHost loads one host by id.
func (s *Store) GetHost(ctx context.Context, id string) (*Host, error) {
	var host Host
	query := s.db.Rebind(`SELECT * FROM hosts WHERE host_id = ?`)
	if err := s.db.GetContext(ctx, &host, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrHostNotFound
		}
		return nil, fmt.Errorf("get host %s: %w", id, err)
	}
	return &host, nil
}

// GetHosts loads hosts matching the filter, ordered by id.
func (s *Store) GetHosts(ctx context.Context, filter HostFilter) ([]Host, error) {
	var (
		conds []string
		args  []interface{}
	)
	if filter.SelfID != "" {
		conds = append(conds, "host_id = ?")
		args = append(args, filter.SelfID)
	} else if len(filter.IDs) > 0 {
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(filter.IDs)), ",")
		conds = append(conds, fmt.Sprintf("host_id IN (%s)", placeholders))
		for _, id := range filter.IDs {
			args = append(args, id)
		}
	}
	if filter.Type != "" {
		conds = append(conds, "type = ?")
		args = append(args, filter.Type)
	}

	query := `SELECT * FROM hosts`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY host_id"

	var hosts []Host
	if err := s.db.SelectContext(ctx, &hosts, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("get hosts: %w", err)
	}
	return hosts, nil
}

// GetHostIdents returns the ids of hosts matching the filter.
func (s *Store) GetHostIdents(ctx context.Context, filter HostFilter) ([]string, error) {
	hosts, err := s.GetHosts(ctx, filter)
	if err != nil {
		return nil, err
	}
	idents := make([]string, len(hosts))
	for i, h := range hosts {
		idents[i] = h.ID
	}
	return idents, nil
}

// GetDepotIDs returns the ids of all depots including the config server.
func (s *Store) GetDepotIDs(ctx context.Context) ([]string, error) {
	var ids []string
	query := s.db.Rebind(`SELECT host_id FROM hosts WHERE type IN (?, ?) ORDER BY host_id`)
	if err := s.db.SelectContext(ctx, &ids, query, HostTypeDepot, HostTypeConfigserver); err != nil {
		return nil, fmt.Errorf("get depot ids: %w", err)
	}
	return ids, nil
}

// GetHostByKey finds the host owning a pre-shared key. Used for host-key
// only authentication where no host id accompanies the credential.
func (s *Store) GetHostByKey(ctx context.Context, hostKey string) (*Host, error) {
	if hostKey == "" {
		return nil, ErrHostNotFound
	}
	var host Host
	query := s.db.Rebind(`SELECT * FROM hosts WHERE host_key = ?`)
	if err := s.db.GetContext(ctx, &host, query, hostKey); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrHostNotFound
		}
		return nil, fmt.Errorf("get host by key: %w", err)
	}
	return &host, nil
}

// UpsertHost creates or replaces a host record.
func (s *Store) UpsertHost(ctx context.Context, host *Host) error {
	if host.ID == "" {
		return fmt.Errorf("host id must not be empty")
	}
	if !host.Created.Valid {
		host.Created = sql.NullTime{Time: time.Now().UTC(), Valid: true}
	}
	query := s.db.Rebind(`
		INSERT INTO hosts (host_id, type, host_key, description, notes, hardware_address, ip_address, inventory_number, created, last_seen)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (host_id) DO UPDATE SET
			type = excluded.type,
			host_key = excluded.host_key,
			description = excluded.description,
			notes = excluded.notes,
			hardware_address = excluded.hardware_address,
			ip_address = excluded.ip_address,
			inventory_number = excluded.inventory_number,
			last_seen = excluded.last_seen`)
	_, err := s.db.ExecContext(ctx, query,
		host.ID, host.Type, host.HostKey, host.Description, host.Notes,
		host.HardwareAddress, host.IPAddress, host.InventoryNumber,
		host.Created, host.LastSeen,
	)
	if err != nil {
		return fmt.Errorf("upsert host %s: %w", host.ID, err)
	}
	return nil
}

// DeleteHost removes a host and its product assignments.
func (s *Store) DeleteHost(ctx context.Context, id string) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete host: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	res, err := tx.ExecContext(ctx, s.db.Rebind(`DELETE FROM hosts WHERE host_id = ?`), id)
	if err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("delete host %s: %w", id, err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		_ = tx.Rollback()
		return ErrHostNotFound
	}
	if _, err := tx.ExecContext(ctx, s.db.Rebind(`DELETE FROM product_on_depot WHERE depot_id = ?`), id); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("delete depot products of %s: %w", id, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit delete host: %w", err)
	}
	return nil
}

// HostKey returns the pre-shared key of a host, or ErrHostNotFound.
func (s *Store) HostKey(ctx context.Context, id string) (string, error) {
	host, err := s.GetHost(ctx, id)
	if err != nil {
		return "", err
	}
	if !host.HostKey.Valid {
		return "", nil
	}
	return host.HostKey.String, nil
}

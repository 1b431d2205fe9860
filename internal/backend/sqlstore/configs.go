package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// ConfigProductOrderingOutdated is the config id other services set to
// force a product ordering recompute for a depot, bypassing the usual
// marker invalidation.
const ConfigProductOrderingOutdated = "opsiconfd.product_ordering.outdated"

// GetConfigState reads one config state. The second return reports whether
// the state exists.
func (s *Store) GetConfigState(ctx context.Context, configID, objectID string) (string, bool, error) {
	var state string
	query := s.db.Rebind(`SELECT state FROM config_states WHERE config_id = ? AND object_id = ?`)
	if err := s.db.GetContext(ctx, &state, query, configID, objectID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("get config state %s/%s: %w", configID, objectID, err)
	}
	return state, true, nil
}

// SetConfigState writes one config state.
func (s *Store) SetConfigState(ctx context.Context, configID, objectID, state string) error {
	query := s.db.Rebind(`
		INSERT INTO config_states (config_id, object_id, state)
		VALUES (?, ?, ?)
		ON CONFLICT (config_id, object_id) DO UPDATE SET
			state = excluded.state`)
	if _, err := s.db.ExecContext(ctx, query, configID, objectID, state); err != nil {
		return fmt.Errorf("set config state %s/%s: %w", configID, objectID, err)
	}
	return nil
}

// DeleteConfigState removes one config state.
func (s *Store) DeleteConfigState(ctx context.Context, configID, objectID string) error {
	query := s.db.Rebind(`DELETE FROM config_states WHERE config_id = ? AND object_id = ?`)
	if _, err := s.db.ExecContext(ctx, query, configID, objectID); err != nil {
		return fmt.Errorf("delete config state %s/%s: %w", configID, objectID, err)
	}
	return nil
}

// ProductOrderingOutdated reports whether a depot carries the explicit
// recompute flag.
func (s *Store) ProductOrderingOutdated(ctx context.Context, depotID string) (bool, error) {
	state, ok, err := s.GetConfigState(ctx, ConfigProductOrderingOutdated, depotID)
	if err != nil {
		return false, err
	}
	return ok && state == "true", nil
}

// SetProductOrderingOutdated sets or clears the recompute flag of a depot.
func (s *Store) SetProductOrderingOutdated(ctx context.Context, depotID string, outdated bool) error {
	if !outdated {
		return s.DeleteConfigState(ctx, ConfigProductOrderingOutdated, depotID)
	}
	return s.SetConfigState(ctx, ConfigProductOrderingOutdated, depotID, "true")
}

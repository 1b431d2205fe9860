package sqlstore

import (
	"database/sql"
	"strings"
	"time"
)

// Host types as stored in the hosts table.
const (
	HostTypeClient       = "OpsiClient"
	HostTypeDepot        = "OpsiDepotserver"
	HostTypeConfigserver = "OpsiConfigserver"
)

// Host is one managed endpoint, depot or the config server itself.
type Host struct {
	ID              string         `db:"host_id"`
	Type            string         `db:"type"`
	HostKey         sql.NullString `db:"host_key"`
	Description     string         `db:"description"`
	Notes           string         `db:"notes"`
	HardwareAddress sql.NullString `db:"hardware_address"`
	IPAddress       sql.NullString `db:"ip_address"`
	InventoryNumber string         `db:"inventory_number"`
	Created         sql.NullTime   `db:"created"`
	LastSeen        sql.NullTime   `db:"last_seen"`
}

// IsDepot reports whether the host serves software to clients.
func (h *Host) IsDepot() bool {
	return h.Type == HostTypeDepot || h.Type == HostTypeConfigserver
}

// ToMap renders the wire shape used by RPC results.
func (h *Host) ToMap() map[string]interface{} {
	m := map[string]interface{}{
		"id":              h.ID,
		"type":            h.Type,
		"description":     h.Description,
		"notes":           h.Notes,
		"inventoryNumber": h.InventoryNumber,
	}
	if h.HostKey.Valid {
		m["opsiHostKey"] = h.HostKey.String
	}
	if h.HardwareAddress.Valid {
		m["hardwareAddress"] = h.HardwareAddress.String
	}
	if h.IPAddress.Valid {
		m["ipAddress"] = h.IPAddress.String
	}
	if h.Created.Valid {
		m["created"] = h.Created.Time.UTC().Format(timeFormat)
	}
	if h.LastSeen.Valid {
		m["lastSeen"] = h.LastSeen.Time.UTC().Format(timeFormat)
	}
	return m
}

const timeFormat = "2006-01-02 15:04:05"

// User is a service account for HTTP Basic authentication.
type User struct {
	Username     string `db:"username"`
	PasswordHash string `db:"password_hash"`
	GroupsRaw    string `db:"user_groups"`
}

// Groups splits the stored comma separated group list.
func (u *User) Groups() []string {
	if u.GroupsRaw == "" {
		return nil
	}
	parts := strings.Split(u.GroupsRaw, ",")
	groups := make([]string, 0, len(parts))
	for _, p := range parts {
		if g := strings.TrimSpace(p); g != "" {
			groups = append(groups, g)
		}
	}
	return groups
}

// ProductOnDepot is one installable product available on a depot.
type ProductOnDepot struct {
	ProductID      string `db:"product_id"`
	DepotID        string `db:"depot_id"`
	ProductType    string `db:"product_type"`
	ProductVersion string `db:"product_version"`
	PackageVersion string `db:"package_version"`
	Priority       int    `db:"priority"`
}

// ProductDependency records that product_id requires required_product_id
// to be handled first.
type ProductDependency struct {
	ProductID         string `db:"product_id"`
	RequiredProductID string `db:"required_product_id"`
}

// Timestamp formats t the way the wire protocol expects.
func Timestamp(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

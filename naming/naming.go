// Package naming maps tenants and versions to physical index names and to the per-tenant aliases.  All
// functions are pure.
package naming

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

const (
	versionMarker    = "_v"
	readAliasPrefix  = "read_"
	writeAliasPrefix = "write_"
)

// ErrNotTenantIndex is returned by ParseIndexName for names that do not follow the <uuid>_v<digits> convention.
// Other subsystems share the cluster namespace, so callers scanning indices skip these silently.
var ErrNotTenantIndex = errors.New("not a tenant index")

var ErrInvalidTenantID = errors.New("invalid tenant id")

// TenantIndex is a physical index owned by one tenant at one version.
type TenantIndex struct {
	TenantID string
	Version  int
}

func (t TenantIndex) Name() string       { return IndexName(t.TenantID, t.Version) }
func (t TenantIndex) ReadAlias() string  { return ReadAlias(t.TenantID) }
func (t TenantIndex) WriteAlias() string { return WriteAlias(t.TenantID) }
func (t TenantIndex) String() string     { return t.Name() }

func IndexName(tenantID string, version int) string {
	return fmt.Sprintf("%s%s%d", tenantID, versionMarker, version)
}

func ReadAlias(tenantID string) string {
	return readAliasPrefix + tenantID
}

func WriteAlias(tenantID string) string {
	return writeAliasPrefix + tenantID
}

// ParseIndexName is the inverse of IndexName.
func ParseIndexName(name string) (TenantIndex, error) {
	i := strings.LastIndex(name, versionMarker)
	if i <= 0 {
		return TenantIndex{}, fmt.Errorf("%w: %s", ErrNotTenantIndex, name)
	}

	tenant, digits := name[:i], name[i+len(versionMarker):]
	// Leading zeros would break the round trip with IndexName.
	if !isTenantID(tenant) || !isDigits(digits) || digits[0] == '0' {
		return TenantIndex{}, fmt.Errorf("%w: %s", ErrNotTenantIndex, name)
	}

	version, err := strconv.Atoi(digits)
	if err != nil || version < 1 {
		return TenantIndex{}, fmt.Errorf("%w: %s", ErrNotTenantIndex, name)
	}

	return TenantIndex{TenantID: tenant, Version: version}, nil
}

// NormalizeTenantID returns the canonical lowercase, hyphenated form of a tenant id.  Index names are case
// sensitive so every entry point normalises before deriving names.
func NormalizeTenantID(id string) (string, error) {
	u, err := uuid.Parse(id)
	if err != nil {
		return "", fmt.Errorf("%w %q: %w", ErrInvalidTenantID, id, err)
	}
	return u.String(), nil
}

// isTenantID accepts only the canonical form, so an index name maps to exactly one tenant.
func isTenantID(s string) bool {
	u, err := uuid.Parse(s)
	return err == nil && u.String() == s
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

// Package resolver turns a tenant id into the physical indices behind its aliases, checking the alias
// cardinality invariants on every lookup.
package resolver

import (
	"context"
	"errors"
	"fmt"

	"github.com/orgsearch/tenant-index/gateway"
	"github.com/orgsearch/tenant-index/metrics"
	"github.com/orgsearch/tenant-index/naming"
	"github.com/orgsearch/tenant-index/pkg/logger"
)

// ErrAliasInvariant means an alias resolved to a number of indices that should never be observable.  It
// signals a bug or an operator change outside this system and must not be worked around.
var ErrAliasInvariant = errors.New("alias invariant violated")

// InvariantError carries the offending alias and what it resolved to.
type InvariantError struct {
	Alias   string
	Targets []string
	Want    string
}

func (e *InvariantError) Error() string {
	return fmt.Sprintf("%s: alias %s resolved to %d indices %v, want %s", ErrAliasInvariant, e.Alias, len(e.Targets), e.Targets, e.Want)
}

func (e *InvariantError) Unwrap() error { return ErrAliasInvariant }

// ReadTarget returns the single index behind the tenant's read alias.
func ReadTarget(ctx context.Context, gw gateway.Gateway, tenantID string) (string, error) {
	alias := naming.ReadAlias(tenantID)
	targets, err := gw.AliasTargets(ctx, alias)
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", alias, err)
	}

	if len(targets) != 1 {
		return "", violation("read", alias, targets, "exactly 1")
	}
	return targets[0], nil
}

// WriteTargets returns the indices behind the tenant's write alias: one in steady state, two while a
// migration is in flight.
func WriteTargets(ctx context.Context, gw gateway.Gateway, tenantID string) ([]string, error) {
	alias := naming.WriteAlias(tenantID)
	targets, err := gw.AliasTargets(ctx, alias)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", alias, err)
	}

	if len(targets) < 1 || len(targets) > 2 {
		return nil, violation("write", alias, targets, "1 or 2")
	}
	return targets, nil
}

func violation(kind, alias string, targets []string, want string) error {
	metrics.AliasInvariantViolations.WithLabelValues(kind).Inc()
	err := &InvariantError{Alias: alias, Targets: targets, Want: want}
	logger.Error("Alias invariant violated", "alias", alias, "targets", targets, "want", want)
	return err
}

package metrics

// Values of the ErrorsTotal source label.
const (
	// Provisioner errors
	CreateIndexError   = "create_index"
	HealthTimeoutError = "health_timeout"

	// Migration errors
	DiscoverError  = "discover"
	ProvisionError = "provision"
	BackfillError  = "backfill"
	ReplayError    = "replay_tombstones"
	CutoverError   = "cutover"
	CleanupError   = "cleanup"
	LockError      = "lock"

	// Fanout errors
	ResolveTargetsError = "resolve_targets"
	BulkError           = "bulk"

	// Audit errors
	AuditError = "audit"
)

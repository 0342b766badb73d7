package main

import (
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/orgsearch/tenant-index/pkg/logger"
)

const (
	LockBackendLocal = "local"
	LockBackendLease = "lease"
)

var DefaultConfig = Config{
	ListenAddr:    ":8080",
	TargetVersion: 1,
	LogLevel:      "info",
	Elasticsearch: &Elasticsearch{
		Addresses:      []string{"http://localhost:9200"},
		TimeoutSeconds: 30,
	},
	Migration: &Migration{
		Concurrency:          2,
		IntervalSeconds:      300,
		AuditIntervalSeconds: 60,
		HealthTimeoutSeconds: 120,
	},
	Lock: &Lock{
		Backend:              LockBackendLocal,
		Namespace:            "default",
		LeaseDurationSeconds: 60,
	},
}

type Config struct {
	ListenAddr    string `toml:"listen-addr" comment:"Address to serve metrics and the admin API on."`
	Kubeconfig    string `toml:"kube-config" comment:"Path to kubernetes client config.  Only used by the lease lock."`
	TargetVersion int    `toml:"target-version" comment:"Index version every tenant should be on.  Bump it to migrate all tenants."`
	MappingFile   string `toml:"mapping-file" comment:"Optional YAML or JSON document mapping.  The built in mapping is used when empty."`
	LogLevel      string `toml:"log-level" comment:"One of debug, info, warn or error."`

	Elasticsearch *Elasticsearch `toml:"elasticsearch" comment:"Search cluster connection."`
	Migration     *Migration     `toml:"migration" comment:"Migration and audit schedule."`
	Lock          *Lock          `toml:"lock" comment:"Per-tenant migration lock."`
}

type Elasticsearch struct {
	Addresses          []string `toml:"addresses" comment:"Cluster node URLs."`
	Username           string   `toml:"username" comment:"Basic auth user."`
	Password           string   `toml:"password" comment:"Basic auth password."`
	APIKey             string   `toml:"api-key" comment:"Base64 encoded API key.  Mutually exclusive with username."`
	InsecureSkipVerify bool     `toml:"insecure-skip-verify" comment:"Skip TLS verification."`
	TimeoutSeconds     int      `toml:"timeout" comment:"Per request timeout in seconds.  Reindex requests are asynchronous and not bound by it."`
}

type Migration struct {
	Concurrency          int `toml:"concurrency" comment:"Maximum number of tenants migrated at once."`
	IntervalSeconds      int `toml:"interval" comment:"Seconds between migration runs in serve mode."`
	AuditIntervalSeconds int `toml:"audit-interval" comment:"Seconds between alias audits in serve mode.  0 disables the audit."`
	HealthTimeoutSeconds int `toml:"health-timeout" comment:"Seconds to wait for a new index to leave red health."`
}

type Lock struct {
	Backend              string `toml:"backend" comment:"local serializes migrations within this process; lease uses a kubernetes Lease per tenant."`
	Namespace            string `toml:"namespace" comment:"Namespace of the lease objects."`
	Identity             string `toml:"identity" comment:"Lease holder identity.  Defaults to the hostname."`
	LeaseDurationSeconds int    `toml:"lease-duration" comment:"Seconds a lease stays valid without renewal."`
}

func (e *Elasticsearch) Validate() error {
	if len(e.Addresses) == 0 {
		return errors.New("elasticsearch.addresses must be set")
	}
	for _, addr := range e.Addresses {
		u, err := url.Parse(addr)
		if err != nil {
			return fmt.Errorf("elasticsearch.addresses %s is invalid: %w", addr, err)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return fmt.Errorf("elasticsearch.addresses %s must be http or https", addr)
		}
	}

	if (e.Username == "") != (e.Password == "") {
		return errors.New("elasticsearch.username and elasticsearch.password must both be set or both be empty")
	}
	if e.APIKey != "" && e.Username != "" {
		return errors.New("elasticsearch.api-key and elasticsearch.username are mutually exclusive")
	}
	if e.TimeoutSeconds < 0 {
		return errors.New("elasticsearch.timeout must be positive")
	}
	return nil
}

func (m *Migration) Validate() error {
	if m.Concurrency < 1 {
		return errors.New("migration.concurrency must be at least 1")
	}
	if m.IntervalSeconds < 1 {
		return errors.New("migration.interval must be at least 1")
	}
	if m.AuditIntervalSeconds < 0 {
		return errors.New("migration.audit-interval must be positive")
	}
	if m.HealthTimeoutSeconds < 1 {
		return errors.New("migration.health-timeout must be at least 1")
	}
	return nil
}

func (l *Lock) Validate() error {
	switch l.Backend {
	case LockBackendLocal:
		return nil
	case LockBackendLease:
		if l.Namespace == "" {
			return errors.New("lock.namespace must be set for the lease backend")
		}
		if l.LeaseDurationSeconds < 1 {
			return errors.New("lock.lease-duration must be at least 1")
		}
		return nil
	}
	return fmt.Errorf("lock.backend %q must be %s or %s", l.Backend, LockBackendLocal, LockBackendLease)
}

func (c *Config) Validate() error {
	if c.TargetVersion < 1 {
		return errors.New("target-version must be at least 1")
	}
	if _, ok := logger.ParseLevel(c.LogLevel); c.LogLevel != "" && !ok {
		return fmt.Errorf("log-level %q is invalid", c.LogLevel)
	}

	if c.Elasticsearch == nil {
		return errors.New("elasticsearch must be set")
	}
	if err := c.Elasticsearch.Validate(); err != nil {
		return err
	}

	if c.Migration == nil {
		c.Migration = DefaultConfig.Migration
	}
	if err := c.Migration.Validate(); err != nil {
		return err
	}

	if c.Lock == nil {
		c.Lock = DefaultConfig.Lock
	}
	return c.Lock.Validate()
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

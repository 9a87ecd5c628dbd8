// Package ha provides the primitives for running several registry replicas
// against one database: a lock around schema migration and Kubernetes
// Lease-based leader election for singleton background loops.
package ha

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// HAConfig holds configuration for high-availability features.
type HAConfig struct {
	// LeaderElectionEnabled controls whether the token sweep and audit
	// retention run only on the Lease holder. When false every replica
	// behaves as leader.
	LeaderElectionEnabled bool

	// LeaseName and LeaseNamespace locate the Lease resource.
	LeaseName      string
	LeaseNamespace string

	LeaseDuration time.Duration
	RenewDeadline time.Duration
	RetryPeriod   time.Duration

	// MigrationLockEnabled serializes AutoMigrate across replicas.
	MigrationLockEnabled bool

	// Identity is this replica's candidate name. Defaults to POD_NAME or
	// the hostname.
	Identity string
}

// DefaultHAConfig returns an HAConfig for a single-replica deployment.
func DefaultHAConfig() *HAConfig {
	ns := os.Getenv("POD_NAMESPACE")
	if ns == "" {
		ns = "credential-registry"
	}
	return &HAConfig{
		LeaderElectionEnabled: false,
		LeaseName:             "credential-registry-leader",
		LeaseNamespace:        ns,
		LeaseDuration:         15 * time.Second,
		RenewDeadline:         10 * time.Second,
		RetryPeriod:           2 * time.Second,
		MigrationLockEnabled:  true,
		Identity:              defaultIdentity(),
	}
}

// HAConfigFromEnv reads HA configuration from environment variables,
// falling back to defaults for any unset variable.
//
//   - CREDREG_LEADER_ELECTION_ENABLED: "true" or "false" (default "false")
//   - CREDREG_LEADER_LEASE_NAME (default "credential-registry-leader")
//   - CREDREG_LEADER_LEASE_NAMESPACE (default POD_NAMESPACE or "credential-registry")
//   - CREDREG_LEADER_LEASE_DURATION_SECONDS (default 15)
//   - CREDREG_LEADER_RENEW_DEADLINE_SECONDS (default 10)
//   - CREDREG_LEADER_RETRY_PERIOD_SECONDS (default 2)
//   - CREDREG_MIGRATION_LOCK_ENABLED: "true" or "false" (default "true")
//   - POD_NAME: candidate identity
func HAConfigFromEnv() *HAConfig {
	cfg := DefaultHAConfig()

	if v := os.Getenv("CREDREG_LEADER_ELECTION_ENABLED"); v != "" {
		cfg.LeaderElectionEnabled = parseBool(v)
	}
	if v := os.Getenv("CREDREG_LEADER_LEASE_NAME"); v != "" {
		cfg.LeaseName = v
	}
	if v := os.Getenv("CREDREG_LEADER_LEASE_NAMESPACE"); v != "" {
		cfg.LeaseNamespace = v
	}
	setSeconds(&cfg.LeaseDuration, "CREDREG_LEADER_LEASE_DURATION_SECONDS")
	setSeconds(&cfg.RenewDeadline, "CREDREG_LEADER_RENEW_DEADLINE_SECONDS")
	setSeconds(&cfg.RetryPeriod, "CREDREG_LEADER_RETRY_PERIOD_SECONDS")
	if v := os.Getenv("CREDREG_MIGRATION_LOCK_ENABLED"); v != "" {
		cfg.MigrationLockEnabled = parseBool(v)
	}
	if v := os.Getenv("POD_NAME"); v != "" {
		cfg.Identity = v
	}

	return cfg
}

// Validate checks the timing constraints client-go enforces on leader
// election.
func (c *HAConfig) Validate() error {
	if !c.LeaderElectionEnabled {
		return nil
	}
	if c.LeaseName == "" || c.LeaseNamespace == "" {
		return fmt.Errorf("leader election requires a lease name and namespace")
	}
	if c.LeaseDuration <= c.RenewDeadline {
		return fmt.Errorf("lease duration %s must exceed renew deadline %s", c.LeaseDuration, c.RenewDeadline)
	}
	if c.RenewDeadline <= c.RetryPeriod {
		return fmt.Errorf("renew deadline %s must exceed retry period %s", c.RenewDeadline, c.RetryPeriod)
	}
	return nil
}

func parseBool(v string) bool {
	return strings.EqualFold(v, "true") || v == "1"
}

func setSeconds(d *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			*d = time.Duration(secs) * time.Second
		}
	}
}

func defaultIdentity() string {
	if v := os.Getenv("POD_NAME"); v != "" {
		return v
	}
	hostname, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return hostname
}

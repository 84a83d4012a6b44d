// Package config defines the three configuration surfaces from spec §6 —
// host, Manager, dashboard — and validates them with struct tags via
// go-playground/validator, following 2lar-b2's validation.Validator pattern.
// A validator.Validate instance is safe and intended to be reused across
// many Validate() calls (it caches struct reflection metadata), so one
// package-level instance is held here; this is the one exception to "no
// ambient globals" (spec §9) because it is immutable and carries no request
// state — every config value it validates is still passed explicitly.
package config

import (
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/Voskan/distcache/pkg/errs"
)

var validate = validator.New()

// StorageProvider names a payload transform ("plain" or "gzip"). The value is
// validated, but no component reads it: payloads are stored unchanged for
// either value.
type StorageProvider string

const (
	StoragePlain StorageProvider = "plain"
	StorageGzip  StorageProvider = "gzip"
)

// HostConfig is the configuration surface of every Cache Host (spec §6).
type HostConfig struct {
	Port                         int             `validate:"required,min=1,max=65535"`
	ManagerAddress               string          `validate:"required"`
	ManagerPort                  int             `validate:"required,min=1,max=65535"`
	MaximumConnections           int             `validate:"required,min=1"`
	MessageBufferSize            int             `validate:"required,min=1024,max=4096"`
	CommunicationTimeoutSeconds  int             `validate:"required,min=5"`
	MaximumMessageSizeBytes      int64           `validate:"required,min=104857600"`
	CacheMemoryLimitPercentage   int             `validate:"required,min=5,max=90"`
	StorageProvider              StorageProvider `validate:"required,oneof=plain gzip"`
	ManagerReconnectIntervalMS   int             `validate:"required,min=1000,max=60000"`
	SweepIntervalMilliseconds    int             `validate:"required,min=1"`
	CustomLoggerType             string
}

// DefaultHostConfig returns spec §6's documented defaults.
func DefaultHostConfig() HostConfig {
	return HostConfig{
		Port:                        33333,
		ManagerPort:                 33334,
		MaximumConnections:          20,
		MessageBufferSize:           4096,
		CommunicationTimeoutSeconds: 15,
		MaximumMessageSizeBytes:     100 << 20,
		CacheMemoryLimitPercentage:  80,
		StorageProvider:             StoragePlain,
		ManagerReconnectIntervalMS:  5000,
		SweepIntervalMilliseconds:  250,
	}
}

// Validate checks every bound from spec §6, returning errs.ErrConfigInvalid
// wrapped with the validator's field-level detail on failure.
func (c HostConfig) Validate() error {
	if err := validate.Struct(c); err != nil {
		return errs.Wrap(errs.ErrConfigInvalid, err.Error())
	}
	if c.ManagerReconnectIntervalMS < 1000 || c.ManagerReconnectIntervalMS > 60000 {
		return errs.Wrap(errs.ErrConfigInvalid, "managerReconnectIntervalMilliseconds out of [1000,60000]")
	}
	return nil
}

// ReconnectInterval is ManagerReconnectIntervalMS as a time.Duration.
func (c HostConfig) ReconnectInterval() time.Duration {
	return time.Duration(c.ManagerReconnectIntervalMS) * time.Millisecond
}

// CommunicationTimeout is CommunicationTimeoutSeconds as a time.Duration.
func (c HostConfig) CommunicationTimeout() time.Duration {
	return time.Duration(c.CommunicationTimeoutSeconds) * time.Second
}

// SweepInterval is SweepIntervalMilliseconds as a time.Duration.
func (c HostConfig) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalMilliseconds) * time.Millisecond
}

// ManagerConfig is the configuration surface of the Cache Manager (spec §6).
type ManagerConfig struct {
	Address                                   string `validate:"required"`
	Port                                      int    `validate:"required,min=1,max=65535"`
	DashboardPort                             int    `validate:"required,min=1,max=65535"`
	CacheHostInformationPollingIntervalMS     int    `validate:"required,min=1"`
	DeregistrationCadenceMilliseconds         int    `validate:"required,min=1"`
	CustomLoggerType                          string
}

// DefaultManagerConfig returns spec §6's documented defaults.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		Port:                                   33334,
		DashboardPort:                          33335,
		CacheHostInformationPollingIntervalMS: 1000,
		DeregistrationCadenceMilliseconds:     5000,
	}
}

func (c ManagerConfig) Validate() error {
	if err := validate.Struct(c); err != nil {
		return errs.Wrap(errs.ErrConfigInvalid, err.Error())
	}
	return nil
}

func (c ManagerConfig) PollingInterval() time.Duration {
	return time.Duration(c.CacheHostInformationPollingIntervalMS) * time.Millisecond
}

func (c ManagerConfig) DeregistrationCadence() time.Duration {
	return time.Duration(c.DeregistrationCadenceMilliseconds) * time.Millisecond
}

// DashboardConfig is the configuration surface of the read-only dashboard
// poller (spec §6). Reimplementation of the dashboard UI itself is out of
// scope (spec §9); this struct only configures how a poller would reach the
// Manager's board snapshot endpoint.
type DashboardConfig struct {
	ManagerAddress                        string `validate:"required"`
	ManagerPort                           int    `validate:"required,min=1,max=65535"`
	ManagerReconnectIntervalMilliseconds  int    `validate:"required,min=1000,max=60000"`
	InformationPollingIntervalMilliseconds int   `validate:"required,min=1000,max=60000"`
}

func (c DashboardConfig) Validate() error {
	if err := validate.Struct(c); err != nil {
		return errs.Wrap(errs.ErrConfigInvalid, err.Error())
	}
	return nil
}

package config

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaultHostConfigIsValid(t *testing.T) {
	c := DefaultHostConfig()
	c.ManagerAddress = "localhost"
	require.NoError(t, c.Validate())
}

func TestHostConfigRejectsOutOfRangeMessageBufferSize(t *testing.T) {
	c := DefaultHostConfig()
	c.ManagerAddress = "localhost"
	c.MessageBufferSize = 512
	require.Error(t, c.Validate())
}

func TestHostConfigRejectsUnknownStorageProvider(t *testing.T) {
	c := DefaultHostConfig()
	c.ManagerAddress = "localhost"
	c.StorageProvider = "lz4"
	require.Error(t, c.Validate())
}

func TestHostConfigRejectsUndersizeMaximumMessageSize(t *testing.T) {
	c := DefaultHostConfig()
	c.ManagerAddress = "localhost"
	c.MaximumMessageSizeBytes = 1024
	require.Error(t, c.Validate())
}

func TestDefaultManagerConfigIsValid(t *testing.T) {
	c := DefaultManagerConfig()
	c.Address = "0.0.0.0"
	require.NoError(t, c.Validate())
}

func TestDashboardConfigRejectsIntervalBelowFloor(t *testing.T) {
	c := DashboardConfig{
		ManagerAddress:                         "localhost",
		ManagerPort:                            33334,
		ManagerReconnectIntervalMilliseconds:   500,
		InformationPollingIntervalMilliseconds: 2000,
	}
	require.Error(t, c.Validate())
}

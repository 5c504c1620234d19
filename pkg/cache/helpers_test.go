package cache

import (
	"path/filepath"
	"pixcache/pkg/models"
	"pixcache/pkg/utils/logger"
	"testing"
)

// createTestLogger creates a logger for testing
func createTestLogger(t *testing.T) *logger.Logger {
	logger, err := logger.NewLogger(&models.LogConfig{
		DebugEnabled: true,
		ToStdout:     false,
		ToFile:       false,
		Prefix:       "[Test]",
		Flags:        0,
	})
	if err != nil {
		t.Fatalf("Failed to create test logger: %v", err)
	}
	return logger
}

// testDiskConfig returns a config with the background sweeper disabled.
func testDiskConfig(t *testing.T, strategy string) *models.DiskConfig {
	return &models.DiskConfig{
		Name:        "MapsPictures",
		Path:        filepath.Join(t.TempDir(), "MapsPictures"),
		Version:     "1.0",
		KeyStrategy: strategy,
		Sweep:       models.SweepConfig{Delay: -1},
	}
}

func openDiskCache(t *testing.T, config *models.DiskConfig) *DiskCache {
	t.Helper()
	cache, err := NewDiskCache(config, createTestLogger(t), nil)
	if err != nil {
		t.Fatalf("NewDiskCache failed: %v", err)
	}
	return cache
}

package ratelimit

import (
	"pixcache/pkg/models"
	"pixcache/pkg/utils/logger"
	"testing"
)

// createTestLogger creates a logger for testing
func createTestLogger(t *testing.T) *logger.Logger {
	logger, err := logger.NewLogger(&models.LogConfig{
		DebugEnabled: true,
		ToStdout:     false,
		Prefix:       "[Test]",
	})
	if err != nil {
		t.Fatalf("Failed to create test logger: %v", err)
	}
	return logger
}

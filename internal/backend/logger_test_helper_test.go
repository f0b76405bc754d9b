package backend

import (
	"testing"

	"github.com/lybic/agentcore/internal/common/logger"
)

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "debug", Format: "console", OutputPath: "stdout"})
	if err != nil {
		t.Fatalf("creating test logger: %v", err)
	}
	return log
}

package observability

import (
	"log/slog"
	"os"

	"github.com/fairyhunter13/provider-validator/internal/config"
)

// SetupLogger configures a JSON slog logger with environment fields,
// used by both the orchestrator API process and the per-task-type
// worker processes so every log line is attributable to a service and
// environment without per-callsite boilerplate.
func SetupLogger(cfg config.Config) *slog.Logger {
	opts := &slog.HandlerOptions{}
	if cfg.IsDev() {
		opts.Level = slog.LevelDebug
	}
	h := slog.NewJSONHandler(os.Stdout, opts)
	logger := slog.New(h).With(
		slog.String("service", cfg.OTELServiceName),
		slog.String("env", cfg.AppEnv),
	)
	return logger
}

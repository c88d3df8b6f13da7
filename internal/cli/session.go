package cli

import (
	"context"
	"fmt"

	"github.com/harun/nouschat/internal/config"
	"github.com/harun/nouschat/internal/host"
	"github.com/harun/nouschat/internal/logger"
	"github.com/spf13/cobra"
)

// session is an opened host plus the logger that owns the log file.
type session struct {
	cfg  *config.Config
	log  *logger.Logger
	host *host.Host
}

// loadConfig reads the config file and applies the command line overrides
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// openSession builds the host for a command. Log output goes to the
// command's error stream and the configured file.
func openSession(ctx context.Context, cmd *cobra.Command) (*session, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	log, err := logger.New(logger.Config{
		Level:     cfg.Logging.Level,
		File:      cfg.Logging.File,
		Console:   true,
		Pretty:    cfg.Logging.Pretty,
		Redaction: cfg.Logging.Redaction,
		MaxSize:   cfg.Logging.MaxSize,
		MaxAge:    cfg.Logging.MaxAge,
		Compress:  cfg.Logging.Compress,
		Out:       cmd.ErrOrStderr(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}

	h, err := host.New(ctx, cfg, log.Logger)
	if err != nil {
		log.Close()
		return nil, err
	}

	return &session{cfg: cfg, log: log, host: h}, nil
}

func (s *session) Close(ctx context.Context) error {
	err := s.host.Close(ctx)
	if cerr := s.log.Close(); err == nil {
		err = cerr
	}
	return err
}

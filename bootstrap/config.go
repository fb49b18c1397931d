package bootstrap

import (
	"fmt"
	"os"

	"aegis/config"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// InitLogger initializes the zap logger with colored console output at the
// given level. An unknown level falls back to info.
func InitLogger(level string) (*zap.Logger, *zap.SugaredLogger, error) {
	lvl := zapcore.InfoLevel
	if level != "" {
		if err := lvl.UnmarshalText([]byte(level)); err != nil {
			lvl = zapcore.InfoLevel
		}
	}

	encoderConfig := zap.NewDevelopmentEncoderConfig()
	encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderConfig.EncodeCaller = zapcore.ShortCallerEncoder

	core := zapcore.NewCore(
		zapcore.NewConsoleEncoder(encoderConfig),
		zapcore.AddSync(os.Stdout),
		lvl,
	)

	logger := zap.New(core, zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel))
	return logger, logger.Sugar(), nil
}

// InitConfig loads configuration and fills credentials from the configured
// secrets provider.
func InitConfig(configFile string, sugar *zap.SugaredLogger) (*config.Config, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := ResolveSecrets(cfg, sugar); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ResolveSecrets pulls credentials that the config file left empty
func ResolveSecrets(cfg *config.Config, sugar *zap.SugaredLogger) error {
	manager, err := config.NewSecretManager(cfg.Secrets)
	if err != nil {
		return fmt.Errorf("failed to initialize secrets provider: %w", err)
	}
	if err := config.LoadSecrets(cfg, manager); err != nil {
		return fmt.Errorf("failed to load secrets: %w", err)
	}

	sugar.Infow("Configuration loaded",
		"data_dir", cfg.DataPaths.DataDir,
		"sqlite_path", cfg.DataPaths.SQLitePath,
		"secrets_provider", cfg.Secrets.Provider,
		"redis_enabled", cfg.Redis.Enabled,
		"threat_intel_enabled", cfg.ThreatIntel.Enabled,
		"max_concurrent", cfg.Engine.MaxConcurrent)
	return nil
}

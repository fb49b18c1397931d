// Package cmd provides the aegis command-line interface.
package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"aegis/bootstrap"
	"aegis/config"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// CLI output formatters
var (
	successColor = color.New(color.FgGreen, color.Bold)
	errorColor   = color.New(color.FgRed, color.Bold)
	warningColor = color.New(color.FgYellow)
	infoColor    = color.New(color.FgCyan)
	headerColor  = color.New(color.FgBlue, color.Bold)
)

// Global flags
var (
	outputJSON bool
	configFile string
	noColor    bool
	quiet      bool
	verbose    bool
)

const (
	maxPlaybookFileSize = 10 * 1024 * 1024
	defaultTimeout      = 5 * time.Minute
)

// NewRootCmd creates the aegis command with all subcommands
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "aegis",
		Short: "Security playbook automation engine",
		Long: `aegis runs security automation playbooks: ordered graphs of actions such as
enrichment, notification, case updates and containment, with branching on
step outcomes and a persisted execution record per run.`,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if noColor {
				color.NoColor = true
			}
		},
	}

	root.PersistentFlags().BoolVar(&outputJSON, "json", false, "Output in JSON format")
	root.PersistentFlags().StringVar(&configFile, "config", "", "Config file path (default: ./aegis.yaml or ./config/aegis.yaml)")
	root.PersistentFlags().BoolVar(&noColor, "no-color", false, "Disable colored output")
	root.PersistentFlags().BoolVar(&quiet, "quiet", false, "Suppress non-essential output")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log to stdout while running")

	root.AddCommand(newRunCmd())
	root.AddCommand(newValidateCmd())
	root.AddCommand(newActionsCmd())
	root.AddCommand(newPlaybooksCmd())
	root.AddCommand(newExecutionsCmd())
	root.AddCommand(newWorkerCmd())
	root.AddCommand(newConfigCmd())

	return root
}

// Execute runs the root command
func Execute() error {
	return NewRootCmd().Execute()
}

// cliLogger is silent unless --verbose is set. The worker always logs.
func cliLogger(always bool) (*zap.Logger, error) {
	if !verbose && !always {
		return zap.NewNop(), nil
	}
	logger, _, err := bootstrap.InitLogger("")
	return logger, err
}

// loadConfig reads configuration and resolves secrets
func loadConfig(logger *zap.Logger) (*config.Config, error) {
	return bootstrap.InitConfig(configFile, logger.Sugar())
}

// initApp builds the application. mutate, when set, adjusts the loaded
// configuration before wiring.
func initApp(ctx context.Context, alwaysLog bool, mutate func(*config.Config)) (*bootstrap.App, error) {
	logger, err := cliLogger(alwaysLog)
	if err != nil {
		return nil, err
	}
	cfg, err := loadConfig(logger)
	if err != nil {
		return nil, err
	}
	if mutate != nil {
		mutate(cfg)
	}
	if alwaysLog {
		// Rebuild at the configured level now that it is known
		if logger, _, err = bootstrap.InitLogger(cfg.LogLevel); err != nil {
			return nil, err
		}
	}
	return bootstrap.NewApp(ctx, bootstrap.Options{Config: cfg, Logger: logger})
}

// readPlaybookFile reads a playbook document, rejecting traversal and
// oversized files
func readPlaybookFile(filename string) ([]byte, error) {
	if filename == "" {
		return nil, fmt.Errorf("file path is required")
	}
	if strings.Contains(filename, "..") {
		return nil, fmt.Errorf("path traversal detected: '..' not allowed in file path")
	}
	clean := filepath.Clean(filename)

	info, err := os.Stat(clean)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", filename, err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%s is a directory", filename)
	}
	if info.Size() > maxPlaybookFileSize {
		return nil, fmt.Errorf("file too large: %d bytes (max %d)", info.Size(), maxPlaybookFileSize)
	}
	return os.ReadFile(clean)
}

// parseInput decodes a JSON object given inline or with @file
func parseInput(raw string) (map[string]interface{}, error) {
	if raw == "" {
		return map[string]interface{}{}, nil
	}
	data := []byte(raw)
	if strings.HasPrefix(raw, "@") {
		var err error
		if data, err = readPlaybookFile(raw[1:]); err != nil {
			return nil, err
		}
	}
	var input map[string]interface{}
	if err := json.Unmarshal(data, &input); err != nil {
		return nil, fmt.Errorf("input must be a JSON object: %w", err)
	}
	if input == nil {
		input = map[string]interface{}{}
	}
	return input, nil
}

func outputAsJSON(w io.Writer, data interface{}) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(data)
}

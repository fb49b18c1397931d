package cmd

import (
	"fmt"
	"reflect"
	"time"

	"aegis/config"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// newConfigCmd creates the 'config' command group
func newConfigCmd() *cobra.Command {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect the effective configuration",
	}
	configCmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration with credentials masked",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := cliLogger(false)
			if err != nil {
				return err
			}
			cfg, err := loadConfig(logger)
			if err != nil {
				return err
			}
			settings, err := configAsMap(cfg.Redacted())
			if err != nil {
				return err
			}
			if outputJSON {
				return outputAsJSON(cmd.OutOrStdout(), settings)
			}
			doc, err := yaml.Marshal(settings)
			if err != nil {
				return fmt.Errorf("failed to render config: %w", err)
			}
			_, err = cmd.OutOrStdout().Write(doc)
			return err
		},
	})
	return configCmd
}

// configAsMap renders cfg keyed by its configuration names, with durations
// in their string form so the output can be fed back as a config file
func configAsMap(cfg *config.Config) (map[string]interface{}, error) {
	out := map[string]interface{}{}
	if err := mapstructure.Decode(cfg, &out); err != nil {
		return nil, fmt.Errorf("failed to render config: %w", err)
	}
	return normalizeSettings(out).(map[string]interface{}), nil
}

func normalizeSettings(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		for k, item := range val {
			val[k] = normalizeSettings(item)
		}
		return val
	case time.Duration:
		return val.String()
	case nil:
		return nil
	}
	if rv := reflect.ValueOf(v); rv.Kind() == reflect.Slice && rv.IsNil() {
		return []interface{}{}
	}
	return v
}

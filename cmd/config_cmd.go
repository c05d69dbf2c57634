package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/nextlevelbuilder/reflexcore/internal/config"
)

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "View and check configuration",
	}
	cmd.AddCommand(configShowCmd())
	cmd.AddCommand(configPathCmd())
	cmd.AddCommand(configValidateCmd())
	return cmd
}

func configShowCmd() *cobra.Command {
	var format string
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Display the effective configuration (secrets redacted)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			redacted, err := redactConfig(cfg)
			if err != nil {
				return err
			}
			switch format {
			case "json":
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(redacted)
			case "yaml", "":
				enc := yaml.NewEncoder(os.Stdout)
				enc.SetIndent(2)
				defer enc.Close()
				return enc.Encode(redacted)
			default:
				return fmt.Errorf("unknown format %q (yaml or json)", format)
			}
		},
	}
	cmd.Flags().StringVar(&format, "format", "yaml", "output format: yaml or json")
	return cmd
}

func configPathCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "path",
		Short: "Print the config file path",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(resolveConfigPath())
		},
	}
}

func configValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			if _, err := config.Load(cfgPath); err != nil {
				return fmt.Errorf("invalid config: %w", err)
			}
			fmt.Printf("Config at %s is valid.\n", cfgPath)
			return nil
		},
	}
}

// redactConfig returns a generic copy of cfg with secrets masked.
func redactConfig(cfg *config.Config) (map[string]any, error) {
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	redactMap(raw)
	return raw, nil
}

var secretKeys = map[string]bool{
	"dsn": true, "password": true, "headers": true,
}

func redactMap(m map[string]any) {
	for k, v := range m {
		if secretKeys[k] {
			m[k] = redactValue(v)
			continue
		}
		if sub, ok := v.(map[string]any); ok {
			redactMap(sub)
		}
	}
}

func redactValue(v any) any {
	switch t := v.(type) {
	case string:
		if len(t) > 8 {
			return t[:4] + "****" + t[len(t)-4:]
		}
		if t != "" {
			return "****"
		}
		return t
	case map[string]any:
		for k := range t {
			t[k] = "****"
		}
		return t
	default:
		return v
	}
}

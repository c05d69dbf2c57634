package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/reflexcore/internal/actions"
	"github.com/nextlevelbuilder/reflexcore/internal/modes"
	"github.com/nextlevelbuilder/reflexcore/internal/script"
)

func modesCmd() *cobra.Command {
	var (
		mini   bool
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "modes",
		Short: "List the configured reflex modes",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			// Scripts are compiled against a nil host; they are never run here.
			compile := func(name, src string) (actions.Work, error) {
				return script.Work(name, src, nil)
			}
			table, err := modes.BuildTable(cfg.Modes.Table, cfg.Modes.Enabled, nil, compile)
			if err != nil {
				return err
			}
			ctl, err := modes.NewController(nil, nil, nil, table)
			if err != nil {
				return err
			}

			switch {
			case asJSON:
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(ctl.JSON())
			case mini:
				fmt.Println(ctl.MiniDocs())
			default:
				fmt.Println(ctl.Docs())
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&mini, "mini", false, "names and state only")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print on/off states as JSON")
	return cmd
}

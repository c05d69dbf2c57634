package cmd

import (
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/reflexcore/internal/transport/ws"
)

func relayCmd() *cobra.Command {
	var listen string
	cmd := &cobra.Command{
		Use:   "relay",
		Short: "Run the websocket relay that routes whispers between agents",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			addr := listen
			if addr == "" {
				addr = cfg.Transport.Listen
			}
			slog.Info("relay.starting", "addr", addr)
			return ws.NewServer().ListenAndServe(cmd.Context(), addr)
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "listen address (default transport.listen)")
	return cmd
}

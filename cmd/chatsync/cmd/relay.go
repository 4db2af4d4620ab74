package cmd

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/nfrund/chatsync/internal/relay"
	"github.com/spf13/cobra"
)

var relayAddr string

var relayCmd = &cobra.Command{
	Use:   "relay",
	Short: "Run the websocket relay",
	Long: `Run the live relay. Every frame a client sends is broadcast to all
connected clients, the sender included. The relay stores nothing.

Examples:
  chatsync relay
  chatsync relay --addr :9000`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		addr := relayAddr
		if addr == "" {
			addr = cfg.GetRelayAddr()
		}

		hub := relay.NewHub(logger)
		go hub.Run(ctx)

		return relay.NewServer(hub, logger).ListenAndServe(ctx, addr)
	},
}

func init() {
	relayCmd.Flags().StringVar(&relayAddr, "addr", "", "listen address (defaults to RELAY_ADDR)")
	rootCmd.AddCommand(relayCmd)
}

package cmd

import (
	"log/slog"
	"os"

	"github.com/nfrund/chatsync/internal/config"
	"github.com/nfrund/chatsync/internal/logging"
	"github.com/spf13/cobra"
)

var (
	cfg    *config.Config
	logger *slog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "chatsync",
	Short: "Room chat kept in sync across a durable store and a live relay",
	Long: `chatsync joins topic rooms whose history lives in a durable store while
new messages arrive over a live websocket relay. Both channels are merged
into one ordered timeline without duplicates.

Available commands:
  relay    Run the websocket relay
  join     Join a room and chat from the terminal
  rooms    List the room catalog
  version  Print the version

Use "chatsync [command] --help" for more information about a command.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		logger = logging.New()
		c, err := config.New()
		if err != nil {
			return err
		}
		cfg = c
		return nil
	},
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

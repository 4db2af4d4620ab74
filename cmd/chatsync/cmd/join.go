package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/nfrund/chatsync/internal/bot"
	"github.com/nfrund/chatsync/internal/catalog"
	"github.com/nfrund/chatsync/internal/chat"
	"github.com/nfrund/chatsync/internal/config"
	"github.com/nfrund/chatsync/internal/domain"
	"github.com/nfrund/chatsync/internal/pubsub"
	"github.com/nfrund/chatsync/internal/script"
	"github.com/nfrund/chatsync/internal/transport"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
)

var joinCmd = &cobra.Command{
	Use:   "join <country> <topic>",
	Short: "Join a room and chat from the terminal",
	Long: `Join a room, print its history and every new message, and send each
line typed on stdin.

Commands while joined:
  /switch <country> <topic>  move to another room
  /quit                      leave

Identity comes from CHAT_USER_ID, CHAT_USER_EMAIL, CHAT_USER_NAME and
CHAT_USER_PLAN. Without CHAT_USER_ID the room is read-only.

A room with no history starts with the catalog's seed messages. With
BOT_ENABLED a bot answers each of your messages after BOT_DELAY, using
the script at BOT_SCRIPT_PATH or the built-in one.

Examples:
  chatsync join uk general
  RELAY_URL=ws://localhost:8089/socket chatsync join uk jobs`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return runJoin(ctx, args[0], args[1], cmd.InOrStdin(), cmd.OutOrStdout(), cmd.ErrOrStderr())
	},
}

func init() {
	rootCmd.AddCommand(joinCmd)
}

func runJoin(ctx context.Context, country, topic string, in io.Reader, out, errOut io.Writer) error {
	cat, err := loadCatalog(cfg)
	if err != nil {
		return err
	}
	principal, err := principalFromConfig(cfg)
	if err != nil {
		return err
	}

	store, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	tracer, shutdownTracing, err := pubsub.SetupOTel(ctx, pubsub.TracingConfig{
		Enabled:     cfg.TracingEnabled,
		ServiceName: cfg.TracingService,
		ZipkinURL:   cfg.ZipkinURL,
	})
	if err != nil {
		return err
	}
	defer shutdownTracing()

	bus := pubsub.NewWatermillBridge(pubsub.WithTracer(tracer))
	defer bus.Close()

	links := make(chan bool, 4)
	client := transport.NewClient(cfg.GetRelayURL(), bus,
		transport.WithLogger(logger),
		transport.WithUserID(principal.ID),
		transport.WithReconnect(cfg.GetReconnectMin(), cfg.GetReconnectMax()),
		transport.OnLinkChange(func(up bool) {
			select {
			case links <- up:
			default:
			}
		}),
	)
	if err := client.Connect(ctx); err != nil {
		logger.Warn("Relay unreachable, new messages will arrive from the store only", "error", err)
	}
	defer client.Disconnect()

	session := chat.NewSession(store, client, domain.StaticIdentity(principal),
		chat.WithSkew(cfg.GetMergeSkew()),
		chat.WithLogger(logger),
	)
	defer session.Close()

	gatekeeper := chat.NewGatekeeper(store, client,
		chat.WithTracker(session),
		chat.WithGatekeeperLogger(logger),
	)

	if cfg.GetBotEnabled() && principal.Authenticated() {
		responder, err := newResponder(cfg, store, bus, client, principal)
		if err != nil {
			return err
		}
		if err := responder.Start(ctx); err != nil {
			return fmt.Errorf("start bot: %w", err)
		}
		defer responder.Stop()
	}

	p := newPrinter(out)
	if err := enterRoom(ctx, session, store, cat, country, topic, errOut); err != nil {
		return err
	}
	if !principal.Authenticated() {
		fmt.Fprintln(errOut, "! read-only: set CHAT_USER_ID to send messages")
	}

	lines := readLines(ctx, in)
	for {
		select {
		case <-ctx.Done():
			return nil

		case <-session.Changes():
			p.render(session.Items())

		case up := <-links:
			if up {
				fmt.Fprintln(errOut, "-- live updates restored --")
			} else {
				fmt.Fprintln(errOut, "! live updates interrupted, reconnecting")
			}

		case line, ok := <-lines:
			if !ok {
				return nil
			}
			cmd, err := parseLine(line)
			if err != nil {
				fmt.Fprintln(errOut, "!", err)
				continue
			}
			switch cmd.kind {
			case "quit":
				return nil
			case "switch":
				if err := enterRoom(ctx, session, store, cat, cmd.country, cmd.topic, errOut); err != nil {
					fmt.Fprintln(errOut, "!", err)
					continue
				}
				p.reset()
			case "send":
				if session.State() == chat.StateClosed {
					fmt.Fprintln(errOut, "! not in a room: use /switch <country> <topic>")
					continue
				}
				if _, err := gatekeeper.Send(ctx, session.Room(), cmd.body, principal); err != nil {
					fmt.Fprintln(errOut, "!", err)
				}
			}
		}
	}
}

// enterRoom validates the room against the catalog and moves the session
// there. A room that fails validation leaves the session closed.
func enterRoom(ctx context.Context, session *chat.Session, store chat.DurableStore, cat *catalog.Catalog, country, topic string, errOut io.Writer) error {
	room, err := cat.Resolve(country, topic)
	if err != nil {
		_ = session.Close()
		return err
	}

	openCtx, cancel := context.WithTimeout(ctx, cfg.GetOpenTimeout())
	defer cancel()

	switch err := session.SwitchRoom(openCtx, room.ID); {
	case errors.Is(err, domain.ErrTransportUnavailable):
		fmt.Fprintln(errOut, "! live updates unavailable, showing stored messages only")
	case err != nil:
		return err
	}
	fmt.Fprintf(errOut, "-- %s / %s --\n", room.Country.Name, room.Title)
	if b := room.Banner; b.Team != "" {
		fmt.Fprintf(errOut, "   %s\n", strings.Join(append([]string{b.Team}, b.Subtitles...), " | "))
	}

	if _, err := seedIfEmpty(openCtx, store, session, room, time.Now()); err != nil {
		logger.Warn("Failed to seed room history", "room", room.ID, "error", err)
	}
	return nil
}

// seedIfEmpty writes the room's seed messages when the session shows no
// history. It returns how many were written.
func seedIfEmpty(ctx context.Context, store chat.DurableStore, session *chat.Session, room catalog.Room, day time.Time) (int, error) {
	if len(room.Seed) == 0 || len(session.Items()) > 0 {
		return 0, nil
	}
	n := 0
	for _, rec := range room.SeedRecords(day) {
		if _, err := store.Append(ctx, room.ID, rec); err != nil {
			return n, err
		}
		n++
	}
	logger.Info("Seeded empty room", "room", room.ID, "messages", n)
	return n, nil
}

// newResponder builds the bot for the local member from BOT_*.
func newResponder(c *config.Config, store chat.DurableStore, bus pubsub.Subscriber, t chat.Transport, principal domain.Principal) (*bot.Responder, error) {
	opts := []bot.Option{
		bot.WithName(c.GetBotName()),
		bot.WithDelay(c.GetBotDelay()),
		bot.WithTransport(t),
		bot.WithLogger(logger),
	}
	if path := c.GetBotScriptPath(); path != "" {
		prog, err := script.NewEngine(script.WithLogger(logger)).Load(afero.NewOsFs(), path, bot.ScriptInputs...)
		if err != nil {
			return nil, fmt.Errorf("load bot script: %w", err)
		}
		opts = append(opts, bot.WithProgram(prog))
	}
	return bot.NewResponder(store, bus, principal.ID, opts...)
}

func readLines(ctx context.Context, in io.Reader) <-chan string {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()
	return lines
}

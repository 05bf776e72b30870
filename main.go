package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"

	"threadsync/internal/app"
	"threadsync/internal/config"
	"threadsync/internal/conversation"
	"threadsync/internal/logging"
	"threadsync/internal/models"
	"threadsync/internal/storage"
)

const version = "0.1.0"

func main() {
	_ = godotenv.Load(".env")

	application := &cli.App{
		Name:    "threadsync",
		Usage:   "Chat thread and message reconciliation engine",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Load configuration from `FILE`",
				Value:   "config.json",
				EnvVars: []string{"THREADSYNC_CONFIG"},
			},
		},
		Commands: []*cli.Command{
			serveCommand(),
			migrateCommand(),
			chatCommand(),
		},
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := application.RunContext(ctx, os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

func loadConfig(c *cli.Context) (*config.Config, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	logging.Init(cfg.BasicConfig.LogLevel, cfg.BasicConfig.PrettyLogs)
	return cfg, nil
}

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Start the HTTP bridge for renderers",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "addr",
				Usage: "Listen address, overrides basic_config.server_address",
			},
		},
		Action: func(c *cli.Context) error {
			cfg, err := loadConfig(c)
			if err != nil {
				return err
			}
			a, err := app.Open(c.Context, cfg)
			if err != nil {
				return err
			}
			defer a.Close()
			return a.Serve(c.Context, c.String("addr"))
		},
	}
}

func migrateCommand() *cli.Command {
	return &cli.Command{
		Name:  "migrate",
		Usage: "Create the database tables",
		Action: func(c *cli.Context) error {
			cfg, err := loadConfig(c)
			if err != nil {
				return err
			}
			dbType := cfg.BasicConfig.Database
			db, err := storage.Open(dbType, cfg)
			if err != nil {
				return fmt.Errorf("open database: %w", err)
			}
			defer db.Close()
			if err := storage.Migrate(db, dbType); err != nil {
				return fmt.Errorf("migrate database: %w", err)
			}
			log.Info().Str("database", dbType).Msg("migration complete")
			return nil
		},
	}
}

func chatCommand() *cli.Command {
	return &cli.Command{
		Name:  "chat",
		Usage: "Send one message and print the thread once the reply settles",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "email", Usage: "Sign in as `EMAIL`", Required: true},
			&cli.StringFlag{Name: "name", Usage: "Display name"},
			&cli.StringFlag{Name: "thread", Usage: "Existing thread `ID`; a new thread is created when empty"},
			&cli.StringFlag{Name: "message", Aliases: []string{"m"}, Usage: "Text to send", Required: true},
			&cli.DurationFlag{Name: "timeout", Usage: "Give up waiting for the reply after this long", Value: 2 * time.Minute},
		},
		Action: func(c *cli.Context) error {
			cfg, err := loadConfig(c)
			if err != nil {
				return err
			}
			a, err := app.Open(c.Context, cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			ctrl := a.Controller()
			if _, err := ctrl.Login(c.Context, c.String("email"), c.String("name")); err != nil {
				return err
			}
			var engine *conversation.Engine
			if raw := c.String("thread"); raw != "" {
				id, err := uuid.Parse(raw)
				if err != nil {
					return fmt.Errorf("invalid thread id: %w", err)
				}
				if engine, err = ctrl.SelectThread(c.Context, id); err != nil {
					return err
				}
			} else if _, engine, err = ctrl.CreateThread(c.Context); err != nil {
				return err
			}

			if err := engine.SendMessage(c.Context, c.String("message")); err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(c.Context, c.Duration("timeout"))
			defer cancel()
			snap, err := waitSettled(ctx, engine)
			printTranscript(snap)
			if err != nil {
				return err
			}
			if snap.ErrorMessage != "" {
				return errors.New(snap.ErrorMessage)
			}
			return nil
		},
	}
}

// waitSettled blocks until no message of the engine is loading or sending.
func waitSettled(ctx context.Context, engine *conversation.Engine) (conversation.Snapshot, error) {
	changes := engine.Changes()
	for {
		snap := engine.Snapshot()
		if settled(snap) {
			return snap, nil
		}
		select {
		case <-ctx.Done():
			return snap, ctx.Err()
		case _, open := <-changes:
			if !open {
				return engine.Snapshot(), conversation.ErrClosed
			}
		}
	}
}

func settled(snap conversation.Snapshot) bool {
	if snap.IsStreaming || snap.IsLoading {
		return false
	}
	for _, m := range snap.Messages {
		if m.IsLoading || m.Status == models.StatusSending {
			return false
		}
	}
	return true
}

func printTranscript(snap conversation.Snapshot) {
	fmt.Printf("# %s (%s)\n", snap.Thread.Title, snap.Thread.ID)
	for _, m := range snap.Messages {
		status := ""
		if m.Status != models.StatusSent {
			status = fmt.Sprintf(" [%s]", m.Status)
		}
		fmt.Printf("%s%s: %s\n", m.Role, status, m.Content)
	}
	if snap.ErrorMessage != "" {
		fmt.Printf("! %s\n", snap.ErrorMessage)
	}
}

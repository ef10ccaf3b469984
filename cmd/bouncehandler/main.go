package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/urfave/cli/v2"
	"go.opentelemetry.io/contrib/bridges/otelslog"
	"go.opentelemetry.io/otel"

	"github.com/voku/bouncehandler/internal/config"
	"github.com/voku/bouncehandler/pkg/base"
	"github.com/voku/bouncehandler/pkg/models/handler"
	"github.com/voku/bouncehandler/pkg/models/localstore"
	"github.com/voku/bouncehandler/pkg/models/session"
	"github.com/voku/bouncehandler/pkg/rules"
	"github.com/voku/bouncehandler/pkg/utils"
)

var tracer = otel.Tracer(base.ServiceName)

func main() {
	if err := run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func run(args []string) error {
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(".env"); err != nil {
			return fmt.Errorf("loading .env file: %w", err)
		}
	}

	ctx := context.Background()

	otelShutdown, err := utils.SetupOTelSDK(ctx)
	if err != nil {
		return err
	}
	defer func() {
		_ = otelShutdown(context.Background())
	}()

	var logger *slog.Logger
	if utils.TelemetryEnabled() {
		logger = otelslog.NewLogger(base.ServiceName)
	} else {
		logger = slog.New(slog.NewJSONHandler(os.Stdout, nil))
	}

	app := &cli.App{
		Name:  "bouncehandler",
		Usage: "scan a mailbox of bounce notifications and delete, move or report them",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Value:   "bouncehandler.yml",
				Usage:   "path to the YAML policy file",
			},
			&cli.StringFlag{
				Name:  "maildir",
				Usage: "process a local Maildir++ tree instead of a remote account",
			},
		},
		Commands: []*cli.Command{
			{
				Name:  "process",
				Usage: "run the bounce batch over the configured folder",
				Flags: []cli.Flag{
					&cli.BoolFlag{
						Name:  "test",
						Usage: "classify and report without mutating the mailbox",
					},
					&cli.IntFlag{
						Name:  "max",
						Usage: "cap the number of messages fetched this run",
					},
				},
				Action: processAction(ctx, logger),
			},
			{
				Name:  "purge",
				Usage: "delete messages older than a cutoff date from all non-sent folders",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "before",
						Usage:    "cutoff date (YYYY-MM-DD); messages dated strictly before it are deleted",
						Required: true,
					},
				},
				Action: purgeAction(ctx, logger),
			},
		},
	}

	return app.RunContext(ctx, args)
}

func loadConfig(c *cli.Context) (config.Config, error) {
	path := c.String("config")
	cfg, err := config.Load(path)
	if err != nil {
		if os.IsNotExist(err) && !c.IsSet("config") {
			// No policy file is fine; the defaults describe a plain
			// classify-and-delete run against INBOX.
			config.ApplyDefaults(&cfg)
			return cfg, nil
		}
		return config.Config{}, err
	}
	return cfg, config.Validate(cfg)
}

// connector picks the mail store: a local maildir when --maildir is set,
// otherwise the IMAP account from the environment.
func connector(c *cli.Context, cfg config.Config) (func() (base.Client, error), string, error) {
	if path := c.String("maildir"); path != "" {
		connect := func() (base.Client, error) {
			s, err := localstore.Open(path, cfg.TestMode)
			if err != nil {
				return nil, err
			}
			return s, nil
		}
		return connect, "", nil
	}

	env, err := config.IMAPEnvFromEnv()
	if err != nil {
		return nil, "", err
	}
	return session.Connector(env), env.Host, nil
}

func processAction(ctx context.Context, logger *slog.Logger) cli.ActionFunc {
	return func(c *cli.Context) error {
		ctx, span := tracer.Start(ctx, "process")
		defer span.End()

		cfg, err := loadConfig(c)
		if err != nil {
			return err
		}
		if c.Bool("test") {
			cfg.TestMode = true
		}
		if c.IsSet("max") {
			cfg.MaxMessages = c.Int("max")
		}

		connect, host, err := connector(c, cfg)
		if err != nil {
			return err
		}

		h, err := handler.New(
			handler.WithConfig(cfg),
			handler.WithHost(host),
			handler.WithAction(logAction(logger)),
			handler.WithConnector(connect),
			handler.WithLogger(logger),
			handler.WithCtx(ctx),
		)
		if err != nil {
			return err
		}

		res, err := h.Run()
		if err != nil {
			return err
		}

		fmt.Fprintln(c.App.Writer, res.Report())
		return nil
	}
}

func purgeAction(ctx context.Context, logger *slog.Logger) cli.ActionFunc {
	return func(c *cli.Context) error {
		ctx, span := tracer.Start(ctx, "purge")
		defer span.End()

		cutoff, err := time.Parse("2006-01-02", c.String("before"))
		if err != nil {
			return fmt.Errorf("invalid --before date: %w", err)
		}

		cfg, err := loadConfig(c)
		if err != nil {
			return err
		}

		connect, host, err := connector(c, cfg)
		if err != nil {
			return err
		}

		h, err := handler.New(
			handler.WithConfig(cfg),
			handler.WithHost(host),
			handler.WithConnector(connect),
			handler.WithLogger(logger),
			handler.WithCtx(ctx),
		)
		if err != nil {
			return err
		}

		return h.GlobalDelete(cutoff)
	}
}

// logAction is the default action callback: one structured log line per
// classified message. Library users supply their own ActionFunc instead.
func logAction(logger *slog.Logger) rules.ActionFunc {
	return func(p rules.ActionParams) {
		logger.Info("Classified message",
			slog.Int("message", p.MessageNum),
			slog.String("bounceType", string(p.BounceType)),
			slog.String("email", p.Email),
			slog.String("subject", p.Subject),
			slog.String("disposition", p.Disposition),
			slog.String("rule", p.RuleNo),
			slog.String("ruleCat", p.RuleCat),
			slog.String("status", p.StatusCode),
		)
	}
}

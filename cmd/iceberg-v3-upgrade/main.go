package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/lakeops/iceberg-v3-upgrade/internal/catalog"
	"github.com/lakeops/iceberg-v3-upgrade/internal/config"
	"github.com/lakeops/iceberg-v3-upgrade/internal/emr"
	"github.com/lakeops/iceberg-v3-upgrade/internal/exitcodes"
	"github.com/lakeops/iceberg-v3-upgrade/internal/logging"
	"github.com/lakeops/iceberg-v3-upgrade/internal/metadata"
	"github.com/lakeops/iceberg-v3-upgrade/internal/notify"
	"github.com/lakeops/iceberg-v3-upgrade/internal/provision"
	"github.com/lakeops/iceberg-v3-upgrade/internal/upgrade"
	"github.com/lakeops/iceberg-v3-upgrade/internal/verify"
)

var version = "dev"

func main() {
	app := &cli.App{
		Name:    "iceberg-v3-upgrade",
		Usage:   "Upgrade Glue-cataloged Iceberg tables from format V2 to V3",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Value:   "config.yaml",
				Usage:   "Path to configuration file",
			},
			&cli.StringFlag{
				Name:  "verbosity",
				Value: "info",
				Usage: "Log verbosity level (debug, info, warn, error)",
			},
		},
		Before: func(c *cli.Context) error {
			level, err := logging.ParseLevel(c.String("verbosity"))
			if err != nil {
				return err
			}
			logging.SetLevel(level)
			return nil
		},
		Commands: []*cli.Command{
			{
				Name:   "list",
				Usage:  "List tables in a database with their format versions",
				Action: listTables,
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "database",
						Aliases:  []string{"d"},
						Required: true,
						Usage:    "Glue database name",
					},
				},
			},
			{
				Name:   "upgrade",
				Usage:  "Upgrade tables to V3 and rewrite their data files",
				Action: runUpgrade,
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "database",
						Aliases:  []string{"d"},
						Required: true,
						Usage:    "Glue database name",
					},
					&cli.StringFlag{
						Name:  "table",
						Usage: "Single table name",
					},
					&cli.StringFlag{
						Name:    "tables",
						Aliases: []string{"t"},
						Usage:   "Comma-separated table names",
					},
					&cli.BoolFlag{
						Name:  "all",
						Usage: "Upgrade every Iceberg table in the database",
					},
					&cli.BoolFlag{
						Name:  "dry-run",
						Usage: "Report what would be done without executing anything",
					},
				},
			},
			{
				Name:   "verify",
				Usage:  "Verify tables are readable through the federated Databricks catalog",
				Action: runVerify,
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "database",
						Aliases:  []string{"d"},
						Required: true,
						Usage:    "Glue database name",
					},
					&cli.StringFlag{
						Name:  "table",
						Usage: "Single table name",
					},
					&cli.StringFlag{
						Name:    "tables",
						Aliases: []string{"t"},
						Usage:   "Comma-separated table names",
					},
					&cli.BoolFlag{
						Name:  "all",
						Usage: "Verify every Iceberg table in the database",
					},
				},
			},
			{
				Name:   "setup-demo",
				Usage:  "Create a demo V2 merge-on-read table with delete files",
				Action: setupDemo,
			},
			{
				Name:   "grant",
				Usage:  "Grant Lake Formation permissions on a database and its tables",
				Action: runGrant,
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "principal",
						Aliases:  []string{"p"},
						Required: true,
						Usage:    "IAM principal ARN to grant to",
					},
					&cli.StringFlag{
						Name:     "database",
						Aliases:  []string{"d"},
						Required: true,
						Usage:    "Glue database name",
					},
					&cli.StringFlag{
						Name:    "tables",
						Aliases: []string{"t"},
						Usage:   "Comma-separated table names (default: all tables)",
					},
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		code := exitcodes.FromError(err)
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(code)
	}
}

// signalContext returns a context cancelled on SIGINT/SIGTERM. The in-flight
// table finishes; remaining tables are not attempted.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigCh
		fmt.Fprintln(os.Stderr, "\nInterrupted. Finishing current table...")
		cancel()
	}()

	return ctx, cancel
}

func loadConfig(c *cli.Context) (*config.Config, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return nil, exitcodes.NewExitError(err, exitcodes.ConfigError)
	}
	return cfg, nil
}

func listTables(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	awsCfg, err := config.LoadAWS(ctx, cfg)
	if err != nil {
		return exitcodes.NewExitError(err, exitcodes.ConfigError)
	}

	inspector := catalog.NewInspector(awsCfg, cfg.Catalog.CatalogID)
	database := c.String("database")

	fmt.Printf("%-40s %-12s %-8s %s\n", "Table", "Type", "Version", "Location")
	count := 0
	for state, err := range inspector.ListTableStates(ctx, database) {
		if err != nil {
			return exitcodes.NewExitError(err, exitcodes.CatalogError)
		}
		kind := "other"
		version := "-"
		if state.IsIceberg {
			kind = "iceberg"
			version = fmt.Sprintf("v%d", state.FormatVersion)
		}
		fmt.Printf("%-40s %-12s %-8s %s\n", state.Ref.Name, kind, version, state.Location)
		count++
	}
	fmt.Printf("\n%d tables in %s\n", count, database)
	return nil
}

func runUpgrade(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	if err := cfg.RequireEMR(); err != nil {
		return exitcodes.NewExitError(err, exitcodes.ConfigError)
	}

	ctx, cancel := signalContext()
	defer cancel()

	awsCfg, err := config.LoadAWS(ctx, cfg)
	if err != nil {
		return exitcodes.NewExitError(err, exitcodes.ConfigError)
	}

	inspector := catalog.NewInspector(awsCfg, cfg.Catalog.CatalogID)
	refs, err := resolveRefs(ctx, c, inspector)
	if err != nil {
		return err
	}
	if len(refs) == 0 {
		logging.Info("No tables selected, nothing to do")
		return nil
	}

	session, err := emr.NewSession(awsCfg, emr.SessionConfig{
		ClusterID:   cfg.EMR.ClusterID,
		PemPath:     cfg.EMR.PemPath,
		User:        cfg.EMR.SSHUser,
		CatalogName: cfg.Catalog.Name,
		Warehouse:   cfg.Catalog.Warehouse,
	})
	if err != nil {
		return exitcodes.NewExitError(err, exitcodes.ConfigError)
	}

	orch := upgrade.New(inspector, session, metadata.NewRepairer(awsCfg, cfg.Catalog.CatalogID), upgrade.Options{
		CatalogName:      cfg.Catalog.Name,
		RetryAttempts:    cfg.Upgrade.RetryAttempts,
		StatementTimeout: cfg.StatementTimeout(),
	})
	runner := upgrade.NewRunner(orch, notify.New(&cfg.Slack))

	report, err := runner.Run(ctx, refs, c.Bool("dry-run"))
	if err != nil {
		return exitcodes.NewExitError(err, exitcodes.Cancelled)
	}
	if report.Failed() > 0 {
		return exitcodes.NewExitError(
			fmt.Errorf("%d of %d tables failed", report.Failed(), len(refs)),
			exitcodes.PartialFailure)
	}
	return nil
}

func runVerify(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	if err := cfg.RequireDatabricks(); err != nil {
		return exitcodes.NewExitError(err, exitcodes.ConfigError)
	}

	ctx, cancel := signalContext()
	defer cancel()

	awsCfg, err := config.LoadAWS(ctx, cfg)
	if err != nil {
		return exitcodes.NewExitError(err, exitcodes.ConfigError)
	}

	inspector := catalog.NewInspector(awsCfg, cfg.Catalog.CatalogID)
	refs, err := resolveRefs(ctx, c, inspector)
	if err != nil {
		return err
	}
	if len(refs) == 0 {
		logging.Info("No tables selected, nothing to do")
		return nil
	}

	verifier := verify.New(&cfg.Databricks)
	failed := 0
	for _, ref := range refs {
		if err := ctx.Err(); err != nil {
			return exitcodes.NewExitError(err, exitcodes.Cancelled)
		}
		if err := verifier.VerifyTable(ctx, ref); err != nil {
			logging.Error("%s: %v", ref, err)
			failed++
		}
	}

	if failed > 0 {
		return exitcodes.NewExitError(
			fmt.Errorf("%d of %d tables failed verification", failed, len(refs)),
			exitcodes.PartialFailure)
	}
	logging.Info("All %d tables readable in Databricks", len(refs))
	return nil
}

func setupDemo(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	if err := cfg.RequireDemo(); err != nil {
		return exitcodes.NewExitError(err, exitcodes.ConfigError)
	}
	if err := cfg.RequireEMR(); err != nil {
		return exitcodes.NewExitError(err, exitcodes.ConfigError)
	}

	ctx, cancel := signalContext()
	defer cancel()

	awsCfg, err := config.LoadAWS(ctx, cfg)
	if err != nil {
		return exitcodes.NewExitError(err, exitcodes.ConfigError)
	}

	session, err := emr.NewSession(awsCfg, emr.SessionConfig{
		ClusterID:   cfg.EMR.ClusterID,
		PemPath:     cfg.EMR.PemPath,
		User:        cfg.EMR.SSHUser,
		CatalogName: cfg.Catalog.Name,
		Warehouse:   cfg.Catalog.Warehouse,
	})
	if err != nil {
		return exitcodes.NewExitError(err, exitcodes.ConfigError)
	}

	demo := provision.NewDemo(awsCfg, session, cfg.Demo.S3Bucket, cfg.Demo.GlueDatabase)
	if err := demo.Setup(ctx); err != nil {
		return err
	}
	fmt.Printf("Demo table ready: %s.%s\n", cfg.Demo.GlueDatabase, provision.DemoTableName)
	return nil
}

func runGrant(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	awsCfg, err := config.LoadAWS(ctx, cfg)
	if err != nil {
		return exitcodes.NewExitError(err, exitcodes.ConfigError)
	}

	granter := provision.NewGranter(awsCfg)
	principal := c.String("principal")
	database := c.String("database")

	if err := granter.GrantDatabase(ctx, principal, database); err != nil {
		return exitcodes.NewExitError(err, exitcodes.CatalogError)
	}

	if tables := c.String("tables"); tables != "" {
		for _, ref := range catalog.ParseRefs(database, tables) {
			if err := granter.GrantTable(ctx, principal, ref.Database, ref.Name); err != nil {
				return exitcodes.NewExitError(err, exitcodes.CatalogError)
			}
		}
	} else {
		if err := granter.GrantAllTables(ctx, principal, database); err != nil {
			return exitcodes.NewExitError(err, exitcodes.CatalogError)
		}
	}

	fmt.Printf("Granted permissions on %s to %s\n", database, principal)
	return nil
}

// resolveRefs turns the selection flags into a table list. --table and
// --tables take explicit names; --all enumerates Iceberg tables from the
// catalog.
func resolveRefs(ctx context.Context, c *cli.Context, inspector *catalog.Inspector) ([]catalog.TableRef, error) {
	database := c.String("database")
	tables := c.String("tables")
	if tables == "" {
		tables = c.String("table")
	}

	switch {
	case tables != "" && c.Bool("all"):
		return nil, exitcodes.NewExitError(
			fmt.Errorf("--table/--tables and --all are mutually exclusive"), exitcodes.ConfigError)
	case tables != "":
		return catalog.ParseRefs(database, tables), nil
	case c.Bool("all"):
		refs, err := upgrade.ResolveAll(ctx, inspector, database)
		if err != nil {
			return nil, exitcodes.NewExitError(err, exitcodes.CatalogError)
		}
		return refs, nil
	default:
		return nil, exitcodes.NewExitError(
			fmt.Errorf("specify --table, --tables, or --all"), exitcodes.ConfigError)
	}
}

// Command migrate applies or rolls back the audiosum database schema.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/coachpo/audiosum/internal/infra/config"
	"github.com/coachpo/audiosum/internal/infra/persistence/migrations"
	"github.com/coachpo/audiosum/internal/observability"
)

const defaultTimeout = 30 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	var (
		dsn     = flag.String("database", "", "PostgreSQL DSN (defaults to "+config.EnvDatabaseDSN+")")
		dir     = flag.String("path", "", "Directory containing SQL migrations (defaults to the embedded set)")
		timeout = flag.Duration("timeout", defaultTimeout, "Maximum time to wait for database connectivity")
		quiet   = flag.Bool("quiet", false, "Suppress informational logs")
	)
	flag.Parse()

	if strings.TrimSpace(*dsn) == "" {
		*dsn = strings.TrimSpace(os.Getenv(config.EnvDatabaseDSN))
	}
	if *dsn == "" {
		return errors.New("-database flag or " + config.EnvDatabaseDSN + " is required")
	}

	args := flag.Args()
	if len(args) == 0 {
		return errors.New("command required (up|down|version)")
	}

	var logger observability.Logger = observability.Nop()
	if !*quiet {
		zl, err := observability.NewZapLogger(observability.ModeDevelopment)
		if err != nil {
			return err
		}
		defer func() { _ = zl.Sync() }()
		logger = zl.With(observability.F("component", "migrate"))
	}

	var source fs.FS = migrations.Embedded()
	if strings.TrimSpace(*dir) != "" {
		source = os.DirFS(*dir)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	switch args[0] {
	case "up":
		return migrations.Apply(ctx, *dsn, source, logger)
	case "down":
		steps := 1
		if len(args) > 1 {
			n, err := strconv.Atoi(args[1])
			if err != nil || n <= 0 {
				return fmt.Errorf("invalid down steps %q", args[1])
			}
			steps = n
		}
		return migrations.Rollback(ctx, *dsn, source, steps, logger)
	case "version":
		version, dirty, err := migrations.Version(ctx, *dsn, source)
		if err != nil {
			return err
		}
		fmt.Printf("version=%d dirty=%t\n", version, dirty)
		return nil
	default:
		return fmt.Errorf("unknown command %q (expected up, down or version)", args[0])
	}
}

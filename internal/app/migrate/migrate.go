package migrate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/splax/devport/db"
)

const commandTimeout = time.Minute

// Runner applies the schema for projects and deployments using goose.
type Runner struct {
	dsn  string
	fsys fs.FS
	log  *slog.Logger
}

// New returns a migration runner. An empty dir uses the migrations embedded in the binary.
func New(dsn, dir string, log *slog.Logger) (Runner, error) {
	if dsn == "" {
		return Runner{}, errors.New("empty database dsn")
	}
	fsys := db.Migrations()
	if dir != "" {
		if _, err := os.Stat(dir); err != nil {
			return Runner{}, fmt.Errorf("locate migrations dir: %w", err)
		}
		fsys = os.DirFS(dir)
	}
	if log == nil {
		log = slog.Default()
	}
	return Runner{dsn: dsn, fsys: fsys, log: log.With("component", "migrate")}, nil
}

// Ensure applies pending migrations.
func (r Runner) Ensure(ctx context.Context) error {
	return r.withProvider(func(p *goose.Provider) error {
		runCtx, cancel := context.WithTimeout(ctx, commandTimeout)
		defer cancel()

		results, err := p.Up(runCtx)
		if err != nil {
			return fmt.Errorf("apply migrations: %w", err)
		}
		for _, res := range results {
			r.log.Info("migration applied", "version", res.Source.Version, "path", res.Source.Path, "duration", res.Duration)
		}
		r.log.Info("migrations up to date", "applied", len(results))
		return nil
	})
}

// Status logs applied and pending migrations and returns the pending count.
func (r Runner) Status(ctx context.Context) (int, error) {
	pending := 0
	err := r.withProvider(func(p *goose.Provider) error {
		statuses, err := p.Status(ctx)
		if err != nil {
			return fmt.Errorf("migration status: %w", err)
		}
		for _, st := range statuses {
			if st.State == goose.StatePending {
				pending++
			}
			r.log.Info("migration", "version", st.Source.Version, "path", st.Source.Path, "state", string(st.State), "applied_at", st.AppliedAt)
		}
		return nil
	})
	return pending, err
}

// Down rolls back migrations either to the previous version or a specific target version.
func (r Runner) Down(ctx context.Context, targetVersion int64) error {
	return r.withProvider(func(p *goose.Provider) error {
		runCtx, cancel := context.WithTimeout(ctx, commandTimeout)
		defer cancel()

		if targetVersion > 0 {
			r.log.Info("rolling back migrations", "target", targetVersion)
			if _, err := p.DownTo(runCtx, targetVersion); err != nil {
				return fmt.Errorf("rollback to version %d: %w", targetVersion, err)
			}
		} else {
			r.log.Info("rolling back latest migration")
			if _, err := p.Down(runCtx); err != nil {
				return fmt.Errorf("rollback latest migration: %w", err)
			}
		}

		r.log.Info("rollback complete")
		return nil
	})
}

func (r Runner) withProvider(fn func(*goose.Provider) error) error {
	conn, err := sql.Open("pgx", r.dsn)
	if err != nil {
		return fmt.Errorf("open sql connection: %w", err)
	}
	defer conn.Close()

	if err := conn.Ping(); err != nil {
		return fmt.Errorf("ping sql connection: %w", err)
	}

	provider, err := goose.NewProvider(goose.DialectPostgres, conn, r.fsys)
	if err != nil {
		return fmt.Errorf("configure goose: %w", err)
	}
	defer provider.Close()

	return fn(provider)
}

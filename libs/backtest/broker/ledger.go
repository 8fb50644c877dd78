package broker

import (
	"context"
	"embed"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed migrations/*.sql
var ledgerMigrations embed.FS

// TradeLedger is an optional durable sink for closed trades, alongside the
// Journal's required JSON file. A nil *TradeLedger disables it entirely — the broker's only
// mandatory persistence is the Journal.
type TradeLedger struct {
	pool  *pgxpool.Pool
	runID string
}

// OpenTradeLedger connects to Postgres at dsn, applies the ledger schema
// migration if needed, and returns a TradeLedger scoped to runID so that
// concurrent backtest runs sharing one database never mix trade rows.
func OpenTradeLedger(ctx context.Context, dsn, runID string) (*TradeLedger, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("broker.OpenTradeLedger: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("broker.OpenTradeLedger: ping: %w", err)
	}
	if err := applyLedgerMigrations(dsn); err != nil {
		pool.Close()
		return nil, fmt.Errorf("broker.OpenTradeLedger: migrate: %w", err)
	}
	return &TradeLedger{pool: pool, runID: runID}, nil
}

func applyLedgerMigrations(dsn string) error {
	src, err := iofs.New(ledgerMigrations, "migrations")
	if err != nil {
		return fmt.Errorf("load migration source: %w", err)
	}
	m, err := migrate.NewWithSourceInstance("iofs", src, dsn)
	if err != nil {
		return fmt.Errorf("new migrator: %w", err)
	}
	defer m.Close()
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return err
	}
	return nil
}

// Close releases the underlying connection pool.
func (l *TradeLedger) Close() {
	if l == nil {
		return
	}
	l.pool.Close()
}

// RecordClosedTrade appends one closed trade to the ledger, tagged with the
// run ID this TradeLedger was opened for.
func (l *TradeLedger) RecordClosedTrade(ctx context.Context, t ClosedTrade) error {
	if l == nil {
		return nil
	}
	_, err := l.pool.Exec(ctx, `
		INSERT INTO backtest_closed_trades
			(run_id, ticket, symbol, side, volume, open_price, close_price,
			 open_time, close_time, profit, comment)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		l.runID, t.Ticket, t.Symbol, string(t.Side), t.Volume, t.OpenPrice, t.ClosePrice,
		t.OpenTime, t.CloseTime, t.Profit, t.Comment,
	)
	if err != nil {
		return fmt.Errorf("broker.TradeLedger.RecordClosedTrade: %w", err)
	}
	return nil
}

package clickhouse

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"

	_ "github.com/ClickHouse/clickhouse-go"
	"github.com/rs/zerolog"

	xlog "nucleusquant/internal/log"
)

// InsertQuery is the prepared statement every batch is published with.
const InsertQuery = "INSERT INTO nucleus_measurements (run_id, image_id, label, area, mean_intensity, integrated_intensity, centroid_row, centroid_col) VALUES (?, ?, ?, ?, ?, ?, ?, ?)"

// CreateTableQuery creates the destination table.
const CreateTableQuery = `CREATE TABLE IF NOT EXISTS nucleus_measurements (
    run_id               String,
    image_id             String,
    label                UInt32,
    area                 UInt32,
    mean_intensity       Float64,
    integrated_intensity Float64,
    centroid_row         Float64,
    centroid_col         Float64
) ENGINE = MergeTree() ORDER BY (run_id, image_id, label)`

// Open connects to ClickHouse through the database/sql driver.
func Open(ctx context.Context, dsn string) (*sql.DB, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("clickhouse dsn is required")
	}
	db, err := sql.Open("clickhouse", dsn)
	if err != nil {
		return nil, fmt.Errorf("open clickhouse: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping clickhouse: %w", err)
	}
	return db, nil
}

// EnsureTable creates the destination table when it is missing.
func EnsureTable(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, CreateTableQuery); err != nil {
		return fmt.Errorf("create table: %w", err)
	}
	return nil
}

// ErrSpooled marks a publish failure whose batch was kept by the dumper.
var ErrSpooled = errors.New("batch spooled")

// Sender buffers rows and publishes them in batches.
type Sender struct {
	db      *sql.DB
	dumper  Dumper
	logger  zerolog.Logger
	mu      sync.Mutex
	pending []Row
	onFail  func(error)
}

// NewSender returns a Sender publishing to db. A nil dumper discards failed
// batches.
func NewSender(db *sql.DB, dumper Dumper, logger zerolog.Logger) *Sender {
	if dumper == nil {
		dumper = NewNullDumper()
	}
	return &Sender{
		db:     db,
		dumper: dumper,
		logger: logger,
		onFail: func(error) {},
	}
}

// SubscribeOnFail registers f to be called with every publish error.
func (s *Sender) SubscribeOnFail(f func(error)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if f == nil {
		f = func(error) {}
	}
	s.onFail = f
}

// Push buffers rows until the next Flush.
func (s *Sender) Push(rows ...Row) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = append(s.pending, rows...)
}

// Pending returns the number of buffered rows.
func (s *Sender) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Flush publishes every buffered row in one transaction. On failure the
// batch is handed to the dumper and the publish error is returned.
func (s *Sender) Flush(ctx context.Context) (int, error) {
	s.mu.Lock()
	rows := s.pending
	s.pending = nil
	onFail := s.onFail
	s.mu.Unlock()

	if len(rows) == 0 {
		return 0, nil
	}
	if err := s.publish(ctx, rows); err != nil {
		onFail(err)
		return 0, s.spool(rows, err)
	}
	s.logger.Debug().Str(xlog.FieldEvent, "clickhouse.flushed").Int("rows", len(rows)).Msg("rows published")
	return len(rows), nil
}

// Drain re-publishes spooled batches, oldest first, until the dumper is
// empty or a publish fails. A batch that fails is spooled again.
func (s *Sender) Drain(ctx context.Context) (int, error) {
	published := 0
	for {
		if err := ctx.Err(); err != nil {
			return published, err
		}
		rows, ok, err := s.dumper.Return()
		if err != nil {
			return published, fmt.Errorf("read spooled batch: %w", err)
		}
		if !ok {
			return published, nil
		}
		if err := s.publish(ctx, rows); err != nil {
			s.mu.Lock()
			onFail := s.onFail
			s.mu.Unlock()
			onFail(err)
			return published, s.spool(rows, err)
		}
		published += len(rows)
	}
}

func (s *Sender) spool(rows []Row, cause error) error {
	if err := s.dumper.Dump(rows); err != nil {
		if errors.Is(err, ErrDiscarded) {
			s.logger.Warn().Err(cause).Str(xlog.FieldEvent, "clickhouse.discarded").Int("rows", len(rows)).Msg("publish failed, batch discarded")
			return fmt.Errorf("publish: %w", cause)
		}
		return errors.Join(fmt.Errorf("publish: %w", cause), fmt.Errorf("spool: %w", err))
	}
	s.logger.Warn().Err(cause).Str(xlog.FieldEvent, "clickhouse.spooled").Int("rows", len(rows)).Msg("publish failed, batch spooled")
	return fmt.Errorf("%w: publish: %w", ErrSpooled, cause)
}

func (s *Sender) publish(ctx context.Context, rows []Row) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			if rerr := tx.Rollback(); rerr != nil && !errors.Is(rerr, sql.ErrTxDone) {
				err = errors.Join(err, rerr)
			}
		}
	}()

	stmt, err := tx.PrepareContext(ctx, InsertQuery)
	if err != nil {
		return err
	}
	for _, r := range rows {
		if _, err = stmt.ExecContext(ctx, r.Args()...); err != nil {
			_ = stmt.Close()
			return err
		}
	}
	if err = stmt.Close(); err != nil {
		return err
	}
	return tx.Commit()
}

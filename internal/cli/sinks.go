package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"nucleusquant/internal/config"
	"nucleusquant/internal/export/clickhouse"
	xlog "nucleusquant/internal/log"
	"nucleusquant/internal/manifest"
	"nucleusquant/internal/measure"
	"nucleusquant/internal/qc"
	"nucleusquant/internal/storage/sqlite"
)

// exportSinks writes the run to every configured external destination. All
// sinks are attempted; their errors are joined.
func exportSinks(ctx context.Context, sinks config.Sinks, man *manifest.Manifest, ms []measure.Measurement, flags []qc.Flag, logger zerolog.Logger) error {
	var errs []error
	if sinks.SQLitePath != "" {
		if err := saveToSQLite(ctx, sinks.SQLitePath, man, ms, flags); err != nil {
			errs = append(errs, fmt.Errorf("sqlite sink: %w", err))
		} else {
			logger.Info().Str(xlog.FieldEvent, "sink.sqlite").Str(xlog.FieldPath, sinks.SQLitePath).Msg("run stored")
		}
	}
	if sinks.ClickHouseDSN != "" {
		if err := exportToClickHouse(ctx, sinks, man.RunID, ms, logger); err != nil {
			errs = append(errs, fmt.Errorf("clickhouse sink: %w", err))
		}
	}
	return errors.Join(errs...)
}

func saveToSQLite(ctx context.Context, path string, man *manifest.Manifest, ms []measure.Measurement, flags []qc.Flag) error {
	store, err := sqlite.Open(ctx, path)
	if err != nil {
		return err
	}
	defer store.Close()

	params, err := parametersMap(man.Parameters)
	if err != nil {
		return err
	}
	if err := store.SaveRun(ctx, sqlite.RunRecord{
		RunID:      man.RunID,
		RunHash:    man.RunHash,
		StartedAt:  man.StartedAt,
		FinishedAt: man.FinishedAt,
		Status:     man.Status,
		InputDir:   man.InputDir,
		OutputDir:  man.OutputDir,
		Images:     len(man.Images),
		Failures:   man.Failures,
		Nuclei:     len(ms),
		Params:     params,
	}); err != nil {
		return err
	}
	if err := store.SaveMeasurements(ctx, man.RunID, ms); err != nil {
		return err
	}
	return store.SaveFlags(ctx, man.RunID, flags)
}

func parametersMap(p manifest.Parameters) (map[string]any, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode parameters: %w", err)
	}
	var out map[string]any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, fmt.Errorf("decode parameters: %w", err)
	}
	return out, nil
}

// exportToClickHouse publishes the measurements. With a spool dir, batches
// that cannot be published are kept for the next run and the export counts
// as done.
func exportToClickHouse(ctx context.Context, sinks config.Sinks, runID string, ms []measure.Measurement, logger zerolog.Logger) error {
	rows := clickhouse.RowsFromMeasurements(runID, ms)

	var dumper clickhouse.Dumper = clickhouse.NewNullDumper()
	if sinks.ClickHouseDir != "" {
		fd, err := clickhouse.NewFileDumper(sinks.ClickHouseDir)
		if err != nil {
			return err
		}
		dumper = fd
	}

	db, err := clickhouse.Open(ctx, sinks.ClickHouseDSN)
	if err != nil {
		if sinks.ClickHouseDir == "" {
			return err
		}
		if derr := dumper.Dump(rows); derr != nil {
			return errors.Join(err, derr)
		}
		logger.Warn().Err(err).Str(xlog.FieldEvent, "sink.clickhouse").Int("rows", len(rows)).Msg("clickhouse unreachable, rows spooled")
		return nil
	}
	defer db.Close()

	if err := clickhouse.EnsureTable(ctx, db); err != nil {
		return err
	}
	sender := clickhouse.NewSender(db, dumper, logger)
	if n, err := sender.Drain(ctx); err != nil {
		logger.Warn().Err(err).Int("rows", n).Msg("draining clickhouse spool stopped")
	}
	sender.Push(rows...)
	n, err := sender.Flush(ctx)
	if err != nil {
		if sinks.ClickHouseDir != "" && errors.Is(err, clickhouse.ErrSpooled) {
			return nil
		}
		return err
	}
	logger.Info().Str(xlog.FieldEvent, "sink.clickhouse").Int("rows", n).Msg("measurements exported")
	return nil
}

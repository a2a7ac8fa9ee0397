// Package clickhouse exports nucleus measurements to a ClickHouse table.
// Rows are buffered by a Sender and published in one transaction per flush;
// batches that cannot be published are spooled by a Dumper and retried later.
package clickhouse

import "nucleusquant/internal/measure"

// Row is one exported measurement.
type Row struct {
	RunID               string  `json:"run_id"`
	ImageID             string  `json:"image_id"`
	Label               uint32  `json:"label"`
	Area                uint32  `json:"area"`
	MeanIntensity       float64 `json:"mean_intensity"`
	IntegratedIntensity float64 `json:"integrated_intensity"`
	CentroidRow         float64 `json:"centroid_row"`
	CentroidCol         float64 `json:"centroid_col"`
}

// Args returns the row values in InsertQuery column order.
func (r Row) Args() []any {
	return []any{
		r.RunID, r.ImageID, r.Label, r.Area,
		r.MeanIntensity, r.IntegratedIntensity, r.CentroidRow, r.CentroidCol,
	}
}

// RowsFromMeasurements tags every measurement with runID.
func RowsFromMeasurements(runID string, ms []measure.Measurement) []Row {
	rows := make([]Row, len(ms))
	for i, m := range ms {
		rows[i] = Row{
			RunID:               runID,
			ImageID:             m.ImageID,
			Label:               uint32(m.Label),
			Area:                uint32(m.Area),
			MeanIntensity:       m.MeanIntensity,
			IntegratedIntensity: m.IntegratedIntensity,
			CentroidRow:         m.CentroidRow,
			CentroidCol:         m.CentroidCol,
		}
	}
	return rows
}

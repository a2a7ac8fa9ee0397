package measure

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
)

// Header is the column order of the measurements table. The first five
// columns are the legacy table layout.
var Header = []string{
	"label",
	"area",
	"mean_intensity",
	"integrated_intensity",
	"image_id",
	"centroid_row",
	"centroid_col",
	"bbox_min_row",
	"bbox_min_col",
	"bbox_max_row",
	"bbox_max_col",
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

// WriteCSV writes the header and one row per measurement.
func WriteCSV(w io.Writer, ms []Measurement) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(Header); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	for _, m := range ms {
		row := []string{
			strconv.Itoa(m.Label),
			strconv.Itoa(m.Area),
			formatFloat(m.MeanIntensity),
			formatFloat(m.IntegratedIntensity),
			m.ImageID,
			formatFloat(m.CentroidRow),
			formatFloat(m.CentroidCol),
			strconv.Itoa(m.MinRow),
			strconv.Itoa(m.MinCol),
			strconv.Itoa(m.MaxRow),
			strconv.Itoa(m.MaxCol),
		}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("write row: %w", err)
		}
	}
	cw.Flush()
	return cw.Error()
}

// ReadCSV parses a measurements table written by WriteCSV. Tables that carry
// only the five legacy columns are accepted; the extra fields stay zero.
func ReadCSV(r io.Reader) ([]Measurement, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("read header: empty input")
		}
		return nil, fmt.Errorf("read header: %w", err)
	}
	cols := make(map[string]int, len(header))
	for i, h := range header {
		cols[h] = i
	}
	for _, required := range Header[:5] {
		if _, ok := cols[required]; !ok {
			return nil, fmt.Errorf("read header: missing column %q", required)
		}
	}

	var out []Measurement
	line := 1
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		line++
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		if len(rec) != len(header) {
			return nil, fmt.Errorf("line %d: expected %d fields, got %d", line, len(header), len(rec))
		}
		m, err := parseRow(rec, cols)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		out = append(out, m)
	}
	return out, nil
}

// parseInt accepts integral floats such as "100.0", which some tools emit for
// float-typed area columns.
func parseInt(s string) (int, error) {
	if v, err := strconv.Atoi(s); err == nil {
		return v, nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, err
	}
	if f != math.Trunc(f) {
		return 0, fmt.Errorf("%q is not an integer", s)
	}
	return int(f), nil
}

func parseRow(rec []string, cols map[string]int) (Measurement, error) {
	var m Measurement
	var err error
	intField := func(name string, dst *int) {
		i, ok := cols[name]
		if !ok || err != nil {
			return
		}
		v, perr := parseInt(rec[i])
		if perr != nil {
			err = fmt.Errorf("column %s: %w", name, perr)
			return
		}
		*dst = v
	}
	floatField := func(name string, dst *float64) {
		i, ok := cols[name]
		if !ok || err != nil {
			return
		}
		v, perr := strconv.ParseFloat(rec[i], 64)
		if perr != nil {
			err = fmt.Errorf("column %s: %w", name, perr)
			return
		}
		*dst = v
	}

	m.ImageID = rec[cols["image_id"]]
	intField("label", &m.Label)
	intField("area", &m.Area)
	floatField("mean_intensity", &m.MeanIntensity)
	floatField("integrated_intensity", &m.IntegratedIntensity)
	floatField("centroid_row", &m.CentroidRow)
	floatField("centroid_col", &m.CentroidCol)
	intField("bbox_min_row", &m.MinRow)
	intField("bbox_min_col", &m.MinCol)
	intField("bbox_max_row", &m.MaxRow)
	intField("bbox_max_col", &m.MaxCol)
	return m, err
}

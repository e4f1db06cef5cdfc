// Package export writes finalized profiles as CSV tables or JSON documents.
package export

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/wsi-profiles/profiler/internal/profile"
)

var csvHeader = []string{
	"device", "lower_um", "upper_um", "count",
	"mean_area", "var_area",
	"mean_eccentricity", "var_eccentricity",
	"mean_intensity", "var_intensity",
}

// WriteCSV writes one row per (device, bin) in profile order, followed by
// coverage comment lines so a CSV consumer can check completeness without a
// second file.
func WriteCSV(w io.Writer, p *profile.Profile) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return fmt.Errorf("write csv header: %w", err)
	}
	for _, row := range p.Rows {
		record := []string{
			profile.DeviceLabel(row.Device),
			formatFloat(row.Lower),
			formatFloat(row.Upper),
			strconv.FormatInt(row.Count, 10),
			formatFloat(row.MeanArea),
			formatFloat(row.VarArea),
			formatFloat(row.MeanEcc),
			formatFloat(row.VarEcc),
			formatFloat(row.MeanIntensity),
			formatFloat(row.VarIntensity),
		}
		if err := cw.Write(record); err != nil {
			return fmt.Errorf("write csv row: %w", err)
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return err
	}

	cov := p.Coverage
	_, err := fmt.Fprintf(w, "# slide=%s bin_width_um=%s max_distance_um=%s\n# coverage=%.4f tiles=%d/%d out_of_range=%d devices=%d\n",
		p.Slide, formatFloat(p.BinWidth), formatFloat(p.MaxDist),
		cov.Fraction, cov.TilesSucceeded, cov.TilesAttempted, cov.OutOfRange, cov.DeviceCount)
	return err
}

// WriteJSON writes the profile as an indented JSON document.
func WriteJSON(w io.Writer, p *profile.Profile) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(p)
}

// SaveCSV writes the CSV table to path.
func SaveCSV(path string, p *profile.Profile) error {
	return save(path, p, WriteCSV)
}

// SaveJSON writes the JSON document to path.
func SaveJSON(path string, p *profile.Profile) error {
	return save(path, p, WriteJSON)
}

func save(path string, p *profile.Profile, write func(io.Writer, *profile.Profile) error) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	if err := write(f, p); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', 6, 64)
}

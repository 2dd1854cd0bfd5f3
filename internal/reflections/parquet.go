package reflections

import (
	"fmt"
	"os"

	"github.com/parquet-go/parquet-go"
)

// reflectionRow is the flat on-disk schema for one reflection. Optional
// columns carry the presence information the in-memory table keeps in its
// Has* booleans.
type reflectionRow struct {
	ExperimentID int32 `parquet:"id"`

	MillerH int32 `parquet:"miller_h"`
	MillerK int32 `parquet:"miller_k"`
	MillerL int32 `parquet:"miller_l"`

	XObs float64 `parquet:"xyzobs_px_x"`
	YObs float64 `parquet:"xyzobs_px_y"`
	ZObs float64 `parquet:"xyzobs_px_z"`
	XCal float64 `parquet:"xyzcal_px_x"`
	YCal float64 `parquet:"xyzcal_px_y"`
	ZCal float64 `parquet:"xyzcal_px_z"`

	BboxX0 int32 `parquet:"bbox_x0"`
	BboxX1 int32 `parquet:"bbox_x1"`
	BboxY0 int32 `parquet:"bbox_y0"`
	BboxY1 int32 `parquet:"bbox_y1"`
	BboxZ0 int32 `parquet:"bbox_z0"`
	BboxZ1 int32 `parquet:"bbox_z1"`

	Flags uint32 `parquet:"flags"`

	IntensitySumValue     *float64 `parquet:"intensity_sum_value,optional"`
	IntensitySumVariance  *float64 `parquet:"intensity_sum_variance,optional"`
	IntensityPrfValue     *float64 `parquet:"intensity_prf_value,optional"`
	IntensityPrfVariance  *float64 `parquet:"intensity_prf_variance,optional"`
	BackgroundSumValue    *float64 `parquet:"background_sum_value,optional"`
	BackgroundSumVariance *float64 `parquet:"background_sum_variance,optional"`

	Shoebox []float64 `parquet:"shoebox,list"`
}

// SaveParquet writes the table to a parquet file.
func SaveParquet(path string, t *Table) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create reflection file: %w", err)
	}
	defer file.Close()

	writer := parquet.NewGenericWriter[reflectionRow](file)

	rows := make([]reflectionRow, 0, t.Len())
	for i := range t.Reflections {
		r := &t.Reflections[i]
		row := reflectionRow{
			ExperimentID: int32(r.ExperimentID),
			MillerH:      int32(r.MillerIndex[0]),
			MillerK:      int32(r.MillerIndex[1]),
			MillerL:      int32(r.MillerIndex[2]),
			XObs:         r.XYZObsPX[0],
			YObs:         r.XYZObsPX[1],
			ZObs:         r.XYZObsPX[2],
			XCal:         r.XYZCalPX[0],
			YCal:         r.XYZCalPX[1],
			ZCal:         r.XYZCalPX[2],
			BboxX0:       int32(r.Bbox[0]),
			BboxX1:       int32(r.Bbox[1]),
			BboxY0:       int32(r.Bbox[2]),
			BboxY1:       int32(r.Bbox[3]),
			BboxZ0:       int32(r.Bbox[4]),
			BboxZ1:       int32(r.Bbox[5]),
			Flags:        uint32(r.Flags),
			Shoebox:      r.Shoebox,
		}
		if t.HasSummation {
			v, s := r.IntensitySum.Value, r.IntensitySum.Variance
			row.IntensitySumValue, row.IntensitySumVariance = &v, &s
		}
		if t.HasProfile && r.IntensityPrf != nil {
			v, s := r.IntensityPrf.Value, r.IntensityPrf.Variance
			row.IntensityPrfValue, row.IntensityPrfVariance = &v, &s
		}
		if t.HasBackground {
			v, s := r.BackgroundSum.Value, r.BackgroundSum.Variance
			row.BackgroundSumValue, row.BackgroundSumVariance = &v, &s
		}
		rows = append(rows, row)
	}

	if _, err := writer.Write(rows); err != nil {
		return fmt.Errorf("failed to write reflections: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("failed to finalize reflection file: %w", err)
	}

	return nil
}

// LoadParquet reads a reflection table back from a parquet file.
func LoadParquet(path string) (*Table, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open reflection file: %w", err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat reflection file: %w", err)
	}

	pf, err := parquet.OpenFile(file, info.Size())
	if err != nil {
		return nil, fmt.Errorf("failed to open parquet: %w", err)
	}

	reader := parquet.NewGenericReader[reflectionRow](pf)
	defer reader.Close()

	table := &Table{}
	rows := make([]reflectionRow, 128) // Read in batches

	for {
		n, err := reader.Read(rows)
		for i := 0; i < n; i++ {
			row := rows[i]
			r := Reflection{
				ExperimentID: int(row.ExperimentID),
				MillerIndex:  [3]int{int(row.MillerH), int(row.MillerK), int(row.MillerL)},
				XYZObsPX:     [3]float64{row.XObs, row.YObs, row.ZObs},
				XYZCalPX:     [3]float64{row.XCal, row.YCal, row.ZCal},
				Bbox: [6]int{
					int(row.BboxX0), int(row.BboxX1),
					int(row.BboxY0), int(row.BboxY1),
					int(row.BboxZ0), int(row.BboxZ1),
				},
				Flags:   Flag(row.Flags),
				Shoebox: row.Shoebox,
			}
			if row.IntensitySumValue != nil {
				table.HasSummation = true
				r.IntensitySum = Intensity{Value: *row.IntensitySumValue, Variance: *row.IntensitySumVariance}
			}
			if row.IntensityPrfValue != nil {
				table.HasProfile = true
				r.IntensityPrf = &Intensity{Value: *row.IntensityPrfValue, Variance: *row.IntensityPrfVariance}
			}
			if row.BackgroundSumValue != nil {
				table.HasBackground = true
				r.BackgroundSum = Intensity{Value: *row.BackgroundSumValue, Variance: *row.BackgroundSumVariance}
			}
			table.Append(r)
		}
		if err != nil {
			break
		}
	}

	return table, nil
}

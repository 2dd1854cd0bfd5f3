package reflections

import (
	"path/filepath"
	"testing"
)

func TestParquetRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reflections.parquet")

	table := &Table{HasSummation: true, HasBackground: true}
	table.Append(Reflection{
		ExperimentID:  0,
		MillerIndex:   [3]int{1, -2, 0},
		XYZObsPX:      [3]float64{10.5, 20.5, 0},
		XYZCalPX:      [3]float64{10.4, 20.6, 0},
		Bbox:          [6]int{8, 13, 18, 23, 0, 1},
		Flags:         Strong | Indexed | IntegratedSum,
		IntensitySum:  Intensity{Value: 120, Variance: 130},
		BackgroundSum: Intensity{Value: 12, Variance: 3},
		Shoebox:       []float64{1, 2, 3, 4},
	})
	table.Append(Reflection{
		ExperimentID:  0,
		MillerIndex:   [3]int{2, 0, 0},
		Flags:         Predicted | IntegratedSum,
		IntensitySum:  Intensity{Value: 40, Variance: 45},
		BackgroundSum: Intensity{Value: 5, Variance: 1},
	})

	if err := SaveParquet(path, table); err != nil {
		t.Fatalf("SaveParquet failed: %v", err)
	}

	got, err := LoadParquet(path)
	if err != nil {
		t.Fatalf("LoadParquet failed: %v", err)
	}

	if got.Len() != 2 {
		t.Fatalf("Expected 2 reflections, got %d", got.Len())
	}
	if !got.HasSummation || !got.HasBackground {
		t.Error("Column presence lost in round trip")
	}
	if got.HasProfile {
		t.Error("Profile column should stay absent: the table never carried it")
	}

	r := &got.Reflections[0]
	if r.MillerIndex != [3]int{1, -2, 0} {
		t.Errorf("Miller index mismatch: %v", r.MillerIndex)
	}
	if r.Flags != Strong|Indexed|IntegratedSum {
		t.Errorf("Flags mismatch: %v", r.Flags)
	}
	if r.IntensitySum != (Intensity{Value: 120, Variance: 130}) {
		t.Errorf("Summation intensity mismatch: %+v", r.IntensitySum)
	}
	if r.Bbox != [6]int{8, 13, 18, 23, 0, 1} {
		t.Errorf("Bounding box mismatch: %v", r.Bbox)
	}
	if len(r.Shoebox) != 4 {
		t.Errorf("Shoebox lost: %v", r.Shoebox)
	}
	if r.IntensityPrf != nil {
		t.Error("Profile intensity should be nil after round trip")
	}
}

func TestParquetProfileColumnPresence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "profile.parquet")

	table := &Table{HasSummation: true, HasProfile: true}
	table.Append(Reflection{
		IntensitySum: Intensity{Value: 10, Variance: 12},
		IntensityPrf: &Intensity{Value: 11, Variance: 9},
		Flags:        Integrated,
	})
	// Profile fitting can fail per reflection; its column stays present
	// while the value is null.
	table.Append(Reflection{
		IntensitySum: Intensity{Value: 20, Variance: 22},
		Flags:        IntegratedSum,
	})

	if err := SaveParquet(path, table); err != nil {
		t.Fatalf("SaveParquet failed: %v", err)
	}
	got, err := LoadParquet(path)
	if err != nil {
		t.Fatalf("LoadParquet failed: %v", err)
	}

	if !got.HasProfile {
		t.Error("Profile column presence lost")
	}
	if got.Reflections[0].IntensityPrf == nil {
		t.Error("Profile intensity lost for fitted reflection")
	}
	if got.Reflections[1].IntensityPrf != nil {
		t.Error("Unfitted reflection should have nil profile intensity")
	}
}

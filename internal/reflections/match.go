package reflections

// MatchWithReference copies the observed centroids, bounding boxes and
// indexed flags from the reference table onto predictions sharing the same
// experiment id and miller index. Unmatched predictions keep their
// calculated position only.
func MatchWithReference(predicted, reference *Table) int {
	type key struct {
		id  int
		hkl [3]int
	}

	byKey := make(map[key]*Reflection, reference.Len())
	for i := range reference.Reflections {
		r := &reference.Reflections[i]
		byKey[key{r.ExperimentID, r.MillerIndex}] = r
	}

	matched := 0
	for i := range predicted.Reflections {
		p := &predicted.Reflections[i]
		ref, ok := byKey[key{p.ExperimentID, p.MillerIndex}]
		if !ok {
			continue
		}
		p.XYZObsPX = ref.XYZObsPX
		p.Bbox = ref.Bbox
		p.Shoebox = ref.Shoebox
		p.Flags |= ref.Flags
		matched++
	}
	return matched
}

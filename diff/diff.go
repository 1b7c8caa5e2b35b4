package diff

// FindChanges compares two attribute snapshots and returns a list of changes.
func FindChanges(prev, curr map[string][]string) []AttributeChange {
	var changes []AttributeChange

	// Detect changed or added attributes
	for k, newVal := range curr {
		oldVal, exists := prev[k]
		if !exists || !equalValues(oldVal, newVal) {
			changes = append(changes, AttributeChange{
				Name: k,
				Old:  oldVal,
				New:  newVal,
			})
		}
	}

	// Detect removed attributes
	for k, oldVal := range prev {
		if _, exists := curr[k]; !exists {
			changes = append(changes, AttributeChange{
				Name: k,
				Old:  oldVal,
				New:  nil,
			})
		}
	}

	return changes
}

func equalValues(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

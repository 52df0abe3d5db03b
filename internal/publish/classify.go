package publish

// Classify decides the publish action for a single module from the requested
// kind, the module's recorded state and its detected change. The first
// matching rule wins:
//
//   - added: full
//   - removed: remove
//   - full or clean requested, or recorded state full: full
//   - incremental or auto requested, or recorded state incremental, and the
//     module changed: incremental
//   - otherwise: none
//
// A recorded full state forces a full publish even for an unchanged module;
// the flag stays until a completed publish clears it in the tracking store.
func Classify(kind Kind, state RecordedState, change ChangeKind) Decision {
	switch change {
	case ChangeAdded:
		return DecisionFull
	case ChangeRemoved:
		return DecisionRemove
	}

	if kind == KindFull || state == StateFull || kind == KindClean {
		return DecisionFull
	}

	if kind == KindIncremental || state == StateIncremental || kind == KindAuto {
		if change == ChangeChanged {
			return DecisionIncremental
		}
	}
	return DecisionNone
}

// HasStructuralChange reports whether any module in the classification was
// added or removed. A topology change invalidates incremental assumptions for
// the whole subtree, so callers escalate to a full publish.
func HasStructuralChange(changes []ChangeKind) bool {
	for _, c := range changes {
		if c.Structural() {
			return true
		}
	}
	return false
}

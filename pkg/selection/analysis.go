package selection

// Analysis describes how a merged selection changed in one recomputation.
type Analysis struct {
	Previous Selection
	Next     Selection

	// Added and Removed hold sorted dot-joined field paths.
	Added   []string
	Removed []string

	HasChanged bool
	IsExpanded bool
	IsShrunk   bool
}

// Analyze compares two merged selections. A nil selection is treated as empty.
func Analyze(prev, next Selection) Analysis {
	before := make(map[string]struct{})
	after := make(map[string]struct{})
	collectPaths(prev, "", before)
	collectPaths(next, "", after)

	added := make(map[string]struct{})
	for p := range after {
		if _, ok := before[p]; !ok {
			added[p] = struct{}{}
		}
	}
	removed := make(map[string]struct{})
	for p := range before {
		if _, ok := after[p]; !ok {
			removed[p] = struct{}{}
		}
	}

	a := Analysis{
		Previous: prev,
		Next:     next,
		Added:    sortedKeys(added),
		Removed:  sortedKeys(removed),
	}
	a.IsExpanded = len(a.Added) > 0
	a.IsShrunk = len(a.Removed) > 0
	a.HasChanged = a.IsExpanded || a.IsShrunk
	return a
}

// Action tells the transport what to do with an endpoint's network
// subscription after a selection change.
type Action string

const (
	ActionNone        Action = "none"
	ActionSubscribe   Action = "subscribe"
	ActionResubscribe Action = "resubscribe"
	ActionUnsubscribe Action = "unsubscribe"
)

// ShrinkThreshold is the number of removed paths above which a shrink alone
// justifies resubscribing with the smaller selection.
const ShrinkThreshold = 3

// ShouldResubscribe decides the transport action for a change. had reports
// whether the endpoint had subscribers (and thus a subscription) before the
// change, has whether it has any after. Expansion always takes priority over
// shrink-driven resubscription.
func ShouldResubscribe(a Analysis, had, has bool) Action {
	switch {
	case !has:
		if had {
			return ActionUnsubscribe
		}
		return ActionNone
	case !had:
		return ActionSubscribe
	case a.IsExpanded:
		return ActionResubscribe
	case len(a.Removed) > ShrinkThreshold:
		return ActionResubscribe
	default:
		return ActionNone
	}
}

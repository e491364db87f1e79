package market

const snapshotUnavailable = "snapshot unavailable in demo"

// Snapshot returns a lightweight overview of the main asset classes. No live
// feed backs it yet; every entry reports itself unavailable.
func Snapshot() map[string]any {
	return map[string]any{
		"equities": map[string]string{"SPY": snapshotUnavailable},
		"bonds":    map[string]string{"AGG": snapshotUnavailable},
		"gold":     map[string]string{"GLD": snapshotUnavailable},
		"crypto":   map[string]string{"BTC": snapshotUnavailable},
	}
}

package reconcile

import (
	"sort"
	"strings"

	"marlin/internal/broker"
	"marlin/internal/state"
)

// diffResult partitions symbols into the three reconciliation classes.
type diffResult struct {
	// matched holds symbols open on both sides.
	matched []string
	// localOnly holds symbols the ledger believes open but the broker
	// no longer has (closed remotely).
	localOnly []string
	// remoteOnly holds symbols the broker has but the ledger does not
	// (opened outside the system).
	remoteOnly []string
}

// diffPositions is a pure set difference over symbol keys; no I/O, fully
// testable on its own. Output slices are sorted for deterministic reports.
func diffPositions(local []state.Position, remote []broker.Position) diffResult {
	localSet := make(map[string]struct{}, len(local))
	for _, pos := range local {
		localSet[symbolKey(pos.Symbol)] = struct{}{}
	}
	remoteSet := make(map[string]struct{}, len(remote))
	for _, pos := range remote {
		remoteSet[symbolKey(pos.Symbol)] = struct{}{}
	}
	var res diffResult
	for sym := range localSet {
		if _, ok := remoteSet[sym]; ok {
			res.matched = append(res.matched, sym)
		} else {
			res.localOnly = append(res.localOnly, sym)
		}
	}
	for sym := range remoteSet {
		if _, ok := localSet[sym]; !ok {
			res.remoteOnly = append(res.remoteOnly, sym)
		}
	}
	sort.Strings(res.matched)
	sort.Strings(res.localOnly)
	sort.Strings(res.remoteOnly)
	return res
}

func symbolKey(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}

package dag

import (
	"strings"

	"runwatch/internal/protocol"
)

// Naming heuristic for rework loops: an edge from a checking step back into a
// producing step. This matches step names, not graph structure, so nodes whose
// names merely contain these words are flagged too.
var (
	kickbackSources = []string{"review", "test"}
	kickbackTargets = []string{"rework", "developer", "generate", "fix"}
)

// KickbackEdges returns the set of edge keys flagged as rework loops.
// It is a pure function of the definition and is computed once per DAG load;
// events never influence it.
func KickbackEdges(def Definition) map[string]struct{} {
	kickbacks := make(map[string]struct{})
	for _, e := range def.Edges {
		if isKickback(e) {
			kickbacks[e.Key()] = struct{}{}
		}
	}
	return kickbacks
}

func isKickback(e Edge) bool {
	source := strings.ToLower(e.Source)
	target := strings.ToLower(e.Target)
	return containsAny(source, kickbackSources) && containsAny(target, kickbackTargets)
}

func containsAny(name string, words []string) bool {
	for _, w := range words {
		if strings.Contains(name, w) {
			return true
		}
	}
	return false
}

// TraversalCounts derives edge traversal counts from the full event history.
// An edge (S,T) is traversed each time T starts while S has already reached
// success at least once; repeated loop passes count repeatedly. The counts are
// recomputed from scratch on every call so the result depends only on the
// definition and the event sequence, never on prior output.
func TraversalCounts(def Definition, events []protocol.Event) map[string]int {
	inbound := make(map[string][]Edge, len(def.Edges))
	for _, e := range def.Edges {
		inbound[e.Target] = append(inbound[e.Target], e)
	}

	counts := make(map[string]int)
	succeeded := make(map[string]struct{})

	for _, ev := range events {
		switch e := ev.(type) {
		case protocol.StepStart:
			for _, edge := range inbound[e.Step] {
				if _, ok := succeeded[edge.Source]; ok {
					counts[edge.Key()]++
				}
			}
		case protocol.StepEnd:
			if e.Status == protocol.StepSuccess {
				succeeded[e.Step] = struct{}{}
			}
		}
	}
	return counts
}

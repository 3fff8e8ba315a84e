// Package stateres implements the v2 state-resolution algorithm of
// merging N conflicting state snapshots into a single
// agreed snapshot via reverse-topological power sort, iterative auth
// check, and mainline ordering.
package stateres

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/nexuschat/coreserver/internal/eventauth"
)

// EventProvider resolves an event ID to its parsed PDU. The resolver never
// mutates events; it only reads auth_events, sender, type, state_key,
// origin_server_ts, content.
type EventProvider interface {
	Event(eventID string) (*eventauth.PDU, bool)
}

// ErrMissingAuthEvent is returned when an event referenced by an auth
// chain cannot be fetched.4 failure mode.
type ErrMissingAuthEvent struct {
	EventID string
}

func (e ErrMissingAuthEvent) Error() string {
	return fmt.Sprintf("stateres: missing auth event %s", e.EventID)
}

// Resolve merges N state snapshots (as type/state_key -> event ID maps)
// together with their auth chains into a single snapshot.
// It is a pure function of its inputs and is idempotent on a
// single-element or duplicated input list.
func Resolve(version eventauth.RoomVersion, states []map[eventauth.StateKeyTuple]string, authChains [][]string, events EventProvider) (map[eventauth.StateKeyTuple]string, error) {
	if len(states) == 0 {
		return map[eventauth.StateKeyTuple]string{}, nil
	}
	if len(states) == 1 {
		return cloneState(states[0]), nil
	}

	unconflicted, conflicted := separate(states)

	fullConflicted, err := fullConflictedSet(conflicted, authChains, events)
	if err != nil {
		return nil, err
	}

	powerEvents, nonPowerEvents := splitPowerEvents(fullConflicted, events)

	ordered, err := reverseTopologicalPowerSort(powerEvents, fullConflicted, events)
	if err != nil {
		return nil, err
	}

	resolved := cloneState(unconflicted)
	resolvedEventByID := map[string]*eventauth.PDU{}
	applyIterativeAuthCheck(ordered, events, resolved, resolvedEventByID)

	plEventID, hasPL := resolved[eventauth.StateKeyTuple{Type: eventauth.RoomPowerLevelsType, StateKey: ""}]
	var mainline []string
	if hasPL {
		mainline = buildMainline(plEventID, events)
	}

	nonPowerOrdered := mainlineOrder(nonPowerEvents, mainline, events)
	applyIterativeAuthCheck(nonPowerOrdered, events, resolved, resolvedEventByID)

	return resolved, nil
}

func cloneState(m map[eventauth.StateKeyTuple]string) map[eventauth.StateKeyTuple]string {
	out := make(map[eventauth.StateKeyTuple]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// separate splits N input state maps into the tuples every map agrees on
// (unconflicted) and those where at least one map disagrees (conflicted),
//.4 step 1.
func separate(states []map[eventauth.StateKeyTuple]string) (unconflicted map[eventauth.StateKeyTuple]string, conflicted map[eventauth.StateKeyTuple][]string) {
	unconflicted = map[eventauth.StateKeyTuple]string{}
	conflicted = map[eventauth.StateKeyTuple][]string{}

	allTuples := map[eventauth.StateKeyTuple]struct{}{}
	for _, s := range states {
		for tuple := range s {
			allTuples[tuple] = struct{}{}
		}
	}

	for tuple := range allTuples {
		values := map[string]struct{}{}
		var present int
		for _, s := range states {
			if id, ok := s[tuple]; ok {
				values[id] = struct{}{}
				present++
			}
		}
		if present == len(states) && len(values) == 1 {
			for id := range values {
				unconflicted[tuple] = id
			}
			continue
		}
		var ids []string
		seen := map[string]struct{}{}
		for _, s := range states {
			if id, ok := s[tuple]; ok {
				if _, dup := seen[id]; !dup {
					seen[id] = struct{}{}
					ids = append(ids, id)
				}
			}
		}
		conflicted[tuple] = ids
	}
	return unconflicted, conflicted
}

// fullConflictedSet is the union of every conflicted event ID plus the
// symmetric difference of the N auth chains.
func fullConflictedSet(conflicted map[eventauth.StateKeyTuple][]string, authChains [][]string, events EventProvider) (map[string]struct{}, error) {
	out := map[string]struct{}{}
	for _, ids := range conflicted {
		for _, id := range ids {
			out[id] = struct{}{}
		}
	}

	counts := map[string]int{}
	for _, chain := range authChains {
		for _, id := range chain {
			counts[id]++
		}
	}
	for id, n := range counts {
		if n < len(authChains) {
			out[id] = struct{}{}
		}
	}
	for id := range out {
		if _, ok := events.Event(id); !ok {
			return nil, ErrMissingAuthEvent{EventID: id}
		}
	}
	return out, nil
}

// splitPowerEvents partitions the full conflicted set into power events
// (create, power_levels, join_rules, and ban/kick member events) and
// everything else.4 step 3.
func splitPowerEvents(full map[string]struct{}, events EventProvider) (power []string, nonPower []string) {
	for id := range full {
		ev, ok := events.Event(id)
		if !ok {
			continue
		}
		if isPowerEvent(ev) {
			power = append(power, id)
		} else {
			nonPower = append(nonPower, id)
		}
	}
	return power, nonPower
}

func isPowerEvent(ev *eventauth.PDU) bool {
	switch ev.EventType {
	case eventauth.RoomPowerLevelsType, eventauth.RoomJoinRulesType:
		return ev.IsStateEvent()
	case eventauth.RoomCreateType:
		return ev.IsStateEvent() && *ev.StateKey == ""
	case eventauth.RoomMemberType:
		if !ev.IsStateEvent() || *ev.StateKey == ev.Sender {
			return false
		}
		var c eventauth.MemberContent
		if err := json.Unmarshal(ev.Content, &c); err != nil {
			return false
		}
		return c.Membership == eventauth.MembershipBan || c.Membership == eventauth.MembershipLeave
	default:
		return false
	}
}

// powerLevelOfSender returns the sender's power level as seen in ev's own
// auth_events power_levels snapshot (default 0).4 step 4.
func powerLevelOfSender(ev *eventauth.PDU, events EventProvider) int64 {
	for _, authID := range ev.AuthEvents {
		authEv, ok := events.Event(authID)
		if !ok || authEv.EventType != eventauth.RoomPowerLevelsType {
			continue
		}
		var pl eventauth.PowerLevelContent
		if err := json.Unmarshal(authEv.Content, &pl); err != nil {
			continue
		}
		return pl.UserLevel(ev.Sender)
	}
	return 0
}

// reverseTopologicalPowerSort orders power events by a DAG built from
// auth-chain edges restricted to the full conflicted set, breaking ties by
// (-power_level, origin_server_ts, event_id).4 step 4.
func reverseTopologicalPowerSort(powerEventIDs []string, full map[string]struct{}, events EventProvider) ([]string, error) {
	// Build in-degree counts: an edge P -> Q exists when Q is in P's
	// auth_events and Q is itself a power event in the full conflicted set.
	inSet := map[string]struct{}{}
	for _, id := range powerEventIDs {
		inSet[id] = struct{}{}
	}
	children := map[string][]string{} // Q -> list of P with edge P->Q
	indegree := map[string]int{}
	for _, id := range powerEventIDs {
		indegree[id] = 0
	}
	for _, id := range powerEventIDs {
		ev, ok := events.Event(id)
		if !ok {
			return nil, ErrMissingAuthEvent{EventID: id}
		}
		for _, a := range ev.AuthEvents {
			if _, ok := inSet[a]; ok {
				children[a] = append(children[a], id)
				indegree[id]++
			}
		}
	}

	type ranked struct {
		id    string
		level int64
		ts    int64
	}
	ready := func(avail []string) []ranked {
		out := make([]ranked, 0, len(avail))
		for _, id := range avail {
			ev, _ := events.Event(id)
			out = append(out, ranked{id: id, level: powerLevelOfSender(ev, events), ts: ev.OriginServerTS})
		}
		sort.Slice(out, func(i, j int) bool {
			if out[i].level != out[j].level {
				return out[i].level > out[j].level // higher power first => "-power_level" ascending
			}
			if out[i].ts != out[j].ts {
				return out[i].ts < out[j].ts
			}
			return out[i].id < out[j].id
		})
		return out
	}

	var result []string
	var frontier []string
	for id, d := range indegree {
		if d == 0 {
			frontier = append(frontier, id)
		}
	}
	for len(result) < len(powerEventIDs) {
		if len(frontier) == 0 {
			// Cycle (shouldn't happen for a DAG); break deterministically
			// by picking remaining nodes in id order rather than looping
			// forever.
			var remaining []string
			seen := map[string]struct{}{}
			for _, id := range result {
				seen[id] = struct{}{}
			}
			for _, id := range powerEventIDs {
				if _, ok := seen[id]; !ok {
					remaining = append(remaining, id)
				}
			}
			sort.Strings(remaining)
			result = append(result, remaining...)
			break
		}
		rankedFrontier := ready(frontier)
		next := rankedFrontier[0].id
		result = append(result, next)
		var newFrontier []string
		for _, id := range frontier {
			if id != next {
				newFrontier = append(newFrontier, id)
			}
		}
		for _, child := range children[next] {
			indegree[child]--
			if indegree[child] == 0 {
				newFrontier = append(newFrontier, child)
			}
		}
		frontier = newFrontier
	}
	return result, nil
}

// applyIterativeAuthCheck authorizes each event in order against the
// accumulated resolved state, adding it to resolved (and to the id->event
// map used by later Allowed() lookups) only if it passes. Events that
// fail are simply dropped from the result.
func applyIterativeAuthCheck(orderedIDs []string, events EventProvider, resolved map[eventauth.StateKeyTuple]string, byID map[string]*eventauth.PDU) {
	for _, id := range orderedIDs {
		ev, ok := events.Event(id)
		if !ok || !ev.IsStateEvent() {
			continue
		}
		provider := snapshotProvider{resolved: resolved, events: events}
		if err := eventauth.Allowed(ev, provider); err != nil {
			continue
		}
		tuple := eventauth.StateKeyTuple{Type: ev.EventType, StateKey: *ev.StateKey}
		resolved[tuple] = id
		byID[id] = ev
	}
}

type snapshotProvider struct {
	resolved map[eventauth.StateKeyTuple]string
	events   EventProvider
}

func (s snapshotProvider) Lookup(eventType, stateKey string) (*eventauth.PDU, bool) {
	id, ok := s.resolved[eventauth.StateKeyTuple{Type: eventType, StateKey: stateKey}]
	if !ok {
		return nil, false
	}
	return s.events.Event(id)
}

// buildMainline walks a power-levels event's power-level ancestors to form
// its mainline chain.
// The slice returned is root-last order is not guaranteed; callers use
// mainlinePosition to find depth, which only needs set membership + index.
func buildMainline(plEventID string, events EventProvider) []string {
	var chain []string
	seen := map[string]struct{}{}
	current := plEventID
	for current != "" {
		if _, dup := seen[current]; dup {
			break
		}
		seen[current] = struct{}{}
		chain = append(chain, current)
		ev, ok := events.Event(current)
		if !ok {
			break
		}
		next := ""
		for _, a := range ev.AuthEvents {
			aev, ok := events.Event(a)
			if ok && aev.EventType == eventauth.RoomPowerLevelsType {
				next = a
				break
			}
		}
		current = next
	}
	return chain
}

// mainlineOrder orders non-power conflicted events by walking each event's
// power ancestors until a mainline hit, then sorting by
// (depth, origin_server_ts, event_id).4 step 6.
func mainlineOrder(eventIDs []string, mainline []string, events EventProvider) []string {
	position := map[string]int{}
	for i, id := range mainline {
		position[id] = i
	}

	depthOf := func(id string) int {
		current := id
		seen := map[string]struct{}{}
		for current != "" {
			if pos, ok := position[current]; ok {
				return pos
			}
			if _, dup := seen[current]; dup {
				break
			}
			seen[current] = struct{}{}
			ev, ok := events.Event(current)
			if !ok {
				break
			}
			next := ""
			for _, a := range ev.AuthEvents {
				aev, ok := events.Event(a)
				if ok && aev.EventType == eventauth.RoomPowerLevelsType {
					next = a
					break
				}
			}
			current = next
		}
		return len(mainline) // unreached: sorts after everything on the mainline
	}

	type ranked struct {
		id    string
		depth int
		ts    int64
	}
	out := make([]ranked, 0, len(eventIDs))
	for _, id := range eventIDs {
		ev, ok := events.Event(id)
		if !ok {
			continue
		}
		out = append(out, ranked{id: id, depth: depthOf(id), ts: ev.OriginServerTS})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].depth != out[j].depth {
			return out[i].depth < out[j].depth
		}
		if out[i].ts != out[j].ts {
			return out[i].ts < out[j].ts
		}
		return out[i].id < out[j].id
	})
	result := make([]string, len(out))
	for i, r := range out {
		result[i] = r.id
	}
	return result
}

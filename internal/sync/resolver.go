package sync

import (
	"time"
)

// ConflictResolver produces a resolved version of an entity from the
// client and server versions under a chosen strategy. Resolution is a pure
// function of its inputs: identical inputs always yield identical output.
type ConflictResolver struct {
	defaultStrategy  ConflictStrategy
	entityStrategies map[string]ConflictStrategy
}

// NewConflictResolver creates a resolver with a default strategy and
// optional per-entity-type overrides
func NewConflictResolver(defaultStrategy ConflictStrategy, entityStrategies map[string]ConflictStrategy) *ConflictResolver {
	if !defaultStrategy.Valid() {
		defaultStrategy = StrategyServerWins
	}
	if entityStrategies == nil {
		entityStrategies = make(map[string]ConflictStrategy)
	}
	return &ConflictResolver{
		defaultStrategy:  defaultStrategy,
		entityStrategies: entityStrategies,
	}
}

// StrategyFor returns the strategy configured for an entity type
func (r *ConflictResolver) StrategyFor(entityType string) ConflictStrategy {
	if s, ok := r.entityStrategies[entityType]; ok && s.Valid() {
		return s
	}
	return r.defaultStrategy
}

// Resolve applies the strategy to the two versions. Inputs are never
// mutated.
func (r *ConflictResolver) Resolve(clientData, serverData map[string]interface{}, strategy ConflictStrategy) map[string]interface{} {
	switch strategy {
	case StrategyClientWins:
		return copyMap(clientData)
	case StrategyMerge:
		return mergeServerWins(clientData, serverData)
	default:
		return copyMap(serverData)
	}
}

// ResolveChange is the full resolution record for one conflicting change
func (r *ConflictResolver) ResolveChange(changeID, entityType string, clientData, serverData map[string]interface{}) ConflictResult {
	strategy := r.StrategyFor(entityType)
	return ConflictResult{
		ChangeID:     changeID,
		Strategy:     strategy,
		ServerData:   copyMap(serverData),
		ClientData:   copyMap(clientData),
		ResolvedData: r.Resolve(clientData, serverData, strategy),
		ResolvedAt:   time.Now().UTC(),
	}
}

// mergeServerWins deep-merges with server precedence on shared scalar
// fields. Keys present on only one side are preserved. Arrays are atomic:
// the server's array replaces the client's wholesale, never element-wise.
func mergeServerWins(client, server map[string]interface{}) map[string]interface{} {
	result := copyMap(client)
	for key, serverValue := range server {
		clientValue, inClient := result[key]
		if !inClient {
			result[key] = serverValue
			continue
		}

		serverMap, serverIsMap := serverValue.(map[string]interface{})
		clientMap, clientIsMap := clientValue.(map[string]interface{})
		if serverIsMap && clientIsMap {
			result[key] = mergeServerWins(clientMap, serverMap)
			continue
		}

		result[key] = serverValue
	}
	return result
}

func copyMap(m map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

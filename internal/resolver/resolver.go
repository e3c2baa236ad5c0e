package resolver

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Strategy selects how a local/server disagreement is settled.
type Strategy string

const (
	// StrategyLastWriteWins keeps whichever side carries the newer timestamp.
	StrategyLastWriteWins Strategy = "last-write-wins"
	// StrategyServerWins always keeps the server payload.
	StrategyServerWins Strategy = "server-wins"
	// StrategyClientWins always keeps the local payload.
	StrategyClientWins Strategy = "client-wins"
	// StrategyFieldMerge shallow-merges JSON objects: server values override
	// the fields the server payload contains, local-only fields survive.
	StrategyFieldMerge Strategy = "field-merge"
)

// ParseStrategy normalizes a configured strategy name.
func ParseStrategy(value string) (Strategy, error) {
	switch Strategy(strings.ToLower(strings.TrimSpace(value))) {
	case StrategyLastWriteWins:
		return StrategyLastWriteWins, nil
	case StrategyServerWins:
		return StrategyServerWins, nil
	case StrategyClientWins:
		return StrategyClientWins, nil
	case StrategyFieldMerge:
		return StrategyFieldMerge, nil
	default:
		return "", fmt.Errorf("unknown conflict strategy %q", value)
	}
}

// Winner names the side whose data survived resolution.
type Winner string

const (
	WinnerLocal  Winner = "local"
	WinnerServer Winner = "server"
	WinnerMerged Winner = "merged"
)

// Version is one side of a conflict: a payload plus the instant it was
// last modified.
type Version struct {
	Payload    json.RawMessage
	ModifiedAt time.Time
}

// Resolution is the outcome of resolving one conflict.
type Resolution struct {
	Payload json.RawMessage
	Winner  Winner
	// MergedFields lists local-only keys carried into a field merge, sorted;
	// empty for whole-payload strategies.
	MergedFields []string
}

// Resolve settles a disagreement between a local and a server version using
// the given strategy. It is a pure function: no I/O, no clock reads, and the
// same inputs always produce the same resolution.
func Resolve(strategy Strategy, local, server Version) (Resolution, error) {
	switch strategy {
	case StrategyServerWins:
		return Resolution{Payload: clone(server.Payload), Winner: WinnerServer}, nil
	case StrategyClientWins:
		return Resolution{Payload: clone(local.Payload), Winner: WinnerLocal}, nil
	case StrategyLastWriteWins:
		return resolveLastWrite(local, server), nil
	case StrategyFieldMerge:
		return resolveFieldMerge(local, server)
	default:
		return Resolution{}, fmt.Errorf("unknown conflict strategy %q", strategy)
	}
}

// resolveLastWrite keeps the newer side's payload verbatim. Ties go to the
// server so that a device with a skewed clock cannot pin stale data forever.
func resolveLastWrite(local, server Version) Resolution {
	if local.ModifiedAt.After(server.ModifiedAt) {
		return Resolution{Payload: clone(local.Payload), Winner: WinnerLocal}
	}
	return Resolution{Payload: clone(server.Payload), Winner: WinnerServer}
}

// resolveFieldMerge merges two JSON objects key by key, one level deep. The
// server is always the base regardless of timestamps: it wins every field it
// actually sent, and only local-only keys (optimistic fields the server does
// not know about) are carried over. Timestamp comparison belongs to
// last-write-wins alone; letting a skewed device clock flip the base here
// would resurrect local values for fields the server deliberately updated.
func resolveFieldMerge(local, server Version) (Resolution, error) {
	localObj, err := decodeObject(local.Payload)
	if err != nil {
		return Resolution{}, fmt.Errorf("field merge: local payload: %w", err)
	}
	serverObj, err := decodeObject(server.Payload)
	if err != nil {
		return Resolution{}, fmt.Errorf("field merge: server payload: %w", err)
	}

	merged := make(map[string]json.RawMessage, len(serverObj)+len(localObj))
	for key, value := range serverObj {
		merged[key] = value
	}
	var carried []string
	for key, value := range localObj {
		if _, exists := merged[key]; exists {
			continue
		}
		merged[key] = value
		carried = append(carried, key)
	}
	sort.Strings(carried)

	payload, err := encodeObject(merged)
	if err != nil {
		return Resolution{}, fmt.Errorf("field merge: encode result: %w", err)
	}
	return Resolution{Payload: payload, Winner: WinnerMerged, MergedFields: carried}, nil
}

func decodeObject(payload json.RawMessage) (map[string]json.RawMessage, error) {
	if len(payload) == 0 {
		return nil, fmt.Errorf("empty payload")
	}
	var obj map[string]json.RawMessage
	dec := json.NewDecoder(strings.NewReader(string(payload)))
	if err := dec.Decode(&obj); err != nil {
		return nil, fmt.Errorf("payload is not a JSON object: %w", err)
	}
	if obj == nil {
		return nil, fmt.Errorf("payload is not a JSON object")
	}
	return obj, nil
}

// encodeObject writes keys in sorted order so equal inputs always produce
// byte-identical output.
func encodeObject(obj map[string]json.RawMessage) (json.RawMessage, error) {
	keys := make([]string, 0, len(obj))
	for key := range obj {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteByte('{')
	for i, key := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		name, err := json.Marshal(key)
		if err != nil {
			return nil, err
		}
		b.Write(name)
		b.WriteByte(':')
		b.Write(obj[key])
	}
	b.WriteByte('}')
	return json.RawMessage(b.String()), nil
}

func clone(payload json.RawMessage) json.RawMessage {
	if payload == nil {
		return nil
	}
	return append(json.RawMessage(nil), payload...)
}

package runtime

import (
	"encoding/json"

	"lpguard/internal/domain"
)

// encodeEvent serializes an event for dead-letter storage.
func encodeEvent(ev *domain.StrategyEvent) ([]byte, error) {
	return json.Marshal(ev)
}

// DecodeEvent deserializes a bus payload into a strategy event.
func DecodeEvent(payload []byte) (*domain.StrategyEvent, error) {
	var ev domain.StrategyEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return nil, err
	}
	return &ev, nil
}

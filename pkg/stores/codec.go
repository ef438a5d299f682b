package stores

import (
	"encoding/json"
	"fmt"

	"github.com/openfroyo/phasegate/pkg/engine"
)

// encodeState renders the state document. The output is indented so the file
// store stays readable and diffable.
func encodeState(state *engine.ProvisioningState) ([]byte, error) {
	if state == nil {
		return nil, fmt.Errorf("state is required")
	}
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to encode state: %w", err)
	}
	return append(data, '\n'), nil
}

// decodeState parses a state document. Phase statuses and outcomes are
// validated by their JSON decoders.
func decodeState(data []byte) (*engine.ProvisioningState, error) {
	state := &engine.ProvisioningState{}
	if err := json.Unmarshal(data, state); err != nil {
		return nil, fmt.Errorf("failed to decode state: %w", err)
	}
	if state.Phases == nil {
		state.Phases = map[string]*engine.PhaseState{}
	}
	return state, nil
}

package domain

// Protocol identifies the AMM protocol a position lives on.
type Protocol string

// Supported protocols.
const (
	ProtocolUniswapV3 Protocol = "UNISWAP_V3"
	ProtocolPancakeV3 Protocol = "PANCAKE_V3"
)

// Valid reports whether p is a known protocol.
func (p Protocol) Valid() bool {
	switch p {
	case ProtocolUniswapV3, ProtocolPancakeV3:
		return true
	default:
		return false
	}
}

// TriggerSide selects which direction a close order fires on.
type TriggerSide string

// Trigger sides.
const (
	// TriggerLower fires when the current tick falls to or below the
	// trigger tick.
	TriggerLower TriggerSide = "LOWER"
	// TriggerUpper fires when the current tick rises to or above the
	// trigger tick.
	TriggerUpper TriggerSide = "UPPER"
)

// Valid reports whether s is a known trigger side.
func (s TriggerSide) Valid() bool {
	return s == TriggerLower || s == TriggerUpper
}

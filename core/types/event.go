package types

// Event represents a typed domain event emitted during ledger state
// transitions. Attributes are flat string pairs so subscribers can consume
// them without knowing the originating module's types.
type Event struct {
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
}

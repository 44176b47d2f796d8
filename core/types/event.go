package types

// Event is a structured state-change notification emitted by the node.
type Event struct {
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
}

package domain

// Endpoint describes one remote-node endpoint. HTTPURL is required;
// WSURL is optional and only used for the streaming head subscription.
// Endpoints are immutable after construction; connectivity state is
// tracked by the provider manager, not here.
type Endpoint struct {
	Name    string
	HTTPURL string
	WSURL   string
	ChainID uint64
}

// ConnHealth is the liveness snapshot for a single connection.
type ConnHealth struct {
	Connected   bool   `json:"connected"`
	BlockHeight uint64 `json:"block_height"`
	Endpoint    string `json:"endpoint"`
	Error       string `json:"error,omitempty"`
}

// HealthReport covers both the request/response and the streaming
// connection. Stream is nil when no streaming endpoint is configured.
type HealthReport struct {
	RPC    ConnHealth  `json:"rpc"`
	Stream *ConnHealth `json:"stream,omitempty"`
}

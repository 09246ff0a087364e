package metrics

// Engine instruments, registered in DefaultRegistry.
var (
	DecisionsAllowed = DefaultRegistry.Counter("keymanager/decisions/allow")
	DecisionsDenied  = DefaultRegistry.Counter("keymanager/decisions/deny")
	ExecuteDuration  = DefaultRegistry.Histogram("keymanager/execute/duration_ms")

	RelayExecuted      = DefaultRegistry.Counter("keymanager/relay/executed")
	RelayNonceRejected = DefaultRegistry.Counter("keymanager/relay/nonce_rejected")

	BatchValueMismatch = DefaultRegistry.Counter("keymanager/batch/value_mismatch")
	ReentrancyRejected = DefaultRegistry.Counter("keymanager/reentrancy/rejected")

	// PendingVerifications counts tokens handed out by PreVerify that are not
	// yet settled.
	PendingVerifications = DefaultRegistry.Gauge("keymanager/verification/pending")

	RPCRequests = DefaultRegistry.Counter("rpc/requests")
	RPCErrors   = DefaultRegistry.Counter("rpc/errors")
	RPCLatency  = DefaultRegistry.Histogram("rpc/latency_ms")
)

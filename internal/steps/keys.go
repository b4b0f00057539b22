// Package steps adapts each backing store to the saga.Step contract.
package steps

// Context keys seeded by the builder.
const (
	KeyOrganizationID = "organization_id"
	KeyAgentData      = "agent_data"
	KeySessionData    = "session_data"
	KeyEmbeddings     = "embeddings"
	KeyRelationships  = "relationships"
)

// Context keys produced by steps.
const (
	KeyAgentID           = "agent_id"
	KeyAgentName         = "agent_name"
	KeyCacheKey          = "cache_key"
	KeyCacheTTL          = "cache_ttl"
	KeyVectorOperationID = "vector_operation_id"
	KeyVectorCount       = "vector_count"
	KeyGraphNodeID       = "graph_node_id"
)

// Step names, as reported in failures.
const (
	NameAgentRow     = "agent_row"
	NameSessionCache = "session_cache"
	NameVectorIndex  = "vector_index"
	NameGraphNode    = "graph_node"
)

// SessionTTLField is the optional session_data entry, in seconds, that
// requests a cache TTL.
const SessionTTLField = "ttl_seconds"

// AgentData is the caller-supplied description of the agent to create.
type AgentData struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Model       string         `json:"model,omitempty"`
	Config      map[string]any `json:"config,omitempty"`
}

package observability

const (
	AttrServiceName      = "service.name"
	AttrServiceVersion   = "service.version"
	AttrSessionID        = "session.id"
	AttrWorkspaceID      = "workspace.id"
	AttrToolName         = "tool.name"
	AttrLLMModel         = "llm.model"
	AttrLLMTokensInput   = "llm.tokens.input"
	AttrLLMTokensOutput  = "llm.tokens.output"
	AttrErrorType        = "error.type"
	AttrStatusCode       = "http.status_code"
	AttrHTTPMethod       = "http.method"
	AttrHTTPPath         = "http.path"
	AttrHTTPResponseSize = "http.response_size"

	SpanHTTPRequest   = "http.request"
	SpanAgentTurn     = "agent.turn"
	SpanLLMRequest    = "agent.llm_request"
	SpanToolExecution = "agent.tool_execution"
	SpanRetrieval     = "agent.retrieval"

	DefaultServiceName = "coda"
)

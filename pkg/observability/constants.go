package observability

// Span names and attribute keys shared by the tracer and the HTTP
// middleware.
const (
	SpanAgentRun      = "executioncore.agent.run"
	SpanLLMCall       = "executioncore.llm.call"
	SpanToolExecution = "executioncore.tool.call"
	SpanMemorySearch  = "executioncore.knowledge.search"
	SpanHTTPRequest   = "executioncore.http.request"

	AttrAgentName       = "agent.name"
	AttrAgentLLM        = "agent.llm"
	AttrToolName        = "tool.name"
	AttrLLMModel        = "llm.model"
	AttrLLMTokensInput  = "llm.tokens.input"
	AttrLLMTokensOutput = "llm.tokens.output"
	AttrErrorType       = "error.type"

	AttrHTTPMethod     = "http.method"
	AttrHTTPPath       = "http.route"
	AttrHTTPStatusCode = "http.status_code"

	DefaultServiceName  = "executioncore"
	DefaultSamplingRate = 1.0
	DefaultOTLPEndpoint = "localhost:4317"
	DefaultMetricsPath  = "/metrics"
)

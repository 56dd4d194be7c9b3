package observer

import "go.opentelemetry.io/otel/attribute"

// Attribute keys for dispatch observability spans and metrics.
var (
	AttrLLMModel      = attribute.Key("llm.model")
	AttrLLMCredential = attribute.Key("llm.credential")
	AttrLLMMethod     = attribute.Key("llm.method")

	AttrTokensInput  = attribute.Key("llm.tokens.input")
	AttrTokensOutput = attribute.Key("llm.tokens.output")
	AttrCostUSD      = attribute.Key("llm.cost_usd")

	AttrStreamChunks = attribute.Key("llm.stream_chunks")

	AttrEmbedDimensions = attribute.Key("llm.embed.dimensions")

	AttrLane = attribute.Key("lane")
)

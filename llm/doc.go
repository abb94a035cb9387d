// Package llm is the gateway the minutes orchestrator uses to reach
// language models. Providers are described by a ProviderConfig whose Kind
// selects a Dialect: the request and response mapping for that provider's
// HTTP API.
//
//	gw := llm.NewGateway(llm.WithLogger(log))
//	resp, err := gw.Invoke(ctx, cfg, prompt, llm.Request{SystemPrompt: section.SystemPrompt})
//
// Remote kinds (openai, anthropic, deepseek, google, groq, generic) need an
// API key; local kinds (ollama, lmstudio) need an endpoint. Keys missing
// from the caller's config are read from {KIND}_API_KEY by
// LoadProviderDefaults.
//
// Invoke retries retryable failures (5xx, 429, timeouts and connection
// errors) and never retries other 4xx answers. Every call yields an
// audit.LLMCall listing the provider, the effective model and every
// parameter that was sent.
package llm

package switchboard

import (
	"context"
	"net/http"
)

// CredentialID names one of the upstream API credentials.
type CredentialID string

const (
	// CredentialMain carries most chat traffic (5 of every 6 calls).
	CredentialMain CredentialID = "main"
	// CredentialBackup takes every 6th chat call, and memory traffic
	// when no memory credential is configured.
	CredentialBackup CredentialID = "backup"
	// CredentialMemory is the dedicated memory-lane credential. Optional.
	CredentialMemory CredentialID = "memory"
)

// Credential is one upstream API identity. HTTPClient is optional; when
// nil the LLMClient implementation uses its own default.
type Credential struct {
	ID         CredentialID
	APIKey     string
	HTTPClient *http.Client
}

// Credentials holds the configured upstream identities. Main and Backup
// are required; Memory is optional (zero APIKey means absent).
type Credentials struct {
	Main   Credential
	Backup Credential
	Memory Credential
}

// HasMemory reports whether a dedicated memory credential is configured.
func (c Credentials) HasMemory() bool { return c.Memory.APIKey != "" }

// LLMClient abstracts the upstream LLM API.
type LLMClient interface {
	// ChatCompletion sends a chat request and returns the complete response.
	ChatCompletion(ctx context.Context, cred Credential, model string, msgs []ChatMessage, params ChatParams) (ChatResponse, error)
	// ChatCompletionStream streams text deltas into ch, then returns the
	// final response with usage stats. Implementations do not close ch.
	ChatCompletionStream(ctx context.Context, cred Credential, model string, msgs []ChatMessage, params ChatParams, ch chan<- StreamEvent) (ChatResponse, error)
	// Embedding returns the embedding vector for text.
	Embedding(ctx context.Context, cred Credential, model string, text string) ([]float32, error)
}

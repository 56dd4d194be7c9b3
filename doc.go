// Package switchboard is a rate-limited request broker for multiplexing
// many conversations onto a small set of upstream LLM credentials.
//
// It provides FIFO admission queues with steady-rate release, credential
// distribution across lanes, a bounded worker pool for upstream HTTP calls,
// per-user bounded conversation history, and a background memory-extraction
// pipeline that summarizes conversations into a vector store.
//
// # Quick Start
//
// Wire the pieces explicitly; there are no singletons:
//
//	client := openai.New()
//	store := postgres.New(pool)
//
//	dispatcher := switchboard.NewDispatcher(client, creds)
//	registry := switchboard.NewHistoryRegistry(store)
//	trigger := switchboard.NewMemoryTrigger(dispatcher, store)
//	runner := switchboard.NewRunner(dispatcher, registry, store, trigger)
//
//	reply, err := runner.Run(ctx, userID, "hello")
//
// # Core Interfaces
//
// The root package defines the contracts that all components implement:
//
//   - [LLMClient] — upstream chat, streaming, and embedding calls
//   - [Store] — turn persistence, turn counting, and vector memory search
//
// # Components
//
//   - [Lane] — FIFO queue releasing one request per interval, with
//     capacity rejection and per-entry deadline expiry
//   - [Dispatcher] — lanes + credential selection + worker pool
//   - [HistoryRegistry] — per-user bounded history, lazily hydrated
//   - [Runner] — prompt assembly, dispatch, persistence
//   - [MemoryTrigger] — periodic background memory extraction
//
// # Included Implementations
//
// Clients: client/openai (OpenAI-compatible APIs).
// Storage: store/postgres (pgvector), store/sqlite (local).
//
// See the cmd/switchboard directory for a complete HTTP gateway.
package switchboard

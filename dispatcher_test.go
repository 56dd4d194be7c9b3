package switchboard

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"
)

func newTestDispatcher(client LLMClient, creds Credentials, opts ...DispatcherOption) *Dispatcher {
	base := []DispatcherOption{
		WithChatLane(fastLane()),
		WithMemoryLane(fastLane()),
		WithWorkers(8),
	}
	return NewDispatcher(client, creds, append(base, opts...)...)
}

func stopDispatcher(t *testing.T, d *Dispatcher) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.Stop(ctx); err != nil {
		t.Errorf("stop: unexpected error: %v", err)
	}
}

func TestDispatcherCredentialRotation(t *testing.T) {
	client := &stubClient{}
	d := newTestDispatcher(client, testCreds())
	defer stopDispatcher(t, d)

	for i := 0; i < 12; i++ {
		if _, err := d.RunChat(context.Background(), "", "hello", ""); err != nil {
			t.Fatalf("call %d: unexpected error: %v", i+1, err)
		}
	}

	want := []CredentialID{
		CredentialMain, CredentialMain, CredentialMain, CredentialMain, CredentialMain, CredentialBackup,
		CredentialMain, CredentialMain, CredentialMain, CredentialMain, CredentialMain, CredentialBackup,
	}
	got := client.chatCreds()
	if len(got) != len(want) {
		t.Fatalf("calls = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("call %d used %s, want %s", i+1, got[i], want[i])
		}
	}
	if model := client.lastChat().model; model != DefaultChatModel {
		t.Errorf("model = %q, want %q", model, DefaultChatModel)
	}
}

func TestDispatcherDistributionBalance(t *testing.T) {
	client := &stubClient{}
	d := newTestDispatcher(client, testCreds(),
		WithChatLane(LaneConfig{RPM: 30000, Capacity: 200, Timeout: 10 * time.Second}))
	defer stopDispatcher(t, d)

	const n = 120
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := d.RunChat(context.Background(), "", "hi", ""); err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	backups := 0
	for _, cred := range client.chatCreds() {
		if cred == CredentialBackup {
			backups++
		}
	}
	if want := n / chatRotation; backups < want-1 || backups > want+1 {
		t.Errorf("backup calls = %d, want %d +/- 1", backups, want)
	}
}

func TestDispatcherMemoryCredential(t *testing.T) {
	t.Run("dedicated", func(t *testing.T) {
		client := &stubClient{}
		d := newTestDispatcher(client, testCreds())
		defer stopDispatcher(t, d)

		if _, err := d.Embed(context.Background(), "note"); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if cred := client.lastEmbedCred(); cred != CredentialMemory {
			t.Errorf("embed used %s, want %s", cred, CredentialMemory)
		}
		if _, ok := d.Stats().Credentials[string(CredentialMemory)]; !ok {
			t.Error("no stats bucket for memory credential")
		}
	})

	t.Run("backup fallback", func(t *testing.T) {
		client := &stubClient{}
		creds := testCreds()
		creds.Memory = Credential{}
		d := newTestDispatcher(client, creds)
		defer stopDispatcher(t, d)

		if _, err := d.Embed(context.Background(), "note"); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if cred := client.lastEmbedCred(); cred != CredentialBackup {
			t.Errorf("embed used %s, want %s", cred, CredentialBackup)
		}
		bucket, ok := d.Stats().Credentials[statBackupFallback]
		if !ok || bucket.TotalCalls != 1 {
			t.Errorf("backup_fallback bucket = %+v, ok %v, want 1 call", bucket, ok)
		}
	})
}

func TestDispatcherEmbedZeroVectorFallback(t *testing.T) {
	client := &stubClient{embedErr: errors.New("upstream down")}
	d := newTestDispatcher(client, testCreds(), WithEmbedDimension(8))
	defer stopDispatcher(t, d)

	vec, err := d.Embed(context.Background(), "note")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(vec) != 8 {
		t.Fatalf("len(vec) = %d, want 8", len(vec))
	}
	for i, v := range vec {
		if v != 0 {
			t.Fatalf("vec[%d] = %v, want 0", i, v)
		}
	}
	if bucket := d.Stats().Credentials[string(CredentialMemory)]; bucket.Failures != 1 {
		t.Errorf("failures = %d, want 1", bucket.Failures)
	}
}

func TestDispatcherQueueErrorsPropagate(t *testing.T) {
	t.Run("full", func(t *testing.T) {
		client := &stubClient{}
		// 1 RPM keeps the engine asleep for the whole test.
		d := newTestDispatcher(client, testCreds(),
			WithMemoryLane(LaneConfig{RPM: 1, Capacity: 1, Timeout: time.Minute}))
		defer stopDispatcher(t, d)

		go d.Embed(context.Background(), "occupies the queue")
		waitFor(t, time.Second, func() bool {
			return d.Stats().MemoryLane.CurrentDepth == 1
		}, "queued embed")

		_, err := d.Embed(context.Background(), "overflow")
		var full *ErrQueueFull
		if !errors.As(err, &full) {
			t.Fatalf("got %v, want ErrQueueFull", err)
		}
		if HTTPStatus(err) != http.StatusTooManyRequests {
			t.Errorf("HTTPStatus = %d, want 429", HTTPStatus(err))
		}
	})

	t.Run("timeout", func(t *testing.T) {
		client := &stubClient{}
		d := newTestDispatcher(client, testCreds(),
			WithMemoryLane(LaneConfig{RPM: 1, Capacity: 5, Timeout: 100 * time.Millisecond}))
		defer stopDispatcher(t, d)

		_, err := d.Embed(context.Background(), "waits forever")
		var timeout *ErrQueueTimeout
		if !errors.As(err, &timeout) {
			t.Fatalf("got %v, want ErrQueueTimeout", err)
		}
		if HTTPStatus(err) != http.StatusRequestTimeout {
			t.Errorf("HTTPStatus = %d, want 408", HTTPStatus(err))
		}
	})
}

func TestDispatcherChatUpstreamError(t *testing.T) {
	cause := errors.New("boom")
	client := &stubClient{chatErr: cause}
	d := newTestDispatcher(client, testCreds())
	defer stopDispatcher(t, d)

	_, err := d.RunChat(context.Background(), "", "hi", "")
	var upstream *ErrUpstream
	if !errors.As(err, &upstream) {
		t.Fatalf("got %v, want ErrUpstream", err)
	}
	if !errors.Is(err, cause) {
		t.Error("cause not reachable through Unwrap")
	}
	if HTTPStatus(err) != http.StatusBadGateway {
		t.Errorf("HTTPStatus = %d, want 502", HTTPStatus(err))
	}
	if bucket := d.Stats().Credentials[string(CredentialMain)]; bucket.Failures != 1 || bucket.TotalCalls != 1 {
		t.Errorf("main bucket = %+v, want 1 failed call", bucket)
	}
}

func TestDispatcherExtractionPrompts(t *testing.T) {
	tests := []struct {
		kind string
		want string
	}{
		{KindRoundSummary, roundSummaryPrompt},
		{KindConversationChunk, conversationChunkPrompt},
		{"anything-else", genericSummaryPrompt},
	}
	for _, tt := range tests {
		t.Run(tt.kind, func(t *testing.T) {
			client := &stubClient{reply: "summary"}
			d := newTestDispatcher(client, testCreds())
			defer stopDispatcher(t, d)

			got, err := d.ExtractMemory(context.Background(), "user: hi\nassistant: hello\n", tt.kind)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != "summary" {
				t.Errorf("summary = %q, want %q", got, "summary")
			}

			call := client.lastChat()
			if call.model != DefaultExtractModel {
				t.Errorf("model = %q, want %q", call.model, DefaultExtractModel)
			}
			if len(call.msgs) != 2 {
				t.Fatalf("messages = %d, want 2", len(call.msgs))
			}
			if call.msgs[0].Role != "system" || call.msgs[0].Content != tt.want {
				t.Errorf("system prompt = %q, want %q", call.msgs[0].Content, tt.want)
			}
			wantUser := "Conversation:\nuser: hi\nassistant: hello\n\n\nSummary:"
			if call.msgs[1].Content != wantUser {
				t.Errorf("user message = %q, want %q", call.msgs[1].Content, wantUser)
			}
		})
	}
}

func TestDispatcherStream(t *testing.T) {
	client := &stubClient{chunks: []string{"Hel", "lo ", "there"}}
	d := newTestDispatcher(client, testCreds())
	defer stopDispatcher(t, d)

	ch := make(chan StreamEvent, 16)
	reply, err := d.RunChatStream(context.Background(), "sys", "hi", "", ch)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if reply != "Hello there" {
		t.Errorf("reply = %q, want %q", reply, "Hello there")
	}

	var got string
	for ev := range ch {
		if ev.Type != EventTextDelta {
			t.Errorf("event type = %q, want %q", ev.Type, EventTextDelta)
		}
		got += ev.Content
	}
	if got != "Hello there" {
		t.Errorf("streamed = %q, want %q", got, "Hello there")
	}
}

func TestDispatcherStreamClosesChannelOnError(t *testing.T) {
	client := &stubClient{chatErr: errors.New("boom")}
	d := newTestDispatcher(client, testCreds())
	defer stopDispatcher(t, d)

	ch := make(chan StreamEvent, 16)
	_, err := d.RunChatStream(context.Background(), "", "hi", "", ch)
	if err == nil {
		t.Fatal("expected error")
	}
	select {
	case _, ok := <-ch:
		if ok {
			t.Error("received event on failed stream")
		}
	case <-time.After(time.Second):
		t.Error("channel not closed after stream error")
	}
}

func TestDispatcherMissingCredentials(t *testing.T) {
	client := &stubClient{}
	d := NewDispatcher(client, Credentials{Backup: Credential{ID: CredentialBackup, APIKey: "b"}})

	_, err := d.RunChat(context.Background(), "", "hi", "")
	var cfgErr *ErrConfig
	if !errors.As(err, &cfgErr) {
		t.Fatalf("got %v, want ErrConfig", err)
	}
	if cfgErr.Field != "main_api_key" {
		t.Errorf("Field = %q, want main_api_key", cfgErr.Field)
	}
	if err := d.Start(context.Background()); !errors.As(err, &cfgErr) {
		t.Errorf("Start: got %v, want ErrConfig", err)
	}
}

func TestDispatcherLazyStartConcurrent(t *testing.T) {
	client := &stubClient{}
	d := newTestDispatcher(client, testCreds(),
		WithChatLane(LaneConfig{RPM: 30000, Capacity: 100, Timeout: 10 * time.Second}))
	defer stopDispatcher(t, d)

	const n = 20
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := d.RunChat(context.Background(), "", "hi", ""); err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	s := d.Stats()
	if s.ChatLane.Enqueued != n || s.ChatLane.Released != n {
		t.Errorf("chat lane = enqueued %d released %d, want %d/%d",
			s.ChatLane.Enqueued, s.ChatLane.Released, n, n)
	}
	if client.chatCount() != n {
		t.Errorf("client calls = %d, want %d", client.chatCount(), n)
	}
}

func TestDispatcherStop(t *testing.T) {
	client := &stubClient{}
	d := newTestDispatcher(client, testCreds(),
		WithChatLane(LaneConfig{RPM: 1, Capacity: 10, Timeout: time.Minute}))

	// Prime the dispatcher, then park a call in the sleeping chat lane.
	if _, err := d.Embed(context.Background(), "prime"); err != nil {
		t.Fatalf("prime: unexpected error: %v", err)
	}
	errCh := make(chan error, 1)
	go func() {
		_, err := d.RunChat(context.Background(), "", "queued", "")
		errCh <- err
	}()
	waitFor(t, time.Second, func() bool { return d.Stats().ChatLane.CurrentDepth == 1 }, "queued chat")

	stopDispatcher(t, d)

	var down *ErrShuttingDown
	select {
	case err := <-errCh:
		if !errors.As(err, &down) {
			t.Errorf("queued caller: got %v, want ErrShuttingDown", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("queued caller not resolved by Stop")
	}

	if _, err := d.RunChat(context.Background(), "", "late", ""); !errors.As(err, &down) {
		t.Errorf("post-stop call: got %v, want ErrShuttingDown", err)
	}
	if HTTPStatus(&ErrShuttingDown{Lane: LaneChat}) != http.StatusServiceUnavailable {
		t.Errorf("HTTPStatus = %d, want 503", HTTPStatus(&ErrShuttingDown{Lane: LaneChat}))
	}

	// Idempotent.
	if err := d.Stop(context.Background()); err != nil {
		t.Errorf("second stop: unexpected error: %v", err)
	}
}

func TestDispatcherStats(t *testing.T) {
	client := &stubClient{}
	d := newTestDispatcher(client, testCreds(), WithWorkers(4))
	defer stopDispatcher(t, d)

	for i := 0; i < 2; i++ {
		if _, err := d.RunChat(context.Background(), "", "hi", ""); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if _, err := d.Embed(context.Background(), "note"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	s := d.Stats()
	if got := s.Credentials[string(CredentialMain)].TotalCalls; got != 2 {
		t.Errorf("main calls = %d, want 2", got)
	}
	if got := s.Credentials[string(CredentialMemory)].Success; got != 1 {
		t.Errorf("memory successes = %d, want 1", got)
	}
	if s.ChatLane.Kind != LaneChat || s.MemoryLane.Kind != LaneMemory {
		t.Errorf("lane kinds = %s/%s", s.ChatLane.Kind, s.MemoryLane.Kind)
	}
	if s.Pool.Workers != 4 {
		t.Errorf("pool workers = %d, want 4", s.Pool.Workers)
	}
}

package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/vietddude/vaultwatch/internal/core/config"
	"github.com/vietddude/vaultwatch/internal/core/domain"
	"github.com/vietddude/vaultwatch/internal/core/logging"
	"github.com/vietddude/vaultwatch/internal/indexing/decoder/decodertest"
	redisclient "github.com/vietddude/vaultwatch/internal/infra/redis"
	"github.com/vietddude/vaultwatch/internal/infra/storage"
	"github.com/vietddude/vaultwatch/internal/infra/storage/memory"
)

const (
	testSource   = "vault-manager"
	vaultManager = "0x54F2712Fd31Fc81A47D014727C12F26ba24Feec2"
)

// fakeNode is a minimal JSON-RPC node with a fixed head and one log.
type fakeNode struct {
	head uint64
	logs []types.Log
}

func (n *fakeNode) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID     json.RawMessage   `json:"id"`
		Method string            `json:"method"`
		Params []json.RawMessage `json:"params"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	var result any
	switch req.Method {
	case "eth_blockNumber":
		result = hexutil.EncodeUint64(n.head)
	case "eth_getLogs":
		var q struct {
			FromBlock string `json:"fromBlock"`
			ToBlock   string `json:"toBlock"`
		}
		_ = json.Unmarshal(req.Params[0], &q)
		from, _ := hexutil.DecodeUint64(q.FromBlock)
		to, _ := hexutil.DecodeUint64(q.ToBlock)
		out := []types.Log{}
		for _, lg := range n.logs {
			if lg.BlockNumber >= from && lg.BlockNumber <= to {
				out = append(out, lg)
			}
		}
		result = out
	case "eth_getBlockByNumber":
		var num string
		_ = json.Unmarshal(req.Params[0], &num)
		b, _ := hexutil.DecodeUint64(num)
		result = map[string]string{
			"number":    num,
			"hash":      fmt.Sprintf("0x%064x", b),
			"timestamp": hexutil.EncodeUint64(1_700_000_000 + b*30),
		}
	default:
		result = nil
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"jsonrpc": "2.0", "id": req.ID, "result": result})
}

func newNode(t *testing.T, head uint64, logs ...types.Log) string {
	t.Helper()
	srv := httptest.NewServer(&fakeNode{head: head, logs: logs})
	t.Cleanup(srv.Close)
	return srv.URL
}

func testConfig(t *testing.T, rpcURL, redisURL string) *config.AppConfig {
	t.Helper()
	yaml := `
server:
  port: -1
chain:
  source_id: ` + testSource + `
  providers:
    - name: fake
      url: ` + rpcURL + `
  contracts:
    - address: "` + vaultManager + `"
      role: vault_manager
indexer:
  poll_interval: 10ms
  error_backoff: 10ms
  batch_size: 5
  start_block: 91
retry:
  max_attempts: 1
redis:
  url: "` + redisURL + `"
`
	cfg, err := config.Parse([]byte(yaml))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	return cfg
}

func runUntil(t *testing.T, w *Watcher, cond func() bool) error {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	deadline := time.After(5 * time.Second)
	for !cond() {
		select {
		case err := <-done:
			return err
		case <-deadline:
			t.Fatalf("condition not reached, status %+v", w.Pipeline().GetStatus())
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	select {
	case err := <-done:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
		return nil
	}
}

func TestWatcher_Lifecycle(t *testing.T) {
	owner := decodertest.Address("0xaa")
	lg := decodertest.Log{Contract: decodertest.Address(vaultManager), Block: 95, Index: 0}.Updated(owner, 500, 1000, 0, 0)
	cfg := testConfig(t, newNode(t, 100, lg), "")

	w, err := NewWatcher(context.Background(), cfg, logging.NewDiscard())
	if err != nil {
		t.Fatalf("NewWatcher failed: %v", err)
	}
	defer w.Close()

	err = runUntil(t, w, func() bool { return w.Pipeline().GetStatus().Checkpoint == 100 })
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	report := w.Health(context.Background())
	src, ok := report.Sources[testSource]
	if !ok {
		t.Fatalf("expected health for %s, got %+v", testSource, report)
	}
	if src.Checkpoint != 100 || src.BlockLag != 0 {
		t.Errorf("unexpected health %+v", src)
	}
	if st := w.Pipeline().GetStatus(); st.Running {
		t.Error("pipeline still running after Run returned")
	}
}

func TestWatcher_ProviderUnreachableAtStartup(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad gateway", http.StatusBadGateway)
	}))
	defer srv.Close()

	w, err := NewWatcher(context.Background(), testConfig(t, srv.URL, ""), logging.NewDiscard())
	if err != nil {
		t.Fatalf("NewWatcher failed: %v", err)
	}
	defer w.Close()

	err = w.Run(context.Background())
	if err == nil || !strings.Contains(err.Error(), "provider unreachable") {
		t.Fatalf("expected startup failure, got %v", err)
	}
}

func TestWatcher_RedisLease(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := testConfig(t, newNode(t, 100), "redis://"+mr.Addr())

	t.Run("held by another instance", func(t *testing.T) {
		mr.Set("vaultwatch:lease:"+testSource, "someone-else")
		defer mr.Del("vaultwatch:lease:" + testSource)

		w, err := NewWatcher(context.Background(), cfg, logging.NewDiscard())
		if err != nil {
			t.Fatalf("NewWatcher failed: %v", err)
		}
		defer w.Close()

		if err := w.Run(context.Background()); !errors.Is(err, ErrLeaseHeld) {
			t.Fatalf("expected ErrLeaseHeld, got %v", err)
		}
	})

	t.Run("acquired, used and released", func(t *testing.T) {
		w, err := NewWatcher(context.Background(), cfg, logging.NewDiscard())
		if err != nil {
			t.Fatalf("NewWatcher failed: %v", err)
		}
		defer w.Close()

		err = runUntil(t, w, func() bool { return w.Pipeline().GetStatus().Checkpoint == 100 })
		if err != nil {
			t.Fatalf("Run: %v", err)
		}

		if mr.Exists("vaultwatch:lease:" + testSource) {
			t.Error("lease should be released after Run")
		}
		// Events live in memory, so the checkpoint must not outlive them.
		if mr.Exists("vaultwatch:checkpoint:" + testSource) {
			t.Error("checkpoint should not be written to redis without a database")
		}
	})
}

func TestNewWatcher_UnknownEventName(t *testing.T) {
	cfg := testConfig(t, "http://127.0.0.1:1", "")
	cfg.Chain.Events.EntityUpdated = "TroveUpdated"

	if _, err := NewWatcher(context.Background(), cfg, logging.NewDiscard()); err == nil {
		t.Fatal("expected error for an event missing from the abi")
	}
}

func TestWatcher_StopReturnsRun(t *testing.T) {
	w, err := NewWatcher(context.Background(), testConfig(t, newNode(t, 100), ""), logging.NewDiscard())
	if err != nil {
		t.Fatalf("NewWatcher failed: %v", err)
	}
	defer w.Close()

	done := make(chan error, 1)
	go func() { done <- w.Run(context.Background()) }()

	deadline := time.After(5 * time.Second)
	for !w.Pipeline().GetStatus().Running {
		select {
		case <-deadline:
			t.Fatal("pipeline never started")
		case <-time.After(5 * time.Millisecond):
		}
	}

	if err := w.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Error("Run did not return after Stop")
	}
}

func TestWatcher_ReplayDeadLetter_NotFound(t *testing.T) {
	w, err := NewWatcher(context.Background(), testConfig(t, newNode(t, 100), ""), logging.NewDiscard())
	if err != nil {
		t.Fatalf("NewWatcher failed: %v", err)
	}
	defer w.Close()

	pending, err := w.DeadLetters(context.Background())
	if err != nil || len(pending) != 0 {
		t.Fatalf("expected empty queue, got %v, %v", pending, err)
	}
	if err := w.ReplayDeadLetter(context.Background(), "missing"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestOpenStores_MemoryEventsKeepCheckpointInMemory(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := testConfig(t, "http://127.0.0.1:1", "redis://"+mr.Addr())

	stores, err := OpenStores(context.Background(), cfg, logging.NewDiscard())
	if err != nil {
		t.Fatalf("OpenStores failed: %v", err)
	}
	defer stores.Close()

	if stores.Redis == nil {
		t.Fatal("expected redis client")
	}
	if _, ok := stores.Checkpoints.(*memory.CheckpointRepo); !ok {
		t.Errorf("expected in-memory checkpoint repo, got %T", stores.Checkpoints)
	}
	if _, ok := stores.FailedEvents.(*redisclient.FailedEventRepo); !ok {
		t.Errorf("expected redis dead-letter repo, got %T", stores.FailedEvents)
	}

	cp := &domain.Checkpoint{SourceID: testSource, LastProcessedBlock: 42, LastUpdated: time.Now()}
	if err := stores.Checkpoints.Save(context.Background(), cp); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if mr.Exists("vaultwatch:checkpoint:" + testSource) {
		t.Error("checkpoint leaked to redis")
	}
}

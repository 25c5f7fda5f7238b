package provider

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	clierr "github.com/ggonzalez94/swap-cli/internal/errors"
	"github.com/sirupsen/logrus"
)

const testAccount = "0x1111111111111111111111111111111111111111"

type rpcHandler func(params []json.RawMessage) (any, *rpcErrorBody)

type rpcErrorBody struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcServer struct {
	*httptest.Server
	mu       sync.Mutex
	handlers map[string]rpcHandler
	counts   map[string]int
}

func newRPCServer(t *testing.T, handlers map[string]rpcHandler) *rpcServer {
	t.Helper()
	s := &rpcServer{handlers: handlers, counts: map[string]int{}}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var req struct {
			ID     json.RawMessage   `json:"id"`
			Method string            `json:"method"`
			Params []json.RawMessage `json:"params"`
		}
		if err := json.Unmarshal(body, &req); err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		s.mu.Lock()
		s.counts[req.Method]++
		h, ok := s.handlers[req.Method]
		s.mu.Unlock()

		resp := map[string]any{"jsonrpc": "2.0", "id": req.ID}
		if !ok {
			resp["error"] = rpcErrorBody{Code: -32601, Message: "method not found"}
		} else if result, rpcErr := h(req.Params); rpcErr != nil {
			resp["error"] = rpcErr
		} else {
			resp["result"] = result
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(s.Close)
	return s
}

func (s *rpcServer) count(method string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counts[method]
}

func hostHandlers(chainHex string, caps any) map[string]rpcHandler {
	return map[string]rpcHandler{
		"eth_accounts": func([]json.RawMessage) (any, *rpcErrorBody) { return []string{testAccount}, nil },
		"eth_chainId":  func([]json.RawMessage) (any, *rpcErrorBody) { return chainHex, nil },
		"wallet_getCapabilities": func([]json.RawMessage) (any, *rpcErrorBody) {
			if caps == nil {
				return nil, &rpcErrorBody{Code: -32601, Message: "unsupported"}
			}
			return caps, nil
		},
	}
}

func TestDialRemoteProbesBatchCapability(t *testing.T) {
	cases := []struct {
		name string
		caps any
		mode BatchMode
		want bool
	}{
		{name: "atomic supported", caps: map[string]any{"0x2105": map[string]any{"atomic": map[string]string{"status": "supported"}}}, mode: BatchAuto, want: true},
		{name: "atomic ready", caps: map[string]any{"0x2105": map[string]any{"atomic": map[string]string{"status": "ready"}}}, mode: BatchAuto, want: true},
		{name: "legacy atomicBatch", caps: map[string]any{"0x2105": map[string]any{"atomicBatch": map[string]bool{"supported": true}}}, mode: BatchAuto, want: true},
		{name: "unsupported", caps: map[string]any{"0x2105": map[string]any{"atomic": map[string]string{"status": "unsupported"}}}, mode: BatchAuto, want: false},
		{name: "other chain only", caps: map[string]any{"0x1": map[string]any{"atomic": map[string]string{"status": "supported"}}}, mode: BatchAuto, want: false},
		{name: "method missing", caps: nil, mode: BatchAuto, want: false},
		{name: "forced off", caps: map[string]any{"0x2105": map[string]any{"atomic": map[string]string{"status": "supported"}}}, mode: BatchOff, want: false},
		{name: "forced on", caps: nil, mode: BatchOn, want: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := newRPCServer(t, hostHandlers("0x2105", tc.caps))
			p, err := DialRemote(context.Background(), "host", srv.URL, 8453, 2*time.Second, tc.mode)
			if err != nil {
				t.Fatalf("DialRemote failed: %v", err)
			}
			defer p.Close()
			if p.Address() != common.HexToAddress(testAccount) {
				t.Fatalf("unexpected account: %s", p.Address().Hex())
			}
			if got := SupportsBatch(p); got != tc.want {
				t.Fatalf("expected batch=%v, got %v", tc.want, got)
			}
		})
	}
}

func TestDialRemoteRejectsWrongChain(t *testing.T) {
	srv := newRPCServer(t, hostHandlers("0x1", nil))
	if _, err := DialRemote(context.Background(), "host", srv.URL, 8453, 2*time.Second, BatchAuto); err == nil {
		t.Fatal("expected chain mismatch error")
	}
}

func TestRequestRetriesTransportFailures(t *testing.T) {
	prevStep := RetryStep
	RetryStep = time.Millisecond
	t.Cleanup(func() { RetryStep = prevStep })

	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&hits, 1) < 3 {
			http.Error(w, "bad gateway", http.StatusBadGateway)
			return
		}
		var req struct {
			ID json.RawMessage `json:"id"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"jsonrpc": "2.0", "id": req.ID, "result": "0x2105"})
	}))
	defer srv.Close()

	p, err := DialWatch(context.Background(), srv.URL, common.HexToAddress(testAccount), 2*time.Second)
	if err != nil {
		t.Fatalf("DialWatch failed: %v", err)
	}
	defer p.Close()

	raw, err := p.Request(context.Background(), "eth_chainId")
	if err != nil {
		t.Fatalf("expected retry to succeed: %v", err)
	}
	if string(raw) != `"0x2105"` {
		t.Fatalf("unexpected result: %s", raw)
	}
	if got := atomic.LoadInt32(&hits); got != 3 {
		t.Fatalf("expected 3 attempts, got %d", got)
	}
}

func TestRequestDoesNotRetryRPCErrors(t *testing.T) {
	srv := newRPCServer(t, map[string]rpcHandler{
		"eth_call": func([]json.RawMessage) (any, *rpcErrorBody) {
			return nil, &rpcErrorBody{Code: 3, Message: "execution reverted"}
		},
	})
	p, err := DialWatch(context.Background(), srv.URL, common.HexToAddress(testAccount), 2*time.Second)
	if err != nil {
		t.Fatalf("DialWatch failed: %v", err)
	}
	defer p.Close()

	_, err = p.Request(context.Background(), "eth_call", map[string]string{"to": testAccount}, "latest")
	if err == nil || !IsRPCError(err) {
		t.Fatalf("expected rpc error, got %v", err)
	}
	if got := srv.count("eth_call"); got != 1 {
		t.Fatalf("expected single attempt, got %d", got)
	}
}

func TestWatchRefusesToSign(t *testing.T) {
	srv := newRPCServer(t, map[string]rpcHandler{})
	p, err := DialWatch(context.Background(), srv.URL, common.HexToAddress(testAccount), time.Second)
	if err != nil {
		t.Fatalf("DialWatch failed: %v", err)
	}
	defer p.Close()
	_, err = SendTransaction(context.Background(), p, TxRequest{To: testAccount})
	if !errors.Is(err, ErrCannotSign) {
		t.Fatalf("expected ErrCannotSign, got %v", err)
	}
}

func TestRemoteSendAndWaitCalls(t *testing.T) {
	prev := callsPollInterval
	callsPollInterval = time.Millisecond
	t.Cleanup(func() { callsPollInterval = prev })

	var polls int32
	handlers := hostHandlers("0x2105", map[string]any{"0x2105": map[string]any{"atomic": map[string]string{"status": "supported"}}})
	handlers["wallet_sendCalls"] = func(params []json.RawMessage) (any, *rpcErrorBody) {
		var req sendCallsRequest
		if err := json.Unmarshal(params[0], &req); err != nil || len(req.Calls) != 2 || !req.AtomicRequired || req.ChainID != "0x2105" {
			return nil, &rpcErrorBody{Code: -32602, Message: "bad params"}
		}
		return map[string]string{"id": "bundle-1"}, nil
	}
	handlers["wallet_getCallsStatus"] = func(params []json.RawMessage) (any, *rpcErrorBody) {
		if atomic.AddInt32(&polls, 1) == 1 {
			return map[string]any{"status": 100}, nil
		}
		return map[string]any{
			"status":   200,
			"receipts": []map[string]string{{"transactionHash": "0xabc", "status": "0x1"}},
		}, nil
	}
	srv := newRPCServer(t, handlers)

	p, err := DialRemote(context.Background(), "host", srv.URL, 8453, 2*time.Second, BatchAuto)
	if err != nil {
		t.Fatalf("DialRemote failed: %v", err)
	}
	defer p.Close()

	id, err := p.SendCalls(context.Background(), []Call{
		{To: "0x2222222222222222222222222222222222222222", Data: "0x095ea7b3", Value: "0x0"},
		{To: "0x3333333333333333333333333333333333333333", Data: "0x12aa3caf", Value: "0x0"},
	})
	if err != nil {
		t.Fatalf("SendCalls failed: %v", err)
	}
	if id != "bundle-1" {
		t.Fatalf("unexpected batch id: %s", id)
	}
	hash, err := p.WaitCalls(context.Background(), id)
	if err != nil {
		t.Fatalf("WaitCalls failed: %v", err)
	}
	if hash != "0xabc" {
		t.Fatalf("unexpected hash: %s", hash)
	}
}

func TestCallsStatusStates(t *testing.T) {
	cases := map[string]batchState{
		`100`:         batchPending,
		`200`:         batchConfirmed,
		`400`:         batchFailed,
		`600`:         batchFailed,
		`"PENDING"`:   batchPending,
		`"CONFIRMED"`: batchConfirmed,
		`"FAILED"`:    batchFailed,
	}
	for raw, want := range cases {
		if got := (callsStatus{Status: json.RawMessage(raw)}).state(); got != want {
			t.Fatalf("status %s: expected %v, got %v", raw, want, got)
		}
	}
}

type stubProvider struct{ name string }

func (s stubProvider) Request(context.Context, string, ...any) (json.RawMessage, error) {
	return nil, nil
}
func (s stubProvider) Address() common.Address { return common.HexToAddress(testAccount) }
func (s stubProvider) Source() string          { return s.name }

func TestResolverPicksFirstUsableAndCaches(t *testing.T) {
	var opened []string
	source := func(name string, p Provider, err error) Source {
		return Source{Name: name, Open: func(context.Context) (Provider, error) {
			opened = append(opened, name)
			return p, err
		}}
	}
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	r := NewResolver(logger,
		source("host", nil, nil),
		source("alternate_host", nil, errors.New("unreachable")),
		source("injected", stubProvider{name: "injected"}, nil),
		source("watch", stubProvider{name: "watch"}, nil),
	)

	p := r.Resolve(context.Background())
	if p == nil || p.Source() != "injected" {
		t.Fatalf("expected injected provider, got %#v", p)
	}
	_ = r.Resolve(context.Background())
	if len(opened) != 3 {
		t.Fatalf("expected sources to be tried once, got %v", opened)
	}
}

func TestResolverRequireWithoutSources(t *testing.T) {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	r := NewResolver(logger, Source{Name: "host", Open: func(context.Context) (Provider, error) { return nil, nil }})
	if p := r.Resolve(context.Background()); p != nil {
		t.Fatalf("expected nil provider, got %#v", p)
	}
	_, err := r.Require(context.Background())
	if !clierr.Is(err, clierr.CodeNetwork) {
		t.Fatalf("expected network error, got %v", err)
	}
}

func TestParseBatchMode(t *testing.T) {
	if mode, err := ParseBatchMode(""); err != nil || mode != BatchAuto {
		t.Fatalf("unexpected default mode: %v %v", mode, err)
	}
	if mode, err := ParseBatchMode("ON"); err != nil || mode != BatchOn {
		t.Fatalf("unexpected mode: %v %v", mode, err)
	}
	if _, err := ParseBatchMode("sometimes"); err == nil {
		t.Fatal("expected invalid mode error")
	}
}

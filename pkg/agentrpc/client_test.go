package agentrpc

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	bridgeerrors "github.com/agentbridge/agentbridge/internal/common/errors"
	"github.com/agentbridge/agentbridge/internal/common/logger"
)

// fakeAgent reads request frames from the client's stdin side and lets the
// test script responses onto the client's stdout side.
type fakeAgent struct {
	stdinR  *io.PipeReader // what the client wrote
	stdoutW *io.PipeWriter // what the client will read

	mu       sync.Mutex
	requests []Request
	gotReq   chan Request
	gotResp  chan Response
}

func newFakeAgent(t *testing.T) (*fakeAgent, *Client) {
	t.Helper()

	stdinR, stdinW := io.Pipe()
	stdoutR, stdoutW := io.Pipe()

	agent := &fakeAgent{
		stdinR:  stdinR,
		stdoutW: stdoutW,
		gotReq:  make(chan Request, 16),
		gotResp: make(chan Response, 16),
	}
	go agent.readRequests()

	client := NewClient(stdinW, stdoutR, logger.Default())
	client.Start(context.Background())
	t.Cleanup(func() {
		client.Stop()
		stdinW.Close()
		stdoutW.Close()
	})
	return agent, client
}

func (a *fakeAgent) readRequests() {
	scanner := bufio.NewScanner(a.stdinR)
	for scanner.Scan() {
		line := scanner.Bytes()

		var probe struct {
			Method string `json:"method"`
		}
		if err := json.Unmarshal(line, &probe); err != nil {
			continue
		}

		if probe.Method == "" {
			// A frame without a method is the client answering one of our
			// inbound requests.
			var resp Response
			if err := json.Unmarshal(line, &resp); err == nil {
				a.gotResp <- resp
			}
			continue
		}

		var req Request
		if err := json.Unmarshal(line, &req); err != nil {
			continue
		}
		a.mu.Lock()
		a.requests = append(a.requests, req)
		a.mu.Unlock()
		a.gotReq <- req
	}
}

func (a *fakeAgent) respond(id int64, result interface{}) {
	data, _ := json.Marshal(result)
	frame, _ := json.Marshal(&Response{ID: id, Result: data})
	a.stdoutW.Write(append(frame, '\n'))
}

func (a *fakeAgent) writeRaw(line string) {
	a.stdoutW.Write([]byte(line + "\n"))
}

func TestCallResolvesOnMatchingResponse(t *testing.T) {
	agent, client := newFakeAgent(t)

	go func() {
		req := <-agent.gotReq
		agent.respond(req.ID, map[string]string{"status": "ok"})
	}()

	resp, err := client.CallTimeout(context.Background(), "initialize", map[string]int{"protocolVersion": 1}, 2*time.Second)
	if err != nil {
		t.Fatalf("Call failed: %v", err)
	}
	var result map[string]string
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		t.Fatalf("failed to parse result: %v", err)
	}
	if result["status"] != "ok" {
		t.Errorf("expected status ok, got %q", result["status"])
	}
}

func TestCallTimesOutAndClearsPending(t *testing.T) {
	_, client := newFakeAgent(t)

	_, err := client.CallTimeout(context.Background(), "session/new", nil, 50*time.Millisecond)
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if !bridgeerrors.IsTimeout(err) {
		t.Fatalf("expected timeout error, got %v", err)
	}
	if n := client.PendingCount(); n != 0 {
		t.Errorf("expected 0 pending requests after timeout, got %d", n)
	}
}

func TestLateResponseDiscarded(t *testing.T) {
	agent, client := newFakeAgent(t)

	_, err := client.CallTimeout(context.Background(), "slow", nil, 50*time.Millisecond)
	if !bridgeerrors.IsTimeout(err) {
		t.Fatalf("expected timeout, got %v", err)
	}

	// Response arrives after the deadline; it must be dropped silently.
	req := <-agent.gotReq
	agent.respond(req.ID, "late")

	// Follow-up request still works and gets its own response.
	go func() {
		next := <-agent.gotReq
		agent.respond(next.ID, "fresh")
	}()
	resp, err := client.CallTimeout(context.Background(), "fast", nil, 2*time.Second)
	if err != nil {
		t.Fatalf("follow-up call failed: %v", err)
	}
	var got string
	json.Unmarshal(resp.Result, &got)
	if got != "fresh" {
		t.Errorf("expected fresh result, got %q", got)
	}
}

func TestConcurrentCallsOutOfOrderResponses(t *testing.T) {
	agent, client := newFakeAgent(t)

	const callers = 8

	// Collect all requests first, then answer them in reverse order.
	go func() {
		reqs := make([]Request, 0, callers)
		for i := 0; i < callers; i++ {
			reqs = append(reqs, <-agent.gotReq)
		}
		for i := len(reqs) - 1; i >= 0; i-- {
			agent.respond(reqs[i].ID, fmt.Sprintf("result-%s", reqs[i].Method))
		}
	}()

	var wg sync.WaitGroup
	errs := make(chan error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			method := fmt.Sprintf("m%d", i)
			resp, err := client.CallTimeout(context.Background(), method, nil, 5*time.Second)
			if err != nil {
				errs <- err
				return
			}
			var got string
			json.Unmarshal(resp.Result, &got)
			if got != "result-"+method {
				errs <- fmt.Errorf("wrong result for %s: %q", method, got)
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}

func TestMalformedFrameDoesNotKillReader(t *testing.T) {
	agent, client := newFakeAgent(t)

	agent.writeRaw("this is not json")
	agent.writeRaw(`{"partial":`)

	go func() {
		req := <-agent.gotReq
		agent.respond(req.ID, "survived")
	}()

	resp, err := client.CallTimeout(context.Background(), "ping", nil, 2*time.Second)
	if err != nil {
		t.Fatalf("call after malformed frames failed: %v", err)
	}
	var got string
	json.Unmarshal(resp.Result, &got)
	if got != "survived" {
		t.Errorf("expected survived, got %q", got)
	}
}

func TestNotificationRouting(t *testing.T) {
	agent, client := newFakeAgent(t)

	got := make(chan string, 1)
	client.SetNotificationHandler(func(method string, params json.RawMessage) {
		got <- method
	})

	agent.writeRaw(`{"method":"session/update","params":{"sessionUpdate":"plan"}}`)

	select {
	case method := <-got:
		if method != "session/update" {
			t.Errorf("expected session/update, got %q", method)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("notification never delivered")
	}
}

func TestInboundRequestRoutedAndAnswered(t *testing.T) {
	agent, client := newFakeAgent(t)

	client.SetRequestHandler(func(id interface{}, method string, params json.RawMessage) {
		if method != "session/request_permission" {
			return
		}
		client.SendResponse(id, map[string]string{"decision": "accept"}, nil)
	})

	agent.writeRaw(`{"id":42,"method":"session/request_permission","params":{}}`)

	select {
	case resp := <-agent.gotResp:
		id, ok := normalizeID(resp.ID)
		if !ok || id != 42 {
			t.Errorf("response carries wrong id: %v", resp.ID)
		}
		var result map[string]string
		if err := json.Unmarshal(resp.Result, &result); err != nil {
			t.Fatalf("failed to parse response result: %v", err)
		}
		if result["decision"] != "accept" {
			t.Errorf("expected decision accept, got %q", result["decision"])
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no response frame received for inbound request")
	}
}

func TestStopRejectsOutstandingCalls(t *testing.T) {
	_, client := newFakeAgent(t)

	done := make(chan error, 1)
	go func() {
		_, err := client.Call(context.Background(), "never-answered", nil)
		done <- err
	}()

	// Give the call a moment to register as pending
	time.Sleep(50 * time.Millisecond)
	client.Stop()

	select {
	case err := <-done:
		if !errors.Is(err, ErrClientClosed) {
			t.Errorf("expected ErrClientClosed, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("outstanding call not rejected on Stop")
	}
}

func TestRequestIDsStrictlyIncreasing(t *testing.T) {
	agent, client := newFakeAgent(t)

	go func() {
		for i := 0; i < 3; i++ {
			req := <-agent.gotReq
			agent.respond(req.ID, "ok")
		}
	}()

	var last int64
	for i := 0; i < 3; i++ {
		if _, err := client.CallTimeout(context.Background(), "seq", nil, 2*time.Second); err != nil {
			t.Fatalf("call %d failed: %v", i, err)
		}
	}
	agent.mu.Lock()
	defer agent.mu.Unlock()
	for _, req := range agent.requests {
		if req.ID <= last {
			t.Errorf("request id %d not strictly increasing after %d", req.ID, last)
		}
		last = req.ID
	}
}

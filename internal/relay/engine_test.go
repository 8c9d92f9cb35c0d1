package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"llm_proxy/internal/config"
	"llm_proxy/internal/models"
)

type fakeLedger struct {
	mu sync.Mutex

	finalizedStatus  models.RequestStatus
	finalizedPayload models.JSONB
	finalizedError   *string
	finalizeCalls    int

	responseID string
	usage      Usage
	usageSet   bool
}

func (f *fakeLedger) Finalize(_ context.Context, _ string, status models.RequestStatus, payload models.JSONB, errorMessage *string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.finalizedStatus = status
	f.finalizedPayload = payload
	f.finalizedError = errorMessage
	f.finalizeCalls++
	return nil
}

func (f *fakeLedger) SetResponseID(_ context.Context, _ string, responseID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responseID = responseID
	return nil
}

func (f *fakeLedger) LogUsage(_ context.Context, _ RequestMeta, usage Usage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.usage = usage
	f.usageSet = true
	return nil
}

func newTestEngine(t *testing.T, upstream http.HandlerFunc) (*Engine, *fakeLedger) {
	t.Helper()

	server := httptest.NewServer(upstream)
	t.Cleanup(server.Close)

	client := NewClient(config.UpstreamConfig{
		BaseURL:        server.URL,
		RequestTimeout: 5 * time.Second,
		StreamTimeout:  5 * time.Second,
	})

	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)

	ledger := &fakeLedger{}
	return NewEngine(client, ledger, log), ledger
}

func testMeta() RequestMeta {
	return RequestMeta{RequestID: "req_test", Model: "gpt-4o"}
}

func TestExecuteBufferedSuccess(t *testing.T) {
	engine, ledger := newTestEngine(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/responses", r.URL.Path)
		require.Equal(t, "Bearer sk-real", r.Header.Get("Authorization"))

		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, false, body["stream"])

		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id":"resp_1","status":"completed","usage":{"input_tokens":10,"output_tokens":20,"total_tokens":30}}`)
	})

	resp, err := engine.ExecuteBuffered(context.Background(), "sk-real",
		models.JSONB{"model": "gpt-4o", "input": "hi"}, testMeta())
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	assert.Equal(t, models.RequestCompleted, ledger.finalizedStatus)
	assert.Equal(t, 1, ledger.finalizeCalls)
	assert.Nil(t, ledger.finalizedError)
	assert.Equal(t, "resp_1", ledger.responseID)
	require.True(t, ledger.usageSet)
	assert.Equal(t, 30, ledger.usage.TotalTokens)
}

func TestExecuteBufferedDoesNotMutateCallerPayload(t *testing.T) {
	engine, _ := newTestEngine(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"id":"resp_1"}`)
	})

	payload := models.JSONB{"model": "gpt-4o"}
	_, err := engine.ExecuteBuffered(context.Background(), "sk-real", payload, testMeta())
	require.NoError(t, err)

	_, hasStream := payload["stream"]
	assert.False(t, hasStream)
}

func TestExecuteBufferedUpstreamError(t *testing.T) {
	engine, ledger := newTestEngine(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"error":{"type":"rate_limit_error","message":"slow down"}}`)
	})

	resp, err := engine.ExecuteBuffered(context.Background(), "sk-real",
		models.JSONB{"model": "gpt-4o"}, testMeta())
	require.NoError(t, err)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)

	assert.Equal(t, models.RequestFailed, ledger.finalizedStatus)
	require.NotNil(t, ledger.finalizedError)
	assert.Equal(t, "slow down", *ledger.finalizedError)
	assert.False(t, ledger.usageSet)
}

func TestExecuteBufferedErrorBodyWithOKStatus(t *testing.T) {
	engine, ledger := newTestEngine(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"id":"resp_e","error":{"type":"invalid_request_error","message":"bad input"}}`)
	})

	resp, err := engine.ExecuteBuffered(context.Background(), "sk-real",
		models.JSONB{"model": "gpt-4o"}, testMeta())
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	assert.Equal(t, models.RequestFailed, ledger.finalizedStatus)
	require.NotNil(t, ledger.finalizedError)
	assert.Equal(t, "bad input", *ledger.finalizedError)
}

func TestExecuteBufferedNullErrorKeyIsSuccess(t *testing.T) {
	engine, ledger := newTestEngine(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"id":"resp_n","error":null,"usage":{"input_tokens":1,"output_tokens":1,"total_tokens":2}}`)
	})

	_, err := engine.ExecuteBuffered(context.Background(), "sk-real",
		models.JSONB{"model": "gpt-4o"}, testMeta())
	require.NoError(t, err)
	assert.Equal(t, models.RequestCompleted, ledger.finalizedStatus)
}

func TestExecuteBufferedTransportFailure(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	server.Close()

	client := NewClient(config.UpstreamConfig{
		BaseURL:        server.URL,
		RequestTimeout: time.Second,
		StreamTimeout:  time.Second,
	})
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	ledger := &fakeLedger{}
	engine := NewEngine(client, ledger, log)

	_, err := engine.ExecuteBuffered(context.Background(), "sk-real",
		models.JSONB{"model": "gpt-4o"}, testMeta())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTransport)
	assert.Equal(t, models.RequestFailed, ledger.finalizedStatus)
}

func TestExecuteStreamSuccess(t *testing.T) {
	engine, ledger := newTestEngine(t, func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, true, body["stream"])

		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)

		fmt.Fprint(w, `data: {"type":"response.created","response":{"id":"resp_s1"}}`+"\n\n")
		flusher.Flush()
		fmt.Fprint(w, `data: {"type":"response.output_text.delta","delta":"hi"}`+"\n\n")
		flusher.Flush()
		fmt.Fprint(w, `data: {"type":"response.completed","response":{"id":"resp_s1","usage":{"input_tokens":7,"output_tokens":3,"total_tokens":10}}}`+"\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
		flusher.Flush()
	})

	rec := httptest.NewRecorder()
	err := engine.ExecuteStream(context.Background(), rec, "sk-real",
		models.JSONB{"model": "gpt-4o", "input": "hi"}, testMeta())
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Body.String(), `"delta":"hi"`)
	assert.Contains(t, rec.Body.String(), "[DONE]")

	assert.Equal(t, models.RequestCompleted, ledger.finalizedStatus)
	assert.Equal(t, "resp_s1", ledger.responseID)
	require.True(t, ledger.usageSet)
	assert.Equal(t, 10, ledger.usage.TotalTokens)
}

func TestExecuteStreamUpstreamHTTPError(t *testing.T) {
	engine, ledger := newTestEngine(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"error":{"type":"invalid_request_error","message":"bad key"}}`)
	})

	rec := httptest.NewRecorder()
	err := engine.ExecuteStream(context.Background(), rec, "sk-real",
		models.JSONB{"model": "gpt-4o"}, testMeta())
	require.NoError(t, err)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), "bad key")
	assert.Equal(t, models.RequestFailed, ledger.finalizedStatus)
	require.NotNil(t, ledger.finalizedError)
	assert.Equal(t, "bad key", *ledger.finalizedError)
}

func TestExecuteStreamMidStreamFailure(t *testing.T) {
	engine, ledger := newTestEngine(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)

		fmt.Fprint(w, `data: {"type":"response.created","response":{"id":"resp_cut"}}`+"\n\n")
		flusher.Flush()

		// Drop the connection mid-stream.
		hj, ok := w.(http.Hijacker)
		require.True(t, ok)
		conn, _, err := hj.Hijack()
		require.NoError(t, err)
		conn.Close()
	})

	rec := httptest.NewRecorder()
	err := engine.ExecuteStream(context.Background(), rec, "sk-real",
		models.JSONB{"model": "gpt-4o"}, testMeta())
	require.NoError(t, err)

	assert.Contains(t, rec.Body.String(), "streaming_error")
	assert.Equal(t, models.RequestFailed, ledger.finalizedStatus)
	assert.Equal(t, "resp_cut", ledger.responseID)
}

func TestExecuteStreamErrorEvent(t *testing.T) {
	engine, ledger := newTestEngine(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, `data: {"type":"error","error":{"type":"server_error","message":"model overloaded"}}`+"\n\n")
	})

	rec := httptest.NewRecorder()
	err := engine.ExecuteStream(context.Background(), rec, "sk-real",
		models.JSONB{"model": "gpt-4o"}, testMeta())
	require.NoError(t, err)

	assert.Equal(t, models.RequestFailed, ledger.finalizedStatus)
	require.NotNil(t, ledger.finalizedError)
	assert.Equal(t, "model overloaded", *ledger.finalizedError)
}

func TestGetAndCancelResponse(t *testing.T) {
	var cancelCalled bool
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/responses/resp_9":
			fmt.Fprint(w, `{"id":"resp_9","status":"completed"}`)
		case r.Method == http.MethodPost && r.URL.Path == "/responses/resp_9/cancel":
			cancelCalled = true
			fmt.Fprint(w, `{"id":"resp_9","status":"cancelled"}`)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(server.Close)

	client := NewClient(config.UpstreamConfig{
		BaseURL:        server.URL,
		RequestTimeout: time.Second,
		StreamTimeout:  time.Second,
	})

	resp, err := client.GetResponse(context.Background(), "sk-real", "resp_9")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(resp.Body), "resp_9")

	cancelResp, err := client.CancelResponse(context.Background(), "sk-real", "resp_9")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, cancelResp.StatusCode)
	assert.True(t, cancelCalled)
}

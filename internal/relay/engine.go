package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"llm_proxy/internal/models"
)

// RequestMeta identifies a tracked request for bookkeeping calls.
// RowID is the request's database primary key; RequestID is the
// caller-facing req_ identifier.
type RequestMeta struct {
	RowID          uuid.UUID
	RequestID      string
	OrganizationID uuid.UUID
	CredentialID   uuid.UUID
	UserID         uuid.UUID
	SessionID      uuid.UUID
	Model          string
}

// Ledger receives request lifecycle updates from the engine. The
// tracking package provides the real implementation.
type Ledger interface {
	Finalize(ctx context.Context, requestID string, status models.RequestStatus, payload models.JSONB, errorMessage *string) error
	SetResponseID(ctx context.Context, requestID, responseID string) error
	LogUsage(ctx context.Context, meta RequestMeta, usage Usage) error
}

// Engine relays calls upstream and keeps the ledger in sync with what
// actually happened on the wire. Bookkeeping failures are logged, never
// surfaced to the caller; the relay is the product, the books follow.
type Engine struct {
	client *Client
	ledger Ledger
	log    *logrus.Logger
}

func NewEngine(client *Client, ledger Ledger, log *logrus.Logger) *Engine {
	return &Engine{client: client, ledger: ledger, log: log}
}

// ExecuteBuffered runs a non-streaming call and returns the upstream
// reply for byte-for-byte relay. Upstream HTTP errors are returned as a
// BufferedResponse with their original status; only transport failures
// return an error.
func (e *Engine) ExecuteBuffered(ctx context.Context, apiKey string, payload models.JSONB, meta RequestMeta) (*BufferedResponse, error) {
	resp, err := e.client.CreateResponse(ctx, apiKey, payload)
	if err != nil {
		msg := err.Error()
		e.finalize(ctx, meta, models.RequestFailed, nil, &msg)
		return nil, err
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := extractErrorMessage(resp.Body)
		if msg == "" {
			msg = fmt.Sprintf("upstream returned status %d", resp.StatusCode)
		}
		e.finalize(ctx, meta, models.RequestFailed, bodyAsPayload(resp.Body), &msg)
		return resp, nil
	}

	responseID, usage, found := ExtractBuffered(resp.Body)
	if responseID != "" {
		e.setResponseID(ctx, meta, responseID)
	}
	if found {
		e.logUsage(ctx, meta, usage)
	}

	// Some upstream failures arrive as 200 bodies carrying a non-null
	// error object.
	if errObj, errored := UpstreamError(resp.Body); errored {
		msg := extractErrorMessageFromPayload(errObj)
		e.finalize(ctx, meta, models.RequestFailed, bodyAsPayload(resp.Body), &msg)
		return resp, nil
	}

	e.finalize(ctx, meta, models.RequestCompleted, bodyAsPayload(resp.Body), nil)
	return resp, nil
}

// ExecuteStream runs a streaming call, relaying SSE bytes to w as they
// arrive. A non-nil error means nothing was written and the caller
// still owns the response. Mid-stream failures are terminated in-band
// with a synthesized error event.
func (e *Engine) ExecuteStream(ctx context.Context, w http.ResponseWriter, apiKey string, payload models.JSONB, meta RequestMeta) error {
	resp, err := e.client.StreamResponse(ctx, apiKey, payload)
	if err != nil {
		msg := err.Error()
		e.finalize(ctx, meta, models.RequestFailed, nil, &msg)
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, readErr := io.ReadAll(resp.Body)
		if readErr != nil {
			msg := readErr.Error()
			e.finalize(ctx, meta, models.RequestFailed, nil, &msg)
			return readErr
		}

		msg := extractErrorMessage(body)
		if msg == "" {
			msg = fmt.Sprintf("upstream returned status %d", resp.StatusCode)
		}
		e.finalize(ctx, meta, models.RequestFailed, bodyAsPayload(body), &msg)

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(resp.StatusCode)
		w.Write(body)
		return nil
	}

	flusher, _ := w.(http.Flusher)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	if flusher != nil {
		flusher.Flush()
	}

	observer := NewStreamObserver()
	buf := make([]byte, observerBufferSize)

	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			observer.Feed(buf[:n])
			if _, writeErr := w.Write(buf[:n]); writeErr != nil {
				e.settleStream(ctx, meta, observer, models.RequestCancelled, "client disconnected")
				return nil
			}
			if flusher != nil {
				flusher.Flush()
			}
		}

		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				break
			}
			if ctx.Err() != nil {
				e.settleStream(ctx, meta, observer, models.RequestCancelled, "client disconnected")
				return nil
			}

			e.writeErrorEvent(w, flusher, readErr)
			e.settleStream(ctx, meta, observer, models.RequestFailed, readErr.Error())
			return nil
		}
	}

	observer.Finish()

	if observer.Failed() {
		msg := extractErrorMessageFromPayload(observer.ErrorPayload())
		e.recordObserved(ctx, meta, observer)
		e.finalize(ctx, meta, models.RequestFailed, models.JSONB{"error": observer.ErrorPayload()}, &msg)
		return nil
	}

	e.recordObserved(ctx, meta, observer)
	e.finalize(ctx, meta, models.RequestCompleted, observer.ResponsePayload(), nil)
	return nil
}

// writeErrorEvent terminates a broken stream in-band so SSE consumers
// see a structured failure instead of a silently truncated stream.
func (e *Engine) writeErrorEvent(w http.ResponseWriter, flusher http.Flusher, cause error) {
	frame := map[string]any{
		"error": map[string]any{
			"type":    "streaming_error",
			"message": cause.Error(),
		},
	}
	raw, err := json.Marshal(frame)
	if err != nil {
		return
	}

	fmt.Fprintf(w, "data: %s\n\n", raw)
	if flusher != nil {
		flusher.Flush()
	}
}

func (e *Engine) settleStream(ctx context.Context, meta RequestMeta, observer *StreamObserver, status models.RequestStatus, msg string) {
	observer.Finish()
	e.recordObserved(ctx, meta, observer)
	e.finalize(ctx, meta, status, observer.ResponsePayload(), &msg)
}

// recordObserved writes whatever identity and usage the observer saw.
// Partial streams can still have announced a response ID.
func (e *Engine) recordObserved(ctx context.Context, meta RequestMeta, observer *StreamObserver) {
	if id := observer.ResponseID(); id != "" {
		e.setResponseID(ctx, meta, id)
	}
	if usage, found := observer.Usage(); found {
		e.logUsage(ctx, meta, usage)
	}
}

// Bookkeeping runs on a detached context so a cancelled client request
// cannot also cancel the writes recording that cancellation.

func (e *Engine) finalize(ctx context.Context, meta RequestMeta, status models.RequestStatus, payload models.JSONB, errorMessage *string) {
	if err := e.ledger.Finalize(context.WithoutCancel(ctx), meta.RequestID, status, payload, errorMessage); err != nil {
		e.log.WithError(err).WithField("request_id", meta.RequestID).Error("failed to finalize request")
	}
}

func (e *Engine) setResponseID(ctx context.Context, meta RequestMeta, responseID string) {
	if err := e.ledger.SetResponseID(context.WithoutCancel(ctx), meta.RequestID, responseID); err != nil {
		e.log.WithError(err).WithField("request_id", meta.RequestID).Error("failed to record response ID")
	}
}

func (e *Engine) logUsage(ctx context.Context, meta RequestMeta, usage Usage) {
	if err := e.ledger.LogUsage(context.WithoutCancel(ctx), meta, usage); err != nil {
		e.log.WithError(err).WithField("request_id", meta.RequestID).Error("failed to log usage")
	}
}

func bodyAsPayload(body []byte) models.JSONB {
	var payload models.JSONB
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil
	}
	return payload
}

func extractErrorMessage(body []byte) string {
	var parsed struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return ""
	}
	return parsed.Error.Message
}

func extractErrorMessageFromPayload(payload models.JSONB) string {
	if msg, ok := payload["message"].(string); ok && msg != "" {
		return msg
	}
	return "upstream stream reported an error"
}

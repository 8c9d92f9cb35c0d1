package relay

import (
	"bytes"
	"encoding/json"

	"llm_proxy/internal/models"
)

// Usage is the token accounting extracted from an upstream response.
type Usage struct {
	InputTokens     int
	OutputTokens    int
	TotalTokens     int
	CachedTokens    int
	ReasoningTokens int
}

// Found reports whether any usage was actually seen.
func (u Usage) Found() bool {
	return u.InputTokens > 0 || u.OutputTokens > 0 || u.TotalTokens > 0
}

type sseUsage struct {
	InputTokens        int `json:"input_tokens"`
	OutputTokens       int `json:"output_tokens"`
	TotalTokens        int `json:"total_tokens"`
	InputTokensDetails struct {
		CachedTokens int `json:"cached_tokens"`
	} `json:"input_tokens_details"`
	OutputTokensDetails struct {
		ReasoningTokens int `json:"reasoning_tokens"`
	} `json:"output_tokens_details"`
}

func (u sseUsage) toUsage() Usage {
	return Usage{
		InputTokens:     u.InputTokens,
		OutputTokens:    u.OutputTokens,
		TotalTokens:     u.TotalTokens,
		CachedTokens:    u.InputTokensDetails.CachedTokens,
		ReasoningTokens: u.OutputTokensDetails.ReasoningTokens,
	}
}

const observerBufferSize = 32 * 1024

// StreamObserver incrementally parses SSE events off a response stream
// while the bytes are relayed untouched to the caller. It only reads
// structured "data: {json}" events, so token-like text in model output
// can never feed the books.
type StreamObserver struct {
	buffer []byte

	usage      Usage
	usageFound bool

	responseID      string
	responsePayload models.JSONB
	errorPayload    models.JSONB
}

func NewStreamObserver() *StreamObserver {
	return &StreamObserver{
		buffer: make([]byte, 0, observerBufferSize),
	}
}

// Feed appends relayed bytes and parses any events that are now
// complete.
func (o *StreamObserver) Feed(chunk []byte) {
	o.buffer = append(o.buffer, chunk...)
	o.parse(false)
}

// Finish flushes any trailing partial event. Call once the stream is
// done, before reading results.
func (o *StreamObserver) Finish() {
	o.parse(true)
}

// Usage returns the extracted usage and whether any was observed.
func (o *StreamObserver) Usage() (Usage, bool) {
	return o.usage, o.usageFound
}

// ResponseID returns the upstream response ID, if one was announced.
func (o *StreamObserver) ResponseID() string {
	return o.responseID
}

// ResponsePayload returns the completed response object from the
// terminal event, or nil when the stream never completed.
func (o *StreamObserver) ResponsePayload() models.JSONB {
	return o.responsePayload
}

// ErrorPayload returns the upstream error object if the stream carried
// one.
func (o *StreamObserver) ErrorPayload() models.JSONB {
	return o.errorPayload
}

// Failed reports whether the stream ended in an upstream error event.
func (o *StreamObserver) Failed() bool {
	return o.errorPayload != nil
}

func (o *StreamObserver) parse(flush bool) {
	for {
		event, rest, ok := nextSSEEvent(o.buffer, flush)
		if !ok {
			return
		}
		o.buffer = rest
		o.parseEvent(event)
	}
}

func nextSSEEvent(buf []byte, flush bool) ([]byte, []byte, bool) {
	if idx := bytes.Index(buf, []byte("\r\n\r\n")); idx >= 0 {
		return buf[:idx], buf[idx+4:], true
	}
	if idx := bytes.Index(buf, []byte("\n\n")); idx >= 0 {
		return buf[:idx], buf[idx+2:], true
	}
	if flush {
		trimmed := bytes.TrimSpace(buf)
		if len(trimmed) > 0 {
			return trimmed, nil, true
		}
	}
	return nil, nil, false
}

func (o *StreamObserver) parseEvent(event []byte) {
	lines := bytes.Split(event, []byte("\n"))
	dataLines := make([][]byte, 0, 2)

	for _, line := range lines {
		line = bytes.TrimSpace(line)
		if len(line) == 0 || !bytes.HasPrefix(line, []byte("data:")) {
			continue
		}

		payload := bytes.TrimSpace(bytes.TrimPrefix(line, []byte("data:")))
		if len(payload) == 0 || bytes.Equal(payload, []byte("[DONE]")) {
			continue
		}
		dataLines = append(dataLines, payload)
	}

	if len(dataLines) == 0 {
		return
	}

	o.parseData(bytes.Join(dataLines, []byte("\n")))
}

func (o *StreamObserver) parseData(data []byte) {
	var event struct {
		Type     string          `json:"type"`
		Response json.RawMessage `json:"response"`
		Error    json.RawMessage `json:"error"`
	}
	if err := json.Unmarshal(data, &event); err != nil {
		return
	}

	// The error key must be present and non-null; a literal null is
	// routine in completed payloads.
	if len(event.Error) > 0 && !bytes.Equal(event.Error, []byte("null")) {
		var errObj models.JSONB
		if err := json.Unmarshal(event.Error, &errObj); err == nil {
			o.errorPayload = errObj
		}
		return
	}

	if event.Type != "response.completed" || len(event.Response) == 0 {
		return
	}

	var response struct {
		ID    string   `json:"id"`
		Usage sseUsage `json:"usage"`
	}
	if err := json.Unmarshal(event.Response, &response); err != nil {
		return
	}

	if response.ID != "" {
		o.responseID = response.ID
	}

	usage := response.Usage.toUsage()
	if usage.Found() {
		o.usage = usage
		o.usageFound = true
	}

	var payload models.JSONB
	if err := json.Unmarshal(event.Response, &payload); err == nil {
		o.responsePayload = payload
	}
}

// UpstreamError returns the error object of a buffered body whose
// error key is present and non-null. A key holding a literal null is
// routine in successful payloads and does not count.
func UpstreamError(body []byte) (models.JSONB, bool) {
	var parsed struct {
		Error json.RawMessage `json:"error"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, false
	}
	if len(parsed.Error) == 0 || bytes.Equal(parsed.Error, []byte("null")) {
		return nil, false
	}

	var errObj models.JSONB
	if err := json.Unmarshal(parsed.Error, &errObj); err != nil {
		// Some upstream variants report error as a bare string.
		var msg string
		if err := json.Unmarshal(parsed.Error, &msg); err != nil {
			return nil, false
		}
		return models.JSONB{"message": msg}, true
	}
	return errObj, true
}

// ExtractBuffered pulls response ID and usage from a fully buffered
// response body.
func ExtractBuffered(body []byte) (responseID string, usage Usage, found bool) {
	var response struct {
		ID    string   `json:"id"`
		Usage sseUsage `json:"usage"`
	}
	if err := json.Unmarshal(body, &response); err != nil {
		return "", Usage{}, false
	}

	usage = response.Usage.toUsage()
	return response.ID, usage, usage.Found()
}

// Package dispatch implements the Dispatch Engine (spec.md §4.6): the
// attempt loop that orchestrates retry across endpoints, accounts, and a
// fallback-model hop, and implements the 401/429/5xx decision tree.
package dispatch

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/antiproxy/antiproxy/internal/account"
	"github.com/antiproxy/antiproxy/internal/cloudcode"
	"github.com/antiproxy/antiproxy/internal/codec"
	"github.com/antiproxy/antiproxy/internal/stream"
)

// SyntheticFallbackText is emitted as a single text block when every
// empty-response retry has been exhausted (spec.md §4.6, §8).
const SyntheticFallbackText = "[No response after retries - please try again]"

// Options tunes the engine's retry and fallback behavior (spec.md §6).
type Options struct {
	MaxRetries               int
	MaxEmptyRetries           int
	MaxWaitBeforeErrorMs      int64
	DefaultCooldownMs         int64
	FallbackEnabled           bool
	GeminiMaxOutputTokensCap  int
	FallbackModel             map[string]string // model -> fallback model
}

// EventSink receives canonical streaming events as SendStream produces
// them. Write returning an error (e.g. the client disconnected) stops
// the attempt loop at the next suspension point.
type EventSink interface {
	Write(e stream.Event) error
}

// Engine orchestrates one request's dispatch across the account pool and
// upstream endpoints.
type Engine struct {
	Pool      *account.Pool
	Tokens    *cloudcode.TokenCache
	Projects  *cloudcode.ProjectCache
	HTTP      *cloudcode.Client
	Sigs      *codec.SignatureCache
	Endpoints cloudcode.Endpoints
	Opts      Options
	Logger    *zap.Logger
}

// Send is the one-shot entry point: it returns a complete canonical
// response, or an *Error describing why it could not.
func (e *Engine) Send(ctx context.Context, req *codec.Request) (*codec.Response, error) {
	return e.run(ctx, req, false, nil)
}

// SendStream is the streaming entry point: it forwards canonical events
// to sink as they're produced. Once any event has reached sink, the
// attempt loop's streaming guarantee applies: the only legal
// terminations are natural completion or a terminal error event written
// to sink (spec.md §4.6).
func (e *Engine) SendStream(ctx context.Context, req *codec.Request, sink EventSink) error {
	_, err := e.run(ctx, req, true, sink)
	return err
}

func (e *Engine) run(ctx context.Context, req *codec.Request, streaming bool, sink EventSink) (*codec.Response, error) {
	return e.runAttempts(ctx, req, streaming, sink, false)
}

func (e *Engine) log() *zap.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return zap.NewNop()
}

// runAttempts is the attempt loop of spec.md §4.6. fallbackUsed is true
// when this call is itself the one allowed fallback hop, so a further
// hop is never attempted from inside it.
func (e *Engine) runAttempts(ctx context.Context, req *codec.Request, streaming bool, sink EventSink, fallbackUsed bool) (*codec.Response, error) {
	model := req.Model
	poolSize := e.Pool.TotalCount()
	maxRetries := e.Opts.MaxRetries
	n := maxRetries
	if poolSize+1 > n {
		n = poolSize + 1
	}

	var anyBytesWritten bool

	for attempt := 0; attempt < n; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		e.Pool.ClearExpired()

		available := e.Pool.AvailableFor(model)
		if len(available) == 0 {
			if e.Pool.AllLimited(model) {
				wait := e.Pool.MinWaitMs(model)
				if wait > e.Opts.MaxWaitBeforeErrorMs {
					if !fallbackUsed && e.Opts.FallbackEnabled {
						if fallbackModel, ok := e.Opts.FallbackModel[model]; ok && fallbackModel != "" {
							fallbackHopsTotal.Inc()
							hopReq := *req
							hopReq.Model = fallbackModel
							return e.runAttempts(ctx, &hopReq, streaming, sink, true)
						}
					}
					return nil, &Error{
						Kind:       QuotaExhausted,
						Message:    "all accounts exhausted for model " + model,
						RetryAfter: int(wait / 1000),
					}
				}
				if !sleep(ctx, time.Duration(wait+500)*time.Millisecond) {
					return nil, ctx.Err()
				}
				continue
			}
			return nil, &Error{Kind: NoAccountsAvailable, Message: "no accounts registered"}
		}

		acct := e.Pool.Sticky(model)
		if acct == nil {
			acct = e.Pool.PickNext(model)
		}
		if acct == nil {
			continue
		}

		resp, attemptErr := e.attemptOnAccount(ctx, req, acct, streaming, sink, &anyBytesWritten)
		if attemptErr == nil {
			var tokens int64
			if resp != nil {
				tokens = int64(resp.Usage.InputTokens + resp.Usage.OutputTokens)
			}
			e.Pool.RecordUsage(acct.Email, tokens)
			return resp, nil
		}

		switch attemptErr.Kind {
		case rotateAccount:
			accountRotationsTotal.Inc()
			attemptsTotal.WithLabelValues("rotate").Inc()
			continue
		default:
			attemptsTotal.WithLabelValues("error").Inc()
			if anyBytesWritten {
				// Streaming guarantee: bytes already reached the client,
				// so this terminal condition must be reported as an
				// error event, never retried or surfaced as a status code.
				if sink != nil {
					_ = sink.Write(stream.Event{
						Type:         stream.EventError,
						ErrorKind:    stream.ErrorKind(attemptErr.Kind),
						ErrorMessage: attemptErr.Message,
					})
				}
				return nil, attemptErr
			}
			return nil, attemptErr
		}
	}

	attemptsTotal.WithLabelValues("exhausted").Inc()
	return nil, &Error{Kind: MaxRetriesExceeded, Message: "exhausted all retry attempts"}
}

// rotateAccount is a private sentinel ErrorKind meaning "this attempt
// failed in a way the pool has already recorded; try another account on
// the next loop iteration" — it is never returned to a caller outside
// this package.
const rotateAccount ErrorKind = "__rotate__"

// sleep waits for d or returns false if ctx is cancelled first.
func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// attemptOnAccount resolves credentials for acct and walks the ordered
// endpoint list once, applying the 401/429/5xx decision tree.
func (e *Engine) attemptOnAccount(ctx context.Context, req *codec.Request, acct *account.Account, streaming bool, sink EventSink, anyBytesWritten *bool) (*codec.Response, *Error) {
	token, err := e.Tokens.TokenFor(ctx, acct)
	if err != nil {
		return nil, &Error{Kind: rotateAccount, Message: err.Error()}
	}
	project, err := e.Projects.ProjectFor(ctx, acct.Email, token)
	if err != nil {
		return nil, &Error{Kind: rotateAccount, Message: err.Error()}
	}

	sseMode := streaming || req.Thinking
	endpoints := e.Endpoints.Ordered()

	// i walks the endpoint list. The inner loop re-executes for the same
	// endpoint (empty-response and short-429 retries); it exits via
	// `advance` once a branch decides to move to the next endpoint or the
	// attempt is settled.
	for i := 0; i < len(endpoints); i++ {
		endpoint := endpoints[i]
		retriedShort := false
		emptyRetries := 0

		for advance := false; !advance; {
			requestID := cloudcode.BuildRequestID()
			body, _, err := cloudcode.BuildPayload(req, project, requestID, e.Sigs, e.Opts.GeminiMaxOutputTokensCap)
			if err != nil {
				return nil, &Error{Kind: BadRequest, Message: err.Error(), Status: 400}
			}
			headers, err := cloudcode.BuildHeaders(token, sseMode, req.Model, req.Thinking)
			if err != nil {
				return nil, &Error{Kind: BadRequest, Message: err.Error(), Status: 400}
			}

			path := cloudcode.GenerateContentPath
			if sseMode {
				path = cloudcode.StreamGenerateContentPath
			}

			httpResp, err := e.HTTP.Do(ctx, endpoint, path, headers, body)
			if err != nil {
				if !sleep(ctx, time.Second) {
					return nil, &Error{Kind: NetworkError, Message: ctx.Err().Error()}
				}
				e.Pool.PickNext(req.Model)
				return nil, &Error{Kind: rotateAccount, Message: err.Error()}
			}

			switch {
			case httpResp.StatusCode >= 200 && httpResp.StatusCode < 300:
				resp, respErr := e.consumeSuccess(ctx, httpResp, req, sseMode, streaming, sink, acct, anyBytesWritten, &emptyRetries)
				if respErr != nil {
					if respErr.Kind == retrySameEndpoint {
						continue
					}
					return nil, respErr
				}
				return resp, nil

			case httpResp.StatusCode == http.StatusUnauthorized:
				httpResp.Body.Close()
				e.Tokens.Invalidate(acct.Email)
				e.Projects.Invalidate(acct.Email)
				if i+1 < len(endpoints) {
					var refreshErr error
					token, refreshErr = e.Tokens.TokenFor(ctx, acct)
					if refreshErr != nil {
						return nil, &Error{Kind: rotateAccount, Message: refreshErr.Error()}
					}
					advance = true
					continue
				}
				return nil, &Error{Kind: rotateAccount, Message: "auth invalid on all endpoints"}

			case httpResp.StatusCode == http.StatusTooManyRequests:
				retryBody, _ := io.ReadAll(httpResp.Body)
				httpResp.Body.Close()
				resetMs := parseRetryMs(httpResp.Header, retryBody, e.Opts.DefaultCooldownMs)

				if resetMs > 10_000 {
					e.Pool.MarkLimited(acct.Email, req.Model, resetMs)
					rateLimitTripsTotal.Inc()
					return nil, &Error{Kind: rotateAccount, Message: "rate limited, long cooldown"}
				}

				if !retriedShort {
					retriedShort = true
					if !sleep(ctx, time.Duration(resetMs)*time.Millisecond) {
						return nil, &Error{Kind: RateLimited, Message: "context cancelled during short retry wait"}
					}
					continue
				}
				e.Pool.MarkLimited(acct.Email, req.Model, resetMs)
				rateLimitTripsTotal.Inc()
				return nil, &Error{Kind: rotateAccount, Message: "rate limited after retry"}

			case httpResp.StatusCode >= 500:
				httpResp.Body.Close()
				if !sleep(ctx, time.Second) {
					return nil, &Error{Kind: UpstreamServerError, Message: "context cancelled during backoff"}
				}
				advance = true
				continue

			default:
				errBody, _ := io.ReadAll(httpResp.Body)
				httpResp.Body.Close()
				return nil, &Error{Kind: BadRequest, Message: string(errBody), Status: httpResp.StatusCode, Body: errBody}
			}
		}
	}

	return nil, &Error{Kind: rotateAccount, Message: "all endpoints failed"}
}

// retrySameEndpoint is a private sentinel used by consumeSuccess to ask
// attemptOnAccount to re-issue the same endpoint (empty-response retry).
const retrySameEndpoint ErrorKind = "__retry_same_endpoint__"

// consumeSuccess reads one upstream 2xx response. For a true streaming
// request it forwards canonical events to sink as they arrive off the
// adapter's channel (spec.md §4.5, §9) rather than buffering the whole
// response; for a one-shot request dispatched over SSE only because
// thinking was requested, there is no live sink, so the whole sequence
// is collected before being folded into a Response.
func (e *Engine) consumeSuccess(
	ctx context.Context,
	httpResp *http.Response,
	req *codec.Request,
	sseMode, streaming bool,
	sink EventSink,
	acct *account.Account,
	anyBytesWritten *bool,
	emptyRetries *int,
) (*codec.Response, *Error) {
	defer httpResp.Body.Close()

	if !sseMode {
		var wire codec.GoogleResponse
		if err := json.NewDecoder(httpResp.Body).Decode(&wire); err != nil {
			return nil, &Error{Kind: BadRequest, Message: err.Error()}
		}
		return codec.FromGoogleResponse(&wire, req.Model), nil
	}

	adapter := stream.NewAdapter(e.Sigs)
	events := make(chan stream.Event, 64)

	go func() {
		_ = adapter.Run(ctx, httpResp.Body, events)
	}()

	if streaming {
		return e.forwardStreaming(ctx, events, adapter, req, sink, anyBytesWritten, emptyRetries)
	}

	var collected []stream.Event
	for ev := range events {
		collected = append(collected, ev)
	}
	return e.finishCollected(ctx, collected, adapter, req, emptyRetries)
}

// forwardStreaming relays events to sink as soon as they're received,
// withholding only the administrative prefix (message_start) until the
// first content-bearing event proves the response isn't empty — that is
// the one suspension point where an empty-response retry is still safe,
// since nothing has reached the client yet. Once a content event has been
// forwarded, every subsequent event (including message_delta/message_stop)
// streams through immediately.
func (e *Engine) forwardStreaming(
	ctx context.Context,
	events chan stream.Event,
	adapter *stream.Adapter,
	req *codec.Request,
	sink EventSink,
	anyBytesWritten *bool,
	emptyRetries *int,
) (*codec.Response, *Error) {
	var pending []stream.Event
	committed := false

	for ev := range events {
		if !committed {
			pending = append(pending, ev)
			if ev.Type != stream.EventContentBlockStart && ev.Type != stream.EventContentBlockDelta {
				continue
			}
			committed = true
			for _, buffered := range pending {
				if err := sink.Write(buffered); err != nil {
					*anyBytesWritten = true
					drainEvents(events)
					return nil, &Error{Kind: UpstreamDisconnect, Message: err.Error()}
				}
			}
			*anyBytesWritten = true
			pending = nil
			continue
		}

		if err := sink.Write(ev); err != nil {
			drainEvents(events)
			return nil, &Error{Kind: UpstreamDisconnect, Message: err.Error()}
		}
	}

	if committed {
		return nil, nil
	}

	// Nothing reached the client yet: safe to retry or fall back exactly
	// as the one-shot path does.
	if adapter.IsEmpty() {
		if *emptyRetries < e.Opts.MaxEmptyRetries {
			d := emptyRetryBackoff(*emptyRetries)
			*emptyRetries++
			if !sleep(ctx, d) {
				return nil, &Error{Kind: EmptyResponse, Message: "context cancelled during empty-response backoff"}
			}
			return nil, &Error{Kind: retrySameEndpoint, Message: "empty response, retrying"}
		}
		fallback := &codec.Response{
			Model:      req.Model,
			Content:    []codec.ContentBlock{{Kind: codec.BlockText, Text: SyntheticFallbackText}},
			StopReason: codec.StopEndTurn,
		}
		e.emitCollectedAsStream(sink, fallback)
		*anyBytesWritten = true
		return nil, nil
	}

	// IsEmpty is false (e.g. a nonzero output-token count) yet no content
	// block ever opened: forward the buffered administrative events so
	// the client still sees a well-formed message_start/.../message_stop.
	for _, buffered := range pending {
		if err := sink.Write(buffered); err != nil {
			return nil, &Error{Kind: UpstreamDisconnect, Message: err.Error()}
		}
	}
	*anyBytesWritten = true
	return nil, nil
}

// drainEvents empties a producer channel in the background so the
// adapter goroutine's blocked send can complete after the caller has
// already returned, instead of leaking.
func drainEvents(events <-chan stream.Event) {
	go func() {
		for range events {
		}
	}()
}

// finishCollected folds a fully-collected event sequence into a Response
// for the one-shot-over-SSE path, applying the same empty-response retry
// policy as the streaming path.
func (e *Engine) finishCollected(
	ctx context.Context,
	collected []stream.Event,
	adapter *stream.Adapter,
	req *codec.Request,
	emptyRetries *int,
) (*codec.Response, *Error) {
	if adapter.IsEmpty() {
		if *emptyRetries < e.Opts.MaxEmptyRetries {
			d := emptyRetryBackoff(*emptyRetries)
			*emptyRetries++
			if !sleep(ctx, d) {
				return nil, &Error{Kind: EmptyResponse, Message: "context cancelled during empty-response backoff"}
			}
			return nil, &Error{Kind: retrySameEndpoint, Message: "empty response, retrying"}
		}
		return &codec.Response{
			Model:      req.Model,
			Content:    []codec.ContentBlock{{Kind: codec.BlockText, Text: SyntheticFallbackText}},
			StopReason: codec.StopEndTurn,
		}, nil
	}
	return eventsToResponse(collected, req.Model), nil
}

// emptyRetryBackoff returns the backoff before the (attempt+1)th
// empty-response retry: 500ms, 1000ms, 1500ms, ... matching the fixed
// two-step schedule spec.md §4.6 names, generalized to whatever
// MaxEmptyRetries the pool config allows.
func emptyRetryBackoff(attempt int) time.Duration {
	return time.Duration(500*(attempt+1)) * time.Millisecond
}

// emitCollectedAsStream forwards a fully-built Response to sink as the
// equivalent canonical event sequence. Used only for the synthetic
// empty-response fallback on the streaming path, since that text was
// never produced by the adapter itself.
func (e *Engine) emitCollectedAsStream(sink EventSink, resp *codec.Response) {
	_ = sink.Write(stream.Event{Type: stream.EventMessageStart})
	_ = sink.Write(stream.Event{Type: stream.EventContentBlockStart, Index: 0, BlockKind: codec.BlockText})
	_ = sink.Write(stream.Event{Type: stream.EventContentBlockDelta, Index: 0, DeltaKind: stream.DeltaText, Text: resp.Content[0].Text})
	_ = sink.Write(stream.Event{Type: stream.EventContentBlockStop, Index: 0})
	_ = sink.Write(stream.Event{Type: stream.EventMessageDelta, StopReason: resp.StopReason})
	_ = sink.Write(stream.Event{Type: stream.EventMessageStop})
}

// eventsToResponse reconstructs a canonical Response from a collected
// event sequence, used when a thinking-capable model was dispatched over
// SSE internally but the client asked for a one-shot response.
func eventsToResponse(events []stream.Event, model string) *codec.Response {
	resp := &codec.Response{Model: model}
	var current *codec.ContentBlock

	flush := func() {
		if current != nil {
			resp.Content = append(resp.Content, *current)
			current = nil
		}
	}

	for _, ev := range events {
		switch ev.Type {
		case stream.EventContentBlockStart:
			flush()
			block := codec.ContentBlock{Kind: ev.BlockKind, ToolUseID: ev.ToolUseID, ToolName: ev.ToolName}
			current = &block
		case stream.EventContentBlockDelta:
			if current == nil {
				continue
			}
			switch ev.DeltaKind {
			case stream.DeltaText, stream.DeltaThinking:
				current.Text += ev.Text
			case stream.DeltaInputJSON:
				current.ToolInput = append(current.ToolInput, []byte(ev.PartialJSON)...)
			case stream.DeltaSignature:
				current.Signature = ev.Signature
			}
		case stream.EventContentBlockStop:
			flush()
		case stream.EventMessageDelta:
			resp.StopReason = ev.StopReason
			resp.Usage.OutputTokens = ev.OutputTokens
		case stream.EventMessageStart:
			resp.Usage.InputTokens = ev.InputTokens
		}
	}
	flush()
	return resp
}

// parseRetryMs extracts a retry delay in milliseconds from a 429
// response, preferring the Retry-After header (seconds) and falling back
// to a RetryInfo-shaped error body; def is used when neither is present.
func parseRetryMs(header http.Header, body []byte, def int64) int64 {
	if ra := strings.TrimSpace(header.Get("Retry-After")); ra != "" {
		if secs, err := strconv.Atoi(ra); err == nil && secs > 0 {
			return int64(secs) * 1000
		}
	}

	var errResp struct {
		Error struct {
			Details []struct {
				RetryDelay string `json:"retryDelay"`
				Metadata   struct {
					QuotaResetDelay string `json:"quotaResetDelay"`
				} `json:"metadata"`
			} `json:"details"`
		} `json:"error"`
	}
	if json.Unmarshal(body, &errResp) == nil {
		for _, d := range errResp.Error.Details {
			if d.RetryDelay != "" {
				if dur, err := time.ParseDuration(d.RetryDelay); err == nil {
					return dur.Milliseconds()
				}
			}
			if d.Metadata.QuotaResetDelay != "" {
				if dur, err := time.ParseDuration(d.Metadata.QuotaResetDelay); err == nil {
					return dur.Milliseconds()
				}
			}
		}
	}
	return def
}

package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/cors"
	"go.uber.org/zap"

	eventbus "github.com/hanpama/liveql/internal/eventbus"
	events "github.com/hanpama/liveql/internal/events"
	executor "github.com/hanpama/liveql/internal/executor"
	language "github.com/hanpama/liveql/internal/language"
	logger "github.com/hanpama/liveql/internal/logger"
	query "github.com/hanpama/liveql/internal/query"
	reqid "github.com/hanpama/liveql/internal/reqid"
	subscription "github.com/hanpama/liveql/internal/subscription"
)

// Handler is an http.Handler that serves a GraphQL endpoint.
// Queries are answered with a single JSON response. Subscriptions are served
// as Server-Sent Events to clients that accept text/event-stream: one `next`
// event per result and a final `complete` event.
type Handler struct {
	exec    *executor.Executor
	engine  *subscription.Engine
	opt     Options
	handler http.Handler
}

type Options struct {
	// Timeout sets a default timeout for queries if the incoming request
	// context has none. Subscriptions are bounded per event by the engine.
	// 0 means no default timeout.
	Timeout time.Duration

	// Pretty enables indented JSON responses (useful for dev).
	Pretty bool

	// MaxBodyBytes limits the size of the request body. 0 means unlimited.
	MaxBodyBytes int64

	// CORS configuration. If AllowedOrigins is empty, CORS is disabled.
	CORS CORSOptions

	// KeepAlive is the interval of SSE comment lines sent while a
	// subscription is idle. 0 disables them.
	KeepAlive time.Duration

	// MaxComplexity and MaxDepth bound compiled queries. 0 means unlimited.
	MaxComplexity uint64
	MaxDepth      int

	Cache  *query.Cache
	Logger logger.Logger
}

type Option func(*Options)

func WithTimeout(d time.Duration) Option { return func(o *Options) { o.Timeout = d } }
func WithPretty() Option                 { return func(o *Options) { o.Pretty = true } }
func WithMaxBodyBytes(n int64) Option    { return func(o *Options) { o.MaxBodyBytes = n } }
func WithCORS(origins ...string) Option {
	return func(o *Options) { o.CORS.AllowedOrigins = origins }
}
func WithKeepAlive(d time.Duration) Option { return func(o *Options) { o.KeepAlive = d } }
func WithLimits(maxComplexity uint64, maxDepth int) Option {
	return func(o *Options) { o.MaxComplexity, o.MaxDepth = maxComplexity, maxDepth }
}
func WithQueryCache(c *query.Cache) Option { return func(o *Options) { o.Cache = c } }
func WithLogger(l logger.Logger) Option    { return func(o *Options) { o.Logger = l } }

// CORSOptions holds simple CORS settings.
type CORSOptions struct {
	AllowedOrigins []string
}

// New creates a GraphQL HTTP handler. exec answers queries and engine serves
// subscriptions; both must be bound to the same schema.
func New(exec *executor.Executor, engine *subscription.Engine, opts ...Option) (*Handler, error) {
	if exec == nil || engine == nil {
		return nil, fmt.Errorf("server: executor and subscription engine are required")
	}
	op := Options{Timeout: 10 * time.Second, KeepAlive: 15 * time.Second}
	for _, f := range opts {
		f(&op)
	}
	if op.Logger == nil {
		op.Logger = logger.NewNoopLogger()
	}
	h := &Handler{exec: exec, engine: engine, opt: op}
	h.handler = http.HandlerFunc(h.serve)
	if len(op.CORS.AllowedOrigins) > 0 {
		h.handler = cors.New(cors.Options{
			AllowedOrigins: op.CORS.AllowedOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost},
			AllowedHeaders: []string{"*"},
		}).Handler(h.handler)
	}
	return h, nil
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.handler.ServeHTTP(w, r)
}

func (h *Handler) serve(w http.ResponseWriter, r *http.Request) {
	ctx, rid := reqid.NewContext(r.Context())
	w.Header().Set("X-Request-Id", rid)
	status := http.StatusOK
	stream := false
	start := time.Now()
	eventbus.Publish(ctx, events.HTTPStart{Request: r})
	defer func() {
		eventbus.Publish(ctx, events.HTTPFinish{Request: r, Status: status, Stream: stream, Duration: time.Since(start)})
	}()

	if r.Method != http.MethodPost && r.Method != http.MethodGet {
		status = http.StatusMethodNotAllowed
		writeJSON(w, status, errorResponse(nil, &language.Error{Message: "method not allowed"}), h.opt.Pretty)
		return
	}

	req, batch, berr := parseRequest(r, h.opt.MaxBodyBytes)
	if berr != nil {
		status = http.StatusBadRequest
		if berr.Message == errBodyTooLargeMessage {
			status = http.StatusRequestEntityTooLarge
		}
		writeJSON(w, status, errorResponse(nil, berr), h.opt.Pretty)
		return
	}

	if batch != nil {
		// Batched requests
		op := make([]any, len(batch))
		for i := range batch {
			op[i] = h.executeOne(ctx, batch[i])
		}
		writeJSON(w, status, op, h.opt.Pretty)
		return
	}

	if acceptsEventStream(r.Header.Get("Accept")) {
		stream = true
		status = h.serveSubscription(ctx, w, req)
		return
	}

	res := h.executeOne(ctx, req)
	writeJSON(w, status, res, h.opt.Pretty)
}

func (h *Handler) compile(req GraphQLRequest) (*query.Query, error) {
	opts := query.Options{
		OperationName: req.OperationName,
		Variables:     req.Variables,
		MaxComplexity: h.opt.MaxComplexity,
		MaxDepth:      h.opt.MaxDepth,
	}
	if h.opt.Cache != nil {
		return h.opt.Cache.Compile(req.Query, opts)
	}
	return query.Compile(h.engine.Schema(), req.Query, opts)
}

func (h *Handler) executeOne(ctx context.Context, req GraphQLRequest) any {
	if _, ok := ctx.Deadline(); !ok && h.opt.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.opt.Timeout)
		defer cancel()
	}

	q, err := h.compile(req)
	if err != nil {
		return compileErrorResponse(err)
	}
	if q.IsSubscription() {
		return errorResponse(nil, &language.Error{Message: "subscriptions must be requested with Accept: text/event-stream"})
	}

	opType := string(q.Operation.Operation)
	start := time.Now()
	eventbus.Publish(ctx, events.GraphQLStart{Query: req.Query, OperationName: req.OperationName, OperationType: opType})
	result := h.exec.ExecuteQuery(ctx, q)
	eventbus.Publish(ctx, events.GraphQLFinish{
		Query:         req.Query,
		OperationName: req.OperationName,
		OperationType: opType,
		Errors:        len(result.Errors),
		Duration:      time.Since(start),
	})
	return toSpecResult(result)
}

// serveSubscription streams the results of req and returns the HTTP status it
// answered with.
func (h *Handler) serveSubscription(ctx context.Context, w http.ResponseWriter, req GraphQLRequest) int {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, errorResponse(nil, &language.Error{Message: "streaming is not supported"}), h.opt.Pretty)
		return http.StatusInternalServerError
	}

	rs, err := h.engine.Execute(ctx, subscription.Subscription{
		Query:         req.Query,
		OperationName: req.OperationName,
		Variables:     req.Variables,
	})
	if err != nil {
		writeJSON(w, http.StatusBadRequest, compileErrorResponse(err), h.opt.Pretty)
		return http.StatusBadRequest
	}
	defer rs.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	var keepAlive <-chan time.Time
	if h.opt.KeepAlive > 0 {
		t := time.NewTicker(h.opt.KeepAlive)
		defer t.Stop()
		keepAlive = t.C
	}

	for {
		select {
		case <-ctx.Done():
			return http.StatusOK
		case <-keepAlive:
			_, _ = io.WriteString(w, ": keep-alive\n\n")
			flusher.Flush()
		case res, ok := <-rs.Results():
			if !ok {
				_, _ = io.WriteString(w, "event: complete\ndata:\n\n")
				flusher.Flush()
				return http.StatusOK
			}
			if err := writeEvent(w, "next", toSpecResult(res)); err != nil {
				h.opt.Logger.WarnWithContext(ctx, "write subscription event", zap.Error(err))
				return http.StatusOK
			}
			flusher.Flush()
		}
	}
}

func writeEvent(w io.Writer, event string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, b)
	return err
}

// ------------------ Request parsing ------------------

type GraphQLRequest struct {
	Query         string         `json:"query"`
	OperationName string         `json:"operationName,omitempty"`
	Variables     map[string]any `json:"variables,omitempty"`
	Extensions    map[string]any `json:"extensions,omitempty"`
}

func parseRequest(r *http.Request, maxBody int64) (GraphQLRequest, []GraphQLRequest, *language.Error) {
	if r.Method == http.MethodGet {
		q := r.URL.Query().Get("query")
		if q == "" {
			return GraphQLRequest{}, nil, &language.Error{Message: "missing 'query'"}
		}
		vars := map[string]any{}
		if v := r.URL.Query().Get("variables"); v != "" {
			if err := json.Unmarshal([]byte(v), &vars); err != nil {
				return GraphQLRequest{}, nil, &language.Error{Message: "invalid 'variables' JSON"}
			}
		}
		op := r.URL.Query().Get("operationName")
		return GraphQLRequest{Query: q, Variables: vars, OperationName: op}, nil, nil
	}

	// POST
	ct := r.Header.Get("Content-Type")
	if ct == "" || ct == "application/json" || strings.HasPrefix(ct, "application/json;") {
		reader := io.Reader(r.Body)
		if maxBody > 0 {
			reader = io.LimitReader(r.Body, maxBody+1)
		}
		body, err := io.ReadAll(reader)
		if err != nil {
			return GraphQLRequest{}, nil, &language.Error{Message: "failed to read body"}
		}
		defer r.Body.Close()
		if maxBody > 0 && int64(len(body)) > maxBody {
			return GraphQLRequest{}, nil, &language.Error{Message: errBodyTooLargeMessage}
		}

		// Try array (batch)
		var arr []GraphQLRequest
		if len(body) > 0 && body[0] == '[' {
			if err := json.Unmarshal(body, &arr); err != nil {
				return GraphQLRequest{}, nil, &language.Error{Message: "invalid JSON"}
			}
			if len(arr) == 0 {
				return GraphQLRequest{}, nil, &language.Error{Message: "empty batch"}
			}
			return GraphQLRequest{}, arr, nil
		}
		// Single
		var req GraphQLRequest
		if err := json.Unmarshal(body, &req); err != nil {
			return GraphQLRequest{}, nil, &language.Error{Message: "invalid JSON"}
		}
		if req.Query == "" {
			return GraphQLRequest{}, nil, &language.Error{Message: "missing 'query'"}
		}
		if req.Variables == nil {
			req.Variables = map[string]any{}
		}
		return req, nil, nil
	}

	return GraphQLRequest{}, nil, &language.Error{Message: "unsupported Content-Type"}
}

// ------------------ Response formatting ------------------

type specLocation struct {
	Line   int `json:"line"`
	Column int `json:"column"`
}

type specError struct {
	Message    string         `json:"message"`
	Locations  []specLocation `json:"locations,omitempty"`
	Path       []any          `json:"path,omitempty"`
	Extensions map[string]any `json:"extensions,omitempty"`
}

type specResult struct {
	Data   any         `json:"data"`
	Errors []specError `json:"errors,omitempty"`
}

func errorResponse(data any, err *language.Error) specResult {
	return specResult{Data: data, Errors: []specError{fromLanguageError(err)}}
}

func fromLanguageError(err *language.Error) specError {
	se := specError{Message: err.Message, Extensions: err.Extensions}
	for _, l := range err.Locations {
		se.Locations = append(se.Locations, specLocation{Line: l.Line, Column: l.Column})
	}
	return se
}

// compileErrorResponse lists the located errors behind a compile or
// subscription setup failure.
func compileErrorResponse(err error) specResult {
	var qe *query.Error
	if errors.As(err, &qe) && len(qe.Errors) > 0 {
		out := specResult{Errors: make([]specError, len(qe.Errors))}
		for i, e := range qe.Errors {
			out.Errors[i] = fromLanguageError(e)
		}
		return out
	}
	return errorResponse(nil, &language.Error{Message: err.Error()})
}

func toSpecResult(res *executor.ExecutionResult) specResult {
	out := specResult{Data: res.Data}
	if len(res.Errors) == 0 {
		return out
	}
	out.Errors = make([]specError, len(res.Errors))
	for i, e := range res.Errors {
		se := specError{Message: e.Message, Extensions: e.Extensions}
		// Path
		if len(e.Path) > 0 {
			se.Path = make([]any, len(e.Path))
			for j, pe := range e.Path {
				switch v := pe.(type) {
				case string:
					se.Path[j] = v
				case int:
					se.Path[j] = v
				default:
					se.Path[j] = toString(v)
				}
			}
		}
		out.Errors[i] = se
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, v any, pretty bool) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	if pretty {
		enc.SetIndent("", "  ")
	}
	_ = enc.Encode(v)
}

func toString(v any) string { b, _ := json.Marshal(v); return string(b) }

const errBodyTooLargeMessage = "body too large"

func acceptsEventStream(accept string) bool {
	for _, p := range strings.Split(accept, ",") {
		if strings.HasPrefix(strings.TrimSpace(p), "text/event-stream") {
			return true
		}
	}
	return false
}

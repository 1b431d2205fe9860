// Package jsonrpc is the /rpc endpoint: envelope parsing for JSON-RPC 1.0
// and 2.0 over JSON or MessagePack bodies, concurrent batch dispatch into
// the backend facade, the product ordering cache and the rolling call log.
package jsonrpc

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ChristianBoehm/opsiconfd-sub000/internal/backend"
	"github.com/ChristianBoehm/opsiconfd-sub000/internal/backend/sqlstore"
	"github.com/ChristianBoehm/opsiconfd-sub000/internal/metrics"
	"github.com/ChristianBoehm/opsiconfd-sub000/internal/middleware"
	"github.com/ChristianBoehm/opsiconfd-sub000/internal/session"
	"github.com/ChristianBoehm/opsiconfd-sub000/internal/tracing"
)

// HandlerOptions tune the dispatcher.
type HandlerOptions struct {
	// CompressionMinSize is the smallest response body worth compressing.
	CompressionMinSize int
	// TimeToCache is the minimum backend duration of a getProductOrdering
	// call before its result is cached.
	TimeToCache time.Duration
}

// Handler serves the RPC endpoint.
type Handler struct {
	facade  *backend.Facade
	cache   *ProductCache
	records *Records
	logger  *zap.Logger
	opts    HandlerOptions
}

// NewHandler builds the dispatcher.
func NewHandler(facade *backend.Facade, cache *ProductCache, records *Records, logger *zap.Logger, opts HandlerOptions) *Handler {
	if opts.CompressionMinSize <= 0 {
		opts.CompressionMinSize = 10000
	}
	return &Handler{
		facade:  facade,
		cache:   cache,
		records: records,
		logger:  logger,
		opts:    opts,
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	sess := middleware.SessionFromContext(r.Context())
	admin := sess != nil && sess.IsAdmin

	serialization, requests, batch, err := h.parseRequest(r)
	if err != nil {
		middleware.WriteError(w, r, h.logger, backend.BadValuef("%v", err), admin)
		return
	}

	responses := make([]map[string]interface{}, len(requests))
	var wg sync.WaitGroup
	for i := range requests {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			responses[i] = h.dispatch(r.Context(), requests[i], sess, r.UserAgent())
		}(i)
	}
	wg.Wait()

	var payload interface{} = responses
	if !batch {
		payload = responses[0]
	}
	body, err := marshal(serialization, payload)
	if err != nil {
		middleware.WriteError(w, r, h.logger, fmt.Errorf("encode response: %w", err), admin)
		return
	}

	w.Header().Set("Content-Type", ContentType(serialization))
	if len(body) >= h.opts.CompressionMinSize {
		if encoding := selectEncoding(r.Header.Get("Accept-Encoding")); encoding != "" {
			compressed, err := compress(encoding, body)
			if err == nil {
				body = compressed
				w.Header().Set("Content-Encoding", encoding)
			}
		}
	}
	w.Write(body)
}

// parseRequest decodes the calls of one HTTP request. POST bodies carry a
// serialized envelope, optionally compressed; GET requests carry the call
// in query parameters for legacy clients.
func (h *Handler) parseRequest(r *http.Request) (string, []Request, bool, error) {
	if r.Method == http.MethodGet {
		req, err := requestFromQuery(r)
		if err != nil {
			return SerializationJSON, nil, false, err
		}
		return SerializationJSON, []Request{req}, false, nil
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		return SerializationJSON, nil, false, fmt.Errorf("read body: %w", err)
	}
	body, err = decompress(r.Header.Get("Content-Encoding"), body)
	if err != nil {
		return SerializationJSON, nil, false, err
	}
	serialization := serializationFromHeader(r.Header.Get("Content-Type"))
	requests, batch, err := parseEnvelope(serialization, body)
	return serialization, requests, batch, err
}

func requestFromQuery(r *http.Request) (Request, error) {
	query := r.URL.Query()
	req := Request{
		JSONRPC: query.Get("jsonrpc"),
		Method:  query.Get("method"),
	}
	if req.Method == "" {
		return req, fmt.Errorf("%w: method missing", ErrMalformedEnvelope)
	}
	if id := query.Get("id"); id != "" {
		req.ID = id
	}
	if params := query.Get("params"); params != "" {
		var parsed interface{}
		if err := json.Unmarshal([]byte(params), &parsed); err != nil {
			return req, fmt.Errorf("%w: params: %v", ErrMalformedEnvelope, err)
		}
		req.Params = parsed
	}
	return req, nil
}

// dispatch runs one call end to end: cache, facade, deprecation tracking,
// call record, metrics. The returned map is the wire response.
func (h *Handler) dispatch(ctx context.Context, req Request, sess *session.Session, userAgent string) map[string]interface{} {
	start := time.Now()
	admin := sess != nil && sess.IsAdmin
	desc, known := h.facade.Registry().Lookup(req.Method)

	ctx, span := tracing.StartRPCSpan(ctx, req.Method)
	result, fromCache, err := h.execute(ctx, req, sess)
	tracing.EndRPCSpan(span, err)
	duration := time.Since(start)

	deprecated := known && desc.Deprecated
	if deprecated {
		alternative := ""
		if desc.AlternativeMethod != "" {
			alternative = " use " + desc.AlternativeMethod + " instead,"
		}
		h.logger.Warn(fmt.Sprintf("Client %q called deprecated method %q,%s it will be removed in a future release",
			userAgent, req.Method, alternative))
		h.records.TrackDeprecated(ctx, req.Method, userAgent)
	}
	if err == nil && !fromCache {
		h.cache.invalidateAfter(req.Method, req.Params)
	}
	if err != nil {
		h.logger.Info("RPC failed",
			zap.String("method", req.Method),
			zap.Duration("duration", duration),
			zap.Error(err),
		)
	} else {
		h.logger.Debug("RPC served",
			zap.String("method", req.Method),
			zap.Bool("cached", fromCache),
			zap.Duration("duration", duration),
		)
	}

	h.records.Store(ctx, CallRecord{
		Method:     req.Method,
		NumParams:  paramCount(req.Params),
		NumResults: resultCount(result),
		Date:       start.UTC().Format(time.RFC3339),
		Client:     middleware.ClientAddr(ctx),
		Error:      err != nil,
		Deprecated: deprecated,
		Duration:   duration.Seconds(),
	})
	metrics.ObserveRPC(req.Method, err != nil, duration)

	return response(req, result, err, known, admin)
}

// execute serves the call from the ordering cache when possible and from
// the facade otherwise. Slow ordering computations are written back to the
// cache.
func (h *Handler) execute(ctx context.Context, req Request, sess *session.Session) (interface{}, bool, error) {
	caller := callerFromSession(sess)

	if req.Method == "getProductOrdering" && sess != nil && sess.Authenticated {
		depot, algorithm := productOrderingParams(req.Params)
		if depot != "" {
			if ordering, ok := h.cache.Load(ctx, depot, algorithm); ok {
				return map[string]interface{}{
					"not_sorted": ordering.NotSorted,
					"sorted":     ordering.Sorted,
				}, true, nil
			}
			start := time.Now()
			result, err := h.facade.Dispatch(ctx, req.Method, req.Params, caller)
			if err == nil && time.Since(start) >= h.opts.TimeToCache {
				if ordering := orderingFromResult(result); ordering != nil {
					go func() {
						cacheCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
						defer cancel()
						if err := h.cache.Store(cacheCtx, depot, algorithm, ordering); err != nil {
							h.logger.Warn("Product cache store failed",
								zap.String("depot", depot), zap.Error(err))
						}
					}()
				}
			}
			return result, false, err
		}
	}

	result, err := h.facade.Dispatch(ctx, req.Method, req.Params, caller)
	return result, false, err
}

// callerFromSession converts the session into the facade's principal view.
// A nil or unauthenticated session dispatches as the anonymous caller.
func callerFromSession(sess *session.Session) backend.Caller {
	if sess == nil || !sess.Authenticated {
		return backend.Caller{}
	}
	return backend.Caller{
		Username:   sess.Username,
		Groups:     sess.UserGroups,
		IsAdmin:    sess.IsAdmin,
		IsReadOnly: sess.IsReadOnly,
		HostID:     sess.HostID,
		IsDepot:    sess.IsDepot,
	}
}

// productOrderingParams extracts depot and algorithm from the raw call
// params, applying the method's declared default.
func productOrderingParams(params interface{}) (string, string) {
	depot, algorithm := "", sqlstore.AlgorithmDefault
	switch p := params.(type) {
	case []interface{}:
		if len(p) > 0 {
			depot, _ = p[0].(string)
		}
		if len(p) > 1 {
			if s, ok := p[1].(string); ok && s != "" {
				algorithm = s
			}
		}
	case map[string]interface{}:
		depot, _ = p["depotId"].(string)
		if s, ok := p["sortAlgorithm"].(string); ok && s != "" {
			algorithm = s
		}
	}
	return depot, algorithm
}

func orderingFromResult(result interface{}) *sqlstore.ProductOrdering {
	m, ok := result.(map[string]interface{})
	if !ok {
		return nil
	}
	notSorted, ok := m["not_sorted"].([]string)
	if !ok {
		return nil
	}
	sorted, ok := m["sorted"].([]string)
	if !ok {
		return nil
	}
	return &sqlstore.ProductOrdering{NotSorted: notSorted, Sorted: sorted}
}

func paramCount(params interface{}) int {
	switch p := params.(type) {
	case nil:
		return 0
	case []interface{}:
		return len(p)
	case map[string]interface{}:
		return len(p)
	}
	return 1
}

func resultCount(result interface{}) int {
	switch v := result.(type) {
	case nil:
		return 0
	case []interface{}:
		return len(v)
	case []string:
		return len(v)
	}
	return 1
}

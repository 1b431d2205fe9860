package jsonrpc

import (
	"errors"
	"fmt"

	"github.com/ChristianBoehm/opsiconfd-sub000/internal/backend"
)

// Version markers on the wire. Requests without the jsonrpc field follow
// the 1.0 shape, whose responses always carry both result and error.
const version20 = "2.0"

// Request is one call of a possibly batched RPC envelope.
type Request struct {
	JSONRPC string
	ID      interface{}
	Method  string
	Params  interface{}
}

// ErrMalformedEnvelope rejects bodies that are neither a call object nor a
// non-empty array of call objects. It maps to HTTP 400; per-call problems
// become JSON-RPC error objects instead.
var ErrMalformedEnvelope = errors.New("malformed rpc envelope")

// parseEnvelope decodes a request body into calls. The second return
// reports whether the envelope was a batch.
func parseEnvelope(serialization string, body []byte) ([]Request, bool, error) {
	var raw interface{}
	if err := unmarshal(serialization, body, &raw); err != nil {
		return nil, false, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	switch v := raw.(type) {
	case map[string]interface{}:
		return []Request{requestFromMap(v)}, false, nil
	case []interface{}:
		if len(v) == 0 {
			return nil, true, fmt.Errorf("%w: empty batch", ErrMalformedEnvelope)
		}
		calls := make([]Request, len(v))
		for i, elem := range v {
			m, ok := elem.(map[string]interface{})
			if !ok {
				return nil, true, fmt.Errorf("%w: batch element %d is not a call object", ErrMalformedEnvelope, i)
			}
			calls[i] = requestFromMap(m)
		}
		return calls, true, nil
	default:
		return nil, false, fmt.Errorf("%w: body is neither an object nor an array", ErrMalformedEnvelope)
	}
}

func requestFromMap(m map[string]interface{}) Request {
	req := Request{ID: m["id"], Params: m["params"]}
	if s, ok := m["jsonrpc"].(string); ok {
		req.JSONRPC = s
	}
	if s, ok := m["method"].(string); ok {
		req.Method = s
	}
	return req
}

// response renders the wire shape for one call. 1.0 responses carry result
// and error side by side; 2.0 responses carry exactly one of them.
func response(req Request, result interface{}, err error, methodKnown, admin bool) map[string]interface{} {
	if req.JSONRPC == version20 {
		resp := map[string]interface{}{
			"jsonrpc": version20,
			"id":      req.ID,
		}
		if err != nil {
			resp["error"] = errorObject20(err, methodKnown, admin)
		} else {
			resp["result"] = result
		}
		return resp
	}

	resp := map[string]interface{}{
		"id":     req.ID,
		"result": result,
		"error":  nil,
	}
	if err != nil {
		resp["result"] = nil
		resp["error"] = errorObject10(err, admin)
	}
	return resp
}

func errorObject10(err error, admin bool) map[string]interface{} {
	class, message, details := errorShape(err, admin)
	obj := map[string]interface{}{
		"class":   class,
		"message": message,
	}
	if details != "" {
		obj["details"] = details
	}
	return obj
}

func errorObject20(err error, methodKnown, admin bool) map[string]interface{} {
	class, message, details := errorShape(err, admin)
	data := map[string]interface{}{"class": class}
	if details != "" {
		data["details"] = details
	}
	return map[string]interface{}{
		"code":    errorCode(err, methodKnown),
		"message": message,
		"data":    data,
	}
}

// errorShape splits an error into its wire class, a user-safe message and
// the admin-only detail string.
func errorShape(err error, admin bool) (class, message, details string) {
	class = backend.ClassOf(err)
	var be *backend.Error
	switch {
	case errors.As(err, &be):
		message = be.Message
	case admin:
		message = err.Error()
	default:
		message = "internal server error"
	}
	if admin {
		details = err.Error()
	}
	return class, message, details
}

func errorCode(err error, methodKnown bool) int {
	if !methodKnown {
		return -32601
	}
	if backend.KindOf(err) == backend.KindBadValue {
		return -32602
	}
	return -32603
}

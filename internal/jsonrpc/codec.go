package jsonrpc

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
	"github.com/pierrec/lz4/v4"
	"github.com/vmihailenco/msgpack/v5"
)

// Serializations of the RPC envelope.
const (
	SerializationJSON    = "json"
	SerializationMsgpack = "msgpack"
)

// Content encodings accepted for request bodies and offered for responses,
// in preference order.
var supportedEncodings = []string{"lz4", "gzip", "deflate"}

// ContentType returns the MIME type of a serialization.
func ContentType(serialization string) string {
	if serialization == SerializationMsgpack {
		return "application/msgpack"
	}
	return "application/json"
}

// serializationFromHeader picks the envelope codec from a Content-Type
// header. Anything but msgpack is treated as JSON, the historic default.
func serializationFromHeader(contentType string) string {
	if mediaType, _, found := strings.Cut(contentType, ";"); found {
		contentType = mediaType
	}
	contentType = strings.TrimSpace(strings.ToLower(contentType))
	if contentType == "application/msgpack" || contentType == "application/x-msgpack" {
		return SerializationMsgpack
	}
	return SerializationJSON
}

func unmarshal(serialization string, data []byte, v interface{}) error {
	if serialization == SerializationMsgpack {
		return msgpack.Unmarshal(data, v)
	}
	return json.Unmarshal(data, v)
}

func marshal(serialization string, v interface{}) ([]byte, error) {
	if serialization == SerializationMsgpack {
		return msgpack.Marshal(v)
	}
	return json.Marshal(v)
}

// decompress unwraps a request body according to its Content-Encoding.
func decompress(encoding string, data []byte) ([]byte, error) {
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "", "identity":
		return data, nil
	case "lz4":
		return io.ReadAll(lz4.NewReader(bytes.NewReader(data)))
	case "gzip":
		r, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("gzip body: %w", err)
		}
		defer r.Close()
		return io.ReadAll(r)
	case "deflate":
		r, err := zlib.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("deflate body: %w", err)
		}
		defer r.Close()
		return io.ReadAll(r)
	default:
		return nil, fmt.Errorf("unsupported content encoding %q", encoding)
	}
}

// compress wraps a response body in the given encoding.
func compress(encoding string, data []byte) ([]byte, error) {
	var buf bytes.Buffer
	var w io.WriteCloser
	switch encoding {
	case "lz4":
		w = lz4.NewWriter(&buf)
	case "gzip":
		w = gzip.NewWriter(&buf)
	case "deflate":
		w = zlib.NewWriter(&buf)
	default:
		return nil, fmt.Errorf("unsupported content encoding %q", encoding)
	}
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// selectEncoding picks the response encoding from an Accept-Encoding
// header, favoring the cheapest codec the client understands.
func selectEncoding(acceptEncoding string) string {
	accepted := make(map[string]bool)
	for _, part := range strings.Split(acceptEncoding, ",") {
		name, _, _ := strings.Cut(part, ";")
		accepted[strings.ToLower(strings.TrimSpace(name))] = true
	}
	for _, enc := range supportedEncodings {
		if accepted[enc] {
			return enc
		}
	}
	return ""
}

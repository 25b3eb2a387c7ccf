package upstream

import (
	"compress/flate"
	"compress/gzip"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/andybalholm/brotli"
)

const acceptEncoding = "br, gzip, deflate"

// maxBufferedBody caps how much of a non-streaming response is buffered.
const maxBufferedBody = 1 << 20

// decodeBody wraps body so reads return decoded bytes. Closing the result
// closes body.
func decodeBody(body io.ReadCloser, contentEncoding string) (io.ReadCloser, error) {
	switch strings.ToLower(strings.TrimSpace(contentEncoding)) {
	case "", "identity":
		return body, nil
	case "br":
		return &decodedBody{Reader: brotli.NewReader(body), body: body}, nil
	case "gzip", "x-gzip":
		zr, err := gzip.NewReader(body)
		if err != nil {
			return nil, err
		}
		return &decodedBody{Reader: zr, body: body, closer: zr}, nil
	case "deflate":
		fr := flate.NewReader(body)
		return &decodedBody{Reader: fr, body: body, closer: fr}, nil
	default:
		return nil, fmt.Errorf("unsupported content encoding %q", contentEncoding)
	}
}

type decodedBody struct {
	io.Reader
	body   io.Closer
	closer io.Closer
}

func (d *decodedBody) Close() error {
	if d.closer != nil {
		_ = d.closer.Close()
	}
	return d.body.Close()
}

// readBody buffers a (possibly encoded) response body. Undecodable bodies
// are returned raw.
func readBody(resp *http.Response) ([]byte, error) {
	body, err := decodeBody(resp.Body, resp.Header.Get("Content-Encoding"))
	if err != nil {
		return io.ReadAll(io.LimitReader(resp.Body, maxBufferedBody))
	}
	return io.ReadAll(io.LimitReader(body, maxBufferedBody))
}

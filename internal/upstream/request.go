package upstream

import "net/http"

// MakeStreamRequest builds a streaming request: always POST with body
// serialized as JSON, asking for an event stream back.
func MakeStreamRequest(path string, body any) Request {
	return Request{
		Method:   http.MethodPost,
		Endpoint: path,
		Body:     body,
		Headers: map[string]string{
			"Accept":        "text/event-stream",
			"Cache-Control": "no-cache",
		},
	}
}

// MakeJSONRequest builds a POST request expecting a JSON reply.
func MakeJSONRequest(path string, body any) Request {
	return Request{
		Method:   http.MethodPost,
		Endpoint: path,
		Body:     body,
		Headers:  map[string]string{"Accept": "application/json"},
	}
}

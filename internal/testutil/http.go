package testutil

import (
	"bytes"
	"io"
	"net/http"
	"net/http/httptest"
)

// handlerTransport serves every request straight from an http.Handler, so
// API tests exercise the full client/server path without a listening
// socket.
type handlerTransport struct {
	handler http.Handler
}

func (t *handlerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	rec := httptest.NewRecorder()
	t.handler.ServeHTTP(rec, req)
	res := rec.Result()
	res.Request = req
	return res, nil
}

// NewInProcessClient returns an http.Client whose transport is the given
// handler.
func NewInProcessClient(handler http.Handler) *http.Client {
	return &http.Client{Transport: &handlerTransport{handler: handler}}
}

// NewRequest builds a request against the in-process host. A nil body is
// an empty body, never a nil reader.
func NewRequest(method, path string, body []byte) *http.Request {
	if body == nil {
		body = []byte{}
	}
	req, err := http.NewRequest(method, "http://in-process"+path, bytes.NewReader(body))
	if err != nil {
		panic(err)
	}
	return req
}

// ReadAll drains and closes a response body.
func ReadAll(resp *http.Response) ([]byte, error) {
	defer resp.Body.Close()
	return io.ReadAll(resp.Body)
}

// Package testutil provides shared helpers for the HTTP handler tests.
package testutil

import (
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
)

// LoopbackAddr is the RemoteAddr of requests built by LocalHostRequest.
const LoopbackAddr = "127.0.0.1:12345"

// LocalHostRequest creates a request that tsweb's debug access check treats
// as coming from the local machine.
func LocalHostRequest(method, target string, body io.Reader) *http.Request {
	req := httptest.NewRequest(method, target, body)
	req.RemoteAddr = LoopbackAddr
	return req
}

// FormRequest creates a loopback request with a url-encoded form body.
func FormRequest(method, target string, values url.Values) *http.Request {
	req := LocalHostRequest(method, target, strings.NewReader(values.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return req
}

// Serve runs req through h and returns the recorded response.
func Serve(h http.Handler, req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

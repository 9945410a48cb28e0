// Package responseformat writes API responses as JSON or MessagePack.
package responseformat

import (
	"encoding/json"
	"net/http"

	"github.com/vmihailenco/msgpack/v5"
)

// Content types produced by the Formatter
const (
	ContentTypeJSON    = "application/json"
	ContentTypeMsgPack = "application/x-msgpack"
)

// Formatter handles encoding and writing responses in JSON or MessagePack format
type Formatter struct{}

// NewFormatter creates a new response formatter
func NewFormatter() *Formatter {
	return &Formatter{}
}

// WantsMsgPack reports whether the request asked for MessagePack, either with
// format=msgpack or through the Accept header
func WantsMsgPack(req *http.Request) bool {
	return req.URL.Query().Get("format") == "msgpack" || req.Header.Get("Accept") == ContentTypeMsgPack
}

// WriteResponse writes data with a 200 status
func (f *Formatter) WriteResponse(w http.ResponseWriter, req *http.Request, data any) error {
	return f.WriteStatus(w, req, http.StatusOK, data)
}

// WriteStatus writes data with the given status. JSON is the default format.
func (f *Formatter) WriteStatus(w http.ResponseWriter, req *http.Request, status int, data any) error {
	w.Header().Set("Access-Control-Allow-Origin", "*")

	if WantsMsgPack(req) {
		w.Header().Set("Content-Type", ContentTypeMsgPack)
		w.WriteHeader(status)
		encoder := msgpack.NewEncoder(w)
		encoder.SetCustomStructTag("json") // Use json tags for MessagePack
		return encoder.Encode(data)
	}

	w.Header().Set("Content-Type", ContentTypeJSON)
	w.WriteHeader(status)
	return json.NewEncoder(w).Encode(data)
}

// ErrorBody is the response body of a failed request
type ErrorBody struct {
	Error string `json:"error"`
}

// WriteError writes an error message with the given status
func (f *Formatter) WriteError(w http.ResponseWriter, req *http.Request, status int, msg string) error {
	return f.WriteStatus(w, req, status, ErrorBody{Error: msg})
}

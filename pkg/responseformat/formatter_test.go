package responseformat

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/vmihailenco/msgpack/v5"
)

type payload struct {
	LayerIndex int    `json:"layer_index"`
	Status     string `json:"status"`
}

func TestWriteResponse(t *testing.T) {
	tests := []struct {
		name     string
		url      string
		accept   string
		wantType string
		binary   bool
	}{
		{name: "default json", url: "/layers", wantType: ContentTypeJSON},
		{name: "msgpack query", url: "/layers?format=msgpack", wantType: ContentTypeMsgPack, binary: true},
		{name: "msgpack accept header", url: "/layers", accept: ContentTypeMsgPack, wantType: ContentTypeMsgPack, binary: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.url, nil)
			if tt.accept != "" {
				req.Header.Set("Accept", tt.accept)
			}
			rec := httptest.NewRecorder()

			if err := NewFormatter().WriteResponse(rec, req, payload{LayerIndex: 3, Status: "repaired"}); err != nil {
				t.Fatalf("WriteResponse() error = %v", err)
			}
			if got := rec.Header().Get("Content-Type"); got != tt.wantType {
				t.Errorf("Content-Type = %q, want %q", got, tt.wantType)
			}

			// MessagePack output uses the json field names
			var got map[string]any
			var err error
			if tt.binary {
				err = msgpack.Unmarshal(rec.Body.Bytes(), &got)
			} else {
				err = json.Unmarshal(rec.Body.Bytes(), &got)
			}
			if err != nil {
				t.Fatalf("decode error = %v", err)
			}
			if got["status"] != "repaired" {
				t.Errorf("decoded body = %v, want status repaired", got)
			}
		})
	}
}

func TestWriteError(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/sessions/x/manifest", nil)
	rec := httptest.NewRecorder()

	if err := NewFormatter().WriteError(rec, req, http.StatusNotFound, "session not found"); err != nil {
		t.Fatalf("WriteError() error = %v", err)
	}
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
	var body ErrorBody
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode error = %v", err)
	}
	if body.Error != "session not found" {
		t.Errorf("body = %+v", body)
	}
}

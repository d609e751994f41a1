package utils

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestWriteJSON(t *testing.T) {
	w := httptest.NewRecorder()
	WriteJSON(w, http.StatusAccepted, map[string]string{"outcome": "stored"})

	if got := w.Header().Get("Content-Type"); got != "application/json; charset=utf-8" {
		t.Errorf("Content-Type = %q; want application/json; charset=utf-8", got)
	}
	if w.Code != http.StatusAccepted {
		t.Errorf("Code = %d; want %d", w.Code, http.StatusAccepted)
	}
	var got map[string]string
	if err := json.NewDecoder(w.Body).Decode(&got); err != nil {
		t.Fatalf("body is not valid JSON: %v", err)
	}
	if got["outcome"] != "stored" {
		t.Errorf("body[outcome] = %q; want stored", got["outcome"])
	}
}

func TestWriteError(t *testing.T) {
	w := httptest.NewRecorder()
	WriteError(w, http.StatusNotFound, "no reading cached")

	if w.Code != http.StatusNotFound {
		t.Errorf("Code = %d; want %d", w.Code, http.StatusNotFound)
	}
	var got map[string]any
	if err := json.NewDecoder(w.Body).Decode(&got); err != nil {
		t.Fatalf("body is not valid JSON: %v", err)
	}
	if got["error"] != http.StatusText(http.StatusNotFound) {
		t.Errorf("error = %q; want %q", got["error"], http.StatusText(http.StatusNotFound))
	}
	if got["message"] != "no reading cached" {
		t.Errorf("message = %q", got["message"])
	}
}

func TestDecodeJSON(t *testing.T) {
	type body struct {
		Location string `json:"location"`
	}
	tests := []struct {
		name    string
		in      string
		want    string
		wantErr bool
	}{
		{name: "valid", in: `{"location":"@1451"}`, want: "@1451"},
		{name: "unknown field", in: `{"location":"x","city":"y"}`, wantErr: true},
		{name: "not json", in: `location=x`, wantErr: true},
		{name: "trailing data", in: `{"location":"x"}{"location":"y"}`, wantErr: true},
		{name: "too large", in: `{"location":"` + strings.Repeat("a", maxBodyBytes) + `"}`, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPut, "/api/location", strings.NewReader(tt.in))
			rec := httptest.NewRecorder()
			var got body
			err := DecodeJSON(rec, req, &got)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("DecodeJSON(%q) error = nil, want non-nil", tt.name)
				}
				return
			}
			if err != nil {
				t.Fatalf("DecodeJSON error = %v", err)
			}
			if got.Location != tt.want {
				t.Errorf("Location = %q; want %q", got.Location, tt.want)
			}
		})
	}
}

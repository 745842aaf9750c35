package license

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"vigil-go/internal/config"
	"vigil-go/internal/vigil"
)

func TestHTTPClient_StatusClassification(t *testing.T) {
	tests := []struct {
		name string
		code int
		want error
	}{
		{"unauthorized", http.StatusUnauthorized, vigil.ErrTransient},
		{"forbidden", http.StatusForbidden, vigil.ErrTransient},
		{"throttled", http.StatusTooManyRequests, vigil.ErrTransient},
		{"server error", http.StatusInternalServerError, vigil.ErrTransient},
		{"unavailable", http.StatusServiceUnavailable, vigil.ErrTransient},
		{"seat limit", http.StatusConflict, vigil.ErrAuthoritative},
		{"unknown key", http.StatusNotFound, vigil.ErrAuthoritative},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.code)
				w.Write([]byte(`{"error":"seat_limit_exceeded"}`))
			}))
			defer srv.Close()

			c := NewHTTPClient(srv.URL, "tok", time.Second)
			_, err := c.Activate(context.Background(), "dev", "key")
			if !errors.Is(err, tt.want) {
				t.Errorf("Activate() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestHTTPClient_TimeoutIsTransient(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	c := NewHTTPClient(srv.URL, "tok", 20*time.Millisecond)
	_, err := c.Validate(context.Background(), "act-1", "dev")
	if !errors.Is(err, vigil.ErrTransient) {
		t.Errorf("Validate() error = %v, want ErrTransient", err)
	}
}

func TestHTTPClient_RequestShape(t *testing.T) {
	var gotAuth, gotPath string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.Path
		json.NewDecoder(r.Body).Decode(&gotBody)
		w.Write([]byte(`{"valid":true,"expiry":"2025-01-01T00:00:00Z","autoRenew":true,"seatCount":2}`))
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL+"/", "secret", time.Second)
	res, err := c.Validate(context.Background(), "act-1", "dev-1")
	if err != nil {
		t.Fatalf("Validate() error = %v", err)
	}

	if gotAuth != "Bearer secret" {
		t.Errorf("Authorization = %q", gotAuth)
	}
	if gotPath != "/validate" {
		t.Errorf("path = %q, want /validate", gotPath)
	}
	if gotBody["activationId"] != "act-1" || gotBody["deviceId"] != "dev-1" {
		t.Errorf("body = %v", gotBody)
	}
	if !res.Valid || !res.AutoRenew || res.SeatCount != 2 {
		t.Errorf("Validate() = %+v", res)
	}
	if want := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC); !res.Expiry.Equal(want) {
		t.Errorf("Expiry = %v, want %v", res.Expiry, want)
	}
}

func TestHTTPClient_RenewNotAccepted(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"accepted":false}`))
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, "", time.Second)
	if err := c.SetAutoRenew(context.Background(), "act-1", true); !errors.Is(err, vigil.ErrAuthoritative) {
		t.Errorf("SetAutoRenew() error = %v, want ErrAuthoritative", err)
	}
}

func TestNewClientFromConfig(t *testing.T) {
	if c := NewClientFromConfig(config.LicenseConfig{}); c != nil {
		t.Errorf("NewClientFromConfig(empty) = %v, want nil", c)
	}
	c := NewClientFromConfig(config.LicenseConfig{ServerURL: "https://license.example.com"})
	if _, ok := c.(*HTTPClient); !ok {
		t.Errorf("NewClientFromConfig() = %T, want *HTTPClient", c)
	}
}

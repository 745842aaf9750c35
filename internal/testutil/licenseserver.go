package testutil

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

// LicenseServer is an in-process fake of the license server. One key is
// accepted; each distinct device takes a seat until SeatLimit is reached.
type LicenseServer struct {
	URL   string
	Token string

	mu          sync.Mutex
	key         string
	seatLimit   int
	expiry      time.Time
	autoRenew   bool
	revoked     bool
	unavailable bool
	devices     map[string]string // activation id -> device id
	requests    map[string]int
}

// NewLicenseServer starts a fake server accepting key with the given seat
// limit and expiry. It is shut down when the test completes.
func NewLicenseServer(t *testing.T, key string, seatLimit int, expiry time.Time) *LicenseServer {
	t.Helper()

	s := &LicenseServer{
		Token:     "test-token",
		key:       key,
		seatLimit: seatLimit,
		expiry:    expiry,
		devices:   make(map[string]string),
		requests:  make(map[string]int),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /activate", s.activate)
	mux.HandleFunc("POST /validate", s.validate)
	mux.HandleFunc("POST /renew-toggle", s.renewToggle)

	srv := httptest.NewServer(s.wrap(mux))
	t.Cleanup(srv.Close)
	s.URL = srv.URL
	return s
}

// SetUnavailable makes every endpoint answer 503.
func (s *LicenseServer) SetUnavailable(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unavailable = v
}

// SetExpiry changes the expiry reported by validate.
func (s *LicenseServer) SetExpiry(t time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expiry = t
}

// SetAutoRenew changes the server-side auto-renew flag.
func (s *LicenseServer) SetAutoRenew(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.autoRenew = v
}

// Revoke marks the license revoked.
func (s *LicenseServer) Revoke() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.revoked = true
}

// AutoRenew reports the server-side auto-renew flag.
func (s *LicenseServer) AutoRenew() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.autoRenew
}

// Requests returns how many requests reached endpoint, e.g. "/validate".
func (s *LicenseServer) Requests(endpoint string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests[endpoint]
}

// Seats returns the number of activated devices.
func (s *LicenseServer) Seats() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.devices)
}

func (s *LicenseServer) wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.requests[r.URL.Path]++
		unavailable := s.unavailable
		s.mu.Unlock()

		if unavailable {
			reply(w, http.StatusServiceUnavailable, map[string]string{"error": "unavailable"})
			return
		}
		if r.Header.Get("Authorization") != "Bearer "+s.Token {
			reply(w, http.StatusUnauthorized, map[string]string{"error": "bad token"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *LicenseServer) activate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DeviceID   string `json:"deviceId"`
		LicenseKey string `json:"licenseKey"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		reply(w, http.StatusBadRequest, map[string]string{"error": "bad request"})
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if req.LicenseKey != s.key {
		reply(w, http.StatusNotFound, map[string]string{"error": "unknown_key"})
		return
	}

	id := ""
	for aid, dev := range s.devices {
		if dev == req.DeviceID {
			id = aid
		}
	}
	if id == "" {
		if len(s.devices) >= s.seatLimit {
			reply(w, http.StatusConflict, map[string]string{"error": "seat_limit_exceeded"})
			return
		}
		id = fmt.Sprintf("act-%d", len(s.devices)+1)
		s.devices[id] = req.DeviceID
	}
	reply(w, http.StatusOK, map[string]any{
		"activationId": id,
		"expiry":       s.expiry,
		"seatLimit":    s.seatLimit,
	})
}

func (s *LicenseServer) validate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ActivationID string `json:"activationId"`
		DeviceID     string `json:"deviceId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		reply(w, http.StatusBadRequest, map[string]string{"error": "bad request"})
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	dev, ok := s.devices[req.ActivationID]
	reply(w, http.StatusOK, map[string]any{
		"valid":     ok && dev == req.DeviceID,
		"expiry":    s.expiry,
		"autoRenew": s.autoRenew,
		"seatCount": len(s.devices),
		"revoked":   s.revoked,
	})
}

func (s *LicenseServer) renewToggle(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ActivationID string `json:"activationId"`
		Enabled      bool   `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		reply(w, http.StatusBadRequest, map[string]string{"error": "bad request"})
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.devices[req.ActivationID]; !ok {
		reply(w, http.StatusOK, map[string]any{"accepted": false, "error": "unknown activation"})
		return
	}
	s.autoRenew = req.Enabled
	reply(w, http.StatusOK, map[string]any{"accepted": true})
}

func reply(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}

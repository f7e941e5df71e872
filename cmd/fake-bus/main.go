// Command fake-bus is a stand-in BUS for local runs: it issues JWTs on
// /login and accepts envelopes on /events, optionally failing the first N.
package main

import (
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/golang-jwt/jwt/v5"

	"github.com/austindbirch/bus_relay/internal/bus"
)

type fakeBus struct {
	username string
	password string
	secret   []byte
	tokenTTL time.Duration

	mu         sync.Mutex
	failFirstN int
	reqCount   int
	received   []bus.Envelope
}

func main() {
	fb := &fakeBus{
		username: os.Getenv("BUS_USERNAME"),
		password: os.Getenv("BUS_PASSWORD"),
		secret:   []byte(getenv("FAKE_BUS_SECRET", "fake-bus-secret")),
		tokenTTL: time.Hour,
	}
	if v := os.Getenv("FAIL_FIRST_N"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			fb.failFirstN = n
		}
	}
	if v := os.Getenv("TOKEN_TTL_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			fb.tokenTTL = time.Duration(n) * time.Second
		}
	}

	addr := getenv("FAKE_BUS_ADDR", ":8081")
	log.Printf("fake-bus listening on %s", addr)
	srv := &http.Server{Addr: addr, Handler: fb.routes(), ReadHeaderTimeout: 5 * time.Second}
	log.Fatal(srv.ListenAndServe())
}

func (fb *fakeBus) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte(`{"ok":true}`)) })
	mux.HandleFunc("/login", fb.handleLogin)
	mux.HandleFunc("/events", fb.handleEvents)
	return mux
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	NodeID   string `json:"node_id"`
}

func (fb *fakeBus) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid login body", http.StatusBadRequest)
		return
	}
	if fb.username != "" && (req.Username != fb.username || req.Password != fb.password) {
		log.Printf("fake-bus rejected login for %q", req.Username)
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid credentials"})
		return
	}

	tok, err := fb.issueToken(req.NodeID, time.Now())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	log.Printf("fake-bus issued token for node %q", req.NodeID)
	writeJSON(w, http.StatusOK, map[string]string{"token": tok})
}

func (fb *fakeBus) issueToken(nodeID string, now time.Time) (string, error) {
	claims := jwt.RegisteredClaims{
		Subject:   nodeID,
		Issuer:    "fake-bus",
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(fb.tokenTTL)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(fb.secret)
}

func (fb *fakeBus) validToken(tok string) bool {
	_, err := jwt.Parse(tok, func(*jwt.Token) (any, error) { return fb.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired())
	return err == nil
}

func (fb *fakeBus) handleEvents(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
	case http.MethodGet:
		fb.mu.Lock()
		out := append([]bus.Envelope(nil), fb.received...)
		fb.mu.Unlock()
		writeJSON(w, http.StatusOK, out)
		return
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if !fb.validToken(r.Header.Get("x-api-key")) {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid or expired token"})
		return
	}
	b, _ := io.ReadAll(r.Body)
	defer r.Body.Close()

	fb.mu.Lock()
	fb.reqCount++
	n := fb.reqCount
	fb.mu.Unlock()

	// Simulate flakiness: first N requests -> 500
	if n <= fb.failFirstN {
		log.Printf("FAILING (%d/%d) body=%s", n, fb.failFirstN, truncate(string(b), 160))
		http.Error(w, "temporary failure", http.StatusInternalServerError)
		return
	}

	// the body is an array holding exactly one envelope
	var envs []bus.Envelope
	if err := json.Unmarshal(b, &envs); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid envelope: " + err.Error()})
		return
	}
	if len(envs) != 1 {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": "expected exactly one envelope"})
		return
	}
	env := envs[0]
	if len(env.Events) == 0 || env.Reference == "" || len(env.Payload) == 0 {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": "envelope needs events, reference and payload"})
		return
	}

	fb.mu.Lock()
	fb.received = append(fb.received, env)
	fb.mu.Unlock()

	log.Printf("fake-bus OK %v ref=%s body=%q", env.Events, env.Reference, truncate(string(b), 160))
	writeJSON(w, http.StatusCreated, map[string]any{"ok": true, "id": fmt.Sprintf("evt_%d", n)})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

// truncate truncates a string to the specified length and adds an ellipsis if truncated
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return fmt.Sprintf("%s...", s[:n])
}

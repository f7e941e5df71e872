// Command token-issuer mints RS256 tokens for callers of the relay API in
// development. The relay verifies them with AUTH_PUBLIC_KEY_PEM, which this
// server publishes at /public-key.pem.
package main

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"log"
	"math/big"
	"net/http"
	"os"
	"time"

	"github.com/goccy/go-json"
	"github.com/golang-jwt/jwt/v5"

	"github.com/austindbirch/bus_relay/internal/config"
)

const (
	defaultTTL = time.Hour
	maxTTL     = 24 * time.Hour
)

type jwk struct {
	Kty string `json:"kty"`
	Use string `json:"use"`
	Kid string `json:"kid"`
	Alg string `json:"alg"`
	N   string `json:"n"`
	E   string `json:"e"`
}

type issuer struct {
	key      *rsa.PrivateKey
	keyID    string
	issuer   string
	audience string
	now      func() time.Time
}

func main() {
	key, err := loadKey(os.Getenv("JWT_PRIVATE_KEY"))
	if err != nil {
		log.Fatalf("load signing key: %v", err)
	}
	auth := config.FromEnv().Auth
	iss := &issuer{key: key, keyID: "bus-relay-key-1", issuer: auth.Issuer, audience: auth.Audience, now: time.Now}

	port := os.Getenv("PORT")
	if port == "" {
		port = "8082"
	}
	log.Printf("token-issuer starting on port %s", port)
	log.Printf("set AUTH_PUBLIC_KEY_PEM on the relay from http://localhost:%s/public-key.pem", port)

	srv := &http.Server{Addr: ":" + port, Handler: iss.routes(), ReadHeaderTimeout: 5 * time.Second}
	log.Fatal(srv.ListenAndServe())
}

// loadKey parses a PKCS1 or PKCS8 private key, or generates one when pemText is empty.
func loadKey(pemText string) (*rsa.PrivateKey, error) {
	if pemText == "" {
		log.Printf("JWT_PRIVATE_KEY not set, generating a throwaway key pair")
		return rsa.GenerateKey(rand.Reader, 2048)
	}
	block, _ := pem.Decode([]byte(pemText))
	if block == nil {
		return nil, errors.New("JWT_PRIVATE_KEY is not PEM")
	}
	if k, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return k, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	k, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, errors.New("JWT_PRIVATE_KEY is not an RSA key")
	}
	return k, nil
}

func (i *issuer) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/jwks.json", i.jwks)
	mux.HandleFunc("/public-key.pem", i.publicKeyPEM)
	mux.HandleFunc("/token", i.createToken)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	return mux
}

func (i *issuer) jwks(w http.ResponseWriter, _ *http.Request) {
	pub := i.key.PublicKey
	w.Header().Set("Cache-Control", "public, max-age=300")
	writeJSON(w, http.StatusOK, map[string][]jwk{"keys": {{
		Kty: "RSA",
		Use: "sig",
		Kid: i.keyID,
		Alg: jwt.SigningMethodRS256.Alg(),
		N:   base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
		E:   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes()),
	}}})
}

func (i *issuer) publicKeyPEM(w http.ResponseWriter, _ *http.Request) {
	der, err := x509.MarshalPKIXPublicKey(&i.key.PublicKey)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/x-pem-file")
	_ = pem.Encode(w, &pem.Block{Type: "PUBLIC KEY", Bytes: der})
}

type tokenRequest struct {
	Caller     string `json:"caller"`
	TTLSeconds int    `json:"ttl_seconds,omitempty"`
}

func (i *issuer) createToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req tokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}
	if req.Caller == "" {
		http.Error(w, "caller is required", http.StatusBadRequest)
		return
	}
	ttl := defaultTTL
	if req.TTLSeconds > 0 {
		ttl = min(time.Duration(req.TTLSeconds)*time.Second, maxTTL)
	}

	tok, err := i.sign(req.Caller, ttl)
	if err != nil {
		http.Error(w, "failed to sign token", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"token":      tok,
		"expires_in": int(ttl.Seconds()),
		"token_type": "Bearer",
	})
}

func (i *issuer) sign(caller string, ttl time.Duration) (string, error) {
	now := i.now()
	claims := jwt.RegisteredClaims{
		Subject:   caller,
		Issuer:    i.issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	if i.audience != "" {
		claims.Audience = jwt.ClaimStrings{i.audience}
	}
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = i.keyID
	return token.SignedString(i.key)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

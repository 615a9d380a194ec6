package jwtauth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"
)

const testKID = "bridge-test-key"

// issuerServer serves OpenID discovery and a JWKS for one RSA key.
func issuerServer(t *testing.T, pub *rsa.PublicKey, omitJWKS bool) *httptest.Server {
	t.Helper()

	set := struct {
		Keys []jose.JSONWebKey `json:"keys"`
	}{Keys: []jose.JSONWebKey{{Key: pub, KeyID: testKID, Algorithm: "RS256", Use: "sig"}}}
	jwks, err := json.Marshal(set)
	if err != nil {
		t.Fatalf("marshal jwks: %v", err)
	}

	var srv *httptest.Server
	mux := http.NewServeMux()
	mux.HandleFunc("GET /.well-known/openid-configuration", func(w http.ResponseWriter, r *http.Request) {
		meta := map[string]any{
			"issuer":                 srv.URL,
			"authorization_endpoint": srv.URL + "/authorize",
		}
		if !omitJWKS {
			meta["jwks_uri"] = srv.URL + "/jwks"
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(meta)
	})
	mux.HandleFunc("GET /jwks", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(jwks)
	})
	srv = httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func sign(t *testing.T, pk *rsa.PrivateKey, typ string, claims jwt.MapClaims) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = testKID
	if typ != "" {
		tok.Header["typ"] = typ
	}
	s, err := tok.SignedString(pk)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return s
}

func TestCheckAuthentication(t *testing.T) {
	pk, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("gen key: %v", err)
	}
	srv := issuerServer(t, &pk.PublicKey, false)

	const aud = "https://bridge.example.com"
	const localAud = "http://localhost:8080"

	cfg := DefaultConfig()
	cfg.Issuer = srv.URL
	cfg.Audiences = []string{aud, localAud}
	cfg.Leeway = 0

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	a, err := NewFromDiscovery(ctx, cfg)
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	scoped := *cfg
	scoped.RequiredScopes = []string{"bridge:use"}
	scoped.RequireAccessTokenType = true
	strict, err := NewFromDiscovery(ctx, &scoped)
	if err != nil {
		t.Fatalf("new strict: %v", err)
	}

	now := time.Now()
	base := func() jwt.MapClaims {
		return jwt.MapClaims{
			"iss": srv.URL,
			"sub": "user-123",
			"aud": aud,
			"exp": now.Add(time.Hour).Unix(),
			"iat": now.Unix(),
		}
	}
	with := func(k string, v any) jwt.MapClaims {
		c := base()
		if v == nil {
			delete(c, k)
		} else {
			c[k] = v
		}
		return c
	}

	tests := []struct {
		name    string
		auth    *Authenticator
		typ     string
		claims  jwt.MapClaims
		wantErr error
	}{
		{name: "valid", auth: a, typ: "JWT", claims: base()},
		{name: "audience array", auth: a, claims: with("aud", []string{"https://other", aud})},
		{name: "secondary audience", auth: a, claims: with("aud", localAud)},
		{name: "unknown audience", auth: a, claims: with("aud", "https://unknown"), wantErr: ErrUnauthorized},
		{name: "issuer mismatch", auth: a, claims: with("iss", "https://evil.example.com"), wantErr: ErrUnauthorized},
		{name: "expired", auth: a, claims: with("exp", now.Add(-time.Minute).Unix()), wantErr: ErrUnauthorized},
		{name: "missing exp", auth: a, claims: with("exp", nil), wantErr: ErrUnauthorized},
		{name: "missing sub", auth: a, claims: with("sub", nil), wantErr: ErrUnauthorized},
		{name: "strict ok", auth: strict, typ: "at+jwt", claims: with("scope", "bridge:use other")},
		{name: "strict wrong typ", auth: strict, typ: "JWT", claims: with("scope", "bridge:use"), wantErr: ErrUnauthorized},
		{name: "strict missing scope", auth: strict, typ: "at+jwt", claims: with("scope", "other"), wantErr: ErrInsufficientScope},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ui, err := tt.auth.CheckAuthentication(ctx, sign(t, pk, tt.typ, tt.claims))
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("want %v, got %v", tt.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("check: %v", err)
			}
			if ui.UserID() != "user-123" {
				t.Fatalf("want sub user-123, got %s", ui.UserID())
			}
		})
	}
}

func TestCheckAuthentication_ClaimsRoundTrip(t *testing.T) {
	pk, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	srv := issuerServer(t, &pk.PublicKey, false)

	cfg := DefaultConfig()
	cfg.Issuer = srv.URL
	cfg.Audiences = []string{"aud"}
	a, err := NewStatic(t.Context(), cfg, srv.URL+"/jwks")
	if err != nil {
		t.Fatalf("new static: %v", err)
	}

	tok := sign(t, pk, "", jwt.MapClaims{
		"iss":   srv.URL,
		"sub":   "svc",
		"aud":   "aud",
		"exp":   time.Now().Add(time.Hour).Unix(),
		"scope": "a b",
	})
	ui, err := a.CheckAuthentication(t.Context(), tok)
	if err != nil {
		t.Fatal(err)
	}
	var out struct {
		Scope string `json:"scope"`
	}
	if err := ui.Claims(&out); err != nil || out.Scope != "a b" {
		t.Fatalf("claims roundtrip: %q %v", out.Scope, err)
	}
}

func TestCheckAuthentication_EmptyToken(t *testing.T) {
	a := newAuthenticator(Config{Issuer: "x", Audiences: []string{"y"}}, func(*jwt.Token) (any, error) { return nil, nil })
	if _, err := a.CheckAuthentication(t.Context(), ""); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("want ErrUnauthorized, got %v", err)
	}
}

func TestNewFromDiscovery_MissingJWKS(t *testing.T) {
	pk, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	srv := issuerServer(t, &pk.PublicKey, true)

	cfg := DefaultConfig()
	cfg.Issuer = srv.URL
	cfg.Audiences = []string{"aud"}
	if _, err := NewFromDiscovery(t.Context(), cfg); err == nil {
		t.Fatalf("expected discovery failure without jwks_uri")
	}
}

func TestNewStatic_Validation(t *testing.T) {
	tests := []struct {
		name string
		cfg  *Config
		uri  string
	}{
		{name: "nil config", uri: "http://x/jwks"},
		{name: "no issuer", cfg: &Config{Audiences: []string{"a"}}, uri: "http://x/jwks"},
		{name: "no audience", cfg: &Config{Issuer: "i"}, uri: "http://x/jwks"},
		{name: "no jwks", cfg: &Config{Issuer: "i", Audiences: []string{"a"}}},
	}
	for _, tt := range tests {
		if _, err := NewStatic(t.Context(), tt.cfg, tt.uri); err == nil {
			t.Fatalf("%s: expected error", tt.name)
		}
	}
}

package main

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/solana-turbin3/Q1-26-Accel-Meowy/crypto"
	"github.com/solana-turbin3/Q1-26-Accel-Meowy/gateway/middleware"
	"github.com/solana-turbin3/Q1-26-Accel-Meowy/native/escrow"
)

type fixedSecret string

func (s fixedSecret) Get() (string, error) { return string(s), nil }

type capturedRequest struct {
	method string
	path   string
	auth   string
	body   map[string]any
}

func newCaptureServer(t *testing.T, status int, response string) (*httptest.Server, *capturedRequest) {
	t.Helper()
	captured := &capturedRequest{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured.method = r.Method
		captured.path = r.URL.RequestURI()
		captured.auth = r.Header.Get("Authorization")
		raw, _ := io.ReadAll(r.Body)
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &captured.body); err != nil {
				t.Errorf("decode body: %v", err)
			}
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(response))
	}))
	t.Cleanup(srv.Close)
	return srv, captured
}

func testAddr(b byte) crypto.Address {
	var a crypto.Address
	a[0] = b
	return a
}

func TestOpenSendsRequest(t *testing.T) {
	srv, captured := newCaptureServer(t, http.StatusCreated, `{"nonce":123}`)
	var stdout, stderr bytes.Buffer
	code := run([]string{"open", "--url", srv.URL, "--token", "tkn",
		"--nonce", "123", "--deposit", "10", "--amount", "10",
		"--offered", testAddr(0xa1).String(), "--requested", testAddr(0xb2).String(),
	}, &stdout, &stderr)
	if code != 0 {
		t.Fatalf("expected success, got %d: %s", code, stderr.String())
	}
	if captured.method != http.MethodPost || captured.path != "/v1/escrow/records" {
		t.Fatalf("unexpected request %s %s", captured.method, captured.path)
	}
	if captured.auth != "Bearer tkn" {
		t.Fatalf("unexpected auth header %q", captured.auth)
	}
	if captured.body["assetOffered"] != testAddr(0xa1).String() || captured.body["nonce"] != float64(123) {
		t.Fatalf("unexpected body %v", captured.body)
	}
	if !strings.Contains(stdout.String(), `"nonce": 123`) {
		t.Fatalf("expected indented output, got %s", stdout.String())
	}
}

func TestSettleCommandsUseRecordPath(t *testing.T) {
	maker := testAddr(0x11)
	for _, action := range []string{"accept", "cancel", "auto-cancel"} {
		srv, captured := newCaptureServer(t, http.StatusOK, `{}`)
		var stdout, stderr bytes.Buffer
		code := run([]string{action, "--url", srv.URL, "--maker", maker.String(), "--nonce", "9"}, &stdout, &stderr)
		if code != 0 {
			t.Fatalf("%s: exit %d: %s", action, code, stderr.String())
		}
		want := "/v1/escrow/records/" + maker.String() + "/9/" + action
		if captured.path != want {
			t.Fatalf("%s: path %s, want %s", action, captured.path, want)
		}
	}
}

func TestAPIErrorsAreReported(t *testing.T) {
	srv, _ := newCaptureServer(t, http.StatusForbidden, `{"error":"escrow cancel: authorization: escrow: caller not authorized","kind":"authorization"}`)
	var stdout, stderr bytes.Buffer
	code := run([]string{"cancel", "--url", srv.URL, "--maker", testAddr(0x11).String(), "--nonce", "1"}, &stdout, &stderr)
	if code != 1 {
		t.Fatalf("expected failure exit code, got %d", code)
	}
	if !strings.Contains(stderr.String(), "403 authorization") {
		t.Fatalf("unexpected stderr %q", stderr.String())
	}
}

func TestScheduleResolvesRelativeExpiry(t *testing.T) {
	prev := cliNow
	cliNow = func() time.Time { return time.Unix(1_700_000_000, 0) }
	t.Cleanup(func() { cliNow = prev })

	srv, captured := newCaptureServer(t, http.StatusAccepted, `{}`)
	var stdout, stderr bytes.Buffer
	code := run([]string{"schedule", "--url", srv.URL, "--maker", testAddr(0x11).String(), "--nonce", "5", "--task-id", "7", "--expiry", "+1h"}, &stdout, &stderr)
	if code != 0 {
		t.Fatalf("exit %d: %s", code, stderr.String())
	}
	if captured.body["expiry"] != float64(1_700_003_600) || captured.body["taskId"] != float64(7) {
		t.Fatalf("unexpected body %v", captured.body)
	}

	code = run([]string{"schedule", "--url", srv.URL, "--maker", testAddr(0x11).String(), "--nonce", "5", "--task-id", "70000"}, &stdout, &stderr)
	if code != 1 {
		t.Fatalf("expected out of range task id to fail")
	}
}

func TestParseExpiry(t *testing.T) {
	now := time.Unix(1_000, 0)
	cases := map[string]int64{
		"":                     0,
		"0":                    0,
		"+30s":                 1_030,
		"1700000000":           1_700_000_000,
		"2024-01-01T00:00:00Z": 1_704_067_200,
	}
	for raw, want := range cases {
		got, err := parseExpiry(raw, now)
		if err != nil || got != want {
			t.Fatalf("parseExpiry(%q) = %d, %v; want %d", raw, got, err, want)
		}
	}
	if _, err := parseExpiry("tomorrow", now); err == nil {
		t.Fatalf("expected error for unparseable expiry")
	}
}

func TestDeriveIsOffline(t *testing.T) {
	maker := testAddr(0x11)
	var stdout, stderr bytes.Buffer
	code := run([]string{"derive", "--maker", maker.String(), "--nonce", "77", "--asset", testAddr(0xa1).String()}, &stdout, &stderr)
	if code != 0 {
		t.Fatalf("exit %d: %s", code, stderr.String())
	}
	var out map[string]any
	if err := json.Unmarshal(stdout.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	want, err := escrow.DeriveAddresses(maker, 77, testAddr(0xa1))
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	if out["record"] != want.Record.String() || out["taskQueue"] != escrow.TaskQueue().String() {
		t.Fatalf("unexpected output %v", out)
	}
}

func TestTokenCommand(t *testing.T) {
	prev := secretSource
	secretSource = func() secretGetter { return fixedSecret("cli-secret") }
	t.Cleanup(func() { secretSource = prev })

	subject := testAddr(0x11)
	var stdout, stderr bytes.Buffer
	code := run([]string{"token", "--subject", subject.String(), "--scope", middleware.ScopeMint}, &stdout, &stderr)
	if code != 0 {
		t.Fatalf("exit %d: %s", code, stderr.String())
	}
	auth, err := middleware.NewAuthenticator(middleware.AuthConfig{HMACSecret: "cli-secret", Issuer: "escrowd"}, nil)
	if err != nil {
		t.Fatalf("authenticator: %v", err)
	}
	principal, err := auth.Verify(strings.TrimSpace(stdout.String()))
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if principal.Subject != subject || !principal.HasScope(middleware.ScopeMint) {
		t.Fatalf("unexpected principal %+v", principal)
	}

	if code := run([]string{"token"}, &stdout, &stderr); code != 1 {
		t.Fatalf("expected missing subject to fail")
	}
}

func TestKeygenThenTokenFromKeystore(t *testing.T) {
	prevKey, prevSecret := keystoreInput, secretSource
	keystoreInput = func() secretGetter { return fixedSecret("keystore-pass") }
	secretSource = func() secretGetter { return fixedSecret("cli-secret") }
	t.Cleanup(func() { keystoreInput, secretSource = prevKey, prevSecret })

	path := filepath.Join(t.TempDir(), "maker.json")
	var stdout, stderr bytes.Buffer
	if code := run([]string{"keygen", "--out", path}, &stdout, &stderr); code != 0 {
		t.Fatalf("keygen exit %d: %s", code, stderr.String())
	}
	addr, err := crypto.ParseAddress(strings.TrimSpace(stdout.String()))
	if err != nil {
		t.Fatalf("keygen printed %q: %v", stdout.String(), err)
	}

	stdout.Reset()
	if code := run([]string{"token", "--keystore", path}, &stdout, &stderr); code != 0 {
		t.Fatalf("token exit %d: %s", code, stderr.String())
	}
	auth, _ := middleware.NewAuthenticator(middleware.AuthConfig{HMACSecret: "cli-secret"}, nil)
	principal, err := auth.Verify(strings.TrimSpace(stdout.String()))
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if principal.Subject != addr {
		t.Fatalf("subject %s, want %s", principal.Subject, addr)
	}
}

func TestUnknownCommand(t *testing.T) {
	var stdout, stderr bytes.Buffer
	if code := run([]string{"frobnicate"}, &stdout, &stderr); code != 1 {
		t.Fatalf("expected failure")
	}
	if code := run(nil, &stdout, &stderr); code != 1 {
		t.Fatalf("expected failure without args")
	}
}

package routes

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"

	"github.com/solana-turbin3/Q1-26-Accel-Meowy/core/events"
	"github.com/solana-turbin3/Q1-26-Accel-Meowy/crypto"
	"github.com/solana-turbin3/Q1-26-Accel-Meowy/gateway/middleware"
	"github.com/solana-turbin3/Q1-26-Accel-Meowy/journal"
	"github.com/solana-turbin3/Q1-26-Accel-Meowy/native/escrow"
	"github.com/solana-turbin3/Q1-26-Accel-Meowy/storage"
)

const (
	routeSecret = "route-secret"
	routeStart  = int64(1_700_000_000)
)

type routeFixture struct {
	t       *testing.T
	handler http.Handler
	engine  *escrow.Engine
	bus     *events.Bus
	clock   *atomic.Int64
	maker   crypto.Address
	taker   crypto.Address
	assetA  crypto.Address
	assetB  crypto.Address
}

func addr(b byte) crypto.Address {
	var a crypto.Address
	for i := range a {
		a[i] = b
	}
	return a
}

func newRouteFixture(t *testing.T, faucet bool) *routeFixture {
	t.Helper()
	j, err := journal.Open(filepath.Join(t.TempDir(), "journal.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = j.Close() })

	bus := events.NewBus(j)
	engine := escrow.NewEngine(storage.NewMemDB())
	engine.SetEmitter(bus)
	clock := &atomic.Int64{}
	clock.Store(routeStart)
	engine.SetNowFunc(clock.Load)

	auth, err := middleware.NewAuthenticator(middleware.AuthConfig{HMACSecret: routeSecret, Issuer: "escrowd"}, nil)
	require.NoError(t, err)
	reg := prometheus.NewRegistry()
	obs, err := middleware.NewObservability(reg, nil)
	require.NoError(t, err)

	handler, err := New(Config{
		Engine:        engine,
		Journal:       j,
		Bus:           bus,
		Authenticator: auth,
		RateLimiter:   middleware.NewRateLimiter(middleware.RateLimit{RatePerSecond: 1000, Burst: 1000}),
		Observability: obs,
		Gatherer:      reg,
		Faucet:        faucet,
	})
	require.NoError(t, err)

	f := &routeFixture{
		t: t, handler: handler, engine: engine, bus: bus, clock: clock,
		maker: addr(0x11), taker: addr(0x22), assetA: addr(0xa1), assetB: addr(0xb2),
	}
	for _, who := range []crypto.Address{f.maker, f.taker} {
		require.NoError(t, engine.FundNative(who, 10_000_000))
	}
	_, err = engine.Mint(f.maker, f.assetA, 100)
	require.NoError(t, err)
	_, err = engine.Mint(f.taker, f.assetB, 100)
	require.NoError(t, err)
	return f
}

func (f *routeFixture) token(subject crypto.Address, scopes ...string) string {
	token, err := middleware.IssueToken(routeSecret, middleware.TokenRequest{
		Subject: subject, Issuer: "escrowd", Scopes: scopes,
	}, time.Now())
	require.NoError(f.t, err)
	return token
}

func (f *routeFixture) do(method, path string, as *crypto.Address, body any, scopes ...string) *httptest.ResponseRecorder {
	f.t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(f.t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if as != nil {
		req.Header.Set("Authorization", "Bearer "+f.token(*as, scopes...))
	}
	res := httptest.NewRecorder()
	f.handler.ServeHTTP(res, req)
	return res
}

func (f *routeFixture) recordPath(nonce uint64, suffix string) string {
	return "/v1/escrow/records/" + f.maker.String() + "/" + strconv.FormatUint(nonce, 10) + suffix
}

func (f *routeFixture) open(nonce, deposit, amount uint64) *httptest.ResponseRecorder {
	return f.do(http.MethodPost, "/v1/escrow/records", &f.maker, openRequest{
		Nonce: nonce, Deposit: deposit, AmountRequested: amount,
		AssetOffered: f.assetA, AssetRequested: f.assetB,
	})
}

func TestRequiresBearerToken(t *testing.T) {
	f := newRouteFixture(t, false)
	res := f.do(http.MethodGet, "/v1/balances/"+f.maker.String(), nil, nil)
	require.Equal(t, http.StatusUnauthorized, res.Code)

	res = f.do(http.MethodGet, "/healthz", nil, nil)
	require.Equal(t, http.StatusOK, res.Code)
}

func TestOpenAcceptLifecycle(t *testing.T) {
	f := newRouteFixture(t, false)

	res := f.open(123, 10, 10)
	require.Equal(t, http.StatusCreated, res.Code, res.Body.String())
	var opened recordView
	require.NoError(t, json.Unmarshal(res.Body.Bytes(), &opened))
	require.Equal(t, f.maker, opened.Maker)
	require.Equal(t, uint64(routeStart)+uint64(escrow.DefaultMaturity/time.Second), opened.MaturesAt)

	res = f.do(http.MethodGet, f.recordPath(123, ""), &f.taker, nil)
	require.Equal(t, http.StatusOK, res.Code)
	var shown recordView
	require.NoError(t, json.Unmarshal(res.Body.Bytes(), &shown))
	require.NotNil(t, shown.VaultBalance)
	require.Equal(t, uint64(10), *shown.VaultBalance)

	res = f.do(http.MethodPost, f.recordPath(123, "/accept"), &f.taker, nil)
	require.Equal(t, http.StatusConflict, res.Code, "accept before maturity")

	f.clock.Add(int64(escrow.DefaultMaturity/time.Second) + 1)
	res = f.do(http.MethodPost, f.recordPath(123, "/accept"), &f.maker, nil)
	require.Equal(t, http.StatusForbidden, res.Code, "maker cannot accept")

	res = f.do(http.MethodPost, f.recordPath(123, "/accept"), &f.taker, nil)
	require.Equal(t, http.StatusOK, res.Code, res.Body.String())
	var settled settlementView
	require.NoError(t, json.Unmarshal(res.Body.Bytes(), &settled))
	require.Equal(t, uint64(10), settled.Amount)

	res = f.do(http.MethodGet, f.recordPath(123, ""), &f.taker, nil)
	require.Equal(t, http.StatusGone, res.Code)

	res = f.do(http.MethodGet, "/v1/balances/"+f.taker.String()+"?mint="+f.assetA.String(), &f.taker, nil)
	require.Equal(t, http.StatusOK, res.Code)
	var balance balanceView
	require.NoError(t, json.Unmarshal(res.Body.Bytes(), &balance))
	require.Equal(t, uint64(10), balance.Amount)
}

func TestCancelAndAutoCancel(t *testing.T) {
	f := newRouteFixture(t, false)
	require.Equal(t, http.StatusCreated, f.open(456, 50, 25).Code)

	res := f.do(http.MethodPost, f.recordPath(456, "/cancel"), &f.taker, nil)
	require.Equal(t, http.StatusForbidden, res.Code)

	res = f.do(http.MethodPost, f.recordPath(456, "/cancel"), &f.maker, nil)
	require.Equal(t, http.StatusOK, res.Code)

	res = f.do(http.MethodPost, f.recordPath(456, "/cancel"), &f.maker, nil)
	require.Equal(t, http.StatusNotFound, res.Code)

	res = f.do(http.MethodPost, f.recordPath(456, "/auto-cancel"), &f.taker, nil)
	require.Equal(t, http.StatusOK, res.Code)
	require.JSONEq(t, `{"outcome":"already_closed"}`, res.Body.String())
}

func TestOpenValidationMapsToUnprocessable(t *testing.T) {
	f := newRouteFixture(t, false)
	res := f.open(1, 0, 10)
	require.Equal(t, http.StatusUnprocessableEntity, res.Code)

	req := httptest.NewRequest(http.MethodPost, "/v1/escrow/records", strings.NewReader(`{"nonce":1,"bogus":true}`))
	req.Header.Set("Authorization", "Bearer "+f.token(f.maker))
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestScheduleWithoutSchedulerIsInternal(t *testing.T) {
	f := newRouteFixture(t, false)
	require.Equal(t, http.StatusCreated, f.open(9, 5, 5).Code)

	res := f.do(http.MethodPost, f.recordPath(9, "/schedule"), &f.taker, scheduleRequest{TaskID: 1})
	require.Equal(t, http.StatusForbidden, res.Code)

	res = f.do(http.MethodPost, f.recordPath(9, "/schedule"), &f.maker, scheduleRequest{TaskID: 1})
	require.Equal(t, http.StatusInternalServerError, res.Code)
}

func TestDeriveAndEvents(t *testing.T) {
	f := newRouteFixture(t, false)
	require.Equal(t, http.StatusCreated, f.open(7, 5, 5).Code)

	res := f.do(http.MethodGet, "/v1/escrow/derive?maker="+f.maker.String()+"&nonce=7&asset="+f.assetA.String(), &f.taker, nil)
	require.Equal(t, http.StatusOK, res.Code)
	var addrs escrow.Addresses
	require.NoError(t, json.Unmarshal(res.Body.Bytes(), &addrs))
	expected, err := escrow.DeriveAddresses(f.maker, 7, f.assetA)
	require.NoError(t, err)
	require.Equal(t, expected, addrs)

	res = f.do(http.MethodGet, "/v1/escrow/events?type="+escrow.EventTypeOpened+"&record="+expected.Record.String(), &f.taker, nil)
	require.Equal(t, http.StatusOK, res.Code)
	var entries []journal.Entry
	require.NoError(t, json.Unmarshal(res.Body.Bytes(), &entries))
	require.Len(t, entries, 1)
	require.Equal(t, "7", entries[0].Attributes["nonce"])

	res = f.do(http.MethodGet, "/metrics", nil, nil)
	require.Equal(t, http.StatusOK, res.Code)
	require.Contains(t, res.Body.String(), "escrow_gateway_requests_total")
}

func TestFaucetRoutes(t *testing.T) {
	disabled := newRouteFixture(t, false)
	res := disabled.do(http.MethodPost, "/v1/faucet/airdrop", &disabled.maker, airdropRequest{Address: disabled.maker, Amount: 1}, middleware.ScopeMint)
	require.Equal(t, http.StatusNotFound, res.Code)

	f := newRouteFixture(t, true)
	res = f.do(http.MethodPost, "/v1/faucet/airdrop", &f.maker, airdropRequest{Address: f.maker, Amount: 1})
	require.Equal(t, http.StatusForbidden, res.Code)

	res = f.do(http.MethodPost, "/v1/faucet/airdrop", &f.maker, airdropRequest{Address: f.maker, Amount: 5}, middleware.ScopeMint)
	require.Equal(t, http.StatusOK, res.Code)
	balance, err := f.engine.NativeBalance(f.maker)
	require.NoError(t, err)
	require.Equal(t, uint64(10_000_005), balance)

	res = f.do(http.MethodPost, "/v1/faucet/mint", &f.maker, mintRequest{Owner: f.taker, Mint: f.assetA, Amount: 3}, middleware.ScopeMint)
	require.Equal(t, http.StatusOK, res.Code)
	tokens, err := f.engine.Balance(f.taker, f.assetA)
	require.NoError(t, err)
	require.Equal(t, uint64(3), tokens)
}

func TestStreamDeliversEvents(t *testing.T) {
	f := newRouteFixture(t, false)
	srv := httptest.NewServer(f.handler)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/escrow/stream?type=" + escrow.EventTypeOpened
	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		HTTPHeader: http.Header{"Authorization": []string{"Bearer " + f.token(f.taker)}},
	})
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	// The subscription is registered after the upgrade completes.
	require.Eventually(t, func() bool { return f.bus.Subscribers() == 1 }, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, http.StatusCreated, f.open(1, 1, 1).Code)

	_, raw, err := conn.Read(ctx)
	require.NoError(t, err)
	var msg streamMessage
	require.NoError(t, json.Unmarshal(raw, &msg))
	require.Equal(t, escrow.EventTypeOpened, msg.Type)
	require.Equal(t, f.maker.String(), msg.Attributes["maker"])
}

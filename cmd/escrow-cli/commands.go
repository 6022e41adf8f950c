package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/solana-turbin3/Q1-26-Accel-Meowy/cmd/internal/passphrase"
	"github.com/solana-turbin3/Q1-26-Accel-Meowy/crypto"
	"github.com/solana-turbin3/Q1-26-Accel-Meowy/gateway/middleware"
	"github.com/solana-turbin3/Q1-26-Accel-Meowy/native/escrow"
)

var (
	cliNow        = time.Now
	secretSource  = func() secretGetter { return passphrase.NewSource(envSecret, "hmac secret") }
	keystoreInput = func() secretGetter { return passphrase.NewSource(envKeyPwd, "keystore passphrase") }
)

type secretGetter interface {
	Get() (string, error)
}

type stringList []string

func (s *stringList) String() string { return strings.Join(*s, ",") }

func (s *stringList) Set(v string) error {
	for _, part := range strings.Fields(strings.ReplaceAll(v, ",", " ")) {
		*s = append(*s, part)
	}
	return nil
}

func newFlagSet(name string, stderr io.Writer) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	return fs
}

func fail(stderr io.Writer, err error) int {
	fmt.Fprintf(stderr, "Error: %v\n", err)
	return 1
}

func requireAddress(name, raw string) (crypto.Address, error) {
	if strings.TrimSpace(raw) == "" {
		return crypto.Address{}, fmt.Errorf("--%s is required", name)
	}
	addr, err := crypto.ParseAddress(raw)
	if err != nil {
		return crypto.Address{}, fmt.Errorf("--%s: %w", name, err)
	}
	return addr, nil
}

func requireUint(name, raw string) (uint64, error) {
	if strings.TrimSpace(raw) == "" {
		return 0, fmt.Errorf("--%s is required", name)
	}
	v, err := strconv.ParseUint(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("--%s: %w", name, err)
	}
	return v, nil
}

// parseExpiry accepts "", "0", "+duration", RFC3339 or unix seconds. Zero
// means the record's maturity.
func parseExpiry(raw string, now time.Time) (int64, error) {
	raw = strings.TrimSpace(raw)
	switch {
	case raw == "" || raw == "0":
		return 0, nil
	case strings.HasPrefix(raw, "+"):
		d, err := time.ParseDuration(raw[1:])
		if err != nil {
			return 0, fmt.Errorf("--expiry: %w", err)
		}
		return now.Add(d).Unix(), nil
	}
	if ts, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return ts, nil
	}
	parsed, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return 0, fmt.Errorf("--expiry: expected +duration, RFC3339 or unix seconds")
	}
	return parsed.Unix(), nil
}

func recordPath(maker crypto.Address, nonce uint64, suffix string) string {
	return "/v1/escrow/records/" + maker.String() + "/" + strconv.FormatUint(nonce, 10) + suffix
}

func runOpen(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("open", stderr)
	var ep endpoint
	ep.register(fs)
	var nonceStr, depositStr, amountStr, offered, requested string
	fs.StringVar(&nonceStr, "nonce", "", "record nonce, unique per maker")
	fs.StringVar(&depositStr, "deposit", "", "amount of the offered asset to lock")
	fs.StringVar(&amountStr, "amount", "", "amount of the requested asset")
	fs.StringVar(&offered, "offered", "", "offered asset mint")
	fs.StringVar(&requested, "requested", "", "requested asset mint")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	nonce, err := requireUint("nonce", nonceStr)
	if err != nil {
		return fail(stderr, err)
	}
	deposit, err := requireUint("deposit", depositStr)
	if err != nil {
		return fail(stderr, err)
	}
	amount, err := requireUint("amount", amountStr)
	if err != nil {
		return fail(stderr, err)
	}
	assetA, err := requireAddress("offered", offered)
	if err != nil {
		return fail(stderr, err)
	}
	assetB, err := requireAddress("requested", requested)
	if err != nil {
		return fail(stderr, err)
	}
	raw, err := ep.call(http.MethodPost, "/v1/escrow/records", map[string]any{
		"nonce":           nonce,
		"deposit":         deposit,
		"amountRequested": amount,
		"assetOffered":    assetA,
		"assetRequested":  assetB,
	})
	if err != nil {
		return fail(stderr, err)
	}
	if err := printJSON(stdout, raw); err != nil {
		return fail(stderr, err)
	}
	return 0
}

func recordFlags(fs *flag.FlagSet) (*string, *string) {
	maker := fs.String("maker", "", "maker address")
	nonce := fs.String("nonce", "", "record nonce")
	return maker, nonce
}

func parseRecordFlags(maker, nonce string) (crypto.Address, uint64, error) {
	addr, err := requireAddress("maker", maker)
	if err != nil {
		return crypto.Address{}, 0, err
	}
	n, err := requireUint("nonce", nonce)
	if err != nil {
		return crypto.Address{}, 0, err
	}
	return addr, n, nil
}

// runSettle covers accept, cancel and auto-cancel, which share their flags.
func runSettle(action string, args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet(action, stderr)
	var ep endpoint
	ep.register(fs)
	makerStr, nonceStr := recordFlags(fs)
	if err := fs.Parse(args); err != nil {
		return 1
	}
	maker, nonce, err := parseRecordFlags(*makerStr, *nonceStr)
	if err != nil {
		return fail(stderr, err)
	}
	raw, err := ep.call(http.MethodPost, recordPath(maker, nonce, "/"+action), nil)
	if err != nil {
		return fail(stderr, err)
	}
	if err := printJSON(stdout, raw); err != nil {
		return fail(stderr, err)
	}
	return 0
}

func runSchedule(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("schedule", stderr)
	var ep endpoint
	ep.register(fs)
	makerStr, nonceStr := recordFlags(fs)
	taskStr := fs.String("task-id", "", "scheduler task id (0-65535)")
	expiryStr := fs.String("expiry", "", "trigger time; defaults to maturity")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	maker, nonce, err := parseRecordFlags(*makerStr, *nonceStr)
	if err != nil {
		return fail(stderr, err)
	}
	taskID, err := requireUint("task-id", *taskStr)
	if err != nil {
		return fail(stderr, err)
	}
	if taskID > 0xffff {
		return fail(stderr, errors.New("--task-id must fit in 16 bits"))
	}
	expiry, err := parseExpiry(*expiryStr, cliNow())
	if err != nil {
		return fail(stderr, err)
	}
	raw, err := ep.call(http.MethodPost, recordPath(maker, nonce, "/schedule"), map[string]any{
		"taskId": taskID,
		"expiry": expiry,
	})
	if err != nil {
		return fail(stderr, err)
	}
	if err := printJSON(stdout, raw); err != nil {
		return fail(stderr, err)
	}
	return 0
}

func runShow(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("show", stderr)
	var ep endpoint
	ep.register(fs)
	makerStr, nonceStr := recordFlags(fs)
	if err := fs.Parse(args); err != nil {
		return 1
	}
	maker, nonce, err := parseRecordFlags(*makerStr, *nonceStr)
	if err != nil {
		return fail(stderr, err)
	}
	raw, err := ep.call(http.MethodGet, recordPath(maker, nonce, ""), nil)
	if err != nil {
		return fail(stderr, err)
	}
	if err := printJSON(stdout, raw); err != nil {
		return fail(stderr, err)
	}
	return 0
}

func runBalance(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("balance", stderr)
	var ep endpoint
	ep.register(fs)
	ownerStr := fs.String("owner", "", "account owner")
	mintStr := fs.String("mint", "", "token mint; omit for the native balance")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	owner, err := requireAddress("owner", *ownerStr)
	if err != nil {
		return fail(stderr, err)
	}
	path := "/v1/balances/" + owner.String()
	if *mintStr != "" {
		mint, err := requireAddress("mint", *mintStr)
		if err != nil {
			return fail(stderr, err)
		}
		path += "?mint=" + mint.String()
	}
	raw, err := ep.call(http.MethodGet, path, nil)
	if err != nil {
		return fail(stderr, err)
	}
	if err := printJSON(stdout, raw); err != nil {
		return fail(stderr, err)
	}
	return 0
}

// runDerive computes addresses locally; it never contacts the daemon.
func runDerive(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("derive", stderr)
	makerStr, nonceStr := recordFlags(fs)
	assetStr := fs.String("asset", "", "offered asset mint")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	maker, nonce, err := parseRecordFlags(*makerStr, *nonceStr)
	if err != nil {
		return fail(stderr, err)
	}
	var asset crypto.Address
	if *assetStr != "" {
		if asset, err = requireAddress("asset", *assetStr); err != nil {
			return fail(stderr, err)
		}
	}
	addrs, err := escrow.DeriveAddresses(maker, nonce, asset)
	if err != nil {
		return fail(stderr, err)
	}
	raw, err := json.Marshal(struct {
		escrow.Addresses
		Program    crypto.Address `json:"program"`
		RewardPool crypto.Address `json:"rewardPool"`
		TaskQueue  crypto.Address `json:"taskQueue"`
	}{addrs, escrow.ProgramID, escrow.RewardPool(), escrow.TaskQueue()})
	if err != nil {
		return fail(stderr, err)
	}
	if err := printJSON(stdout, raw); err != nil {
		return fail(stderr, err)
	}
	return 0
}

func runEvents(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("events", stderr)
	var ep endpoint
	ep.register(fs)
	typ := fs.String("type", "", "event type filter")
	record := fs.String("record", "", "record address filter")
	after := fs.Int64("after", 0, "return events after this sequence")
	limit := fs.Int("limit", 0, "maximum number of events")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	q := url.Values{}
	if *typ != "" {
		q.Set("type", *typ)
	}
	if *record != "" {
		q.Set("record", *record)
	}
	if *after > 0 {
		q.Set("after", strconv.FormatInt(*after, 10))
	}
	if *limit > 0 {
		q.Set("limit", strconv.Itoa(*limit))
	}
	path := "/v1/escrow/events"
	if enc := q.Encode(); enc != "" {
		path += "?" + enc
	}
	raw, err := ep.call(http.MethodGet, path, nil)
	if err != nil {
		return fail(stderr, err)
	}
	if err := printJSON(stdout, raw); err != nil {
		return fail(stderr, err)
	}
	return 0
}

func runTasks(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("tasks", stderr)
	var ep endpoint
	ep.register(fs)
	id := fs.String("id", "", "task uuid")
	limit := fs.Int("limit", 0, "maximum number of tasks")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	path := "/v1/scheduler/tasks"
	if *id != "" {
		path += "/" + url.PathEscape(*id)
	} else if *limit > 0 {
		path += "?limit=" + strconv.Itoa(*limit)
	}
	raw, err := ep.call(http.MethodGet, path, nil)
	if err != nil {
		return fail(stderr, err)
	}
	if err := printJSON(stdout, raw); err != nil {
		return fail(stderr, err)
	}
	return 0
}

func runMint(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("mint", stderr)
	var ep endpoint
	ep.register(fs)
	ownerStr := fs.String("owner", "", "recipient")
	mintStr := fs.String("mint", "", "token mint")
	amountStr := fs.String("amount", "", "amount to mint")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	owner, err := requireAddress("owner", *ownerStr)
	if err != nil {
		return fail(stderr, err)
	}
	mint, err := requireAddress("mint", *mintStr)
	if err != nil {
		return fail(stderr, err)
	}
	amount, err := requireUint("amount", *amountStr)
	if err != nil {
		return fail(stderr, err)
	}
	raw, err := ep.call(http.MethodPost, "/v1/faucet/mint", map[string]any{"owner": owner, "mint": mint, "amount": amount})
	if err != nil {
		return fail(stderr, err)
	}
	if err := printJSON(stdout, raw); err != nil {
		return fail(stderr, err)
	}
	return 0
}

func runAirdrop(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("airdrop", stderr)
	var ep endpoint
	ep.register(fs)
	addrStr := fs.String("address", "", "recipient")
	amountStr := fs.String("amount", "", "native units")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	addr, err := requireAddress("address", *addrStr)
	if err != nil {
		return fail(stderr, err)
	}
	amount, err := requireUint("amount", *amountStr)
	if err != nil {
		return fail(stderr, err)
	}
	raw, err := ep.call(http.MethodPost, "/v1/faucet/airdrop", map[string]any{"address": addr, "amount": amount})
	if err != nil {
		return fail(stderr, err)
	}
	if err := printJSON(stdout, raw); err != nil {
		return fail(stderr, err)
	}
	return 0
}

// runToken signs a bearer token with the daemon's HMAC secret. The subject
// comes from --subject or from the address of a keystore.
func runToken(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("token", stderr)
	subjectStr := fs.String("subject", "", "caller address")
	keystorePath := fs.String("keystore", "", "keystore whose address becomes the subject")
	issuer := fs.String("issuer", "escrowd", "token issuer")
	audience := fs.String("audience", "", "token audience")
	ttl := fs.Duration("ttl", time.Hour, "token lifetime")
	var scopes stringList
	fs.Var(&scopes, "scope", "granted scope; repeatable")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	var subject crypto.Address
	switch {
	case *subjectStr != "" && *keystorePath != "":
		return fail(stderr, errors.New("use either --subject or --keystore"))
	case *subjectStr != "":
		addr, err := requireAddress("subject", *subjectStr)
		if err != nil {
			return fail(stderr, err)
		}
		subject = addr
	case *keystorePath != "":
		pass, err := keystoreInput().Get()
		if err != nil {
			return fail(stderr, err)
		}
		key, err := crypto.LoadKeystore(*keystorePath, pass)
		if err != nil {
			return fail(stderr, err)
		}
		subject = key.PubKey().Address()
	default:
		return fail(stderr, errors.New("--subject or --keystore is required"))
	}
	secret, err := secretSource().Get()
	if err != nil {
		return fail(stderr, err)
	}
	token, err := middleware.IssueToken(secret, middleware.TokenRequest{
		Subject:  subject,
		Scopes:   scopes,
		Issuer:   *issuer,
		Audience: *audience,
		TTL:      *ttl,
	}, cliNow())
	if err != nil {
		return fail(stderr, err)
	}
	fmt.Fprintln(stdout, token)
	return 0
}

func runKeygen(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("keygen", stderr)
	out := fs.String("out", "", "keystore output path")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if strings.TrimSpace(*out) == "" {
		return fail(stderr, errors.New("--out is required"))
	}
	pass, err := keystoreInput().Get()
	if err != nil {
		return fail(stderr, err)
	}
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		return fail(stderr, err)
	}
	if err := crypto.SaveKeystore(*out, key, pass); err != nil {
		return fail(stderr, err)
	}
	fmt.Fprintln(stdout, key.PubKey().Address().String())
	return 0
}

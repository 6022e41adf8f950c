// Package escrow implements a two-party swap held in a program-owned vault.
//
// A maker opens a record and deposits the offered asset into a vault owned by
// the record's derived authority. A taker settles it with Accept once the
// record has matured, the maker may Cancel at any time, and a scheduled
// AutoCancel refunds the maker whenever it fires. AutoCancel is the only
// transition that tolerates an already closed record.
package escrow

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/solana-turbin3/Q1-26-Accel-Meowy/core/events"
	"github.com/solana-turbin3/Q1-26-Accel-Meowy/core/state"
	"github.com/solana-turbin3/Q1-26-Accel-Meowy/core/types"
	"github.com/solana-turbin3/Q1-26-Accel-Meowy/crypto"
	"github.com/solana-turbin3/Q1-26-Accel-Meowy/crypto/authority"
	"github.com/solana-turbin3/Q1-26-Accel-Meowy/native/ledger"
	"github.com/solana-turbin3/Q1-26-Accel-Meowy/native/scheduler"
	"github.com/solana-turbin3/Q1-26-Accel-Meowy/observability"
	"github.com/solana-turbin3/Q1-26-Accel-Meowy/storage"
)

const (
	recordPrefix  = "escrow/record"
	retiredPrefix = "escrow/retired"
)

func recordKey(addr crypto.Address) []byte  { return state.HashKey(recordPrefix, addr[:]) }
func retiredKey(addr crypto.Address) []byte { return state.HashKey(retiredPrefix, addr[:]) }

// Engine applies escrow transitions one at a time against durable storage.
// Each transition runs in its own state transaction and either commits every
// write in one batch or leaves storage untouched.
type Engine struct {
	mu sync.Mutex

	db        storage.Database
	emitter   events.Emitter
	params    Params
	nowFn     func() int64
	logger    *slog.Logger
	registrar scheduler.Registrar
	queue     crypto.Address
}

// NewEngine creates an engine over db with default parameters and a no-op
// emitter.
func NewEngine(db storage.Database) *Engine {
	return &Engine{
		db:      db,
		emitter: events.NoopEmitter{},
		params:  DefaultParams(),
		nowFn:   func() int64 { return time.Now().Unix() },
		logger:  slog.Default(),
	}
}

// SetEmitter configures the event emitter. Passing nil resets it to a no-op.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

// SetNowFunc overrides the clock. Primarily intended for tests.
func (e *Engine) SetNowFunc(now func() int64) {
	if now == nil {
		e.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	e.nowFn = now
}

// SetParams replaces the program parameters. Existing records keep the
// maturity offset they were opened with.
func (e *Engine) SetParams(params Params) error {
	if err := params.Validate(); err != nil {
		return err
	}
	e.mu.Lock()
	e.params = params
	e.mu.Unlock()
	return nil
}

// Params returns the active parameters.
func (e *Engine) Params() Params {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.params
}

func (e *Engine) SetLogger(logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	e.logger = logger
}

// SetScheduler configures where ScheduleAutoCancel registers its calls.
func (e *Engine) SetScheduler(registrar scheduler.Registrar, queue crypto.Address) {
	e.mu.Lock()
	e.registrar = registrar
	e.queue = queue
	e.mu.Unlock()
}

func (e *Engine) now() int64 {
	if e == nil || e.nowFn == nil {
		return time.Now().Unix()
	}
	return e.nowFn()
}

func (e *Engine) emit(event *types.Event) {
	if e == nil || e.emitter == nil || event == nil {
		return
	}
	observability.Events().RecordEvent(event.Type)
	e.emitter.Emit(escrowEvent{evt: event})
}

// txContext is the view a handler gets of one transition.
type txContext struct {
	txn    *state.Txn
	ledger *ledger.Ledger
	now    int64
	params Params

	events   []*types.Event
	vaultIn  uint64
	vaultOut uint64
}

func (tx *txContext) emit(evt *types.Event) { tx.events = append(tx.events, evt) }

// apply runs fn inside a fresh transaction under the engine lock. fn returns
// the metrics outcome label on success.
func (e *Engine) apply(op string, fn func(tx *txContext) (string, error)) error {
	if e == nil || e.db == nil {
		return opError(op, errNilState)
	}
	start := time.Now()
	e.mu.Lock()
	defer e.mu.Unlock()

	txn := state.Begin(e.db)
	tx := &txContext{txn: txn, ledger: ledger.New(txn), now: e.now(), params: e.params}
	outcome, err := fn(tx)
	if err != nil {
		txn.Discard()
	} else {
		err = txn.Commit()
	}
	if err != nil {
		err = opError(op, err)
		observability.Escrow().ObserveTransition(op, KindOf(err).String(), time.Since(start))
		e.logger.Debug("escrow transition rejected", slog.String("op", op), slog.Any("error", err))
		return err
	}
	observability.Escrow().ObserveTransition(op, outcome, time.Since(start))
	observability.Escrow().RecordVaultMovement("in", tx.vaultIn)
	observability.Escrow().RecordVaultMovement("out", tx.vaultOut)
	// Emitted under the lock so subscribers see events in commit order.
	for _, evt := range tx.events {
		e.emit(evt)
	}
	return nil
}

func (e *Engine) view(fn func(tx *txContext) error) error {
	if e == nil || e.db == nil {
		return errNilState
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	txn := state.Begin(e.db)
	defer txn.Discard()
	return fn(&txContext{txn: txn, ledger: ledger.New(txn), now: e.now(), params: e.params})
}

func (tx *txContext) loadRecord(addr crypto.Address) (*Record, bool, error) {
	raw, ok, err := tx.txn.Get(recordKey(addr))
	if err != nil || !ok {
		return nil, false, err
	}
	rec, err := decodeRecord(raw)
	if err != nil {
		return nil, false, err
	}
	return rec, true, nil
}

func (tx *txContext) mustRecord(addr crypto.Address) (*Record, error) {
	rec, ok, err := tx.loadRecord(addr)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRecordNotFound, addr)
	}
	return rec, nil
}

func (tx *txContext) putRecord(addr crypto.Address, rec *Record) error {
	raw, err := encodeRecord(rec)
	if err != nil {
		return err
	}
	return tx.txn.Put(recordKey(addr), raw)
}

// drainVault moves the whole vault balance to dest. The balance is read from
// the raw account bytes rather than assumed to equal the original deposit.
func (tx *txContext) drainVault(vault, dest crypto.Address, signer authority.Signer) (uint64, error) {
	raw, ok, err := tx.ledger.RawAccount(vault)
	if err != nil || !ok {
		return 0, err
	}
	amount, err := ledger.ReadBalanceField(raw)
	if err != nil {
		return 0, err
	}
	if amount == 0 {
		return 0, nil
	}
	if err := tx.ledger.Transfer(vault, dest, signer.Address(), amount); err != nil {
		return 0, ledgerErr(err)
	}
	tx.vaultOut += amount
	return amount, nil
}

// closeVault deletes an empty vault and returns its deposit to the maker. A
// vault that is already gone is left alone.
func (tx *txContext) closeVault(vault, maker crypto.Address, signer authority.Signer) error {
	_, ok, err := tx.ledger.RawAccount(vault)
	if err != nil || !ok {
		return err
	}
	_, err = tx.ledger.CloseAccount(vault, maker, signer.Address())
	return ledgerErr(err)
}

// closeRecord deletes the record, returns its storage deposit to the maker
// and retires the address so it can never be opened again.
func (tx *txContext) closeRecord(addr crypto.Address, rec *Record) error {
	deposit, err := tx.ledger.NativeBalance(addr)
	if err != nil {
		return err
	}
	if err := tx.ledger.TransferNative(addr, rec.Maker, deposit); err != nil {
		return err
	}
	if err := tx.txn.Delete(recordKey(addr)); err != nil {
		return err
	}
	return tx.txn.Put(retiredKey(addr), []byte{1})
}

// refund returns the vault to the maker and closes both accounts.
func (tx *txContext) refund(addr crypto.Address, rec *Record, signer authority.Signer) (uint64, error) {
	vault := VaultAddress(addr, rec.AssetOffered)
	makerAccount, err := tx.ledger.EnsureAssociated(rec.Maker, rec.AssetOffered, rec.Maker, 0)
	if err != nil {
		return 0, ledgerErr(err)
	}
	refunded, err := tx.drainVault(vault, makerAccount, signer)
	if err != nil {
		return 0, err
	}
	if err := tx.closeVault(vault, rec.Maker, signer); err != nil {
		return 0, err
	}
	return refunded, tx.closeRecord(addr, rec)
}

// Settlement describes a record consumed by Accept or Cancel.
type Settlement struct {
	Address crypto.Address `json:"address"`
	Record  *Record        `json:"record"`
	// Amount is what left the vault: released to the taker or refunded to
	// the maker.
	Amount uint64 `json:"amount"`
}

// Open creates the record (caller, params.Nonce) and its vault, and moves
// params.Deposit of the offered asset from the caller into the vault.
func (e *Engine) Open(caller crypto.Address, params OpenParams) (*Record, error) {
	var opened *Record
	err := e.apply("open", func(tx *txContext) (string, error) {
		if params.Deposit == 0 || params.AmountRequested == 0 {
			return "", ErrInvalidAmount
		}
		if params.AssetOffered.IsZero() || params.AssetRequested.IsZero() {
			return "", ErrInvalidAsset
		}
		if tx.now < 0 {
			return "", fmt.Errorf("escrow: clock before epoch")
		}
		addr, bump, err := RecordAddress(caller, params.Nonce)
		if err != nil {
			return "", err
		}
		if exists, err := tx.txn.Has(recordKey(addr)); err != nil {
			return "", err
		} else if exists {
			return "", fmt.Errorf("%w: %s", ErrRecordExists, addr)
		}
		if retired, err := tx.txn.Has(retiredKey(addr)); err != nil {
			return "", err
		} else if retired {
			return "", fmt.Errorf("%w: %s", ErrRecordRetired, addr)
		}

		rec := &Record{
			Nonce:           params.Nonce,
			Maker:           caller,
			AssetOffered:    params.AssetOffered,
			AssetRequested:  params.AssetRequested,
			Deposit:         params.Deposit,
			AmountRequested: params.AmountRequested,
			Bump:            bump,
			OpenedAt:        uint64(tx.now),
			MaturityOffset:  uint64(tx.params.MaturityOffset / time.Second),
		}
		if err := tx.ledger.TransferNative(caller, addr, tx.params.RecordDeposit); err != nil {
			return "", ledgerErr(err)
		}
		vault := VaultAddress(addr, params.AssetOffered)
		if err := tx.ledger.InitAccount(vault, params.AssetOffered, addr, caller, tx.params.AccountDeposit); err != nil {
			return "", ledgerErr(err)
		}
		makerAccount := ledger.AssociatedAccount(caller, params.AssetOffered)
		if err := tx.ledger.Transfer(makerAccount, vault, caller, params.Deposit); err != nil {
			return "", ledgerErr(err)
		}
		tx.vaultIn += params.Deposit
		if err := tx.putRecord(addr, rec); err != nil {
			return "", err
		}
		tx.emit(NewOpenedEvent(addr, rec, tx.now))
		opened = rec.Clone()
		return "ok", nil
	})
	if err != nil {
		return nil, err
	}
	return opened, nil
}

// Accept settles the record (maker, nonce) in favour of taker. The taker pays
// AmountRequested of the requested asset to the maker and receives the whole
// vault. Accept is rejected until the record has matured and fails on a
// record that no longer exists.
func (e *Engine) Accept(taker, maker crypto.Address, nonce uint64) (*Settlement, error) {
	var out *Settlement
	err := e.apply("accept", func(tx *txContext) (string, error) {
		addr, _, err := RecordAddress(maker, nonce)
		if err != nil {
			return "", err
		}
		rec, err := tx.mustRecord(addr)
		if err != nil {
			return "", err
		}
		if taker == rec.Maker {
			return "", fmt.Errorf("%w: maker cannot accept own record", ErrUnauthorized)
		}
		if !rec.Matured(tx.now) {
			return "", fmt.Errorf("%w: matures at %d", ErrNotMatured, rec.MaturesAt())
		}
		signer, err := recordSigner(rec, addr)
		if err != nil {
			return "", err
		}
		held, err := tx.ledger.Balance(taker, rec.AssetRequested)
		if err != nil {
			return "", err
		}
		if held < rec.AmountRequested {
			return "", fmt.Errorf("%w: taker holds %d, needs %d", ErrInsufficientFunds, held, rec.AmountRequested)
		}

		makerReceive, err := tx.ledger.EnsureAssociated(rec.Maker, rec.AssetRequested, taker, tx.params.AccountDeposit)
		if err != nil {
			return "", ledgerErr(err)
		}
		takerPay := ledger.AssociatedAccount(taker, rec.AssetRequested)
		if err := tx.ledger.Transfer(takerPay, makerReceive, taker, rec.AmountRequested); err != nil {
			return "", ledgerErr(err)
		}
		takerReceive, err := tx.ledger.EnsureAssociated(taker, rec.AssetOffered, taker, tx.params.AccountDeposit)
		if err != nil {
			return "", ledgerErr(err)
		}
		vault := VaultAddress(addr, rec.AssetOffered)
		released, err := tx.drainVault(vault, takerReceive, signer)
		if err != nil {
			return "", err
		}
		if err := tx.closeVault(vault, rec.Maker, signer); err != nil {
			return "", err
		}
		if err := tx.closeRecord(addr, rec); err != nil {
			return "", err
		}
		tx.emit(NewAcceptedEvent(addr, rec, taker, released, tx.now))
		out = &Settlement{Address: addr, Record: rec.Clone(), Amount: released}
		return "ok", nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Cancel refunds the record (maker, nonce) to its maker. Only the maker may
// cancel; a closed record is an error.
func (e *Engine) Cancel(caller, maker crypto.Address, nonce uint64) (*Settlement, error) {
	var out *Settlement
	err := e.apply("cancel", func(tx *txContext) (string, error) {
		addr, _, err := RecordAddress(maker, nonce)
		if err != nil {
			return "", err
		}
		rec, err := tx.mustRecord(addr)
		if err != nil {
			return "", err
		}
		if caller != rec.Maker {
			return "", fmt.Errorf("%w: only the maker may cancel", ErrUnauthorized)
		}
		signer, err := recordSigner(rec, addr)
		if err != nil {
			return "", err
		}
		refunded, err := tx.refund(addr, rec, signer)
		if err != nil {
			return "", err
		}
		tx.emit(NewCancelledEvent(addr, rec, refunded, tx.now))
		out = &Settlement{Address: addr, Record: rec.Clone(), Amount: refunded}
		return "ok", nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// AutoCancel refunds a record on behalf of the scheduler. It never checks
// maturity and succeeds without effect when the record is already closed,
// so it is safe to deliver any number of times in any order relative to
// Accept and Cancel.
func (e *Engine) AutoCancel(executor crypto.Address, accounts AutoCancelAccounts, nonce uint64) (Outcome, error) {
	var outcome Outcome
	err := e.apply("auto_cancel", func(tx *txContext) (string, error) {
		rec, ok, err := tx.loadRecord(accounts.Record)
		if err != nil {
			return "", err
		}
		if !ok {
			outcome = OutcomeAlreadyClosed
			return string(outcome), nil
		}

		expected, _, err := RecordAddress(accounts.Maker, nonce)
		if err != nil {
			return "", err
		}
		switch {
		case expected != accounts.Record:
			return "", fmt.Errorf("%w: record", ErrAccountMismatch)
		case rec.Maker != accounts.Maker, rec.Nonce != nonce:
			return "", fmt.Errorf("%w: maker", ErrAccountMismatch)
		case rec.AssetOffered != accounts.AssetOffered:
			return "", fmt.Errorf("%w: asset", ErrAccountMismatch)
		case VaultAddress(accounts.Record, rec.AssetOffered) != accounts.Vault:
			return "", fmt.Errorf("%w: vault", ErrAccountMismatch)
		case ledger.AssociatedAccount(rec.Maker, rec.AssetOffered) != accounts.MakerAccount:
			return "", fmt.Errorf("%w: maker account", ErrAccountMismatch)
		}
		signer, err := recordSigner(rec, accounts.Record)
		if err != nil {
			return "", err
		}

		_, vaultOpen, err := tx.ledger.RawAccount(accounts.Vault)
		if err != nil {
			return "", err
		}
		if !vaultOpen {
			if err := tx.closeRecord(accounts.Record, rec); err != nil {
				return "", err
			}
			outcome = OutcomeRecordClosed
			tx.emit(NewAutoCancelledEvent(accounts.Record, rec, executor, outcome, 0, tx.now))
			return string(outcome), nil
		}

		refunded, err := tx.refund(accounts.Record, rec, signer)
		if err != nil {
			return "", err
		}
		outcome = OutcomeRefunded
		tx.emit(NewAutoCancelledEvent(accounts.Record, rec, executor, outcome, refunded, tx.now))
		return string(outcome), nil
	})
	if err != nil {
		return "", err
	}
	if outcome != OutcomeRefunded {
		e.logger.Info("auto cancel skipped", slog.String("record", accounts.Record.String()), slog.String("outcome", string(outcome)))
	}
	return outcome, nil
}

// AutoCancelFor derives the AutoCancel accounts of (maker, nonce) from the
// stored record and runs AutoCancel with them.
func (e *Engine) AutoCancelFor(executor, maker crypto.Address, nonce uint64) (Outcome, error) {
	var asset crypto.Address
	rec, err := e.Record(maker, nonce)
	switch {
	case err == nil:
		asset = rec.AssetOffered
	case !errors.Is(err, ErrRecordNotFound):
		return "", err
	}
	addrs, err := DeriveAddresses(maker, nonce, asset)
	if err != nil {
		return "", err
	}
	return e.AutoCancel(executor, addrs.Accounts(maker, asset), nonce)
}

// Record returns the open record (maker, nonce).
func (e *Engine) Record(maker crypto.Address, nonce uint64) (*Record, error) {
	var rec *Record
	err := e.view(func(tx *txContext) error {
		addr, _, err := RecordAddress(maker, nonce)
		if err != nil {
			return err
		}
		rec, err = tx.mustRecord(addr)
		return err
	})
	if err != nil {
		return nil, opError("record", err)
	}
	return rec, nil
}

// Retired reports whether (maker, nonce) was opened and closed before.
func (e *Engine) Retired(maker crypto.Address, nonce uint64) (bool, error) {
	var retired bool
	err := e.view(func(tx *txContext) error {
		addr, _, err := RecordAddress(maker, nonce)
		if err != nil {
			return err
		}
		retired, err = tx.txn.Has(retiredKey(addr))
		return err
	})
	return retired, err
}

// VaultBalance returns the amount held in the vault of (maker, nonce). A
// closed or missing vault reads as zero.
func (e *Engine) VaultBalance(maker crypto.Address, nonce uint64) (uint64, error) {
	var amount uint64
	err := e.view(func(tx *txContext) error {
		addr, _, err := RecordAddress(maker, nonce)
		if err != nil {
			return err
		}
		rec, ok, err := tx.loadRecord(addr)
		if err != nil || !ok {
			return err
		}
		raw, ok, err := tx.ledger.RawAccount(VaultAddress(addr, rec.AssetOffered))
		if err != nil || !ok {
			return err
		}
		amount, err = ledger.ReadBalanceField(raw)
		return err
	})
	return amount, err
}

// Balance returns owner's balance of mint.
func (e *Engine) Balance(owner, mint crypto.Address) (uint64, error) {
	var amount uint64
	err := e.view(func(tx *txContext) (err error) {
		amount, err = tx.ledger.Balance(owner, mint)
		return err
	})
	return amount, err
}

// NativeBalance returns the native (storage deposit) balance of addr.
func (e *Engine) NativeBalance(addr crypto.Address) (uint64, error) {
	var amount uint64
	err := e.view(func(tx *txContext) (err error) {
		amount, err = tx.ledger.NativeBalance(addr)
		return err
	})
	return amount, err
}

// AccountExists reports whether a token account is open at addr.
func (e *Engine) AccountExists(addr crypto.Address) (bool, error) {
	var ok bool
	err := e.view(func(tx *txContext) (err error) {
		_, ok, err = tx.ledger.RawAccount(addr)
		return err
	})
	return ok, err
}

// Mint credits amount of mint to owner's associated account, creating it
// without a deposit when missing. It backs the development faucet.
func (e *Engine) Mint(owner, mint crypto.Address, amount uint64) (crypto.Address, error) {
	var account crypto.Address
	err := e.apply("mint", func(tx *txContext) (string, error) {
		if mint.IsZero() {
			return "", ErrInvalidAsset
		}
		if amount == 0 {
			return "", ErrInvalidAmount
		}
		addr, err := tx.ledger.EnsureAssociated(owner, mint, owner, 0)
		if err != nil {
			return "", err
		}
		if err := tx.ledger.Mint(addr, amount); err != nil {
			return "", err
		}
		account = addr
		return "ok", nil
	})
	return account, err
}

// FundNative credits native units to addr. It backs the development faucet.
func (e *Engine) FundNative(addr crypto.Address, amount uint64) error {
	return e.apply("fund_native", func(tx *txContext) (string, error) {
		if amount == 0 {
			return "", ErrInvalidAmount
		}
		return "ok", tx.ledger.CreditNative(addr, amount)
	})
}

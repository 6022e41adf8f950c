// Package ledger is the fungible asset bookkeeping the escrow program moves
// funds through. Token accounts hold one mint each and are owned by either a
// user or a derived authority. A separate native balance per address pays the
// storage deposits that back every open account.
package ledger

import (
	"errors"
	"fmt"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"

	"github.com/solana-turbin3/Q1-26-Accel-Meowy/core/state"
	"github.com/solana-turbin3/Q1-26-Accel-Meowy/crypto"
	"github.com/solana-turbin3/Q1-26-Accel-Meowy/crypto/authority"
)

var (
	ErrAccountNotFound       = errors.New("ledger: account not found")
	ErrAccountExists         = errors.New("ledger: account already exists")
	ErrOwnerMismatch         = errors.New("ledger: authority does not own account")
	ErrMintMismatch          = errors.New("ledger: accounts hold different mints")
	ErrInsufficientFunds     = errors.New("ledger: insufficient token balance")
	ErrInsufficientNative    = errors.New("ledger: insufficient native balance")
	ErrNonZeroBalance        = errors.New("ledger: cannot close account with non-zero balance")
	ErrBalanceOverflow       = errors.New("ledger: balance overflow")
	ErrInvalidAmount         = errors.New("ledger: amount must be positive")
	ErrSelfTransferForbidden = errors.New("ledger: source and destination are the same account")
)

// ProgramID is the program that owns associated account derivations.
var ProgramID crypto.Address

func init() {
	copy(ProgramID[:], ethcrypto.Keccak256([]byte("escrow/ledger-program")))
}

const (
	accountPrefix = "ledger/account"
	nativePrefix  = "ledger/native"
)

func accountKey(addr crypto.Address) []byte { return state.HashKey(accountPrefix, addr[:]) }
func nativeKey(addr crypto.Address) []byte  { return state.HashKey(nativePrefix, addr[:]) }

// AssociatedAccount returns the canonical token account address of owner for
// mint. It is itself a derived address, so owner may be a derived authority.
func AssociatedAccount(owner, mint crypto.Address) crypto.Address {
	addr, _ := authority.MustDerive(ProgramID, owner[:], mint[:])
	return addr
}

func addChecked(a, b uint64) (uint64, error) {
	sum := new(uint256.Int).SetUint64(a)
	sum.Add(sum, uint256.NewInt(b))
	if !sum.IsUint64() {
		return 0, ErrBalanceOverflow
	}
	return sum.Uint64(), nil
}

// Ledger reads and writes balances inside a single state transaction. It
// performs no commits of its own.
type Ledger struct {
	txn *state.Txn
}

// New binds a ledger view to txn.
func New(txn *state.Txn) *Ledger { return &Ledger{txn: txn} }

// RawAccount returns the stored bytes of a token account.
func (l *Ledger) RawAccount(addr crypto.Address) ([]byte, bool, error) {
	return l.txn.Get(accountKey(addr))
}

// Account loads and decodes a token account.
func (l *Ledger) Account(addr crypto.Address) (*TokenAccount, bool, error) {
	raw, ok, err := l.RawAccount(addr)
	if err != nil || !ok {
		return nil, false, err
	}
	acc, err := DecodeTokenAccount(raw)
	if err != nil {
		return nil, false, err
	}
	return acc, true, nil
}

func (l *Ledger) mustAccount(addr crypto.Address) (*TokenAccount, error) {
	acc, ok, err := l.Account(addr)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAccountNotFound, addr)
	}
	return acc, nil
}

func (l *Ledger) putAccount(addr crypto.Address, acc *TokenAccount) error {
	return l.txn.Put(accountKey(addr), acc.Encode())
}

// Balance returns the amount held in owner's associated account for mint. A
// missing account reads as zero.
func (l *Ledger) Balance(owner, mint crypto.Address) (uint64, error) {
	acc, ok, err := l.Account(AssociatedAccount(owner, mint))
	if err != nil || !ok {
		return 0, err
	}
	return acc.Amount, nil
}

// NativeBalance returns the storage-deposit balance of addr.
func (l *Ledger) NativeBalance(addr crypto.Address) (uint64, error) {
	var amount uint64
	if _, err := l.txn.KVGet(nativeKey(addr), &amount); err != nil {
		return 0, err
	}
	return amount, nil
}

func (l *Ledger) setNative(addr crypto.Address, amount uint64) error {
	if amount == 0 {
		return l.txn.Delete(nativeKey(addr))
	}
	return l.txn.KVPut(nativeKey(addr), amount)
}

// CreditNative adds amount to the native balance of addr.
func (l *Ledger) CreditNative(addr crypto.Address, amount uint64) error {
	if amount == 0 {
		return nil
	}
	current, err := l.NativeBalance(addr)
	if err != nil {
		return err
	}
	next, err := addChecked(current, amount)
	if err != nil {
		return err
	}
	return l.setNative(addr, next)
}

// DebitNative removes amount from the native balance of addr.
func (l *Ledger) DebitNative(addr crypto.Address, amount uint64) error {
	if amount == 0 {
		return nil
	}
	current, err := l.NativeBalance(addr)
	if err != nil {
		return err
	}
	if current < amount {
		return fmt.Errorf("%w: have %d, need %d", ErrInsufficientNative, current, amount)
	}
	return l.setNative(addr, current-amount)
}

// TransferNative moves native units between addresses.
func (l *Ledger) TransferNative(from, to crypto.Address, amount uint64) error {
	if err := l.DebitNative(from, amount); err != nil {
		return err
	}
	return l.CreditNative(to, amount)
}

// InitAccount creates an empty token account at addr. The payer funds the
// storage deposit, which is held on the account until it is closed.
func (l *Ledger) InitAccount(addr, mint, owner, payer crypto.Address, deposit uint64) error {
	exists, err := l.txn.Has(accountKey(addr))
	if err != nil {
		return err
	}
	if exists {
		return fmt.Errorf("%w: %s", ErrAccountExists, addr)
	}
	if err := l.DebitNative(payer, deposit); err != nil {
		return err
	}
	return l.putAccount(addr, &TokenAccount{
		Mint:    mint,
		Owner:   owner,
		State:   StateInitialized,
		Deposit: deposit,
	})
}

// EnsureAssociated returns owner's associated account for mint, creating it
// when missing.
func (l *Ledger) EnsureAssociated(owner, mint, payer crypto.Address, deposit uint64) (crypto.Address, error) {
	addr := AssociatedAccount(owner, mint)
	exists, err := l.txn.Has(accountKey(addr))
	if err != nil {
		return crypto.Address{}, err
	}
	if exists {
		return addr, nil
	}
	if err := l.InitAccount(addr, mint, owner, payer, deposit); err != nil {
		return crypto.Address{}, err
	}
	return addr, nil
}

// Transfer moves amount between two token accounts of the same mint.
// authority must own the source account.
func (l *Ledger) Transfer(from, to, auth crypto.Address, amount uint64) error {
	if amount == 0 {
		return ErrInvalidAmount
	}
	if from == to {
		return ErrSelfTransferForbidden
	}
	src, err := l.mustAccount(from)
	if err != nil {
		return err
	}
	dst, err := l.mustAccount(to)
	if err != nil {
		return err
	}
	if src.Owner != auth {
		return ErrOwnerMismatch
	}
	if src.Mint != dst.Mint {
		return ErrMintMismatch
	}
	if src.Amount < amount {
		return fmt.Errorf("%w: have %d, need %d", ErrInsufficientFunds, src.Amount, amount)
	}
	credited, err := addChecked(dst.Amount, amount)
	if err != nil {
		return err
	}
	src.Amount -= amount
	dst.Amount = credited
	if err := l.putAccount(from, src); err != nil {
		return err
	}
	return l.putAccount(to, dst)
}

// Mint increases the supply held in addr.
func (l *Ledger) Mint(addr crypto.Address, amount uint64) error {
	if amount == 0 {
		return ErrInvalidAmount
	}
	acc, err := l.mustAccount(addr)
	if err != nil {
		return err
	}
	next, err := addChecked(acc.Amount, amount)
	if err != nil {
		return err
	}
	acc.Amount = next
	return l.putAccount(addr, acc)
}

// Burn destroys amount from addr. authority must own the account.
func (l *Ledger) Burn(addr, auth crypto.Address, amount uint64) error {
	if amount == 0 {
		return ErrInvalidAmount
	}
	acc, err := l.mustAccount(addr)
	if err != nil {
		return err
	}
	if acc.Owner != auth {
		return ErrOwnerMismatch
	}
	if acc.Amount < amount {
		return fmt.Errorf("%w: have %d, need %d", ErrInsufficientFunds, acc.Amount, amount)
	}
	acc.Amount -= amount
	return l.putAccount(addr, acc)
}

// CloseAccount deletes an empty token account and returns its storage
// deposit to destination. It reports the reclaimed deposit.
func (l *Ledger) CloseAccount(addr, destination, auth crypto.Address) (uint64, error) {
	acc, err := l.mustAccount(addr)
	if err != nil {
		return 0, err
	}
	if acc.Owner != auth {
		return 0, ErrOwnerMismatch
	}
	if acc.Amount != 0 {
		return 0, fmt.Errorf("%w: %d remaining", ErrNonZeroBalance, acc.Amount)
	}
	if err := l.txn.Delete(accountKey(addr)); err != nil {
		return 0, err
	}
	if err := l.CreditNative(destination, acc.Deposit); err != nil {
		return 0, err
	}
	return acc.Deposit, nil
}

package ledger

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/solana-turbin3/Q1-26-Accel-Meowy/core/state"
	"github.com/solana-turbin3/Q1-26-Accel-Meowy/crypto"
	"github.com/solana-turbin3/Q1-26-Accel-Meowy/storage"
)

var (
	alice = crypto.Address{0xa1}
	bob   = crypto.Address{0xb0}
	mintA = crypto.Address{0x0a}
	mintB = crypto.Address{0x0b}
)

func newLedger(t *testing.T) (*Ledger, *state.Txn) {
	t.Helper()
	txn := state.Begin(storage.NewMemDB())
	return New(txn), txn
}

func TestAccountLayoutOffsets(t *testing.T) {
	acc := &TokenAccount{Mint: mintA, Owner: alice, Amount: 0x0102030405060708, State: StateInitialized, Deposit: 42}
	raw := acc.Encode()
	require.Len(t, raw, AccountSize)
	require.Equal(t, mintA[:], raw[MintOffset:OwnerOffset])
	require.Equal(t, alice[:], raw[OwnerOffset:AmountOffset])
	require.Equal(t, []byte{0x08, 0x07, 0x06, 0x05, 0x04, 0x03, 0x02, 0x01}, raw[64:72])

	amount, err := ReadBalanceField(raw)
	require.NoError(t, err)
	require.Equal(t, acc.Amount, amount)

	decoded, err := DecodeTokenAccount(raw)
	require.NoError(t, err)
	require.Equal(t, acc, decoded)

	_, err = ReadBalanceField(raw[:70])
	require.Error(t, err)
	_, err = DecodeTokenAccount(make([]byte, AccountSize))
	require.Error(t, err)
}

func TestTransferMovesBalance(t *testing.T) {
	l, _ := newLedger(t)
	src, err := l.EnsureAssociated(alice, mintA, alice, 0)
	require.NoError(t, err)
	dst, err := l.EnsureAssociated(bob, mintA, bob, 0)
	require.NoError(t, err)
	require.NoError(t, l.Mint(src, 100))

	require.NoError(t, l.Transfer(src, dst, alice, 40))
	aliceBal, err := l.Balance(alice, mintA)
	require.NoError(t, err)
	bobBal, err := l.Balance(bob, mintA)
	require.NoError(t, err)
	require.Equal(t, uint64(60), aliceBal)
	require.Equal(t, uint64(40), bobBal)

	require.ErrorIs(t, l.Transfer(src, dst, bob, 1), ErrOwnerMismatch)
	require.ErrorIs(t, l.Transfer(src, dst, alice, 61), ErrInsufficientFunds)
	require.ErrorIs(t, l.Transfer(src, dst, alice, 0), ErrInvalidAmount)
	require.ErrorIs(t, l.Transfer(src, src, alice, 1), ErrSelfTransferForbidden)
}

func TestTransferRejectsMintMismatch(t *testing.T) {
	l, _ := newLedger(t)
	src, err := l.EnsureAssociated(alice, mintA, alice, 0)
	require.NoError(t, err)
	dst, err := l.EnsureAssociated(bob, mintB, bob, 0)
	require.NoError(t, err)
	require.NoError(t, l.Mint(src, 5))
	require.ErrorIs(t, l.Transfer(src, dst, alice, 5), ErrMintMismatch)
}

func TestMintOverflowIsRejected(t *testing.T) {
	l, _ := newLedger(t)
	addr, err := l.EnsureAssociated(alice, mintA, alice, 0)
	require.NoError(t, err)
	require.NoError(t, l.Mint(addr, math.MaxUint64))
	require.ErrorIs(t, l.Mint(addr, 1), ErrBalanceOverflow)
}

func TestInitAccountChargesDepositAndCloseReturnsIt(t *testing.T) {
	l, _ := newLedger(t)
	require.NoError(t, l.CreditNative(alice, 1_000))

	vault := crypto.Address{0x77}
	owner := crypto.Address{0x55}
	require.NoError(t, l.InitAccount(vault, mintA, owner, alice, 300))
	native, err := l.NativeBalance(alice)
	require.NoError(t, err)
	require.Equal(t, uint64(700), native)

	require.ErrorIs(t, l.InitAccount(vault, mintA, owner, alice, 300), ErrAccountExists)

	require.NoError(t, l.Mint(vault, 9))
	_, err = l.CloseAccount(vault, alice, owner)
	require.ErrorIs(t, err, ErrNonZeroBalance)
	require.NoError(t, l.Burn(vault, owner, 9))

	_, err = l.CloseAccount(vault, alice, alice)
	require.ErrorIs(t, err, ErrOwnerMismatch)

	reclaimed, err := l.CloseAccount(vault, alice, owner)
	require.NoError(t, err)
	require.Equal(t, uint64(300), reclaimed)
	native, err = l.NativeBalance(alice)
	require.NoError(t, err)
	require.Equal(t, uint64(1_000), native)

	_, ok, err := l.Account(vault)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestInitAccountWithoutDepositFundsFails(t *testing.T) {
	l, _ := newLedger(t)
	err := l.InitAccount(crypto.Address{0x01}, mintA, alice, alice, 1)
	require.ErrorIs(t, err, ErrInsufficientNative)
}

func TestAssociatedAccountIsStable(t *testing.T) {
	require.Equal(t, AssociatedAccount(alice, mintA), AssociatedAccount(alice, mintA))
	require.NotEqual(t, AssociatedAccount(alice, mintA), AssociatedAccount(alice, mintB))
	require.NotEqual(t, AssociatedAccount(alice, mintA), AssociatedAccount(bob, mintA))
	require.False(t, crypto.IsOnCurve(AssociatedAccount(alice, mintA)))
}

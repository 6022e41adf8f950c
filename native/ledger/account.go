package ledger

import (
	"encoding/binary"
	"fmt"

	"github.com/solana-turbin3/Q1-26-Accel-Meowy/crypto"
)

// Token account layout, version 1. Every field sits at a fixed offset so
// other programs can read single fields without decoding the whole account.
//
//	[0:32)  mint
//	[32:64) owner
//	[64:72) amount, u64 little-endian
//	[72]    state
//	[73:81) storage deposit, u64 little-endian
const (
	MintOffset    = 0
	OwnerOffset   = 32
	AmountOffset  = 64
	StateOffset   = 72
	DepositOffset = 73
	AccountSize   = 81
)

// AccountState is the lifecycle byte of a token account.
type AccountState byte

const (
	StateUninitialized AccountState = 0
	StateInitialized   AccountState = 1
)

// TokenAccount holds a balance of one mint on behalf of an owner.
type TokenAccount struct {
	Mint    crypto.Address
	Owner   crypto.Address
	Amount  uint64
	State   AccountState
	Deposit uint64
}

// Clone returns a copy of the account.
func (a *TokenAccount) Clone() *TokenAccount {
	if a == nil {
		return nil
	}
	out := *a
	return &out
}

// Encode renders the account in its fixed byte layout.
func (a *TokenAccount) Encode() []byte {
	buf := make([]byte, AccountSize)
	copy(buf[MintOffset:OwnerOffset], a.Mint[:])
	copy(buf[OwnerOffset:AmountOffset], a.Owner[:])
	binary.LittleEndian.PutUint64(buf[AmountOffset:StateOffset], a.Amount)
	buf[StateOffset] = byte(a.State)
	binary.LittleEndian.PutUint64(buf[DepositOffset:AccountSize], a.Deposit)
	return buf
}

// DecodeTokenAccount parses raw account bytes.
func DecodeTokenAccount(raw []byte) (*TokenAccount, error) {
	if len(raw) != AccountSize {
		return nil, fmt.Errorf("ledger: token account must be %d bytes, got %d", AccountSize, len(raw))
	}
	acc := &TokenAccount{
		Amount:  binary.LittleEndian.Uint64(raw[AmountOffset:StateOffset]),
		State:   AccountState(raw[StateOffset]),
		Deposit: binary.LittleEndian.Uint64(raw[DepositOffset:AccountSize]),
	}
	copy(acc.Mint[:], raw[MintOffset:OwnerOffset])
	copy(acc.Owner[:], raw[OwnerOffset:AmountOffset])
	if acc.State != StateInitialized {
		return nil, fmt.Errorf("ledger: token account not initialized")
	}
	return acc, nil
}

// ReadBalanceField returns the amount stored in raw token account bytes
// without decoding the rest of the account.
func ReadBalanceField(raw []byte) (uint64, error) {
	if len(raw) < StateOffset {
		return 0, fmt.Errorf("ledger: account data too short for balance field (%d bytes)", len(raw))
	}
	return binary.LittleEndian.Uint64(raw[AmountOffset:StateOffset]), nil
}

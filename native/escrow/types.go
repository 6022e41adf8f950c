package escrow

import (
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/rlp"

	"github.com/solana-turbin3/Q1-26-Accel-Meowy/crypto"
)

const (
	// DefaultMaturity is how long a record stays locked before Accept is
	// allowed.
	DefaultMaturity = 5 * 24 * time.Hour
	// DefaultCrankReward is paid to whoever executes a scheduled AutoCancel.
	DefaultCrankReward uint64 = 1_000_001
	// DefaultRecordDeposit and DefaultAccountDeposit are the native storage
	// deposits backing a record and a token account.
	DefaultRecordDeposit  uint64 = 1_559_040
	DefaultAccountDeposit uint64 = 2_039_280
)

// Params are the tunable economics of the program.
type Params struct {
	MaturityOffset time.Duration
	RecordDeposit  uint64
	AccountDeposit uint64
	CrankReward    uint64
}

// DefaultParams returns the production parameters.
func DefaultParams() Params {
	return Params{
		MaturityOffset: DefaultMaturity,
		RecordDeposit:  DefaultRecordDeposit,
		AccountDeposit: DefaultAccountDeposit,
		CrankReward:    DefaultCrankReward,
	}
}

// Validate reports whether the parameters are usable.
func (p Params) Validate() error {
	if p.MaturityOffset < 0 {
		return fmt.Errorf("escrow: maturity offset must not be negative")
	}
	if p.MaturityOffset%time.Second != 0 {
		return fmt.Errorf("escrow: maturity offset must be whole seconds")
	}
	return nil
}

// Record is the durable state of one open swap. Records are written once by
// Open and deleted once by Accept, Cancel or AutoCancel.
type Record struct {
	Nonce           uint64
	Maker           crypto.Address
	AssetOffered    crypto.Address
	AssetRequested  crypto.Address
	Deposit         uint64
	AmountRequested uint64
	Bump            uint8
	OpenedAt        uint64
	MaturityOffset  uint64
}

// Clone returns a copy of the record.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	out := *r
	return &out
}

// MaturesAt is the unix time from which Accept is allowed.
func (r *Record) MaturesAt() uint64 { return r.OpenedAt + r.MaturityOffset }

// Matured reports whether now has reached the maturity time.
func (r *Record) Matured(now int64) bool {
	return now >= 0 && uint64(now) >= r.MaturesAt()
}

func encodeRecord(r *Record) ([]byte, error) { return rlp.EncodeToBytes(r) }

func decodeRecord(raw []byte) (*Record, error) {
	var rec Record
	if err := rlp.DecodeBytes(raw, &rec); err != nil {
		return nil, fmt.Errorf("escrow: decode record: %w", err)
	}
	return &rec, nil
}

// OpenParams are the arguments of Open.
type OpenParams struct {
	Nonce           uint64
	Deposit         uint64
	AmountRequested uint64
	AssetOffered    crypto.Address
	AssetRequested  crypto.Address
}

// AutoCancelAccounts are the addresses an AutoCancel call carries. They are
// checked against the re-derived addresses before anything moves.
type AutoCancelAccounts struct {
	Maker        crypto.Address
	AssetOffered crypto.Address
	Record       crypto.Address
	Vault        crypto.Address
	MakerAccount crypto.Address
}

// Outcome is the result of an AutoCancel that did not fail.
type Outcome string

const (
	// OutcomeAlreadyClosed means the record was gone before the call.
	OutcomeAlreadyClosed Outcome = "already_closed"
	// OutcomeRecordClosed means the vault was already gone and only the
	// record was closed.
	OutcomeRecordClosed Outcome = "record_closed"
	// OutcomeRefunded means the vault was drained to the maker and both
	// accounts were closed.
	OutcomeRefunded Outcome = "refunded"
)

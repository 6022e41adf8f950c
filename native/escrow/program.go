package escrow

import (
	"encoding/binary"
	"fmt"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/solana-turbin3/Q1-26-Accel-Meowy/crypto"
	"github.com/solana-turbin3/Q1-26-Accel-Meowy/crypto/authority"
	"github.com/solana-turbin3/Q1-26-Accel-Meowy/native/ledger"
	"github.com/solana-turbin3/Q1-26-Accel-Meowy/native/scheduler"
)

const (
	recordSeed         = "escrow"
	queueAuthoritySeed = "queue_authority"
	rewardPoolSeed     = "crank_rewards"
	taskQueueSeed      = "task_queue"
)

var (
	// ProgramID owns every record, vault and authority of the escrow program.
	ProgramID crypto.Address

	autoCancelDiscriminator [8]byte

	queueAuthority     crypto.Address
	queueAuthorityBump uint8
	rewardPool         crypto.Address
	taskQueue          crypto.Address
)

func init() {
	copy(ProgramID[:], ethcrypto.Keccak256([]byte("escrow-program")))
	copy(autoCancelDiscriminator[:], ethcrypto.Keccak256([]byte("global:auto_cancel")))
	queueAuthority, queueAuthorityBump = authority.MustDerive(ProgramID, []byte(queueAuthoritySeed))
	rewardPool, _ = authority.MustDerive(ProgramID, []byte(rewardPoolSeed))
	taskQueue, _ = authority.MustDerive(ProgramID, []byte(taskQueueSeed))
}

// QueueAuthority is the protocol-owned identity that registers scheduled
// calls. It is distinct from every record authority.
func QueueAuthority() crypto.Address { return queueAuthority }

// RewardPool holds crank rewards between registration and execution.
func RewardPool() crypto.Address { return rewardPool }

// TaskQueue is the scheduler queue the program registers its calls on.
func TaskQueue() crypto.Address { return taskQueue }

func nonceSeed(nonce uint64) []byte {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], nonce)
	return buf[:]
}

func recordSeeds(maker crypto.Address, nonce uint64) [][]byte {
	return [][]byte{[]byte(recordSeed), maker[:], nonceSeed(nonce)}
}

// RecordAddress derives the record address and bump for (maker, nonce).
func RecordAddress(maker crypto.Address, nonce uint64) (crypto.Address, uint8, error) {
	return authority.Derive(ProgramID, recordSeeds(maker, nonce)...)
}

// VaultAddress is the record authority's associated account for the offered
// asset.
func VaultAddress(record, assetOffered crypto.Address) crypto.Address {
	return ledger.AssociatedAccount(record, assetOffered)
}

// recordSigner re-derives the record authority. It is the only way a handler
// gets to move funds out of a vault.
func recordSigner(rec *Record, expected crypto.Address) (authority.Signer, error) {
	signer, err := authority.NewSigner(ProgramID, expected, rec.Bump, recordSeeds(rec.Maker, rec.Nonce)...)
	if err != nil {
		return authority.Signer{}, fmt.Errorf("%w: %w", ErrAccountMismatch, err)
	}
	return signer, nil
}

func queueSigner() (authority.Signer, error) {
	return authority.NewSigner(ProgramID, queueAuthority, queueAuthorityBump, []byte(queueAuthoritySeed))
}

// Addresses lists every account involved with one record.
type Addresses struct {
	Record         crypto.Address `json:"record"`
	Bump           uint8          `json:"bump"`
	Vault          crypto.Address `json:"vault"`
	MakerAccount   crypto.Address `json:"makerAccount"`
	QueueAuthority crypto.Address `json:"queueAuthority"`
}

// DeriveAddresses computes the accounts of the record (maker, nonce) holding
// assetOffered.
func DeriveAddresses(maker crypto.Address, nonce uint64, assetOffered crypto.Address) (Addresses, error) {
	record, bump, err := RecordAddress(maker, nonce)
	if err != nil {
		return Addresses{}, err
	}
	return Addresses{
		Record:         record,
		Bump:           bump,
		Vault:          VaultAddress(record, assetOffered),
		MakerAccount:   ledger.AssociatedAccount(maker, assetOffered),
		QueueAuthority: queueAuthority,
	}, nil
}

// Accounts returns the AutoCancel account set for these addresses.
func (a Addresses) Accounts(maker, assetOffered crypto.Address) AutoCancelAccounts {
	return AutoCancelAccounts{
		Maker:        maker,
		AssetOffered: assetOffered,
		Record:       a.Record,
		Vault:        a.Vault,
		MakerAccount: a.MakerAccount,
	}
}

const autoCancelAccountCount = 5

// AutoCancelInstruction encodes an AutoCancel call: the 8 byte discriminator
// followed by the nonce, and the accounts in the order maker, asset, record,
// vault, maker account.
func AutoCancelInstruction(accounts AutoCancelAccounts, nonce uint64) scheduler.Instruction {
	data := make([]byte, 0, len(autoCancelDiscriminator)+8)
	data = append(data, autoCancelDiscriminator[:]...)
	data = append(data, nonceSeed(nonce)...)
	return scheduler.Instruction{
		Program: ProgramID,
		Accounts: []scheduler.AccountMeta{
			{Address: accounts.Maker},
			{Address: accounts.AssetOffered},
			{Address: accounts.Record, Writable: true},
			{Address: accounts.Vault, Writable: true},
			{Address: accounts.MakerAccount, Writable: true},
		},
		Data: data,
	}
}

// DecodeAutoCancel parses an instruction built by AutoCancelInstruction.
func DecodeAutoCancel(ix scheduler.Instruction) (AutoCancelAccounts, uint64, error) {
	if ix.Program != ProgramID {
		return AutoCancelAccounts{}, 0, fmt.Errorf("escrow: instruction for foreign program %s", ix.Program)
	}
	if len(ix.Data) != len(autoCancelDiscriminator)+8 || [8]byte(ix.Data[:8]) != autoCancelDiscriminator {
		return AutoCancelAccounts{}, 0, fmt.Errorf("escrow: unknown instruction")
	}
	if len(ix.Accounts) != autoCancelAccountCount {
		return AutoCancelAccounts{}, 0, fmt.Errorf("escrow: auto cancel expects %d accounts, got %d", autoCancelAccountCount, len(ix.Accounts))
	}
	accounts := AutoCancelAccounts{
		Maker:        ix.Accounts[0].Address,
		AssetOffered: ix.Accounts[1].Address,
		Record:       ix.Accounts[2].Address,
		Vault:        ix.Accounts[3].Address,
		MakerAccount: ix.Accounts[4].Address,
	}
	return accounts, binary.LittleEndian.Uint64(ix.Data[8:]), nil
}

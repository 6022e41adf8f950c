package scheduler

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/rlp"
	"lukechampine.com/blake3"

	"github.com/solana-turbin3/Q1-26-Accel-Meowy/crypto"
	"github.com/solana-turbin3/Q1-26-Accel-Meowy/crypto/authority"
)

const (
	transactionVersion = 1
	maxAccounts        = 64
	maxInstructionData = 1024
	maxInstructions    = 8
)

// ErrCompile is returned when a set of instructions cannot be packed into the
// scheduler's transaction envelope.
var ErrCompile = errors.New("scheduler: compile transaction failed")

// AccountMeta names an account an instruction touches.
type AccountMeta struct {
	Address  crypto.Address
	Signer   bool
	Writable bool
}

// Instruction is a single program invocation.
type Instruction struct {
	Program  crypto.Address
	Accounts []AccountMeta
	Data     []byte
}

// compiledInstruction references the transaction's account table by index.
type compiledInstruction struct {
	ProgramIndex uint8
	Accounts     []byte
	Data         []byte
}

// CompiledTransaction is the envelope stored with a task. The payer is always
// the first account and is the only signer; it is the derived authority the
// task was registered under.
type CompiledTransaction struct {
	Version      uint8
	PayerBump    uint8
	Accounts     []crypto.Address
	Flags        []byte
	Instructions []compiledInstruction
}

const (
	flagSigner   byte = 1 << 0
	flagWritable byte = 1 << 1
)

// CompileTransaction packs instructions into an envelope signed by payer.
func CompileTransaction(payer authority.Signer, instructions []Instruction) ([]byte, error) {
	if !payer.Valid() {
		return nil, fmt.Errorf("%w: payer signer missing", ErrCompile)
	}
	if len(instructions) == 0 {
		return nil, fmt.Errorf("%w: no instructions", ErrCompile)
	}
	if len(instructions) > maxInstructions {
		return nil, fmt.Errorf("%w: %d instructions exceeds %d", ErrCompile, len(instructions), maxInstructions)
	}

	tx := &CompiledTransaction{Version: transactionVersion, PayerBump: payer.Bump()}
	index := make(map[crypto.Address]int)
	add := func(addr crypto.Address, flags byte) int {
		if i, ok := index[addr]; ok {
			tx.Flags[i] |= flags
			return i
		}
		index[addr] = len(tx.Accounts)
		tx.Accounts = append(tx.Accounts, addr)
		tx.Flags = append(tx.Flags, flags)
		return len(tx.Accounts) - 1
	}
	add(payer.Address(), flagSigner|flagWritable)

	for i, ix := range instructions {
		if ix.Program.IsZero() {
			return nil, fmt.Errorf("%w: instruction %d has no program", ErrCompile, i)
		}
		if len(ix.Data) > maxInstructionData {
			return nil, fmt.Errorf("%w: instruction %d data too large", ErrCompile, i)
		}
		compiled := compiledInstruction{
			ProgramIndex: uint8(add(ix.Program, 0)),
			Data:         append([]byte(nil), ix.Data...),
		}
		for _, meta := range ix.Accounts {
			if meta.Address.IsZero() {
				return nil, fmt.Errorf("%w: instruction %d references the zero account", ErrCompile, i)
			}
			if meta.Signer && meta.Address != payer.Address() {
				return nil, fmt.Errorf("%w: no signer available for %s", ErrCompile, meta.Address)
			}
			var flags byte
			if meta.Signer {
				flags |= flagSigner
			}
			if meta.Writable {
				flags |= flagWritable
			}
			compiled.Accounts = append(compiled.Accounts, byte(add(meta.Address, flags)))
		}
		tx.Instructions = append(tx.Instructions, compiled)
		if len(tx.Accounts) > maxAccounts {
			return nil, fmt.Errorf("%w: more than %d accounts", ErrCompile, maxAccounts)
		}
	}

	encoded, err := rlp.EncodeToBytes(tx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCompile, err)
	}
	return encoded, nil
}

// DecodeTransaction parses an envelope produced by CompileTransaction.
func DecodeTransaction(raw []byte) (*CompiledTransaction, error) {
	var tx CompiledTransaction
	if err := rlp.DecodeBytes(raw, &tx); err != nil {
		return nil, fmt.Errorf("scheduler: decode transaction: %w", err)
	}
	if tx.Version != transactionVersion {
		return nil, fmt.Errorf("scheduler: unsupported transaction version %d", tx.Version)
	}
	if len(tx.Accounts) == 0 || len(tx.Accounts) != len(tx.Flags) {
		return nil, fmt.Errorf("scheduler: malformed account table")
	}
	for i, ix := range tx.Instructions {
		if int(ix.ProgramIndex) >= len(tx.Accounts) {
			return nil, fmt.Errorf("scheduler: instruction %d program index out of range", i)
		}
		for _, idx := range ix.Accounts {
			if int(idx) >= len(tx.Accounts) {
				return nil, fmt.Errorf("scheduler: instruction %d account index out of range", i)
			}
		}
	}
	return &tx, nil
}

// Payer returns the signing authority of the envelope.
func (tx *CompiledTransaction) Payer() crypto.Address { return tx.Accounts[0] }

// Decompile expands the envelope back into instructions.
func (tx *CompiledTransaction) Decompile() []Instruction {
	out := make([]Instruction, 0, len(tx.Instructions))
	for _, ix := range tx.Instructions {
		decoded := Instruction{
			Program: tx.Accounts[ix.ProgramIndex],
			Data:    append([]byte(nil), ix.Data...),
		}
		for _, idx := range ix.Accounts {
			flags := tx.Flags[idx]
			decoded.Accounts = append(decoded.Accounts, AccountMeta{
				Address:  tx.Accounts[idx],
				Signer:   flags&flagSigner != 0,
				Writable: flags&flagWritable != 0,
			})
		}
		out = append(out, decoded)
	}
	return out
}

// Digest returns the blake3 hash of an encoded envelope in hex.
func Digest(raw []byte) string {
	sum := blake3.Sum256(raw)
	return fmt.Sprintf("%x", sum[:])
}

// Package authority derives keyless addresses that programs use both as
// account locators and as signing identities.
//
// An address is keccak256(seeds || bump || program || "DerivedAddress"). The
// bump is searched downward from 255 until the digest is not the x-coordinate
// of a secp256k1 point, so no private key can ever sign for it.
package authority

import (
	"errors"
	"fmt"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/solana-turbin3/Q1-26-Accel-Meowy/crypto"
)

const (
	MaxSeeds      = 16
	MaxSeedLength = 32
	derivedMarker = "DerivedAddress"
)

var (
	ErrNoValidBump   = errors.New("authority: unable to find a valid bump seed")
	ErrOnCurve       = errors.New("authority: derived address is on curve")
	ErrSeedTooLong   = errors.New("authority: seed exceeds maximum length")
	ErrTooManySeeds  = errors.New("authority: too many seeds")
	ErrSignerInvalid = errors.New("authority: signer does not match derivation")
)

func checkSeeds(seeds [][]byte) error {
	if len(seeds) > MaxSeeds {
		return ErrTooManySeeds
	}
	for _, seed := range seeds {
		if len(seed) > MaxSeedLength {
			return ErrSeedTooLong
		}
	}
	return nil
}

// CreateWithBump computes the derived address for a known bump.
func CreateWithBump(program crypto.Address, bump uint8, seeds ...[]byte) (crypto.Address, error) {
	if err := checkSeeds(seeds); err != nil {
		return crypto.Address{}, err
	}
	parts := make([][]byte, 0, len(seeds)+3)
	parts = append(parts, seeds...)
	parts = append(parts, []byte{bump}, program[:], []byte(derivedMarker))
	addr, err := crypto.BytesToAddress(ethcrypto.Keccak256(parts...))
	if err != nil {
		return crypto.Address{}, err
	}
	if crypto.IsOnCurve(addr) {
		return crypto.Address{}, ErrOnCurve
	}
	return addr, nil
}

// Derive finds the canonical (highest) bump for seeds and returns the address
// together with it.
func Derive(program crypto.Address, seeds ...[]byte) (crypto.Address, uint8, error) {
	if err := checkSeeds(seeds); err != nil {
		return crypto.Address{}, 0, err
	}
	for bump := 255; bump >= 0; bump-- {
		addr, err := CreateWithBump(program, uint8(bump), seeds...)
		if errors.Is(err, ErrOnCurve) {
			continue
		}
		if err != nil {
			return crypto.Address{}, 0, err
		}
		return addr, uint8(bump), nil
	}
	return crypto.Address{}, 0, ErrNoValidBump
}

// MustDerive is Derive for static seeds known to be valid.
func MustDerive(program crypto.Address, seeds ...[]byte) (crypto.Address, uint8) {
	addr, bump, err := Derive(program, seeds...)
	if err != nil {
		panic(err)
	}
	return addr, bump
}

// Signer is the capability to authorise movements out of accounts owned by a
// derived address. It can only be obtained by re-deriving the address from
// its seeds.
type Signer struct {
	program crypto.Address
	address crypto.Address
	bump    uint8
	seeds   [][]byte
}

// NewSigner re-derives the address for (program, seeds, bump). When expected
// is non-zero the derived address must equal it.
func NewSigner(program crypto.Address, expected crypto.Address, bump uint8, seeds ...[]byte) (Signer, error) {
	addr, err := CreateWithBump(program, bump, seeds...)
	if err != nil {
		return Signer{}, fmt.Errorf("%w: %v", ErrSignerInvalid, err)
	}
	if !expected.IsZero() && addr != expected {
		return Signer{}, ErrSignerInvalid
	}
	copied := make([][]byte, len(seeds))
	for i, seed := range seeds {
		copied[i] = append([]byte(nil), seed...)
	}
	return Signer{program: program, address: addr, bump: bump, seeds: copied}, nil
}

// Address returns the derived signing identity.
func (s Signer) Address() crypto.Address { return s.address }

func (s Signer) Bump() uint8 { return s.bump }

func (s Signer) Program() crypto.Address { return s.program }

// Valid reports whether the signer was produced by NewSigner.
func (s Signer) Valid() bool { return !s.address.IsZero() }

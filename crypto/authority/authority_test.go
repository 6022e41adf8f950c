package authority

import (
	"bytes"
	"errors"
	"testing"

	"github.com/solana-turbin3/Q1-26-Accel-Meowy/crypto"
)

var testProgram = crypto.Address{0x01, 0x02, 0x03}

func TestDeriveIsDeterministicAndOffCurve(t *testing.T) {
	seeds := [][]byte{[]byte("escrow"), bytes.Repeat([]byte{0xaa}, 32)}
	addr1, bump1, err := Derive(testProgram, seeds...)
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	addr2, bump2, err := Derive(testProgram, seeds...)
	if err != nil {
		t.Fatalf("derive again: %v", err)
	}
	if addr1 != addr2 || bump1 != bump2 {
		t.Fatalf("derivation not deterministic")
	}
	if crypto.IsOnCurve(addr1) {
		t.Fatalf("derived address must be off curve")
	}
	again, err := CreateWithBump(testProgram, bump1, seeds...)
	if err != nil {
		t.Fatalf("create with bump: %v", err)
	}
	if again != addr1 {
		t.Fatalf("create with bump mismatch")
	}
}

func TestDeriveDependsOnEverySeedAndProgram(t *testing.T) {
	base, _, err := Derive(testProgram, []byte("escrow"), []byte{1})
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	otherSeed, _, err := Derive(testProgram, []byte("escrow"), []byte{2})
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	otherProgram, _, err := Derive(crypto.Address{0x09}, []byte("escrow"), []byte{1})
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	if base == otherSeed || base == otherProgram {
		t.Fatalf("expected distinct addresses")
	}
}

func TestSeedLimits(t *testing.T) {
	if _, _, err := Derive(testProgram, make([]byte, MaxSeedLength+1)); !errors.Is(err, ErrSeedTooLong) {
		t.Fatalf("expected ErrSeedTooLong, got %v", err)
	}
	seeds := make([][]byte, MaxSeeds+1)
	if _, _, err := Derive(testProgram, seeds...); !errors.Is(err, ErrTooManySeeds) {
		t.Fatalf("expected ErrTooManySeeds, got %v", err)
	}
}

func TestNewSignerRequiresMatchingDerivation(t *testing.T) {
	addr, bump, err := Derive(testProgram, []byte("queue_authority"))
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	signer, err := NewSigner(testProgram, addr, bump, []byte("queue_authority"))
	if err != nil {
		t.Fatalf("signer: %v", err)
	}
	if !signer.Valid() || signer.Address() != addr || signer.Bump() != bump {
		t.Fatalf("unexpected signer %+v", signer)
	}
	if _, err := NewSigner(testProgram, crypto.Address{0xff}, bump, []byte("queue_authority")); !errors.Is(err, ErrSignerInvalid) {
		t.Fatalf("expected ErrSignerInvalid, got %v", err)
	}
	if (Signer{}).Valid() {
		t.Fatalf("zero signer must be invalid")
	}
}

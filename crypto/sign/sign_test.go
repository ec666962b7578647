package sign

import (
	"testing"
)

func TestSignAndVerify(t *testing.T) {
	key, err := GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	pk := key.Public()
	if len(pk) != PublicKeySize {
		t.Fatalf("Expect %d-byte public key (got %d)", PublicKeySize, len(pk))
	}

	message := []byte("test message")
	sig, err := key.Sign(message)
	if err != nil {
		t.Fatal(err)
	}
	if len(sig) != SignatureSize {
		t.Fatalf("Expect %d-byte signature (got %d)", SignatureSize, len(sig))
	}

	if !pk.Verify(message, sig) {
		t.Fatal("Expect the signature to verify")
	}
	if pk.Verify([]byte("wrong message"), sig) {
		t.Fatal("Expect verification to fail for a different message")
	}

	sig[0] ^= 0xff
	if pk.Verify(message, sig) {
		t.Fatal("Expect verification to fail for a corrupted signature")
	}
}

func TestVerifyWithWrongKey(t *testing.T) {
	key, err := GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	other, err := GenerateKey()
	if err != nil {
		t.Fatal(err)
	}

	message := []byte("test message")
	sig, err := key.Sign(message)
	if err != nil {
		t.Fatal(err)
	}
	if other.Public().Verify(message, sig) {
		t.Fatal("Expect verification to fail under a different key")
	}
}

func TestVerifyMalformedInputs(t *testing.T) {
	key, err := GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	message := []byte("test message")
	sig, err := key.Sign(message)
	if err != nil {
		t.Fatal(err)
	}

	if key.Public().Verify(message, sig[:SignatureSize-1]) {
		t.Fatal("Expect verification to fail for a truncated signature")
	}
	if PublicKey(key.Public()[:PublicKeySize-1]).Verify(message, sig) {
		t.Fatal("Expect verification to fail for a truncated key")
	}
}

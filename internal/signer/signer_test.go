package signer

import (
	"strings"
	"testing"
)

func TestGenerateSignVerifyRoundTrip(t *testing.T) {
	pub, sec, err := Generate(NoPassphrase())
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	message := []byte("x86_64-repodata digest goes here")
	wire, err := Sign(sec, NoPassphrase(), message, "test key", "timestamp:1700000000")
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	ok, err := Verify(pub, message, wire)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if !ok {
		t.Fatalf("expected signature to verify")
	}
}

func TestVerifyRejectsTamperedMessage(t *testing.T) {
	pub, sec, err := Generate(NoPassphrase())
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	wire, err := Sign(sec, NoPassphrase(), []byte("original"), "", "c")
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	ok, err := Verify(pub, []byte("tampered"), wire)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if ok {
		t.Fatalf("expected tampered message to fail verification")
	}
}

func TestVerifyRejectsTamperedTrustedComment(t *testing.T) {
	pub, sec, err := Generate(NoPassphrase())
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	wire, err := Sign(sec, NoPassphrase(), []byte("msg"), "", "original comment")
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	tampered := strings.Replace(string(wire), "original comment", "forged comment!!", 1)
	ok, err := Verify(pub, []byte("msg"), []byte(tampered))
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if ok {
		t.Fatalf("expected tampered trusted comment to fail verification")
	}
}

func TestVerifyRejectsWrongKey(t *testing.T) {
	_, sec, err := Generate(NoPassphrase())
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	otherPub, _, err := Generate(NoPassphrase())
	if err != nil {
		t.Fatalf("Generate (other): %v", err)
	}
	wire, err := Sign(sec, NoPassphrase(), []byte("msg"), "", "c")
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	ok, err := Verify(otherPub, []byte("msg"), wire)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if ok {
		t.Fatalf("expected verification under the wrong key to fail")
	}
}

func TestSecretKeyEncryptionRequiresPassphrase(t *testing.T) {
	pub, sec, err := Generate(FixedPassphrase("correct horse battery staple"))
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	if _, err := Sign(sec, FixedPassphrase("wrong passphrase"), []byte("m"), "", "c"); err == nil {
		t.Fatalf("expected Sign with the wrong passphrase to fail")
	}

	wire, err := Sign(sec, FixedPassphrase("correct horse battery staple"), []byte("m"), "", "c")
	if err != nil {
		t.Fatalf("Sign with the correct passphrase: %v", err)
	}
	ok, err := Verify(pub, []byte("m"), wire)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if !ok {
		t.Fatalf("expected signature produced under an encrypted key to verify")
	}
}

func TestPublicKeyWireRoundTrip(t *testing.T) {
	pub, _, err := Generate(NoPassphrase())
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	wire := MarshalPublicKey(pub, "my key")
	got, err := ParsePublicKey(wire)
	if err != nil {
		t.Fatalf("ParsePublicKey: %v", err)
	}
	if got.KeyID != pub.KeyID || got.Key != pub.Key {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, pub)
	}
}

func TestSecretKeyWireRoundTrip(t *testing.T) {
	_, sec, err := Generate(FixedPassphrase("hunter2"))
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	wire := MarshalSecretKey(sec, "")
	got, err := ParseSecretKey(wire)
	if err != nil {
		t.Fatalf("ParseSecretKey: %v", err)
	}
	if got.KeyID != sec.KeyID || got.Encrypted != sec.Encrypted || got.Checksum != sec.Checksum {
		t.Fatalf("round trip mismatch")
	}
	if _, err := got.decrypt(FixedPassphrase("hunter2")); err != nil {
		t.Fatalf("decrypt after round trip: %v", err)
	}
}

func TestRepoKeysRegisterAndLookup(t *testing.T) {
	pub, _, err := Generate(NoPassphrase())
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	rk := NewRepoKeys()
	rk.Register("https://repo.example/current", pub, "")

	doc := rk.Document()
	reloaded := LoadRepoKeys(doc)

	got, ok, err := reloaded.Lookup("https://repo.example/current")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if !ok {
		t.Fatalf("expected a registered key")
	}
	if got.KeyID != pub.KeyID || got.Key != pub.Key {
		t.Fatalf("looked up key mismatch")
	}

	if _, ok, err := reloaded.Lookup("https://repo.example/unknown"); err != nil || ok {
		t.Fatalf("expected no entry for an unregistered URL, got ok=%v err=%v", ok, err)
	}
}

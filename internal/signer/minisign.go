// Package signer implements the minisign-style signer/verifier (C11) used
// to sign repository index metadata, plus an OpenPGP-compatible alternate
// backend for sites that prefer detached PGP signatures over the primary
// minisign-style format.
//
// The wire format is the three-line text spec.md §4.11 describes: an
// untrusted comment, the base64 signature payload, and a trusted comment.
// Unlike the upstream minisign tool (which appends a fourth line, a global
// signature over the trusted comment, to keep the comment tamper-evident
// without re-hashing the message) this port folds the trusted comment into
// the same ed25519 signature as the message hash, so the trusted comment
// is authenticated without a fourth line: the signed digest is
// sha512(message) followed by the trusted comment's bytes.
package signer

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/scrypt"
)

const (
	sigAlg = "Ed"
	kdfAlg = "Sc"
	csAlg  = "B2"

	untrustedPrefix = "untrusted comment: "
	trustedPrefix   = "trusted comment: "
)

// PassphraseSource supplies the passphrase used to encrypt/decrypt a
// secret key. A source returning (nil, nil) requests an unencrypted key.
type PassphraseSource func() ([]byte, error)

// NoPassphrase is a PassphraseSource that leaves the secret key unencrypted.
func NoPassphrase() PassphraseSource {
	return func() ([]byte, error) { return nil, nil }
}

// FixedPassphrase returns a PassphraseSource supplying a constant passphrase
// (used by callers that already obtained it from a terminal prompt or an
// environment variable).
func FixedPassphrase(p string) PassphraseSource {
	return func() ([]byte, error) { return []byte(p), nil }
}

// PublicKey is a minisign-style Ed25519 public key identified by an 8-byte
// key number.
type PublicKey struct {
	KeyID [8]byte
	Key   [32]byte
}

// SecretKey is a minisign-style Ed25519 secret key, kept encrypted at rest
// under a scrypt-derived keystream when a passphrase is supplied.
type SecretKey struct {
	KeyID       [8]byte
	KDFSalt     [32]byte
	KDFOpsLimit uint64
	KDFMemLimit uint64
	Encrypted   [64]byte // ed25519 seed(32) || public key(32), xored with the keystream
	Checksum    [32]byte // blake2b-256 over keyid || seed || public key, unencrypted
}

// Default scrypt opslimit/memlimit recorded in newly generated secret keys.
const (
	defaultOpsLimit = 1 << 21
	defaultMemLimit = 1 << 24 // bytes; yields scrypt N=16384, the conventional "interactive" cost
)

func deriveKeystream(passphrase []byte, salt []byte, opsLimit, memLimit uint64) ([]byte, error) {
	// scrypt's (N, r, p) triple is derived from the opslimit/memlimit pair
	// the same way minisign does: r=8, p=1, and N picked so that
	// 128*N*r <= memlimit while N*r*p operations stay under opslimit.
	const r = 8
	n := 1
	for n < 1<<20 && uint64(128*r*n) < memLimit && uint64(n*r) < opsLimit {
		n <<= 1
	}
	if n < 2 {
		n = 2
	}
	return scrypt.Key(passphrase, salt, n, r, 1, 64)
}

func xorInto(dst, keystream []byte) {
	for i := range dst {
		dst[i] ^= keystream[i]
	}
}

func checksumOf(keyid [8]byte, seed, pub []byte) [32]byte {
	h, _ := blake2b.New256(nil)
	h.Write(keyid[:])
	h.Write(seed)
	h.Write(pub)
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// Generate creates a new Ed25519 keypair, encrypting the secret half under
// the passphrase source's return value (a nil/empty passphrase leaves it
// in the clear, matching minisign's -W behavior).
func Generate(passphrase PassphraseSource) (*PublicKey, *SecretKey, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, err
	}
	var keyid [8]byte
	if _, err := rand.Read(keyid[:]); err != nil {
		return nil, nil, err
	}
	seed := priv.Seed()

	pass, err := passphrase()
	if err != nil {
		return nil, nil, err
	}

	sk := &SecretKey{KeyID: keyid, KDFOpsLimit: defaultOpsLimit, KDFMemLimit: defaultMemLimit}
	if _, err := rand.Read(sk.KDFSalt[:]); err != nil {
		return nil, nil, err
	}

	plain := make([]byte, 64)
	copy(plain[:32], seed)
	copy(plain[32:], pub)
	sk.Checksum = checksumOf(keyid, plain[:32], plain[32:])

	if len(pass) > 0 {
		ks, err := deriveKeystream(pass, sk.KDFSalt[:], sk.KDFOpsLimit, sk.KDFMemLimit)
		if err != nil {
			return nil, nil, err
		}
		xorInto(plain, ks)
	}
	copy(sk.Encrypted[:], plain)

	pk := &PublicKey{KeyID: keyid}
	copy(pk.Key[:], pub)
	return pk, sk, nil
}

// decrypt recovers the Ed25519 seed and public key, verifying the
// passphrase by recomputing the checksum.
func (sk *SecretKey) decrypt(passphrase PassphraseSource) (ed25519.PrivateKey, error) {
	pass, err := passphrase()
	if err != nil {
		return nil, err
	}
	plain := make([]byte, 64)
	copy(plain, sk.Encrypted[:])
	if len(pass) > 0 {
		ks, err := deriveKeystream(pass, sk.KDFSalt[:], sk.KDFOpsLimit, sk.KDFMemLimit)
		if err != nil {
			return nil, err
		}
		xorInto(plain, ks)
	}
	want := checksumOf(sk.KeyID, plain[:32], plain[32:])
	if subtle.ConstantTimeCompare(want[:], sk.Checksum[:]) != 1 {
		return nil, errors.New("signer: wrong passphrase or corrupt secret key")
	}
	return ed25519.NewKeyFromSeed(plain[:32]), nil
}

func signDigest(priv ed25519.PrivateKey, message []byte, trustedComment string) []byte {
	h := sha512.Sum512(message)
	digest := append(append([]byte(nil), h[:]...), []byte(trustedComment)...)
	return ed25519.Sign(priv, digest)
}

// Sign produces the three-line wire-format signature of message under sk,
// binding trustedComment into the signed digest.
func Sign(sk *SecretKey, passphrase PassphraseSource, message []byte, untrustedComment, trustedComment string) ([]byte, error) {
	priv, err := sk.decrypt(passphrase)
	if err != nil {
		return nil, err
	}
	sig := signDigest(priv, message, trustedComment)

	payload := make([]byte, 0, 2+8+64)
	payload = append(payload, sigAlg...)
	payload = append(payload, sk.KeyID[:]...)
	payload = append(payload, sig...)

	var buf bytes.Buffer
	if untrustedComment == "" {
		untrustedComment = "signature from minisign-style secret key"
	}
	fmt.Fprintf(&buf, "%s%s\n", untrustedPrefix, untrustedComment)
	fmt.Fprintf(&buf, "%s\n", base64.StdEncoding.EncodeToString(payload))
	fmt.Fprintf(&buf, "%s%s\n", trustedPrefix, trustedComment)
	return buf.Bytes(), nil
}

// Verify reports whether wire is a valid signature of message under pub.
func Verify(pub *PublicKey, message []byte, wire []byte) (bool, error) {
	lines := strings.SplitN(string(wire), "\n", 4)
	if len(lines) < 3 {
		return false, errors.New("signer: malformed signature (need 3 lines)")
	}
	if !strings.HasPrefix(lines[0], untrustedPrefix) {
		return false, errors.New("signer: missing untrusted comment line")
	}
	if !strings.HasPrefix(lines[2], trustedPrefix) {
		return false, errors.New("signer: missing trusted comment line")
	}
	trustedComment := strings.TrimPrefix(lines[2], trustedPrefix)

	payload, err := base64.StdEncoding.DecodeString(strings.TrimSpace(lines[1]))
	if err != nil {
		return false, fmt.Errorf("signer: decoding payload: %w", err)
	}
	if len(payload) != 2+8+64 {
		return false, errors.New("signer: malformed signature payload length")
	}
	if string(payload[:2]) != sigAlg {
		return false, fmt.Errorf("signer: unsupported signature algorithm %q", payload[:2])
	}
	var keyid [8]byte
	copy(keyid[:], payload[2:10])
	if keyid != pub.KeyID {
		return false, nil
	}
	sig := payload[10:]

	h := sha512.Sum512(message)
	digest := append(append([]byte(nil), h[:]...), []byte(trustedComment)...)
	return ed25519.Verify(pub.Key[:], digest, sig), nil
}

// MarshalPublicKey renders pub in its two-line wire format.
func MarshalPublicKey(pub *PublicKey, untrustedComment string) []byte {
	payload := make([]byte, 0, 2+8+32)
	payload = append(payload, sigAlg...)
	payload = append(payload, pub.KeyID[:]...)
	payload = append(payload, pub.Key[:]...)

	var buf bytes.Buffer
	if untrustedComment == "" {
		untrustedComment = "minisign-style public key " + fmt.Sprintf("%X", pub.KeyID)
	}
	fmt.Fprintf(&buf, "%s%s\n", untrustedPrefix, untrustedComment)
	fmt.Fprintf(&buf, "%s\n", base64.StdEncoding.EncodeToString(payload))
	return buf.Bytes()
}

// ParsePublicKey reads back the wire format MarshalPublicKey produces.
func ParsePublicKey(wire []byte) (*PublicKey, error) {
	lines := strings.SplitN(string(wire), "\n", 3)
	if len(lines) < 2 {
		return nil, errors.New("signer: malformed public key (need 2 lines)")
	}
	payload, err := base64.StdEncoding.DecodeString(strings.TrimSpace(lines[1]))
	if err != nil {
		return nil, fmt.Errorf("signer: decoding public key: %w", err)
	}
	if len(payload) != 2+8+32 {
		return nil, errors.New("signer: malformed public key payload length")
	}
	if string(payload[:2]) != sigAlg {
		return nil, fmt.Errorf("signer: unsupported signature algorithm %q", payload[:2])
	}
	pk := &PublicKey{}
	copy(pk.KeyID[:], payload[2:10])
	copy(pk.Key[:], payload[10:])
	return pk, nil
}

// MarshalSecretKey renders sk in minisign's binary secret-key layout,
// base64-encoded with its own untrusted comment line. Only these two lines
// are emitted: the secret key has no trusted comment to authenticate.
func MarshalSecretKey(sk *SecretKey, untrustedComment string) []byte {
	payload := make([]byte, 0, 2+2+2+32+8+8+8+64+32)
	payload = append(payload, sigAlg...)
	payload = append(payload, kdfAlg...)
	payload = append(payload, csAlg...)
	payload = append(payload, sk.KDFSalt[:]...)
	payload = binary.LittleEndian.AppendUint64(payload, sk.KDFOpsLimit)
	payload = binary.LittleEndian.AppendUint64(payload, sk.KDFMemLimit)
	payload = append(payload, sk.KeyID[:]...)
	payload = append(payload, sk.Encrypted[:]...)
	payload = append(payload, sk.Checksum[:]...)

	var buf bytes.Buffer
	if untrustedComment == "" {
		untrustedComment = "minisign-style encrypted secret key"
	}
	fmt.Fprintf(&buf, "%s%s\n", untrustedPrefix, untrustedComment)
	fmt.Fprintf(&buf, "%s\n", base64.StdEncoding.EncodeToString(payload))
	return buf.Bytes()
}

// ParseSecretKey reads back the layout MarshalSecretKey produces.
func ParseSecretKey(wire []byte) (*SecretKey, error) {
	lines := strings.SplitN(string(wire), "\n", 3)
	if len(lines) < 2 {
		return nil, errors.New("signer: malformed secret key (need 2 lines)")
	}
	payload, err := base64.StdEncoding.DecodeString(strings.TrimSpace(lines[1]))
	if err != nil {
		return nil, fmt.Errorf("signer: decoding secret key: %w", err)
	}
	const fixed = 2 + 2 + 2 + 32 + 8 + 8 + 8 + 64 + 32
	if len(payload) != fixed {
		return nil, errors.New("signer: malformed secret key payload length")
	}
	if string(payload[:2]) != sigAlg {
		return nil, fmt.Errorf("signer: unsupported signature algorithm %q", payload[:2])
	}
	if string(payload[2:4]) != kdfAlg {
		return nil, fmt.Errorf("signer: unsupported KDF algorithm %q", payload[2:4])
	}
	if string(payload[4:6]) != csAlg {
		return nil, fmt.Errorf("signer: unsupported checksum algorithm %q", payload[4:6])
	}
	sk := &SecretKey{}
	off := 6
	copy(sk.KDFSalt[:], payload[off:off+32])
	off += 32
	sk.KDFOpsLimit = binary.LittleEndian.Uint64(payload[off : off+8])
	off += 8
	sk.KDFMemLimit = binary.LittleEndian.Uint64(payload[off : off+8])
	off += 8
	copy(sk.KeyID[:], payload[off:off+8])
	off += 8
	copy(sk.Encrypted[:], payload[off:off+64])
	off += 64
	copy(sk.Checksum[:], payload[off:off+32])
	return sk, nil
}

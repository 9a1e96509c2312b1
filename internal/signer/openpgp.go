package signer

import (
	"bytes"
	"errors"
	"strings"

	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/ProtonMail/go-crypto/openpgp/armor"
	"github.com/ProtonMail/go-crypto/openpgp/clearsign"
)

// OpenPGPBackend is the alternate, PGP-compatible signing path spec.md's
// repokeys.plist accommodates alongside the primary minisign-style format:
// sites that already distribute a PGP keyring for their repository signer
// can clearsign index metadata instead of generating a second key.
type OpenPGPBackend struct {
	entity *openpgp.Entity
}

// LoadOpenPGPSigner reads an ASCII-armored private key and returns a
// backend bound to its first entity carrying a private key.
func LoadOpenPGPSigner(armoredKey string) (*OpenPGPBackend, error) {
	entities, err := openpgp.ReadArmoredKeyRing(strings.NewReader(armoredKey))
	if err != nil {
		return nil, err
	}
	for _, e := range entities {
		if e.PrivateKey != nil {
			return &OpenPGPBackend{entity: e}, nil
		}
	}
	return nil, errors.New("signer: no private key found in keyring")
}

// SignClearsigned clearsigns input with the backend's private key,
// returning the ASCII-armored clearsigned message.
func (b *OpenPGPBackend) SignClearsigned(input []byte) ([]byte, error) {
	var out bytes.Buffer
	w, err := clearsign.Encode(&out, b.entity.PrivateKey, nil)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(input); err != nil {
		w.Close()
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}

// PublicKey extracts the backend's public key, ASCII-armored when armored
// is true or binary-serialized otherwise.
func (b *OpenPGPBackend) PublicKey(armored bool) ([]byte, error) {
	var buf bytes.Buffer
	if armored {
		w, err := armor.Encode(&buf, openpgp.PublicKeyType, nil)
		if err != nil {
			return nil, err
		}
		if err := b.entity.Serialize(w); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	}
	if err := b.entity.Serialize(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// VerifyClearsigned checks a clearsigned message against keyring (an
// ASCII-armored public or private keyring) and returns the signed content
// on success.
func VerifyClearsigned(keyring string, signed []byte) ([]byte, error) {
	entities, err := openpgp.ReadArmoredKeyRing(strings.NewReader(keyring))
	if err != nil {
		return nil, err
	}
	block, _ := clearsign.Decode(signed)
	if block == nil {
		return nil, errors.New("signer: not a clearsigned message")
	}
	if _, err := openpgp.CheckDetachedSignature(entities, bytes.NewReader(block.Bytes), block.ArmoredSignature.Body, nil); err != nil {
		return nil, err
	}
	return block.Plaintext, nil
}

package export

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/nacl/box"
	"golang.org/x/crypto/nacl/secretbox"
)

// envelopeMagic tags a password envelope so a reader can distinguish it
// from an unencrypted or recipient-sealed archive.
var envelopeMagic = [4]byte{'T', 'B', 'P', '1'}

const (
	argon2Time    = 1
	argon2Memory  = 64 * 1024
	argon2Threads = 4
	argon2KeyLen  = 32
	saltLen       = 16
)

// EncryptForRecipient wraps data in an anonymous public-key envelope
// addressed to recipientHex (a hex-encoded 32-byte Curve25519 public
// key), so only the holder of the matching private key can open it.
func EncryptForRecipient(data []byte, recipientHex string) ([]byte, error) {
	raw, err := hex.DecodeString(recipientHex)
	if err != nil {
		return nil, fmt.Errorf("export: invalid recipient key: %w", err)
	}
	if len(raw) != 32 {
		return nil, errors.New("export: recipient key must be 32 bytes")
	}
	var pub [32]byte
	copy(pub[:], raw)

	sealed, err := box.SealAnonymous(nil, data, &pub, rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("export: seal envelope: %w", err)
	}
	return sealed, nil
}

// EncryptWithPassword wraps data in a password-derived secretbox
// envelope: a random salt feeds argon2id to derive the symmetric key,
// and a random nonce protects the ciphertext. The output layout is
// magic(4) || salt(16) || nonce(24) || ciphertext.
func EncryptWithPassword(data []byte, password string) ([]byte, error) {
	if password == "" {
		return nil, errors.New("export: empty password")
	}
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("export: generate salt: %w", err)
	}
	key := argon2.IDKey([]byte(password), salt, argon2Time, argon2Memory, argon2Threads, argon2KeyLen)

	var keyArr [32]byte
	copy(keyArr[:], key)

	var nonce [24]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, fmt.Errorf("export: generate nonce: %w", err)
	}

	out := make([]byte, 0, 4+saltLen+24+len(data)+secretbox.Overhead)
	out = append(out, envelopeMagic[:]...)
	out = append(out, salt...)
	out = append(out, nonce[:]...)
	out = secretbox.Seal(out, data, &nonce, &keyArr)
	return out, nil
}

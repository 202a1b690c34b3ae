package export

import (
	"crypto/rand"
	"encoding/hex"
	"testing"

	"golang.org/x/crypto/nacl/box"
	"golang.org/x/crypto/nacl/secretbox"
	"golang.org/x/crypto/argon2"
)

func TestEncryptForRecipientRoundTrips(t *testing.T) {
	pub, priv, err := box.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey failed: %v", err)
	}
	recipientHex := hex.EncodeToString(pub[:])

	plaintext := []byte("archive bytes")
	sealed, err := EncryptForRecipient(plaintext, recipientHex)
	if err != nil {
		t.Fatalf("EncryptForRecipient failed: %v", err)
	}

	opened, ok := box.OpenAnonymous(nil, sealed, pub, priv)
	if !ok {
		t.Fatal("expected the sealed envelope to open with the matching private key")
	}
	if string(opened) != string(plaintext) {
		t.Errorf("expected round-tripped plaintext, got %q", opened)
	}
}

func TestEncryptForRecipientRejectsBadHex(t *testing.T) {
	if _, err := EncryptForRecipient([]byte("x"), "not-hex!!"); err == nil {
		t.Fatal("expected an error for invalid hex")
	}
}

func TestEncryptForRecipientRejectsWrongKeyLength(t *testing.T) {
	if _, err := EncryptForRecipient([]byte("x"), hex.EncodeToString([]byte("short"))); err == nil {
		t.Fatal("expected an error for a non-32-byte key")
	}
}

func TestEncryptWithPasswordRejectsEmptyPassword(t *testing.T) {
	if _, err := EncryptWithPassword([]byte("x"), ""); err == nil {
		t.Fatal("expected an error for an empty password")
	}
}

func TestEncryptWithPasswordRoundTrips(t *testing.T) {
	plaintext := []byte("archive bytes")
	out, err := EncryptWithPassword(plaintext, "correct horse battery staple")
	if err != nil {
		t.Fatalf("EncryptWithPassword failed: %v", err)
	}
	if len(out) < 4+saltLen+24 {
		t.Fatalf("envelope too short: %d bytes", len(out))
	}
	for i, b := range envelopeMagic {
		if out[i] != b {
			t.Fatalf("expected magic header at offset %d", i)
		}
	}

	salt := out[4 : 4+saltLen]
	var nonce [24]byte
	copy(nonce[:], out[4+saltLen:4+saltLen+24])
	ciphertext := out[4+saltLen+24:]

	key := argon2.IDKey([]byte("correct horse battery staple"), salt, argon2Time, argon2Memory, argon2Threads, argon2KeyLen)
	var keyArr [32]byte
	copy(keyArr[:], key)

	opened, ok := secretbox.Open(nil, ciphertext, &nonce, &keyArr)
	if !ok {
		t.Fatal("expected secretbox to open with the derived key")
	}
	if string(opened) != string(plaintext) {
		t.Errorf("expected round-tripped plaintext, got %q", opened)
	}
}

func TestEncryptWithPasswordWrongPasswordFailsToOpen(t *testing.T) {
	out, err := EncryptWithPassword([]byte("secret data"), "right password")
	if err != nil {
		t.Fatalf("EncryptWithPassword failed: %v", err)
	}
	salt := out[4 : 4+saltLen]
	var nonce [24]byte
	copy(nonce[:], out[4+saltLen:4+saltLen+24])
	ciphertext := out[4+saltLen+24:]

	wrongKey := argon2.IDKey([]byte("wrong password"), salt, argon2Time, argon2Memory, argon2Threads, argon2KeyLen)
	var keyArr [32]byte
	copy(keyArr[:], wrongKey)

	if _, ok := secretbox.Open(nil, ciphertext, &nonce, &keyArr); ok {
		t.Fatal("expected decryption with the wrong password to fail")
	}
}

func TestEncryptWithPasswordProducesFreshSaltPerCall(t *testing.T) {
	a, err := EncryptWithPassword([]byte("x"), "pw")
	if err != nil {
		t.Fatalf("EncryptWithPassword failed: %v", err)
	}
	b, err := EncryptWithPassword([]byte("x"), "pw")
	if err != nil {
		t.Fatalf("EncryptWithPassword failed: %v", err)
	}
	saltA := a[4 : 4+saltLen]
	saltB := b[4 : 4+saltLen]
	if string(saltA) == string(saltB) {
		t.Error("expected distinct random salts across calls")
	}
}

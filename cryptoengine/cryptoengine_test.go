package cryptoengine

import (
	"bytes"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"strings"
	"testing"

	"citm/msgstore"
)

func genKeypair(t *testing.T) (*Keypair, *rsa.PublicKey) {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	der := x509.MarshalPKCS1PrivateKey(priv)
	block := &pem.Block{Type: "RSA PRIVATE KEY", Bytes: der}
	kp, err := KeypairLoad(pem.EncodeToMemory(block))
	if err != nil {
		t.Fatal(err)
	}
	return kp, &priv.PublicKey
}

func TestKeypairLoadFingerprint(t *testing.T) {
	kp, _ := genKeypair(t)
	fp := kp.FingerprintHex()
	if len(fp) != 64 {
		t.Errorf("expected 64 hex chars, got %d (%s)", len(fp), fp)
	}
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	kp, pub := genKeypair(t)

	enc, header, err := NewEncrypter([]*rsa.PublicKey{pub})
	if err != nil {
		t.Fatal(err)
	}
	plaintext := "hello, splintermail"
	if err := enc.Update([]byte(plaintext)); err != nil {
		t.Fatal(err)
	}
	body, err := enc.Finish()
	if err != nil {
		t.Fatal(err)
	}

	var out bytes.Buffer
	if err := Drain(kp, strings.NewReader(header+body), &out); err != nil {
		t.Fatal(err)
	}
	if out.String() != plaintext {
		t.Errorf("got %q, want %q", out.String(), plaintext)
	}
}

func TestDecryptNot4Me(t *testing.T) {
	_, otherPub := genKeypair(t)
	kp, _ := genKeypair(t) // a different keypair than otherPub's owner

	enc, header, err := NewEncrypter([]*rsa.PublicKey{otherPub})
	if err != nil {
		t.Fatal(err)
	}
	if err := enc.Update([]byte("not for you")); err != nil {
		t.Fatal(err)
	}
	body, err := enc.Finish()
	if err != nil {
		t.Fatal(err)
	}

	var out bytes.Buffer
	err = Drain(kp, strings.NewReader(header+body), &out)
	if !errors.Is(err, msgstore.ErrNot4Me) {
		t.Errorf("expected ErrNot4Me, got %v", err)
	}
}

func TestDecryptTamperedTagFails(t *testing.T) {
	kp, pub := genKeypair(t)

	enc, header, err := NewEncrypter([]*rsa.PublicKey{pub})
	if err != nil {
		t.Fatal(err)
	}
	if err := enc.Update([]byte("tamper with me")); err != nil {
		t.Fatal(err)
	}
	body, err := enc.Finish()
	if err != nil {
		t.Fatal(err)
	}
	// flip a byte in the ciphertext line so the GCM tag no longer matches.
	lines := strings.SplitN(body, "\n", 2)
	corrupted := flipByte(lines[0]) + "\n" + lines[1]

	var out bytes.Buffer
	err = Drain(kp, strings.NewReader(header+corrupted), &out)
	if err == nil {
		t.Fatal("expected tag verification failure")
	}
}

func flipByte(s string) string {
	if len(s) == 0 {
		return s
	}
	b := []byte(s)
	if b[0] == 'A' {
		b[0] = 'B'
	} else {
		b[0] = 'A'
	}
	return string(b)
}

func TestRandomBytesLength(t *testing.T) {
	b, err := RandomBytes(16)
	if err != nil {
		t.Fatal(err)
	}
	if len(b) != 16 {
		t.Errorf("expected 16 bytes, got %d", len(b))
	}
}

func TestHMACLength(t *testing.T) {
	sum := HMAC([]byte("key"), []byte("message"))
	if len(sum) != 64 {
		t.Errorf("expected 64-byte HMAC, got %d", len(sum))
	}
}

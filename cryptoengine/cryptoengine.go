// Package cryptoengine implements the Splintermail envelope format
// consumed by Mailbox's decryption-on-ingest pipeline (spec.md §6):
// keypair loading and fingerprinting, and streaming decrypt/encrypt of
// the PEM-framed, multi-recipient AES-256-GCM envelope.
//
// This is pure stdlib crypto, in the same register as the teacher's
// own email/dkim package (crypto/rsa, crypto/x509, crypto/sha256):
// nothing in the retrieval pack wraps OpenSSL-shaped primitives in a
// third-party library, so there is no ecosystem dependency to prefer
// over the standard library here.
package cryptoengine

import (
	"bufio"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"io"
	"strconv"
	"strings"

	"citm/msgstore"
)

const (
	pemHeader = "-----BEGIN SPLINTERMAIL MESSAGE-----"
	pemFooter = "-----END SPLINTERMAIL MESSAGE-----"
)

// Keypair owns a private key and exposes its fingerprint, the
// 32-byte SHA-256 digest over its SubjectPublicKeyInfo, used to pick
// which per-recipient envelope key to unwrap.
type Keypair struct {
	priv        *rsa.PrivateKey
	fingerprint [32]byte
}

// KeypairLoad parses a PEM-encoded RSA private key.
func KeypairLoad(pemBytes []byte) (*Keypair, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, msgstore.NewError(msgstore.KindParse, "no PEM block in keypair file")
	}
	var priv *rsa.PrivateKey
	var err error
	switch block.Type {
	case "RSA PRIVATE KEY":
		priv, err = x509.ParsePKCS1PrivateKey(block.Bytes)
	default:
		var key any
		key, err = x509.ParsePKCS8PrivateKey(block.Bytes)
		if err == nil {
			var ok bool
			priv, ok = key.(*rsa.PrivateKey)
			if !ok {
				return nil, msgstore.NewError(msgstore.KindParse, "keypair is not an RSA key")
			}
		}
	}
	if err != nil {
		return nil, msgstore.WrapError(msgstore.KindParse, "parsing private key", err)
	}

	spki, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	if err != nil {
		return nil, msgstore.WrapError(msgstore.KindParse, "marshaling public key", err)
	}

	return &Keypair{priv: priv, fingerprint: sha256.Sum256(spki)}, nil
}

// Fingerprint returns the 32-byte SHA-256 digest over this keypair's
// SubjectPublicKeyInfo.
func (k *Keypair) Fingerprint() [32]byte { return k.fingerprint }

// FingerprintHex is the lowercase hex rendering used for log lines
// and the userdb.Users.KeypairFingerprint column.
func (k *Keypair) FingerprintHex() string {
	return hexEncode(k.fingerprint[:])
}

func hexEncode(b []byte) string {
	const digits = "0123456789abcdef"
	out := make([]byte, len(b)*2)
	for i, c := range b {
		out[i*2] = digits[c>>4]
		out[i*2+1] = digits[c&0xf]
	}
	return string(out)
}

// recipient is one "R:<hashlen>:<hash>:<keylen>:<enckey>" envelope
// line: hash identifies the intended recipient's fingerprint, enckey
// is their copy of the symmetric key, RSA-OAEP wrapped.
type recipient struct {
	hash   []byte
	encKey []byte
}

// Decrypter streams a Splintermail envelope's plaintext out, given a
// Keypair whose fingerprint matches one of the envelope's recipients.
type Decrypter struct {
	keypair *Keypair

	gcm    cipher.AEAD
	iv     []byte
	out    io.Writer
	buf    []byte // accumulates ciphertext+tag across Update calls
	tag    []byte
	gotTag bool
}

// NewDecrypter begins decrypting an envelope for keypair's owner,
// writing recovered plaintext to out as it becomes available.
func NewDecrypter(keypair *Keypair, out io.Writer) *Decrypter {
	return &Decrypter{keypair: keypair, out: out}
}

// Start parses the envelope's framing and per-recipient key lines
// from header, selecting and unwrapping the symmetric key addressed
// to d's keypair. header must contain everything up through the "M:"
// marker; Update/Finish are then fed the base64 ciphertext body.
func (d *Decrypter) Start(header string) error {
	lines := strings.Split(strings.TrimRight(header, "\n"), "\n")
	if len(lines) == 0 || strings.TrimSpace(lines[0]) != pemHeader {
		return msgstore.NewError(msgstore.KindParam, "missing splintermail PEM header")
	}

	var recipients []recipient
	var iv []byte
	myFP := d.keypair.Fingerprint()

	for _, raw := range lines[1:] {
		line := strings.TrimSpace(raw)
		if line == "" || line == pemFooter {
			continue
		}
		switch {
		case strings.HasPrefix(line, "V:"):
			// envelope format version; only "1" is understood.
			if line != "V:1" {
				return msgstore.NewError(msgstore.KindParam, "unsupported envelope version")
			}
		case strings.HasPrefix(line, "R:"):
			r, err := parseRecipientLine(line)
			if err != nil {
				return err
			}
			recipients = append(recipients, r)
		case strings.HasPrefix(line, "IV:"):
			v, err := parseLengthPrefixed(line, "IV:")
			if err != nil {
				return err
			}
			iv = v
		case strings.HasPrefix(line, "M:"):
			// the ciphertext body begins after this marker; nothing
			// more to parse from the header itself.
		}
	}

	if iv == nil {
		return msgstore.NewError(msgstore.KindParam, "envelope missing IV")
	}

	var symKey []byte
	for _, r := range recipients {
		if hmac.Equal(r.hash, myFP[:]) {
			key, err := rsa.DecryptOAEP(sha256.New(), rand.Reader, d.keypair.priv, r.encKey, nil)
			if err != nil {
				return msgstore.WrapError(msgstore.KindValue, "unwrapping recipient key", err)
			}
			symKey = key
			break
		}
	}
	if symKey == nil {
		return msgstore.ErrNot4Me
	}

	block, err := aes.NewCipher(symKey)
	if err != nil {
		return msgstore.WrapError(msgstore.KindParam, "building AES cipher", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return msgstore.WrapError(msgstore.KindParam, "building AES-GCM", err)
	}
	d.gcm = gcm
	d.iv = iv
	return nil
}

// Update feeds base64-encoded ciphertext (and, for the final chunk,
// the "=<base64-tag>" trailer) into the decrypter. Plaintext cannot
// be released until Finish, since GCM only authenticates once the tag
// is known.
func (d *Decrypter) Update(chunk []byte) error {
	d.buf = append(d.buf, chunk...)
	return nil
}

// Finish validates the GCM tag and writes the recovered plaintext to
// out, failing with a Value-kind error on tag mismatch (surfaced by
// spec.md §6 as the "ssl" decrypt-failure case).
func (d *Decrypter) Finish() error {
	if d.gcm == nil {
		return msgstore.NewError(msgstore.KindParam, "Finish called before a successful Start")
	}
	raw, err := base64.StdEncoding.DecodeString(stripWhitespace(string(d.buf)))
	if err != nil {
		return msgstore.WrapError(msgstore.KindParam, "decoding ciphertext body", err)
	}
	plaintext, err := d.gcm.Open(nil, d.iv, raw, nil)
	if err != nil {
		return msgstore.WrapError(msgstore.KindValue, "GCM tag verification failed", err)
	}
	_, err = d.out.Write(plaintext)
	if err != nil {
		return msgstore.WrapError(msgstore.KindOS, "writing decrypted plaintext", err)
	}
	return nil
}

// Encrypter is the symmetric counterpart used when a client APPENDs a
// message that must be re-encrypted for upload (spec.md §6).
type Encrypter struct {
	gcm cipher.AEAD
	iv  []byte
	buf []byte
}

// NewEncrypter generates a fresh symmetric key and wraps it for each
// of keys (each recipient's public key), returning the Encrypter and
// the envelope header (PEM framing through the "M:" marker) to write
// ahead of the ciphertext body.
func NewEncrypter(keys []*rsa.PublicKey) (*Encrypter, string, error) {
	symKey := make([]byte, 32)
	if _, err := rand.Read(symKey); err != nil {
		return nil, "", msgstore.WrapError(msgstore.KindOS, "generating symmetric key", err)
	}
	block, err := aes.NewCipher(symKey)
	if err != nil {
		return nil, "", msgstore.WrapError(msgstore.KindParam, "building AES cipher", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, "", msgstore.WrapError(msgstore.KindParam, "building AES-GCM", err)
	}
	iv := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(iv); err != nil {
		return nil, "", msgstore.WrapError(msgstore.KindOS, "generating IV", err)
	}

	var b strings.Builder
	b.WriteString(pemHeader + "\n")
	b.WriteString("V:1\n")
	for _, pub := range keys {
		encKey, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, pub, symKey, nil)
		if err != nil {
			return nil, "", msgstore.WrapError(msgstore.KindParam, "wrapping key for recipient", err)
		}
		spki, err := x509.MarshalPKIXPublicKey(pub)
		if err != nil {
			return nil, "", msgstore.WrapError(msgstore.KindParam, "marshaling recipient public key", err)
		}
		fp := sha256.Sum256(spki)
		b.WriteString("R:")
		b.WriteString(strconv.Itoa(len(fp)))
		b.WriteByte(':')
		b.WriteString(base64.StdEncoding.EncodeToString(fp[:]))
		b.WriteByte(':')
		b.WriteString(strconv.Itoa(len(encKey)))
		b.WriteByte(':')
		b.WriteString(base64.StdEncoding.EncodeToString(encKey))
		b.WriteByte('\n')
	}
	b.WriteString("IV:")
	b.WriteString(strconv.Itoa(len(iv)))
	b.WriteByte(':')
	b.WriteString(base64.StdEncoding.EncodeToString(iv))
	b.WriteString("\n")
	b.WriteString("M:\n")

	return &Encrypter{gcm: gcm, iv: iv}, b.String(), nil
}

// Update buffers plaintext for encryption; the envelope format
// requires the GCM tag to follow the full ciphertext, so encryption
// itself happens in Finish.
func (e *Encrypter) Update(chunk []byte) error {
	e.buf = append(e.buf, chunk...)
	return nil
}

// Finish returns the base64 ciphertext body followed by the
// "=<base64-tag>" trailer and PEM footer, ready to append after the
// header Start returned.
func (e *Encrypter) Finish() (string, error) {
	sealed := e.gcm.Seal(nil, e.iv, e.buf, nil)
	ciphertext := sealed[:len(sealed)-e.gcm.Overhead()]
	tag := sealed[len(sealed)-e.gcm.Overhead():]

	var b strings.Builder
	b.WriteString(base64.StdEncoding.EncodeToString(ciphertext))
	b.WriteString("\n=")
	b.WriteString(base64.StdEncoding.EncodeToString(tag))
	b.WriteString("\n")
	b.WriteString(pemFooter + "\n")
	return b.String(), nil
}

// RandomBytes returns n cryptographically random bytes.
func RandomBytes(n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return nil, msgstore.WrapError(msgstore.KindOS, "reading random bytes", err)
	}
	return buf, nil
}

// HMAC returns the 64-byte (SHA-512) HMAC of m under key k, matching
// spec.md §6's "hmac(k, m) -> 64 bytes" contract.
func HMAC(k, m []byte) []byte {
	h := hmac.New(sha512.New, k)
	h.Write(m)
	return h.Sum(nil)
}

func parseRecipientLine(line string) (recipient, error) {
	// R:<hashlen>:<hash-base64>:<keylen>:<enckey-base64>
	parts := strings.SplitN(line, ":", 5)
	if len(parts) != 5 {
		return recipient{}, msgstore.NewError(msgstore.KindParam, "malformed recipient line")
	}
	hash, err := base64.StdEncoding.DecodeString(parts[2])
	if err != nil {
		return recipient{}, msgstore.WrapError(msgstore.KindParam, "decoding recipient hash", err)
	}
	encKey, err := base64.StdEncoding.DecodeString(parts[4])
	if err != nil {
		return recipient{}, msgstore.WrapError(msgstore.KindParam, "decoding recipient key", err)
	}
	return recipient{hash: hash, encKey: encKey}, nil
}

func parseLengthPrefixed(line, prefix string) ([]byte, error) {
	rest := strings.TrimPrefix(line, prefix)
	parts := strings.SplitN(rest, ":", 2)
	if len(parts) != 2 {
		return nil, msgstore.NewError(msgstore.KindParam, "malformed length-prefixed field")
	}
	return base64.StdEncoding.DecodeString(parts[1])
}

func stripWhitespace(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r == '\n' || r == '\r' || r == ' ' || r == '\t' {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Drain reads all of r into a Decrypter via Start/Update/Finish in one
// shot, splitting the PEM header from the base64 body at the "M:\n"
// marker. Intended for smaller envelopes (e.g. test fixtures); large
// bodies are expected to stream via Update directly.
func Drain(keypair *Keypair, r io.Reader, out io.Writer) error {
	br := bufio.NewReader(r)
	var header strings.Builder
	for {
		line, err := br.ReadString('\n')
		header.WriteString(line)
		if strings.HasPrefix(strings.TrimSpace(line), "M:") {
			break
		}
		if err != nil {
			return msgstore.WrapError(msgstore.KindParam, "reading envelope header", err)
		}
	}
	d := NewDecrypter(keypair, out)
	if err := d.Start(header.String()); err != nil {
		return err
	}
	rest, err := io.ReadAll(br)
	if err != nil {
		return msgstore.WrapError(msgstore.KindOS, "reading envelope body", err)
	}
	rest = []byte(strings.TrimSuffix(string(rest), pemFooter+"\n"))
	if err := d.Update(rest); err != nil {
		return err
	}
	return d.Finish()
}

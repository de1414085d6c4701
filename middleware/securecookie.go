package middleware

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/fxamacker/cbor/v2"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

var (
	ErrCookieFormat  = errors.New("invalid session cookie format")
	ErrCookieInvalid = errors.New("invalid session cookie")
	ErrCookieConfig  = errors.New("invalid secure cookie configuration")
)

// maxCookieLen bounds the attacker-controlled data we decode.
const maxCookieLen = 8192

// KeySize is the key length of the cookie AEAD.
const KeySize = chacha20poly1305.KeySize

// DeriveKey stretches a configured secret into a cookie key with
// HKDF-SHA256. Different purposes yield independent keys.
func DeriveKey(secret, purpose string) ([]byte, error) {
	if secret == "" {
		return nil, fmt.Errorf("%w: empty secret", ErrCookieConfig)
	}
	key := make([]byte, KeySize)
	r := hkdf.New(sha256.New, []byte(secret), nil, []byte("lineserve "+purpose))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, err
	}
	return key, nil
}

// SecureCookie seals values into cookies.
type SecureCookie interface {
	Name() string
	Encode(plain any, maxAge int) (*http.Cookie, error)
	Decode(cookie *http.Cookie, v any) error
	// Clear returns a cookie that deletes this cookie in the client.
	Clear() *http.Cookie
}

// SecureCookieCodec seals and opens byte strings with one of several keys.
// KeyID selects the key used for sealing; every key in Keys is accepted
// when opening, which allows rotation.
type SecureCookieCodec struct {
	KeyID   string
	Keys    map[string][]byte
	NewAEAD func(key []byte) (cipher.AEAD, error)
}

// NewSecureCookieCodec validates every key against newAEAD.
func NewSecureCookieCodec(keyID string, keys map[string][]byte, newAEAD func(key []byte) (cipher.AEAD, error)) (*SecureCookieCodec, error) {
	if _, ok := keys[keyID]; !ok {
		return nil, fmt.Errorf("%w: key %q not found", ErrCookieConfig, keyID)
	}
	if newAEAD == nil {
		return nil, fmt.Errorf("%w: nil AEAD constructor", ErrCookieConfig)
	}
	for id, k := range keys {
		if _, err := newAEAD(k); err != nil {
			return nil, fmt.Errorf("invalid key %s: %w", id, err)
		}
	}
	return &SecureCookieCodec{KeyID: keyID, Keys: keys, NewAEAD: newAEAD}, nil
}

// Encode returns keyID "." base64url(nonce || sealed).
func (sc *SecureCookieCodec) Encode(plain, aad []byte) (string, error) {
	if sc == nil {
		return "", ErrCookieConfig
	}
	aead, err := sc.NewAEAD(sc.Keys[sc.KeyID])
	if err != nil {
		return "", err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	sealed := aead.Seal(nonce, nonce, plain, aad)
	return sc.KeyID + "." + base64.RawURLEncoding.EncodeToString(sealed), nil
}

func (sc *SecureCookieCodec) Decode(value string, aad []byte) ([]byte, error) {
	if sc == nil {
		return nil, ErrCookieConfig
	}
	if len(value) == 0 || len(value) > maxCookieLen {
		return nil, ErrCookieFormat
	}
	keyID, enc, ok := strings.Cut(value, ".")
	if !ok || keyID == "" || enc == "" {
		return nil, ErrCookieFormat
	}
	key, ok := sc.Keys[keyID]
	if !ok {
		return nil, ErrCookieInvalid
	}
	sealed, err := base64.RawURLEncoding.DecodeString(enc)
	if err != nil {
		return nil, ErrCookieFormat
	}
	aead, err := sc.NewAEAD(key)
	if err != nil {
		return nil, err
	}
	if len(sealed) < aead.NonceSize()+aead.Overhead() {
		return nil, ErrCookieFormat
	}
	nonce, ciphertext := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	plain, err := aead.Open(nil, nonce, ciphertext, aad)
	if err != nil {
		return nil, ErrCookieInvalid
	}
	return plain, nil
}

// SecureCookieAEAD is a SecureCookie sealed with XChaCha20-Poly1305 and
// encoded with CBOR. The cookie name, domain, path and secure flag are
// bound as additional data, so a value cannot be replayed under another
// cookie.
type SecureCookieAEAD struct {
	name     string
	path     string
	domain   string
	secure   bool
	sameSite http.SameSite
	now      func() time.Time

	Codec *SecureCookieCodec
}

// SecureCookieOption configures a SecureCookieAEAD.
type SecureCookieOption func(*SecureCookieAEAD)

func WithPath(path string) SecureCookieOption {
	return func(sc *SecureCookieAEAD) { sc.path = path }
}

func WithDomain(domain string) SecureCookieOption {
	return func(sc *SecureCookieAEAD) { sc.domain = domain }
}

// WithSecure sets the Secure attribute. Plain-http local development
// needs false.
func WithSecure(secure bool) SecureCookieOption {
	return func(sc *SecureCookieAEAD) { sc.secure = secure }
}

func WithSameSite(sameSite http.SameSite) SecureCookieOption {
	return func(sc *SecureCookieAEAD) { sc.sameSite = sameSite }
}

// NewSecureCookie returns a cookie codec with path "/", HttpOnly, Secure
// and SameSite=Lax. Lax is required so that the cookie is sent on the
// top-level redirect back from LINE.
func NewSecureCookie(name, keyID string, keys map[string][]byte, opts ...SecureCookieOption) (*SecureCookieAEAD, error) {
	sc := &SecureCookieAEAD{
		name:     name,
		path:     "/",
		secure:   true,
		sameSite: http.SameSiteLaxMode,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(sc)
	}
	if sc.path == "" {
		sc.path = "/"
	}
	codec, err := NewSecureCookieCodec(keyID, keys, chacha20poly1305.NewX)
	if err != nil {
		return nil, err
	}
	sc.Codec = codec
	return sc, nil
}

func (sc *SecureCookieAEAD) Name() string {
	if sc == nil {
		return ""
	}
	return sc.name
}

func (sc *SecureCookieAEAD) aad() []byte {
	secure := "f"
	if sc.secure {
		secure = "t"
	}
	return []byte(sc.name + ":" + sc.domain + ":" + sc.path + ":" + secure)
}

func (sc *SecureCookieAEAD) Encode(plain any, maxAge int) (*http.Cookie, error) {
	if maxAge <= 0 {
		return nil, ErrCookieInvalid
	}
	if sc.Codec == nil {
		return nil, ErrCookieConfig
	}
	b, err := cbor.Marshal(plain)
	if err != nil {
		return nil, err
	}
	val, err := sc.Codec.Encode(b, sc.aad())
	if err != nil {
		return nil, err
	}
	return &http.Cookie{
		Name:     sc.name,
		Value:    val,
		Path:     sc.path,
		Domain:   sc.domain,
		MaxAge:   maxAge,
		Expires:  sc.now().Add(time.Duration(maxAge) * time.Second),
		Secure:   sc.secure,
		HttpOnly: true,
		SameSite: sc.sameSite,
	}, nil
}

func (sc *SecureCookieAEAD) Decode(cookie *http.Cookie, v any) error {
	if cookie == nil {
		return ErrCookieFormat
	}
	if sc.Codec == nil {
		return ErrCookieConfig
	}
	b, err := sc.Codec.Decode(cookie.Value, sc.aad())
	if err != nil {
		return err
	}
	return cbor.Unmarshal(b, v)
}

func (sc *SecureCookieAEAD) Clear() *http.Cookie {
	return &http.Cookie{
		Name:     sc.name,
		Path:     sc.path,
		Domain:   sc.domain,
		MaxAge:   -1,
		Expires:  time.Unix(0, 0),
		Secure:   sc.secure,
		HttpOnly: true,
		SameSite: sc.sameSite,
	}
}

var _ SecureCookie = (*SecureCookieAEAD)(nil)

// Package cipherstream implements the per-direction streaming
// encrypt/decrypt transform (component C1): init(key, method) and
// apply(state, buf) against an opaque per-connection cipher state, modeled
// on shadowsocks-libev's enc_ctx_init/ss_encrypt/ss_decrypt.
//
// Every method here is a pure stream cipher: apply(state, buf) transforms
// buf in place and advances state over exactly the bytes transformed, for
// buffers of arbitrary length. There is no block padding, so a short write
// of the ciphertext never needs the cipher re-run on the residual bytes.
package cipherstream

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/md5"
	"crypto/rc4"
	"fmt"

	"golang.org/x/crypto/chacha20"
)

// Method identifies a stream cipher algorithm.
type Method string

const (
	MethodNone       Method = "none"
	MethodRC4MD5     Method = "rc4-md5"
	MethodAES128CTR  Method = "aes-128-ctr"
	MethodAES256CTR  Method = "aes-256-ctr"
	MethodChacha20   Method = "chacha20"
)

// keySize returns the raw key length, in bytes, required by method.
func keySize(m Method) int {
	switch m {
	case MethodNone:
		return 0
	case MethodRC4MD5:
		return 16
	case MethodAES128CTR:
		return 16
	case MethodAES256CTR:
		return 32
	case MethodChacha20:
		return chacha20.KeySize
	default:
		return 0
	}
}

// ivSize returns the per-direction IV length, in bytes, required by method.
// Each direction of a connection generates its own random IV and transmits
// it once, in the clear, before the first ciphertext byte — the same
// convention shadowsocks uses.
func ivSize(m Method) int {
	switch m {
	case MethodNone:
		return 0
	case MethodRC4MD5:
		return 16 // salt folded into the md5(key||salt) round, see NewState
	case MethodAES128CTR, MethodAES256CTR:
		return aes.BlockSize
	case MethodChacha20:
		return chacha20.NonceSize
	default:
		return 0
	}
}

// ValidMethod reports whether m is a supported cipher method name.
func ValidMethod(m string) bool {
	switch Method(m) {
	case MethodNone, MethodRC4MD5, MethodAES128CTR, MethodAES256CTR, MethodChacha20:
		return true
	default:
		return false
	}
}

// DeriveKey derives a raw key of the given length from a password using the
// classic OpenSSL EVP_BytesToKey construction (repeated MD5 over
// previous-digest||password), the same key-stretching shadowsocks-libev
// uses for its ciphers.
func DeriveKey(password string, keyLen int) []byte {
	var (
		key  []byte
		prev []byte
	)
	for len(key) < keyLen {
		h := md5.New()
		h.Write(prev)
		h.Write([]byte(password))
		prev = h.Sum(nil)
		key = append(key, prev...)
	}
	return key[:keyLen]
}

// State is one direction's cipher context: opaque to callers, advancing
// with every byte transformed. The engine holds two — one per direction —
// per connection pair.
type State struct {
	method Method
	stream cipher.Stream
}

// NewState constructs a per-direction cipher state from a shared password
// and the already-established IV for this direction. For MethodNone it
// returns a valid identity state that Apply treats as a no-op.
func NewState(method Method, password string, iv []byte) (*State, error) {
	if method == MethodNone {
		return &State{method: method}, nil
	}
	if len(iv) != ivSize(method) {
		return nil, fmt.Errorf("cipherstream: %s requires %d-byte iv, got %d", method, ivSize(method), len(iv))
	}

	key := DeriveKey(password, keySize(method))

	var stream cipher.Stream
	switch method {
	case MethodRC4MD5:
		// rc4-md5: the effective key is md5(key || iv), matching
		// shadowsocks-libev's rc4-md5 construction.
		h := md5.New()
		h.Write(key)
		h.Write(iv)
		rc4Key := h.Sum(nil)
		c, err := rc4.NewCipher(rc4Key)
		if err != nil {
			return nil, fmt.Errorf("cipherstream: rc4-md5: %w", err)
		}
		stream = c
	case MethodAES128CTR, MethodAES256CTR:
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, fmt.Errorf("cipherstream: %s: %w", method, err)
		}
		stream = cipher.NewCTR(block, iv)
	case MethodChacha20:
		c, err := chacha20.NewUnauthenticatedCipher(key, iv)
		if err != nil {
			return nil, fmt.Errorf("cipherstream: chacha20: %w", err)
		}
		stream = c
	default:
		return nil, fmt.Errorf("cipherstream: unsupported method %q", method)
	}

	return &State{method: method, stream: stream}, nil
}

// IVSize returns the IV length this state's method requires. Callers use it
// to size the random IV generated for a fresh direction.
func IVSize(method Method) int { return ivSize(method) }

// Apply transforms all of buf in place using this direction's running stream
// state and advances it over exactly len(buf) bytes. It is used for both
// encryption and decryption — XOR-based stream ciphers are their own
// inverse — so the engine calls the same method on both the encrypt and
// decrypt State.
func (s *State) Apply(buf []byte) {
	if s.method == MethodNone || s.stream == nil {
		return
	}
	s.stream.XORKeyStream(buf, buf)
}

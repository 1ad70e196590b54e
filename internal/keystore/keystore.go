// Package keystore unlocks password-encrypted account key files and
// owns the per-session key material used for signing and decryption.
// Key files use the JSON v3 keystore format (scrypt or pbkdf2 KDF,
// aes-128-ctr cipher, keccak-256 MAC), one file per account, looked up
// by matching the account address suffix against filenames.
package keystore

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	logging "github.com/ipfs/go-log/v2"
	"golang.org/x/crypto/pbkdf2"
	"golang.org/x/crypto/scrypt"
	"golang.org/x/crypto/sha3"
)

var log = logging.Logger("keystore")

// Errors
var (
	// ErrAuthenticationFailed is a wrong password or an account with no
	// key file in the keystore directory. The two are deliberately not
	// distinguished to the caller.
	ErrAuthenticationFailed = errors.New("authentication failed")

	// ErrMalformedKeyFile is a key file the store cannot parse.
	ErrMalformedKeyFile = errors.New("malformed key file")
)

type keyFile struct {
	Address string     `json:"address"`
	Crypto  cryptoJSON `json:"crypto"`
	ID      string     `json:"id"`
	Version int        `json:"version"`
}

type cryptoJSON struct {
	Cipher       string                 `json:"cipher"`
	CipherText   string                 `json:"ciphertext"`
	CipherParams struct {
		IV string `json:"iv"`
	} `json:"cipherparams"`
	KDF       string                 `json:"kdf"`
	KDFParams map[string]interface{} `json:"kdfparams"`
	MAC       string                 `json:"mac"`
}

// Unlock finds the key file for an account in dir, decrypts it with the
// password and returns an authenticated session. The result is either a
// usable session or a typed error; there is no partial success.
func Unlock(dir, address, password string) (*Session, error) {
	address = normalizeAddress(address)

	path, err := findKeyFile(dir, address)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAuthenticationFailed, err)
	}

	var kf keyFile
	if err := json.Unmarshal(data, &kf); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedKeyFile, err)
	}
	if kf.Version != 3 {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrMalformedKeyFile, kf.Version)
	}

	priv, err := decryptKey(&kf.Crypto, password)
	if err != nil {
		return nil, err
	}

	session, err := NewSession(priv)
	if err != nil {
		return nil, err
	}
	zero(priv)

	// The file's address field is advisory; the derived address is
	// authoritative and must match the requested account.
	if session.Address() != address {
		session.Close()
		return nil, fmt.Errorf("%w: key does not match account %s", ErrAuthenticationFailed, address)
	}

	log.Debugf("unlocked account %s", address)
	return session, nil
}

// findKeyFile matches the address suffix against filenames in dir, the
// way node keystores name their UTC files.
func findKeyFile(dir, address string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", fmt.Errorf("%w: keystore directory: %v", ErrAuthenticationFailed, err)
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if strings.HasSuffix(strings.ToLower(entry.Name()), address) {
			return filepath.Join(dir, entry.Name()), nil
		}
	}
	return "", fmt.Errorf("%w: no key file for account %s", ErrAuthenticationFailed, address)
}

func decryptKey(c *cryptoJSON, password string) ([]byte, error) {
	if c.Cipher != "aes-128-ctr" {
		return nil, fmt.Errorf("%w: unsupported cipher %q", ErrMalformedKeyFile, c.Cipher)
	}

	ciphertext, err := hex.DecodeString(c.CipherText)
	if err != nil {
		return nil, fmt.Errorf("%w: ciphertext: %v", ErrMalformedKeyFile, err)
	}
	iv, err := hex.DecodeString(c.CipherParams.IV)
	if err != nil {
		return nil, fmt.Errorf("%w: iv: %v", ErrMalformedKeyFile, err)
	}
	mac, err := hex.DecodeString(c.MAC)
	if err != nil {
		return nil, fmt.Errorf("%w: mac: %v", ErrMalformedKeyFile, err)
	}

	dk, err := deriveKey(c, password)
	if err != nil {
		return nil, err
	}

	h := sha3.NewLegacyKeccak256()
	h.Write(dk[16:32])
	h.Write(ciphertext)
	if !hmacEqual(h.Sum(nil), mac) {
		return nil, fmt.Errorf("%w: wrong password", ErrAuthenticationFailed)
	}

	block, err := aes.NewCipher(dk[:16])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedKeyFile, err)
	}
	plain := make([]byte, len(ciphertext))
	cipher.NewCTR(block, iv).XORKeyStream(plain, ciphertext)
	return plain, nil
}

func deriveKey(c *cryptoJSON, password string) ([]byte, error) {
	salt, err := hex.DecodeString(paramString(c.KDFParams, "salt"))
	if err != nil {
		return nil, fmt.Errorf("%w: salt: %v", ErrMalformedKeyFile, err)
	}
	dklen := paramInt(c.KDFParams, "dklen")
	if dklen < 32 {
		return nil, fmt.Errorf("%w: dklen %d", ErrMalformedKeyFile, dklen)
	}

	switch c.KDF {
	case "scrypt":
		dk, err := scrypt.Key([]byte(password), salt,
			paramInt(c.KDFParams, "n"), paramInt(c.KDFParams, "r"), paramInt(c.KDFParams, "p"), dklen)
		if err != nil {
			return nil, fmt.Errorf("%w: scrypt: %v", ErrMalformedKeyFile, err)
		}
		return dk, nil
	case "pbkdf2":
		if prf := paramString(c.KDFParams, "prf"); prf != "hmac-sha256" {
			return nil, fmt.Errorf("%w: unsupported prf %q", ErrMalformedKeyFile, prf)
		}
		return pbkdf2.Key([]byte(password), salt, paramInt(c.KDFParams, "c"), dklen, sha256.New), nil
	default:
		return nil, fmt.Errorf("%w: unsupported kdf %q", ErrMalformedKeyFile, c.KDF)
	}
}

// Create encrypts a raw private key under password and writes a v3 key
// file into dir, named with the UTC convention so Unlock can find it by
// address suffix. Used by account provisioning and tests.
func Create(dir string, privKey []byte, password string) (string, error) {
	session, err := NewSession(privKey)
	if err != nil {
		return "", err
	}
	address := session.Address()
	session.Close()

	salt := make([]byte, 32)
	iv := make([]byte, aes.BlockSize)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}
	if _, err := rand.Read(iv); err != nil {
		return "", fmt.Errorf("generate iv: %w", err)
	}

	const n, r, p = 1 << 14, 8, 1
	dk, err := scrypt.Key([]byte(password), salt, n, r, p, 32)
	if err != nil {
		return "", fmt.Errorf("scrypt: %w", err)
	}

	block, err := aes.NewCipher(dk[:16])
	if err != nil {
		return "", err
	}
	ciphertext := make([]byte, len(privKey))
	cipher.NewCTR(block, iv).XORKeyStream(ciphertext, privKey)

	h := sha3.NewLegacyKeccak256()
	h.Write(dk[16:32])
	h.Write(ciphertext)

	kf := keyFile{
		Address: address,
		ID:      uuid.New().String(),
		Version: 3,
	}
	kf.Crypto.Cipher = "aes-128-ctr"
	kf.Crypto.CipherText = hex.EncodeToString(ciphertext)
	kf.Crypto.CipherParams.IV = hex.EncodeToString(iv)
	kf.Crypto.KDF = "scrypt"
	kf.Crypto.KDFParams = map[string]interface{}{
		"dklen": 32, "n": n, "r": r, "p": p,
		"salt": hex.EncodeToString(salt),
	}
	kf.Crypto.MAC = hex.EncodeToString(h.Sum(nil))

	data, err := json.Marshal(&kf)
	if err != nil {
		return "", err
	}

	if err := os.MkdirAll(dir, 0700); err != nil {
		return "", fmt.Errorf("create keystore directory: %w", err)
	}

	name := fmt.Sprintf("UTC--%s--%s", time.Now().UTC().Format("2006-01-02T15-04-05.000000000Z"), address)
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0600); err != nil {
		return "", fmt.Errorf("write key file: %w", err)
	}
	return path, nil
}

func normalizeAddress(addr string) string {
	addr = strings.TrimPrefix(strings.TrimPrefix(addr, "0x"), "0X")
	return strings.ToLower(addr)
}

func paramString(params map[string]interface{}, key string) string {
	s, _ := params[key].(string)
	return s
}

func paramInt(params map[string]interface{}, key string) int {
	switch v := params[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case json.Number:
		n, _ := v.Int64()
		return int(n)
	default:
		return 0
	}
}

func hmacEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	var diff byte
	for i := range a {
		diff |= a[i] ^ b[i]
	}
	return diff == 0
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

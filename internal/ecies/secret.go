package ecies

import (
	"fmt"
	"strings"
)

// Variant selects the delivery scheme carried by an unwrapped secret.
// The two schemes are mutually exclusive stages of the same protocol:
// either the payload carries a symmetric content key plus a locator for
// separately-encrypted content, or it carries a locator the buyer can
// fetch directly with a signed request.
type Variant int

const (
	// KeyedContent is a 32-byte symmetric key followed by the locator
	// of the encrypted content.
	KeyedContent Variant = iota
	// DirectFetch is a locator alone; the storage service returns
	// plaintext after authenticating the request.
	DirectFetch
)

// ContentKeySize is the fixed symmetric key length in a KeyedContent
// payload; the locator starts at this boundary.
const ContentKeySize = 32

// Secret is the decrypted per-measurement payload addressed to a buyer.
type Secret struct {
	Variant    Variant
	ContentKey []byte // nil for DirectFetch
	Locator    string
}

// UnwrapSecret unwraps a payload and classifies its shape.
func UnwrapSecret(payload []byte, kx KeyExchanger) (*Secret, error) {
	plain, err := Unwrap(payload, kx)
	if err != nil {
		return nil, err
	}
	return ParseSecret(plain)
}

// ParseSecret classifies a decrypted payload. A plaintext that is itself
// a fetchable URL is DirectFetch; otherwise the first 32 bytes are the
// content key and the rest is the locator. Only http(s) URLs qualify for
// direct fetch: the signed storage request is POSTed to the locator, and
// a content-addressed locator has no endpoint to post to.
func ParseSecret(plain []byte) (*Secret, error) {
	if isFetchURL(string(plain)) {
		return &Secret{Variant: DirectFetch, Locator: string(plain)}, nil
	}
	if strings.HasPrefix(string(plain), "ipfs://") {
		// A content locator alone is unusable: the content behind it is
		// encrypted and the key is missing.
		return nil, fmt.Errorf("%w: content locator without content key", ErrDecryptionFailed)
	}
	if len(plain) <= ContentKeySize {
		return nil, fmt.Errorf("%w: secret carries no locator", ErrDecryptionFailed)
	}
	key := append([]byte{}, plain[:ContentKeySize]...)
	return &Secret{
		Variant:    KeyedContent,
		ContentKey: key,
		Locator:    string(plain[ContentKeySize:]),
	}, nil
}

// EncodeSecret builds the plaintext for a KeyedContent secret; used by
// producers before wrapping.
func EncodeSecret(contentKey []byte, locator string) ([]byte, error) {
	if len(contentKey) != ContentKeySize {
		return nil, fmt.Errorf("content key must be %d bytes, got %d", ContentKeySize, len(contentKey))
	}
	out := make([]byte, 0, ContentKeySize+len(locator))
	out = append(out, contentKey...)
	return append(out, locator...), nil
}

func isFetchURL(s string) bool {
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}

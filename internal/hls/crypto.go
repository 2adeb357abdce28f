package hls

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
)

// KeySize is the AES-128 key length used by the service.
const KeySize = 16

// ErrBadPadding indicates the decrypted segment carried corrupt PKCS#7
// padding. The segment is undecryptable and must be dropped rather than
// truncated further.
var ErrBadPadding = errors.New("hls: corrupt segment padding")

// keyEnvelope is the JSON body returned by the key endpoint.
type keyEnvelope struct {
	Key string `json:"key"`
}

// DecodeKeyEnvelope extracts the raw 16-byte AES key from the key
// endpoint's JSON envelope.
func DecodeKeyEnvelope(body []byte) ([]byte, error) {
	var env keyEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("failed to parse key envelope: %w", err)
	}

	key, err := base64.StdEncoding.DecodeString(env.Key)
	if err != nil {
		return nil, fmt.Errorf("failed to decode key: %w", err)
	}
	if len(key) != KeySize {
		return nil, fmt.Errorf("unexpected key length %d", len(key))
	}

	return key, nil
}

// SequenceIV builds the CBC initialization vector for a segment: its
// zero-based index within the download batch as a 16-byte big-endian
// integer. This is a quirk of the upstream service, not standard HLS
// (which derives the IV from the media sequence number); it means segments
// must be decrypted in their original fetch order, never retried out of
// position.
func SequenceIV(index int) []byte {
	iv := make([]byte, aes.BlockSize)
	binary.BigEndian.PutUint64(iv[8:], uint64(index))
	return iv
}

// DecryptSegment decrypts an AES-128-CBC segment using the batch-index IV
// scheme and strips PKCS#7 padding.
func DecryptSegment(data, key []byte, index int) ([]byte, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("key must be %d bytes, got %d", KeySize, len(key))
	}
	if len(data) == 0 || len(data)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("segment length %d is not a multiple of the block size", len(data))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to init cipher: %w", err)
	}

	plain := make([]byte, len(data))
	cipher.NewCBCDecrypter(block, SequenceIV(index)).CryptBlocks(plain, data)

	padding := int(plain[len(plain)-1])
	if padding == 0 || padding > aes.BlockSize {
		return nil, ErrBadPadding
	}

	return plain[:len(plain)-padding], nil
}

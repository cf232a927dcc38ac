// Package wecomcrypto implements the WeCom encrypted-callback primitives:
// the AES-CBC message codec and the SHA-1 request signature.
package wecomcrypto

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	// encodingKeyLen is the length of the base64 EncodingAESKey handed out by
	// the platform (32 raw bytes, unpadded).
	encodingKeyLen  = 43
	randomPrefixLen = 16
	lengthFieldLen  = 4

	// padBlockSize is the vendor's PKCS#7 block, twice the AES block.
	padBlockSize = 32
)

// ErrDecrypt is matched by every *DecryptError.
var ErrDecrypt = errors.New("wecom decrypt failed")

// DecryptError describes a structural violation found while decrypting.
type DecryptError struct {
	Reason string
}

func (e *DecryptError) Error() string { return "wecom decrypt: " + e.Reason }

func (e *DecryptError) Is(target error) bool { return target == ErrDecrypt }

func decryptErr(format string, args ...any) error {
	return &DecryptError{Reason: fmt.Sprintf(format, args...)}
}

// KeyMaterial is the per-account secret set configured on the platform.
type KeyMaterial struct {
	Token          string
	EncodingAESKey string
	ReceiveID      string
}

// Complete reports whether the material is enough to verify and decrypt.
func (k KeyMaterial) Complete() bool {
	return k.Token != "" && k.EncodingAESKey != ""
}

// Codec encrypts and decrypts callback payloads for one account.
type Codec struct {
	iv        []byte
	receiveID []byte
	block     cipher.Block
	rand      io.Reader
}

// DecodeAESKey turns the 43-character EncodingAESKey into the 32-byte AES key.
func DecodeAESKey(encodingAESKey string) ([]byte, error) {
	if len(encodingAESKey) != encodingKeyLen {
		return nil, fmt.Errorf("encodingAESKey must be %d characters, got %d", encodingKeyLen, len(encodingAESKey))
	}
	key, err := base64.StdEncoding.DecodeString(encodingAESKey + "=")
	if err != nil {
		return nil, fmt.Errorf("encodingAESKey is not valid base64: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("encodingAESKey decodes to %d bytes, want 32", len(key))
	}
	return key, nil
}

// NewCodec prepares a codec bound to receiveID. With an empty receiveID the
// trailing id of decrypted frames is not checked, and Encrypt appends none.
func NewCodec(encodingAESKey, receiveID string) (*Codec, error) {
	key, err := DecodeAESKey(encodingAESKey)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("aes cipher: %w", err)
	}
	return &Codec{
		iv:        key[:aes.BlockSize],
		receiveID: []byte(receiveID),
		block:     block,
		rand:      rand.Reader,
	}, nil
}

// WithRandom returns a copy of the codec drawing its prefix bytes from r.
func (c *Codec) WithRandom(r io.Reader) *Codec {
	cp := *c
	cp.rand = r
	return &cp
}

// Encrypt frames, pads and encrypts plaintext, returning the base64 token.
func (c *Codec) Encrypt(plaintext []byte) (string, error) {
	frame := make([]byte, 0, randomPrefixLen+lengthFieldLen+len(plaintext)+len(c.receiveID)+padBlockSize)
	prefix := make([]byte, randomPrefixLen)
	if _, err := io.ReadFull(c.rand, prefix); err != nil {
		return "", fmt.Errorf("random prefix: %w", err)
	}
	frame = append(frame, prefix...)
	frame = binary.BigEndian.AppendUint32(frame, uint32(len(plaintext)))
	frame = append(frame, plaintext...)
	frame = append(frame, c.receiveID...)
	frame = pkcs7Pad(frame, padBlockSize)

	out := make([]byte, len(frame))
	cipher.NewCBCEncrypter(c.block, c.iv).CryptBlocks(out, frame)
	return base64.StdEncoding.EncodeToString(out), nil
}

// Decrypt reverses Encrypt. Every failure is a *DecryptError.
func (c *Codec) Decrypt(token string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(token)
	if err != nil {
		return nil, decryptErr("invalid base64: %v", err)
	}
	if len(raw) == 0 || len(raw)%aes.BlockSize != 0 {
		return nil, decryptErr("ciphertext length %d is not a positive multiple of %d", len(raw), aes.BlockSize)
	}

	frame := make([]byte, len(raw))
	cipher.NewCBCDecrypter(c.block, c.iv).CryptBlocks(frame, raw)

	frame, err = pkcs7Unpad(frame, padBlockSize)
	if err != nil {
		return nil, err
	}
	if len(frame) < randomPrefixLen+lengthFieldLen {
		return nil, decryptErr("frame too short (%d bytes)", len(frame))
	}

	body := frame[randomPrefixLen:]
	msgLen := binary.BigEndian.Uint32(body[:lengthFieldLen])
	body = body[lengthFieldLen:]
	if uint64(msgLen) > uint64(len(body)) {
		return nil, decryptErr("length field %d exceeds frame (%d bytes)", msgLen, len(body))
	}

	msg, trailing := body[:msgLen], body[msgLen:]
	if len(c.receiveID) > 0 && !bytes.Equal(trailing, c.receiveID) {
		return nil, decryptErr("receive id mismatch")
	}
	return msg, nil
}

func pkcs7Pad(b []byte, blockSize int) []byte {
	n := blockSize - len(b)%blockSize
	return append(b, bytes.Repeat([]byte{byte(n)}, n)...)
}

func pkcs7Unpad(b []byte, blockSize int) ([]byte, error) {
	if len(b) == 0 {
		return nil, decryptErr("empty plaintext")
	}
	n := int(b[len(b)-1])
	if n < 1 || n > blockSize || n > len(b) {
		return nil, decryptErr("invalid padding length %d", n)
	}
	for _, p := range b[len(b)-n:] {
		if int(p) != n {
			return nil, decryptErr("inconsistent padding bytes")
		}
	}
	return b[:len(b)-n], nil
}

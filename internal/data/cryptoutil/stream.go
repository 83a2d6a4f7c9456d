package cryptoutil

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
)

// IVSize is the length of the random IV written in front of every encrypted stream.
const IVSize = aes.BlockSize

// ErrCorruptCiphertext is returned when a stream is truncated or its padding is invalid.
var ErrCorruptCiphertext = errors.New("corrupt ciphertext")

const streamChunk = 64 * aes.BlockSize

// EncryptStream writes [IV][AES-256-CBC(src) with PKCS#7 padding] to dst.
func EncryptStream(key []byte, dst io.Writer, src io.Reader) (int64, error) {
	block, err := newBlock(key)
	if err != nil {
		return 0, err
	}
	iv := make([]byte, IVSize)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return 0, fmt.Errorf("generate iv: %w", err)
	}
	if _, err := dst.Write(iv); err != nil {
		return 0, err
	}
	mode := cipher.NewCBCEncrypter(block, iv)

	written := int64(IVSize)
	buf := make([]byte, streamChunk)
	pending := make([]byte, 0, streamChunk+aes.BlockSize)
	for {
		n, readErr := src.Read(buf)
		pending = append(pending, buf[:n]...)
		// Keep at least one partial or full block back until EOF so padding lands on the tail.
		if full := (len(pending) / aes.BlockSize) * aes.BlockSize; full > 0 && readErr == nil {
			if full == len(pending) {
				full -= aes.BlockSize
			}
			if full > 0 {
				mode.CryptBlocks(pending[:full], pending[:full])
				if _, err := dst.Write(pending[:full]); err != nil {
					return written, err
				}
				written += int64(full)
				pending = append(pending[:0], pending[full:]...)
			}
		}
		if errors.Is(readErr, io.EOF) {
			break
		}
		if readErr != nil {
			return written, readErr
		}
	}

	tail := pkcs7Pad(pending)
	mode.CryptBlocks(tail, tail)
	if _, err := dst.Write(tail); err != nil {
		return written, err
	}
	return written + int64(len(tail)), nil
}

// DecryptStream reverses EncryptStream.
func DecryptStream(key []byte, dst io.Writer, src io.Reader) (int64, error) {
	block, err := newBlock(key)
	if err != nil {
		return 0, err
	}
	iv := make([]byte, IVSize)
	if _, err := io.ReadFull(src, iv); err != nil {
		return 0, fmt.Errorf("%w: missing iv", ErrCorruptCiphertext)
	}
	mode := cipher.NewCBCDecrypter(block, iv)

	var written int64
	buf := make([]byte, streamChunk)
	var held []byte
	for {
		n, readErr := io.ReadFull(src, buf)
		if n%aes.BlockSize != 0 {
			return written, fmt.Errorf("%w: length is not a multiple of the block size", ErrCorruptCiphertext)
		}
		if n > 0 {
			if len(held) > 0 {
				if _, err := dst.Write(held); err != nil {
					return written, err
				}
				written += int64(len(held))
			}
			mode.CryptBlocks(buf[:n], buf[:n])
			held = append(held[:0], buf[:n]...)
		}
		if errors.Is(readErr, io.EOF) || errors.Is(readErr, io.ErrUnexpectedEOF) {
			break
		}
		if readErr != nil {
			return written, readErr
		}
	}

	plain, err := pkcs7Unpad(held)
	if err != nil {
		return written, err
	}
	if _, err := dst.Write(plain); err != nil {
		return written, err
	}
	return written + int64(len(plain)), nil
}

// EncryptBytes is EncryptStream over an in-memory buffer.
func EncryptBytes(key, plaintext []byte) ([]byte, error) {
	var out bytes.Buffer
	if _, err := EncryptStream(key, &out, bytes.NewReader(plaintext)); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}

// DecryptBytes is DecryptStream over an in-memory buffer.
func DecryptBytes(key, ciphertext []byte) ([]byte, error) {
	var out bytes.Buffer
	if _, err := DecryptStream(key, &out, bytes.NewReader(ciphertext)); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}

func newBlock(key []byte) (cipher.Block, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("aes-cbc key must be 32 bytes, got %d", len(key))
	}
	return aes.NewCipher(key)
}

func pkcs7Pad(b []byte) []byte {
	padLen := aes.BlockSize - len(b)%aes.BlockSize
	out := make([]byte, len(b)+padLen)
	copy(out, b)
	for i := len(b); i < len(out); i++ {
		out[i] = byte(padLen)
	}
	return out
}

func pkcs7Unpad(b []byte) ([]byte, error) {
	if len(b) == 0 || len(b)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("%w: empty or misaligned payload", ErrCorruptCiphertext)
	}
	padLen := int(b[len(b)-1])
	if padLen == 0 || padLen > aes.BlockSize {
		return nil, fmt.Errorf("%w: bad padding", ErrCorruptCiphertext)
	}
	for _, p := range b[len(b)-padLen:] {
		if int(p) != padLen {
			return nil, fmt.Errorf("%w: bad padding", ErrCorruptCiphertext)
		}
	}
	return b[:len(b)-padLen], nil
}

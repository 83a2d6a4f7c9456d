package fetcher

import (
	"bytes"
	"errors"
	"io"
	"os"

	apperrors "github.com/target/sopline/internal/errors"
)

var matroskaMagic = []byte{0x1A, 0x45, 0xDF, 0xA3}

// VerifyOutput checks that a downloaded file is non-empty and starts with a known container signature.
func VerifyOutput(path string) error {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return apperrors.EmptyOutputf("Downloaded file is empty")
		}
		return apperrors.Wrap(err, apperrors.ErrCodeCorruptOutput, "open downloaded file")
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeCorruptOutput, "stat downloaded file")
	}
	if info.Size() == 0 {
		return apperrors.EmptyOutputf("Downloaded file is empty")
	}

	head := make([]byte, 12)
	n, err := io.ReadFull(f, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) {
		return apperrors.Wrap(err, apperrors.ErrCodeCorruptOutput, "read downloaded file")
	}
	if !knownContainer(head[:n]) {
		return apperrors.CorruptOutputf("Downloaded file is not a recognized video container")
	}
	return nil
}

func knownContainer(head []byte) bool {
	switch {
	case len(head) >= 8 && string(head[4:8]) == "ftyp":
		return true
	case len(head) >= 12 && string(head[0:4]) == "RIFF" && string(head[8:12]) == "AVI ":
		return true
	case bytes.HasPrefix(head, matroskaMagic):
		return true
	default:
		return false
	}
}

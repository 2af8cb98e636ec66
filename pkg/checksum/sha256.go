package checksum

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"os"
	"strings"
)

func GetFileChecksum(filePath string) (string, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return "", fmt.Errorf("failed to open file %s: %w", filePath, err)
	}
	defer file.Close()

	return GetReaderChecksum(file)
}

func GetReaderChecksum(r io.Reader) (string, error) {
	hasher := sha256.New()
	if _, err := io.Copy(hasher, r); err != nil {
		return "", fmt.Errorf("failed to copy content to hasher: %w", err)
	}

	return hex.EncodeToString(hasher.Sum(nil)), nil
}

// NewUploadHasher returns the hash counties publish for their uploaded files.
func NewUploadHasher() hash.Hash {
	return sha256.New()
}

func Hex(h hash.Hash) string {
	return hex.EncodeToString(h.Sum(nil))
}

// VerifySubmittedHash compares a submitted hex digest with the computed one, ignoring case and
// surrounding whitespace.
func VerifySubmittedHash(submitted, computed string) bool {
	submitted = strings.TrimSpace(submitted)
	return submitted != "" && strings.EqualFold(submitted, strings.TrimSpace(computed))
}

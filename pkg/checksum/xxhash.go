package checksum

import (
	"encoding/hex"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// CalculateHash returns the row checksum stored alongside every imported record.
func CalculateHash(record []string) string {
	lineContent := strings.Join(record, ",")

	digest := xxhash.New()
	digest.WriteString(lineContent)

	return hex.EncodeToString(digest.Sum(nil))
}

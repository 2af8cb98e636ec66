package asm

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCheckKey(t *testing.T) {
	cases := []struct {
		name  string
		def   *Definition
		key   string
		valid bool
	}{
		{"should accept the state dashboard key", DoS, DoSKey, true},
		{"should reject any other state dashboard key", DoS, "anything", false},
		{"should accept a county id", County, CountyKey(12), true},
		{"should reject a county name", County, "adams", false},
		{"should reject a zero county", County, "0", false},
		{"should reject a padded county id", County, "012", false},
		{"should accept an audit board key", AuditBoard, AuditBoardKey(3, 2), true},
		{"should reject an audit board key without a board", AuditBoard, "3", false},
		{"should reject an audit board key with a bad board", AuditBoard, "3:x", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := CheckKey(tc.def, tc.key)

			if tc.valid {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrInvalidKey)
			}
		})
	}
}

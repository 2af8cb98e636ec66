package asm

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var ErrInvalidKey = errors.New("invalid machine key")

// CheckKey reports whether key addresses an entity of def: DoSKey for the state dashboard, a
// positive county id for a county, and "<county>:<board>" for an audit board.
func CheckKey(def *Definition, key string) error {
	var ok bool
	switch def.Name {
	case MachineDoS:
		ok = key == DoSKey
	case MachineCounty:
		ok = positiveID(key)
	case MachineAuditBoard:
		county, board, found := strings.Cut(key, ":")
		ok = found && positiveID(county) && positiveID(board)
	}
	if !ok {
		return fmt.Errorf("%w: %q for %s", ErrInvalidKey, key, def.Name)
	}
	return nil
}

func positiveID(s string) bool {
	v, err := strconv.ParseInt(s, 10, 64)
	return err == nil && v > 0 && strconv.FormatInt(v, 10) == s
}

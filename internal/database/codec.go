package database

import (
	"encoding/json"
	"fmt"

	"github.com/ThiagoRGoveia/rla-audit/internal/models"
	"github.com/fxamacker/cbor/v2"
)

// Contest choices and tallies are stored as deterministic CBOR blobs.
var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("database: cbor encoder: %v", err))
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("database: cbor decoder: %v", err))
	}
}

func encodeContests(contests []models.ContestInfo) ([]byte, error) {
	if contests == nil {
		return nil, nil
	}
	data, err := encMode.Marshal(contests)
	if err != nil {
		return nil, fmt.Errorf("encoding contest choices: %w", err)
	}
	return data, nil
}

func decodeContests(data []byte) ([]models.ContestInfo, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var contests []models.ContestInfo
	if err := decMode.Unmarshal(data, &contests); err != nil {
		return nil, fmt.Errorf("decoding contest choices: %w", err)
	}
	return contests, nil
}

func encodeNames(names []string) ([]byte, error) {
	if len(names) == 0 {
		return nil, nil
	}
	data, err := encMode.Marshal(names)
	if err != nil {
		return nil, fmt.Errorf("encoding contest names: %w", err)
	}
	return data, nil
}

func decodeNames(data []byte) ([]string, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var names []string
	if err := decMode.Unmarshal(data, &names); err != nil {
		return nil, fmt.Errorf("decoding contest names: %w", err)
	}
	return names, nil
}

func encodeTallies(tallies map[string]int64) ([]byte, error) {
	data, err := encMode.Marshal(tallies)
	if err != nil {
		return nil, fmt.Errorf("encoding tallies: %w", err)
	}
	return data, nil
}

func decodeTallies(data []byte) (map[string]int64, error) {
	tallies := make(map[string]int64)
	if len(data) == 0 {
		return tallies, nil
	}
	if err := decMode.Unmarshal(data, &tallies); err != nil {
		return nil, fmt.Errorf("decoding tallies: %w", err)
	}
	return tallies, nil
}

func encodeResult(result models.ImportResult) ([]byte, error) {
	data, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("encoding import result: %w", err)
	}
	return data, nil
}

func decodeResult(data []byte) (models.ImportResult, error) {
	var result models.ImportResult
	if len(data) == 0 {
		return result, nil
	}
	if err := json.Unmarshal(data, &result); err != nil {
		return result, fmt.Errorf("decoding import result: %w", err)
	}
	return result, nil
}

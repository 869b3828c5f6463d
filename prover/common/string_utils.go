package common

import (
	"fmt"
	"math/big"
	"strings"
)

// ParseBigInt accepts 0x-prefixed hex or decimal.
func ParseBigInt(input string) (*big.Int, error) {
	input = strings.TrimSpace(input)
	base := 10
	if strings.HasPrefix(input, "0x") || strings.HasPrefix(input, "0X") {
		input = input[2:]
		base = 16
	}
	if input == "" {
		return nil, fmt.Errorf("empty number")
	}
	n, ok := new(big.Int).SetString(input, base)
	if !ok || n.Sign() < 0 {
		return nil, fmt.Errorf("invalid number: %s", input)
	}
	return n, nil
}

// ParseBigIntList parses a comma separated list of ParseBigInt values.
func ParseBigIntList(input string) ([]*big.Int, error) {
	parts := strings.Split(input, ",")
	result := make([]*big.Int, len(parts))
	for i, part := range parts {
		n, err := ParseBigInt(part)
		if err != nil {
			return nil, fmt.Errorf("element %d: %w", i, err)
		}
		result[i] = n
	}
	return result, nil
}

package domain

import (
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// NormalizeAddress lowercases and trims an address, "" when it is not a
// 0x-prefixed 20-byte hex address.
func NormalizeAddress(address string) Address {
	a := strings.ToLower(strings.TrimSpace(address))
	if !strings.HasPrefix(a, "0x") || !common.IsHexAddress(a) {
		return ""
	}
	return a
}

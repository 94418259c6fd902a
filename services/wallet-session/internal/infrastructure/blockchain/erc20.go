package blockchain

import (
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"golang.org/x/crypto/sha3"
)

// erc20ABI covers the read-only surface the session needs
const erc20ABI = `[
	{"constant":true,"inputs":[{"name":"owner","type":"address"}],"name":"balanceOf","outputs":[{"name":"","type":"uint256"}],"stateMutability":"view","type":"function"},
	{"constant":true,"inputs":[],"name":"decimals","outputs":[{"name":"","type":"uint8"}],"stateMutability":"view","type":"function"},
	{"constant":true,"inputs":[],"name":"symbol","outputs":[{"name":"","type":"string"}],"stateMutability":"view","type":"function"},
	{"anonymous":false,"inputs":[{"indexed":true,"name":"from","type":"address"},{"indexed":true,"name":"to","type":"address"},{"indexed":false,"name":"value","type":"uint256"}],"name":"Transfer","type":"event"}
]`

var (
	parsedERC20   abi.ABI
	transferTopic common.Hash
)

func init() {
	var err error
	parsedERC20, err = abi.JSON(strings.NewReader(erc20ABI))
	if err != nil {
		panic("erc20 abi: " + err.Error())
	}
	transferTopic = EventTopic("Transfer(address,address,uint256)")
}

// EventTopic returns topic0 for an event signature
func EventTopic(signature string) common.Hash {
	h := sha3.NewLegacyKeccak256()
	h.Write([]byte(signature))
	return common.BytesToHash(h.Sum(nil))
}

// TransferTopic is topic0 of the ERC-20 Transfer event
func TransferTopic() common.Hash {
	return transferTopic
}

// addressTopic left-pads an address to a 32-byte indexed topic
func addressTopic(addr common.Address) common.Hash {
	return common.BytesToHash(common.LeftPadBytes(addr.Bytes(), 32))
}

func topicAddress(h common.Hash) string {
	return strings.ToLower(common.BytesToAddress(h.Bytes()).Hex())
}

// decodeTransfer reads a Transfer log; ok is false for anything else
func decodeTransfer(l types.Log) (from, to string, value *big.Int, ok bool) {
	if len(l.Topics) != 3 || l.Topics[0] != transferTopic {
		return "", "", nil, false
	}
	return topicAddress(l.Topics[1]), topicAddress(l.Topics[2]), new(big.Int).SetBytes(l.Data), true
}

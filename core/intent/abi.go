package intent

import (
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

// accountABI lists the account entry points the key manager understands.
const accountABI = `[
	{"type":"function","name":"setData","stateMutability":"payable","inputs":[
		{"name":"dataKey","type":"bytes32"},{"name":"dataValue","type":"bytes"}],"outputs":[]},
	{"type":"function","name":"setDataBatch","stateMutability":"payable","inputs":[
		{"name":"dataKeys","type":"bytes32[]"},{"name":"dataValues","type":"bytes[]"}],"outputs":[]},
	{"type":"function","name":"execute","stateMutability":"payable","inputs":[
		{"name":"operationType","type":"uint256"},{"name":"target","type":"address"},
		{"name":"value","type":"uint256"},{"name":"data","type":"bytes"}],
		"outputs":[{"name":"","type":"bytes"}]},
	{"type":"function","name":"executeBatch","stateMutability":"payable","inputs":[
		{"name":"operationsType","type":"uint256[]"},{"name":"targets","type":"address[]"},
		{"name":"values","type":"uint256[]"},{"name":"datas","type":"bytes[]"}],
		"outputs":[{"name":"","type":"bytes[]"}]},
	{"type":"function","name":"transferOwnership","stateMutability":"nonpayable","inputs":[
		{"name":"newOwner","type":"address"}],"outputs":[]},
	{"type":"function","name":"acceptOwnership","stateMutability":"nonpayable","inputs":[],"outputs":[]},
	{"type":"function","name":"renounceOwnership","stateMutability":"nonpayable","inputs":[],"outputs":[]}
]`

var parsedABI = mustParseABI()

func mustParseABI() abi.ABI {
	a, err := abi.JSON(strings.NewReader(accountABI))
	if err != nil {
		panic("intent: bad account ABI: " + err.Error())
	}
	return a
}

// Selector returns the 4-byte function selector of an account entry point.
func Selector(method string) [4]byte {
	var sel [4]byte
	copy(sel[:], parsedABI.Methods[method].ID)
	return sel
}

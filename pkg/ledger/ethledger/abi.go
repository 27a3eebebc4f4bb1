package ethledger

import (
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/dexview/pkg/app/core/event"
)

// exchangeABI covers the parts of the exchange contract the read model
// uses. Event fields are not indexed.
const exchangeABI = `[
  {"type":"event","name":"Deposit","anonymous":false,"inputs":[
    {"name":"token","type":"address","indexed":false},
    {"name":"user","type":"address","indexed":false},
    {"name":"amount","type":"uint256","indexed":false},
    {"name":"balance","type":"uint256","indexed":false}]},
  {"type":"event","name":"Withdraw","anonymous":false,"inputs":[
    {"name":"token","type":"address","indexed":false},
    {"name":"user","type":"address","indexed":false},
    {"name":"amount","type":"uint256","indexed":false},
    {"name":"balance","type":"uint256","indexed":false}]},
  {"type":"event","name":"Order","anonymous":false,"inputs":[
    {"name":"id","type":"uint256","indexed":false},
    {"name":"user","type":"address","indexed":false},
    {"name":"tokenGet","type":"address","indexed":false},
    {"name":"amountGet","type":"uint256","indexed":false},
    {"name":"tokenGive","type":"address","indexed":false},
    {"name":"amountGive","type":"uint256","indexed":false},
    {"name":"timestamp","type":"uint256","indexed":false}]},
  {"type":"event","name":"Cancel","anonymous":false,"inputs":[
    {"name":"id","type":"uint256","indexed":false},
    {"name":"user","type":"address","indexed":false},
    {"name":"tokenGet","type":"address","indexed":false},
    {"name":"amountGet","type":"uint256","indexed":false},
    {"name":"tokenGive","type":"address","indexed":false},
    {"name":"amountGive","type":"uint256","indexed":false},
    {"name":"timestamp","type":"uint256","indexed":false}]},
  {"type":"event","name":"Trade","anonymous":false,"inputs":[
    {"name":"id","type":"uint256","indexed":false},
    {"name":"user","type":"address","indexed":false},
    {"name":"tokenGet","type":"address","indexed":false},
    {"name":"amountGet","type":"uint256","indexed":false},
    {"name":"tokenGive","type":"address","indexed":false},
    {"name":"amountGive","type":"uint256","indexed":false},
    {"name":"userFill","type":"address","indexed":false},
    {"name":"timestamp","type":"uint256","indexed":false}]},
  {"type":"function","name":"depositEther","stateMutability":"payable","inputs":[],"outputs":[]},
  {"type":"function","name":"withdrawEther","stateMutability":"nonpayable","inputs":[
    {"name":"_amount","type":"uint256"}],"outputs":[]},
  {"type":"function","name":"depositToken","stateMutability":"nonpayable","inputs":[
    {"name":"_token","type":"address"},{"name":"_amount","type":"uint256"}],"outputs":[]},
  {"type":"function","name":"withdrawToken","stateMutability":"nonpayable","inputs":[
    {"name":"_token","type":"address"},{"name":"_amount","type":"uint256"}],"outputs":[]},
  {"type":"function","name":"balanceOf","stateMutability":"view","inputs":[
    {"name":"_token","type":"address"},{"name":"_user","type":"address"}],
    "outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"feeAccount","stateMutability":"view","inputs":[],
    "outputs":[{"name":"","type":"address"}]},
  {"type":"function","name":"feePercent","stateMutability":"view","inputs":[],
    "outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"makeOrder","stateMutability":"nonpayable","inputs":[
    {"name":"_tokenGet","type":"address"},{"name":"_amountGet","type":"uint256"},
    {"name":"_tokenGive","type":"address"},{"name":"_amountGive","type":"uint256"}],"outputs":[]},
  {"type":"function","name":"cancelOrder","stateMutability":"nonpayable","inputs":[
    {"name":"_id","type":"uint256"}],"outputs":[]},
  {"type":"function","name":"fillOrder","stateMutability":"nonpayable","inputs":[
    {"name":"_id","type":"uint256"}],"outputs":[]}
]`

// tokenABI is the ERC-20 subset used for wallet balances and deposits.
const tokenABI = `[
  {"type":"function","name":"balanceOf","stateMutability":"view","inputs":[
    {"name":"owner","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"approve","stateMutability":"nonpayable","inputs":[
    {"name":"spender","type":"address"},{"name":"value","type":"uint256"}],
    "outputs":[{"name":"","type":"bool"}]}
]`

var (
	exchangeContract = mustParse(exchangeABI)
	tokenContract    = mustParse(tokenABI)
)

func mustParse(s string) abi.ABI {
	a, err := abi.JSON(strings.NewReader(s))
	if err != nil {
		panic(err)
	}
	return a
}

// eventNames maps event kinds to contract event names.
var eventNames = map[event.Kind]string{
	event.KindDeposited:      "Deposit",
	event.KindWithdrawn:      "Withdraw",
	event.KindOrderPlaced:    "Order",
	event.KindOrderCancelled: "Cancel",
	event.KindOrderFilled:    "Trade",
}

func topicOf(kind event.Kind) common.Hash {
	return exchangeContract.Events[eventNames[kind]].ID
}

func kindOf(topic common.Hash) (event.Kind, bool) {
	for k, name := range eventNames {
		if exchangeContract.Events[name].ID == topic {
			return k, true
		}
	}
	return 0, false
}

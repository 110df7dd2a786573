package dex

import (
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

const lbPairABIJSON = `[
  {
    "anonymous": false,
    "inputs": [
      {"indexed": true, "internalType": "address", "name": "sender", "type": "address"},
      {"indexed": true, "internalType": "address", "name": "to", "type": "address"},
      {"indexed": false, "internalType": "uint24", "name": "id", "type": "uint24"},
      {"indexed": false, "internalType": "bytes32", "name": "amountsIn", "type": "bytes32"},
      {"indexed": false, "internalType": "bytes32", "name": "amountsOut", "type": "bytes32"},
      {"indexed": false, "internalType": "uint24", "name": "volatilityAccumulator", "type": "uint24"},
      {"indexed": false, "internalType": "bytes32", "name": "totalFees", "type": "bytes32"},
      {"indexed": false, "internalType": "bytes32", "name": "protocolFees", "type": "bytes32"}
    ],
    "name": "Swap",
    "type": "event"
  },
  {
    "anonymous": false,
    "inputs": [
      {"indexed": true, "internalType": "address", "name": "sender", "type": "address"},
      {"indexed": true, "internalType": "address", "name": "to", "type": "address"},
      {"indexed": false, "internalType": "uint256[]", "name": "ids", "type": "uint256[]"},
      {"indexed": false, "internalType": "bytes32[]", "name": "amounts", "type": "bytes32[]"}
    ],
    "name": "DepositedToBins",
    "type": "event"
  },
  {
    "anonymous": false,
    "inputs": [
      {"indexed": true, "internalType": "address", "name": "sender", "type": "address"},
      {"indexed": true, "internalType": "address", "name": "to", "type": "address"},
      {"indexed": false, "internalType": "uint256[]", "name": "ids", "type": "uint256[]"},
      {"indexed": false, "internalType": "bytes32[]", "name": "amounts", "type": "bytes32[]"}
    ],
    "name": "WithdrawnFromBins",
    "type": "event"
  },
  {
    "inputs": [],
    "name": "getTokenX",
    "outputs": [{"internalType": "address", "name": "tokenX", "type": "address"}],
    "stateMutability": "view",
    "type": "function"
  },
  {
    "inputs": [],
    "name": "getTokenY",
    "outputs": [{"internalType": "address", "name": "tokenY", "type": "address"}],
    "stateMutability": "view",
    "type": "function"
  },
  {
    "inputs": [],
    "name": "getBinStep",
    "outputs": [{"internalType": "uint16", "name": "", "type": "uint16"}],
    "stateMutability": "view",
    "type": "function"
  },
  {
    "inputs": [],
    "name": "getReserves",
    "outputs": [
      {"internalType": "uint128", "name": "reserveX", "type": "uint128"},
      {"internalType": "uint128", "name": "reserveY", "type": "uint128"}
    ],
    "stateMutability": "view",
    "type": "function"
  },
  {
    "inputs": [],
    "name": "getActiveId",
    "outputs": [{"internalType": "uint24", "name": "activeId", "type": "uint24"}],
    "stateMutability": "view",
    "type": "function"
  },
  {
    "inputs": [{"internalType": "uint256", "name": "id", "type": "uint256"}],
    "name": "totalSupply",
    "outputs": [{"internalType": "uint256", "name": "", "type": "uint256"}],
    "stateMutability": "view",
    "type": "function"
  }
]`

const lbFactoryABIJSON = `[
  {
    "anonymous": false,
    "inputs": [
      {"indexed": true, "internalType": "contract IERC20", "name": "tokenX", "type": "address"},
      {"indexed": true, "internalType": "contract IERC20", "name": "tokenY", "type": "address"},
      {"indexed": true, "internalType": "uint256", "name": "binStep", "type": "uint256"},
      {"indexed": false, "internalType": "contract ILBPair", "name": "LBPair", "type": "address"},
      {"indexed": false, "internalType": "uint256", "name": "pid", "type": "uint256"}
    ],
    "name": "LBPairCreated",
    "type": "event"
  },
  {
    "inputs": [],
    "name": "getNumberOfLBPairs",
    "outputs": [{"internalType": "uint256", "name": "lbPairNumber", "type": "uint256"}],
    "stateMutability": "view",
    "type": "function"
  },
  {
    "inputs": [{"internalType": "uint256", "name": "index", "type": "uint256"}],
    "name": "getLBPairAtIndex",
    "outputs": [{"internalType": "contract ILBPair", "name": "lbPair", "type": "address"}],
    "stateMutability": "view",
    "type": "function"
  }
]`

const erc20ABIStringJSON = `[
  {"inputs": [], "name": "decimals", "outputs": [{"type": "uint8"}], "stateMutability": "view", "type": "function"},
  {"inputs": [], "name": "symbol", "outputs": [{"type": "string"}], "stateMutability": "view", "type": "function"},
  {"inputs": [], "name": "name", "outputs": [{"type": "string"}], "stateMutability": "view", "type": "function"}
]`

const erc20ABIBytes32JSON = `[
  {"inputs": [], "name": "symbol", "outputs": [{"type": "bytes32"}], "stateMutability": "view", "type": "function"},
  {"inputs": [], "name": "name", "outputs": [{"type": "bytes32"}], "stateMutability": "view", "type": "function"}
]`

// lazyABI parses its JSON definition once, on first use.
type lazyABI struct {
	json   string
	once   sync.Once
	parsed abi.ABI
	err    error
}

func (l *lazyABI) get() (abi.ABI, error) {
	l.once.Do(func() {
		l.parsed, l.err = abi.JSON(strings.NewReader(l.json))
	})
	return l.parsed, l.err
}

var (
	lbPairABI       = &lazyABI{json: lbPairABIJSON}
	lbFactoryABI    = &lazyABI{json: lbFactoryABIJSON}
	erc20StringABI  = &lazyABI{json: erc20ABIStringJSON}
	erc20Bytes32ABI = &lazyABI{json: erc20ABIBytes32JSON}
)

// PairABI returns the parsed Liquidity Book pair ABI.
func PairABI() (abi.ABI, error) {
	return lbPairABI.get()
}

// FactoryABI returns the parsed Liquidity Book factory ABI.
func FactoryABI() (abi.ABI, error) {
	return lbFactoryABI.get()
}

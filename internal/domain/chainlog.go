package domain

import "github.com/ethereum/go-ethereum/common"

// ChainLog is a single event log as returned by the node, with the block
// timestamp already attached.
type ChainLog struct {
	Address        common.Address
	BlockNumber    uint64
	BlockTimestamp uint64
	LogIndex       uint
	Topics         []common.Hash
	Data           []byte
	TxHash         common.Hash
}

package polygon

import (
	"math/big"
	"strings"

	"github.com/alanyoungcy/tradeledger/internal/domain"
	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"golang.org/x/crypto/sha3"
)

// Exchange contracts emitting OrderFilled on Polygon mainnet.
var (
	CTFExchange        = common.HexToAddress("0x4bfb41d5b3570defd03c39a9a4d8de6bd8b8982e")
	NegRiskCTFExchange = common.HexToAddress("0xc5d563a36ae78145c45a50134d48a1215220f80a")
)

// OrderFilledSignature is the canonical event signature.
const OrderFilledSignature = "OrderFilled(bytes32,address,address,uint256,uint256,uint256,uint256,uint256)"

// OrderFilledTopic is topic[0] of every OrderFilled log.
var OrderFilledTopic = keccak256Hash(OrderFilledSignature)

const (
	wordSize = 32
	// makerAssetId, takerAssetId, makerAmountFilled, takerAmountFilled, fee
	fillDataLen = 5 * wordSize
)

func keccak256Hash(s string) common.Hash {
	h := sha3.NewLegacyKeccak256()
	h.Write([]byte(s))
	var out common.Hash
	h.Sum(out[:0])
	return out
}

// TokenLookup resolves an outcome token id to its market.
type TokenLookup interface {
	Lookup(assetID string) (domain.TokenInfo, bool)
}

// Decoder turns OrderFilled logs into trades.
type Decoder struct {
	tokens    TokenLookup
	addresses map[common.Address]struct{}
}

// NewDecoder builds a decoder accepting logs from the given exchange
// addresses. No addresses means the two default exchanges.
func NewDecoder(tokens TokenLookup, addresses ...common.Address) *Decoder {
	if len(addresses) == 0 {
		addresses = []common.Address{CTFExchange, NegRiskCTFExchange}
	}
	d := &Decoder{tokens: tokens, addresses: make(map[common.Address]struct{}, len(addresses))}
	for _, a := range addresses {
		d.addresses[a] = struct{}{}
	}
	return d
}

// Addresses returns the accepted exchange addresses.
func (d *Decoder) Addresses() []common.Address {
	out := make([]common.Address, 0, len(d.addresses))
	for a := range d.addresses {
		out = append(out, a)
	}
	return out
}

// Decode converts lg into a trade. It reports false for anything that is not
// a well-formed fill of a known token; such logs are skipped, never errors.
func (d *Decoder) Decode(lg domain.ChainLog) (domain.Trade, bool) {
	if _, ok := d.addresses[lg.Address]; !ok {
		return domain.Trade{}, false
	}
	if len(lg.Topics) < 4 || lg.Topics[0] != OrderFilledTopic {
		return domain.Trade{}, false
	}
	if len(lg.Data) < fillDataLen {
		return domain.Trade{}, false
	}

	word := func(i int) *big.Int {
		return new(big.Int).SetBytes(lg.Data[i*wordSize : (i+1)*wordSize])
	}
	makerAsset, takerAsset := word(0), word(1)
	makerAmount, takerAmount := word(2), word(3)

	var (
		side          domain.Side
		token         *big.Int
		quote, shares *big.Int
	)
	switch {
	case makerAsset.Sign() == 0:
		side, token, quote, shares = domain.SideBuy, takerAsset, makerAmount, takerAmount
	case takerAsset.Sign() == 0:
		side, token, quote, shares = domain.SideSell, makerAsset, takerAmount, makerAmount
	default:
		if _, ok := d.tokens.Lookup(makerAsset.String()); ok {
			side, token, quote, shares = domain.SideSell, makerAsset, takerAmount, makerAmount
		} else if _, ok := d.tokens.Lookup(takerAsset.String()); ok {
			side, token, quote, shares = domain.SideBuy, takerAsset, makerAmount, takerAmount
		} else {
			return domain.Trade{}, false
		}
	}

	info, ok := d.tokens.Lookup(token.String())
	if !ok {
		return domain.Trade{}, false
	}

	quoteDec := decimal.NewFromBigInt(quote, 0)
	price := decimal.Zero
	if shares.Sign() > 0 {
		price = quoteDec.Div(decimal.NewFromBigInt(shares, 0))
	}
	size, _ := decimal.NewFromBigInt(quote, -domain.QuoteDecimals).Round(domain.QuoteDecimals).Float64()
	px, _ := price.Round(domain.QuoteDecimals).Float64()

	ts := int64(lg.BlockTimestamp)
	orderKey := ts*1000 + int64(lg.LogIndex)

	return domain.Trade{
		ConditionID:     info.ConditionID,
		EventSlug:       info.EventSlug,
		TradeTimestamp:  ts,
		TimestampMs:     &orderKey,
		Side:            side,
		Outcome:         info.Outcome,
		Size:            size,
		Price:           px,
		ProxyWallet:     strings.ToLower(common.BytesToAddress(lg.Topics[3].Bytes()).Hex()),
		TransactionHash: strings.ToLower(lg.TxHash.Hex()),
		Source:          domain.SourceChain,
	}, true
}

// ToChainLog attaches the block timestamp to a node log.
func ToChainLog(l Log, blockTimestamp uint64) domain.ChainLog {
	return domain.ChainLog{
		Address:        l.Address,
		BlockNumber:    uint64(l.BlockNumber),
		BlockTimestamp: blockTimestamp,
		LogIndex:       uint(l.LogIndex),
		Topics:         l.Topics,
		Data:           l.Data,
		TxHash:         l.TxHash,
	}
}

package polygon

import (
	"math/big"
	"testing"

	"github.com/alanyoungcy/tradeledger/internal/domain"
	"github.com/ethereum/go-ethereum/common"
)

const testToken = "71321045679252212594626385532706912750332728571942532289631379312455583992563"

type mapLookup map[string]domain.TokenInfo

func (m mapLookup) Lookup(id string) (domain.TokenInfo, bool) {
	info, ok := m[id]
	return info, ok
}

func testTokens() mapLookup {
	return mapLookup{testToken: {ConditionID: "0xc1", EventSlug: "nba-final", Outcome: "Yes"}}
}

func bigWord(s string) []byte {
	n, ok := new(big.Int).SetString(s, 10)
	if !ok {
		panic("bad number " + s)
	}
	return common.LeftPadBytes(n.Bytes(), 32)
}

func fillData(makerAsset, takerAsset, makerAmount, takerAmount string) []byte {
	var data []byte
	for _, w := range []string{makerAsset, takerAsset, makerAmount, takerAmount, "0"} {
		data = append(data, bigWord(w)...)
	}
	return data
}

var testTaker = common.HexToAddress("0x00000000000000000000000000000000000000AB")

func fillLog(data []byte, logIndex uint) domain.ChainLog {
	return domain.ChainLog{
		Address:        CTFExchange,
		BlockNumber:    100,
		BlockTimestamp: 1700000000,
		LogIndex:       logIndex,
		Topics: []common.Hash{
			OrderFilledTopic,
			common.HexToHash("0x01"),
			common.BytesToHash(common.HexToAddress("0x00000000000000000000000000000000000000cd").Bytes()),
			common.BytesToHash(testTaker.Bytes()),
		},
		Data:   data,
		TxHash: common.HexToHash("0xBEEF"),
	}
}

func TestOrderFilledTopic(t *testing.T) {
	want := common.HexToHash("0xd0a08e8c493f9c94f29311604c9de1b4e8c8d4c06bd0c789af57f2d65bfec0f6")
	if OrderFilledTopic != want {
		t.Fatalf("topic = %s, want %s", OrderFilledTopic.Hex(), want.Hex())
	}
}

func TestDecodeBuy(t *testing.T) {
	d := NewDecoder(testTokens())
	tr, ok := d.Decode(fillLog(fillData("0", testToken, "2000000", "4000000"), 7))
	if !ok {
		t.Fatal("expected decodable log")
	}
	if tr.Side != domain.SideBuy || tr.Price != 0.5 || tr.Size != 2.0 {
		t.Fatalf("got side=%s price=%v size=%v, want BUY 0.5 2.0", tr.Side, tr.Price, tr.Size)
	}
	if tr.ConditionID != "0xc1" || tr.Outcome != "Yes" || tr.EventSlug != "nba-final" {
		t.Fatalf("unexpected market fields %+v", tr)
	}
	if tr.TimestampMs == nil || *tr.TimestampMs != 1700000000*1000+7 {
		t.Fatalf("ordering key = %v", tr.TimestampMs)
	}
	if tr.TradeTimestamp != 1700000000 {
		t.Fatalf("trade timestamp = %d", tr.TradeTimestamp)
	}
	if tr.ProxyWallet != "0x00000000000000000000000000000000000000ab" {
		t.Fatalf("wallet = %s", tr.ProxyWallet)
	}
	if tr.TransactionHash != common.HexToHash("0xbeef").Hex() || tr.Source != domain.SourceChain {
		t.Fatalf("tx = %s source = %s", tr.TransactionHash, tr.Source)
	}
}

func TestDecodeSides(t *testing.T) {
	d := NewDecoder(testTokens())
	tests := []struct {
		name      string
		data      []byte
		wantSide  domain.Side
		wantSize  float64
		wantPrice float64
	}{
		{"taker sentinel sells", fillData(testToken, "0", "10000000", "3000000"), domain.SideSell, 3.0, 0.3},
		{"known maker sells", fillData(testToken, "42", "5000000", "1000000"), domain.SideSell, 1.0, 0.2},
		{"known taker buys", fillData("42", testToken, "1500000", "2000000"), domain.SideBuy, 1.5, 0.75},
		{"zero tokens", fillData("0", testToken, "1000000", "0"), domain.SideBuy, 1.0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr, ok := d.Decode(fillLog(tt.data, 0))
			if !ok {
				t.Fatal("expected decodable log")
			}
			if tr.Side != tt.wantSide || tr.Size != tt.wantSize || tr.Price != tt.wantPrice {
				t.Fatalf("got %s size=%v price=%v, want %s size=%v price=%v",
					tr.Side, tr.Size, tr.Price, tt.wantSide, tt.wantSize, tt.wantPrice)
			}
		})
	}
}

func TestDecodeSkips(t *testing.T) {
	d := NewDecoder(testTokens())
	good := fillData("0", testToken, "2000000", "4000000")

	unknown := fillLog(fillData("41", "42", "1", "1"), 0)
	unknownSentinel := fillLog(fillData("0", "42", "1", "1"), 0)
	shortData := fillLog(good[:fillDataLen-1], 0)
	fewTopics := fillLog(good, 0)
	fewTopics.Topics = fewTopics.Topics[:3]
	wrongTopic := fillLog(good, 0)
	wrongTopic.Topics[0] = common.HexToHash("0x1234")
	wrongAddress := fillLog(good, 0)
	wrongAddress.Address = common.HexToAddress("0x1111111111111111111111111111111111111111")

	for name, lg := range map[string]domain.ChainLog{
		"neither token known": unknown,
		"unknown token":       unknownSentinel,
		"short data":          shortData,
		"few topics":          fewTopics,
		"wrong topic":         wrongTopic,
		"wrong address":       wrongAddress,
	} {
		if _, ok := d.Decode(lg); ok {
			t.Errorf("%s: expected skip", name)
		}
	}
}

func TestDecodeOrderingWithinBlock(t *testing.T) {
	d := NewDecoder(testTokens())
	data := fillData("0", testToken, "2000000", "4000000")
	a, _ := d.Decode(fillLog(data, 2))
	b, _ := d.Decode(fillLog(data, 5))
	if *a.TimestampMs >= *b.TimestampMs {
		t.Fatalf("ordering keys not increasing: %d, %d", *a.TimestampMs, *b.TimestampMs)
	}
}

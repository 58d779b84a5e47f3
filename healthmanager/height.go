package healthmanager

import (
	"encoding/json"
	"strconv"
	"strings"
)

// Chain types with a known probe-response shape. Anything else is probed on
// HTTP status alone and the block-gap filter does not apply to it.
const (
	ChainTypeEthereum = "ethereum"
	ChainTypeCosmos   = "cosmos"
	ChainTypeRipple   = "ripple"
	ChainTypeTron     = "tron"
	ChainTypeSolana   = "solana"
)

// ExtractBlockHeight parses the latest block height out of a probe response
// body according to the chain type. The second return value is false when the
// chain type is unknown or the body does not carry a height.
func ExtractBlockHeight(chainType string, body []byte) (uint64, bool) {
	switch strings.ToLower(chainType) {
	case ChainTypeEthereum:
		return ethereumHeight(body)
	case ChainTypeCosmos:
		return cosmosHeight(body)
	case ChainTypeRipple:
		return rippleHeight(body)
	case ChainTypeTron:
		return tronHeight(body)
	case ChainTypeSolana:
		return solanaHeight(body)
	default:
		return 0, false
	}
}

// ethereumHeight reads the eth_blockNumber result, a 0x-prefixed hex string.
func ethereumHeight(body []byte) (uint64, bool) {
	var resp struct {
		Result string `json:"result"`
	}
	if err := json.Unmarshal(body, &resp); err != nil || resp.Result == "" {
		return 0, false
	}
	height, err := strconv.ParseUint(strings.TrimPrefix(resp.Result, "0x"), 16, 64)
	if err != nil {
		return 0, false
	}
	return height, true
}

// cosmosHeight reads the decimal height string from the latest-block endpoint.
func cosmosHeight(body []byte) (uint64, bool) {
	var resp struct {
		Block struct {
			Header struct {
				Height string `json:"height"`
			} `json:"header"`
		} `json:"block"`
	}
	if err := json.Unmarshal(body, &resp); err != nil || resp.Block.Header.Height == "" {
		return 0, false
	}
	height, err := strconv.ParseUint(resp.Block.Header.Height, 10, 64)
	if err != nil {
		return 0, false
	}
	return height, true
}

// rippleHeight reads the current ledger index from a ledger_current response,
// falling back to the validated-ledger sequence of a server_info response.
func rippleHeight(body []byte) (uint64, bool) {
	var resp struct {
		Result struct {
			LedgerCurrentIndex uint64 `json:"ledger_current_index"`
			LedgerIndex        uint64 `json:"ledger_index"`
			Info               struct {
				ValidatedLedger struct {
					Seq uint64 `json:"seq"`
				} `json:"validated_ledger"`
			} `json:"info"`
		} `json:"result"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return 0, false
	}
	switch {
	case resp.Result.LedgerCurrentIndex > 0:
		return resp.Result.LedgerCurrentIndex, true
	case resp.Result.LedgerIndex > 0:
		return resp.Result.LedgerIndex, true
	case resp.Result.Info.ValidatedLedger.Seq > 0:
		return resp.Result.Info.ValidatedLedger.Seq, true
	}
	return 0, false
}

// tronHeight reads the block number from a getnowblock response.
func tronHeight(body []byte) (uint64, bool) {
	var resp struct {
		BlockHeader struct {
			RawData struct {
				Number uint64 `json:"number"`
			} `json:"raw_data"`
		} `json:"block_header"`
	}
	if err := json.Unmarshal(body, &resp); err != nil || resp.BlockHeader.RawData.Number == 0 {
		return 0, false
	}
	return resp.BlockHeader.RawData.Number, true
}

// solanaHeight reads the numeric result of a getSlot or getBlockHeight call.
func solanaHeight(body []byte) (uint64, bool) {
	var resp struct {
		Result *uint64 `json:"result"`
	}
	if err := json.Unmarshal(body, &resp); err != nil || resp.Result == nil {
		return 0, false
	}
	return *resp.Result, true
}

package ingest

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"perp-monitor/internal/store"
)

// errIgnored marks well-formed frames that carry no candle, such as
// subscription acknowledgements.
var errIgnored = errors.New("ingest: frame ignored")

// streamEnvelope is the combined-stream wrapper
type streamEnvelope struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

// ContinuousKlineEvent is a continuous_kline push
type ContinuousKlineEvent struct {
	EventType    string          `json:"e"`
	EventTime    int64           `json:"E"`
	Pair         string          `json:"ps"`
	ContractType string          `json:"ct"`
	Kline        ContinuousKline `json:"k"`
}

type ContinuousKline struct {
	OpenTime  int64   `json:"t"`
	CloseTime int64   `json:"T"`
	Interval  string  `json:"i"`
	Open      float64 `json:"o,string"`
	Close     float64 `json:"c,string"`
	High      float64 `json:"h,string"`
	Low       float64 `json:"l,string"`
	Volume    float64 `json:"v,string"`
	Closed    bool    `json:"x"`
}

// ParseMessage decodes a combined-stream frame into a cache row. Frames of
// another interval or contract type are ignored.
func ParseMessage(data []byte, interval string) (store.Candle, error) {
	var env streamEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return store.Candle{}, fmt.Errorf("decoding frame: %w", err)
	}
	if len(env.Data) == 0 {
		return store.Candle{}, errIgnored
	}

	var ev ContinuousKlineEvent
	if err := json.Unmarshal(env.Data, &ev); err != nil {
		return store.Candle{}, fmt.Errorf("decoding %s: %w", env.Stream, err)
	}
	if ev.EventType != "continuous_kline" {
		return store.Candle{}, errIgnored
	}
	if ev.ContractType != "" && ev.ContractType != "PERPETUAL" {
		return store.Candle{}, errIgnored
	}
	if interval != "" && ev.Kline.Interval != interval {
		return store.Candle{}, errIgnored
	}
	if ev.Pair == "" || ev.Kline.OpenTime == 0 {
		return store.Candle{}, fmt.Errorf("incomplete kline on %s", env.Stream)
	}

	return store.Candle{
		Symbol:    strings.ToUpper(ev.Pair),
		Interval:  ev.Kline.Interval,
		OpenTime:  time.UnixMilli(ev.Kline.OpenTime).UTC(),
		Open:      ev.Kline.Open,
		High:      ev.Kline.High,
		Low:       ev.Kline.Low,
		Close:     ev.Kline.Close,
		Volume:    ev.Kline.Volume,
		CloseTime: time.UnixMilli(ev.Kline.CloseTime).UTC(),
		UpdatedAt: time.UnixMilli(ev.EventTime).UTC(),
	}, nil
}

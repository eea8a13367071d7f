package provider

import (
	"sort"
	"time"

	"stockpipe/pkg/core"
	pipeerr "stockpipe/pkg/error"
)

// NewSeries 把数据源返回的K线整理为规范序列：时间转为 UTC、按时间升序、
// 去掉重复时间戳（保留后出现的一根）、丢弃窗口外的K线。
// 结果为空时返回 NO_DATA 错误。
func NewSeries(provider, ticker string, bars []core.Bar, start, end time.Time) (*core.OHLCVSeries, error) {
	for i := range bars {
		bars[i].Timestamp = bars[i].Timestamp.UTC()
	}
	sort.SliceStable(bars, func(i, j int) bool {
		return bars[i].Timestamp.Before(bars[j].Timestamp)
	})

	lo, hi := dayStart(start), dayStart(end).Add(24*time.Hour)
	out := make([]core.Bar, 0, len(bars))
	for _, b := range bars {
		if !start.IsZero() && b.Timestamp.Before(lo) {
			continue
		}
		if !end.IsZero() && !b.Timestamp.Before(hi) {
			continue
		}
		if n := len(out); n > 0 && out[n-1].Timestamp.Equal(b.Timestamp) {
			out[n-1] = b
			continue
		}
		out = append(out, b)
	}

	if len(out) == 0 {
		return nil, pipeerr.NoData(provider, ticker)
	}
	return &core.OHLCVSeries{Ticker: ticker, Bars: out}, nil
}

func dayStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

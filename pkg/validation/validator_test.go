package validation

import (
	"math"
	"strings"
	"testing"
	"time"

	"stockpipe/pkg/core"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func day(d int) time.Time {
	return time.Date(2024, 3, d, 14, 30, 0, 0, time.UTC)
}

func bar(ts time.Time, price, volume float64) core.Bar {
	return core.Bar{Timestamp: ts, Open: price, High: price + 1, Low: price - 1, Close: price, Volume: volume}
}

// 2024-03-01 是周五
func cleanSeries() *core.OHLCVSeries {
	return &core.OHLCVSeries{
		Ticker: "AAPL",
		Bars: []core.Bar{
			bar(day(1), 179, 1000),
			bar(day(4), 175, 1200),
			bar(day(5), 170, 1500),
		},
	}
}

func TestValidate_Clean(t *testing.T) {
	report := NewValidator().Validate(cleanSeries())

	assert.Equal(t, "AAPL", report.Ticker)
	assert.Equal(t, 6, report.ChecksPassed)
	assert.Equal(t, 0, report.ChecksFailed)
	assert.Equal(t, TotalChecks, report.TotalChecks)
	assert.Empty(t, report.Issues)
	assert.Equal(t, 1.0, report.Completeness, "周末不计入预期交易日")
	assert.True(t, report.Passed())
}

func TestValidate_Empty(t *testing.T) {
	report := NewValidator().Validate(&core.OHLCVSeries{Ticker: "AAPL"})
	assert.Equal(t, 1, report.ChecksFailed)
	assert.Equal(t, []string{"Data is empty or None"}, report.Issues)
	assert.False(t, report.Passed())

	report = NewValidator().Validate(nil)
	assert.Equal(t, 1, report.ChecksFailed)
}

func TestValidate_Issues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(s *core.OHLCVSeries)
		issue  string
	}{
		{"非有限数值", func(s *core.OHLCVSeries) { s.Bars[0].Close = math.NaN() }, "Non-finite values: 1 records"},
		{"负价格", func(s *core.OHLCVSeries) { s.Bars[1].Low = -1 }, "Negative prices detected"},
		{"high 小于 low", func(s *core.OHLCVSeries) { s.Bars[2].High = 100 }, "High < Low detected"},
		{"重复时间戳", func(s *core.OHLCVSeries) { s.Bars[2].Timestamp = s.Bars[1].Timestamp }, "1 duplicate timestamps"},
		{"零成交量过多", func(s *core.OHLCVSeries) { s.Bars[0].Volume = 0 }, "High zero volume: 1 records"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := cleanSeries()
			tt.mutate(s)
			report := NewValidator().Validate(s)
			assert.Contains(t, report.Issues, tt.issue)
			assert.GreaterOrEqual(t, report.ChecksFailed, 1)
			assert.Equal(t, TotalChecks, report.ChecksPassed+report.ChecksFailed)
		})
	}
}

func TestValidate_LowCompleteness(t *testing.T) {
	// 3 月 1 日到 3 月 15 日共 11 个工作日，只有 2 根K线
	s := &core.OHLCVSeries{
		Ticker: "MSFT",
		Bars:   []core.Bar{bar(day(1), 400, 10), bar(day(15), 410, 12)},
	}
	report := NewValidator().Validate(s)

	assert.InDelta(t, 2.0/11.0, report.Completeness, 1e-9)
	require.NotEmpty(t, report.Issues)
	assert.True(t, strings.HasPrefix(report.Issues[len(report.Issues)-1], "Low completeness"))
}

func TestCompleteness(t *testing.T) {
	assert.Equal(t, 0.0, Completeness(nil))
	assert.Equal(t, 1.0, Completeness(&core.OHLCVSeries{Ticker: "A", Bars: []core.Bar{bar(day(1), 1, 1)}}))

	// 周末的K线使完整度超过 1 时截断
	weekend := &core.OHLCVSeries{Ticker: "BTC", Bars: []core.Bar{bar(day(2), 1, 1), bar(day(3), 1, 1), bar(day(4), 1, 1)}}
	assert.Equal(t, 1.0, Completeness(weekend))
}

func TestSummarizeAndFormat(t *testing.T) {
	v := NewValidator()
	clean := v.Validate(cleanSeries())
	bad := cleanSeries()
	bad.Ticker = "MSFT"
	bad.Bars[0].Volume = 0
	dirty := v.Validate(bad)

	s := Summarize([]Report{clean, dirty})
	assert.Equal(t, 2, s.Reports)
	assert.Equal(t, 12, s.TotalChecks)
	assert.Equal(t, 11, s.PassedChecks)
	assert.Equal(t, 1, s.FailedChecks)
	assert.Equal(t, 1.0, s.AverageCompleteness)

	assert.Equal(t, Summary{}, Summarize(nil))

	text := FormatReport([]Report{clean, dirty}, time.Date(2024, 3, 6, 8, 0, 0, 0, time.UTC))
	assert.Contains(t, text, "Generated: 2024-03-06 08:00:00")
	assert.Contains(t, text, "- Total Checks: 12")
	assert.Contains(t, text, "AAPL:\n  Passed: 6/6")
	assert.Contains(t, text, "    - High zero volume: 1 records")
}

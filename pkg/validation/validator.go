package validation

import (
	"fmt"
	"math"
	"strings"
	"time"

	"stockpipe/pkg/core"
	"stockpipe/pkg/timing"
)

// TotalChecks 每个序列执行的检查项数量
const TotalChecks = 6

// Report 单只股票的数据质量报告
type Report struct {
	Ticker       string    `json:"ticker"`
	Timestamp    time.Time `json:"timestamp"`
	ChecksPassed int       `json:"checks_passed"`
	ChecksFailed int       `json:"checks_failed"`
	TotalChecks  int       `json:"total_checks"`
	Issues       []string  `json:"issues"`
	Completeness float64   `json:"completeness"`
}

// Passed 所有检查都通过
func (r Report) Passed() bool {
	return r.ChecksFailed == 0
}

// Validator OHLCV 数据质量校验器
type Validator struct {
	// CompletenessThreshold 完整度低于该值视为不合格
	CompletenessThreshold float64
	// ZeroVolumeRatio 零成交量K线占比超过该值视为不合格
	ZeroVolumeRatio float64

	now func() time.Time
}

// NewValidator 创建使用默认阈值的校验器
func NewValidator() *Validator {
	return &Validator{
		CompletenessThreshold: 0.95,
		ZeroVolumeRatio:       0.1,
		now:                   time.Now,
	}
}

// Validate 对序列执行六项检查：数值有效、价格非负、high >= low、时间戳不重复、
// 零成交量占比、按交易日计算的完整度
func (v *Validator) Validate(series *core.OHLCVSeries) Report {
	report := Report{
		Timestamp:   v.now(),
		TotalChecks: TotalChecks,
		Issues:      []string{},
	}
	if series != nil {
		report.Ticker = series.Ticker
	}

	if series.IsEmpty() {
		report.Issues = append(report.Issues, "Data is empty or None")
		report.ChecksFailed++
		return report
	}

	check := func(ok bool, issue string) {
		if ok {
			report.ChecksPassed++
			return
		}
		report.ChecksFailed++
		report.Issues = append(report.Issues, issue)
	}

	bars := series.Bars

	// 1. 所有字段都是有限数值
	nonFinite := 0
	for _, b := range bars {
		for _, f := range []float64{b.Open, b.High, b.Low, b.Close, b.Volume} {
			if math.IsNaN(f) || math.IsInf(f, 0) {
				nonFinite++
				break
			}
		}
	}
	check(nonFinite == 0, fmt.Sprintf("Non-finite values: %d records", nonFinite))

	// 2. 价格非负
	negative := false
	for _, b := range bars {
		if b.Open < 0 || b.High < 0 || b.Low < 0 || b.Close < 0 {
			negative = true
			break
		}
	}
	check(!negative, "Negative prices detected")

	// 3. high >= low
	invalidHighLow := false
	for _, b := range bars {
		if b.High < b.Low {
			invalidHighLow = true
			break
		}
	}
	check(!invalidHighLow, "High < Low detected")

	// 4. 时间戳不重复
	seen := make(map[int64]struct{}, len(bars))
	duplicates := 0
	for _, b := range bars {
		key := b.Timestamp.UnixNano()
		if _, ok := seen[key]; ok {
			duplicates++
			continue
		}
		seen[key] = struct{}{}
	}
	check(duplicates == 0, fmt.Sprintf("%d duplicate timestamps", duplicates))

	// 5. 零成交量占比
	zeroVolume := 0
	for _, b := range bars {
		if b.Volume == 0 {
			zeroVolume++
		}
	}
	check(float64(zeroVolume) <= float64(len(bars))*v.ZeroVolumeRatio,
		fmt.Sprintf("High zero volume: %d records", zeroVolume))

	// 6. 完整度
	report.Completeness = Completeness(series)
	check(report.Completeness >= v.CompletenessThreshold,
		fmt.Sprintf("Low completeness: %.1f%%", report.Completeness*100))

	return report
}

// Completeness 实际K线数除以首尾之间的工作日数，上限为 1
func Completeness(series *core.OHLCVSeries) float64 {
	if series.IsEmpty() {
		return 0
	}
	expected := timing.TradingDaysBetween(series.First(), series.Last())
	if expected == 0 {
		return 0
	}
	c := float64(series.Len()) / float64(expected)
	if c > 1 {
		c = 1
	}
	return c
}

// Summary 多份报告的汇总
type Summary struct {
	Reports             int     `json:"reports"`
	TotalChecks         int     `json:"total_checks"`
	PassedChecks        int     `json:"passed_checks"`
	FailedChecks        int     `json:"failed_checks"`
	AverageCompleteness float64 `json:"average_completeness"`
}

// Summarize 汇总多份报告
func Summarize(reports []Report) Summary {
	s := Summary{Reports: len(reports)}
	var completeness float64
	for _, r := range reports {
		s.PassedChecks += r.ChecksPassed
		s.FailedChecks += r.ChecksFailed
		completeness += r.Completeness
	}
	s.TotalChecks = s.PassedChecks + s.FailedChecks
	if len(reports) > 0 {
		s.AverageCompleteness = completeness / float64(len(reports))
	}
	return s
}

// FormatReport 生成文本格式的校验报告
func FormatReport(reports []Report, generated time.Time) string {
	s := Summarize(reports)

	var b strings.Builder
	b.WriteString("DATA VALIDATION REPORT\n")
	fmt.Fprintf(&b, "Generated: %s\n\n", generated.Format("2006-01-02 15:04:05"))
	b.WriteString("SUMMARY:\n")
	fmt.Fprintf(&b, "- Total Checks: %d\n", s.TotalChecks)
	fmt.Fprintf(&b, "- Passed: %d (%.1f%%)\n", s.PassedChecks, percent(s.PassedChecks, s.TotalChecks))
	fmt.Fprintf(&b, "- Failed: %d (%.1f%%)\n", s.FailedChecks, percent(s.FailedChecks, s.TotalChecks))
	fmt.Fprintf(&b, "- Average Completeness: %.1f%%\n\n", s.AverageCompleteness*100)
	b.WriteString("DETAILED RESULTS:\n")

	for _, r := range reports {
		fmt.Fprintf(&b, "\n%s:\n", r.Ticker)
		fmt.Fprintf(&b, "  Passed: %d/%d\n", r.ChecksPassed, r.TotalChecks)
		if len(r.Issues) > 0 {
			b.WriteString("  Issues:\n")
			for _, issue := range r.Issues {
				fmt.Fprintf(&b, "    - %s\n", issue)
			}
		}
	}
	return b.String()
}

func percent(part, total int) float64 {
	if total == 0 {
		return 0
	}
	return float64(part) / float64(total) * 100
}

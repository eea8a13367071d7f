package timing

import (
	"time"
	_ "time/tzdata" // 容器镜像里可能没有时区数据库
)

// 美股常规交易时段（纽约时间）
const (
	sessionOpenHour    = 9
	sessionOpenMinute  = 30
	sessionCloseHour   = 16
	sessionCloseMinute = 0
)

// MarketTime 美股交易日历，只区分工作日与周末，不含交易所节假日
type MarketTime struct {
	clock Clock
	loc   *time.Location
}

// NewMarketTime 创建新的市场时间检测器
func NewMarketTime(clock Clock) *MarketTime {
	if clock == nil {
		clock = SystemClock{}
	}
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		loc = time.FixedZone("EST", -5*60*60)
	}
	return &MarketTime{clock: clock, loc: loc}
}

// DefaultMarketTime 使用系统时间的默认市场时间检测器
func DefaultMarketTime() *MarketTime {
	return NewMarketTime(SystemClock{})
}

// Location 交易所所在时区
func (m *MarketTime) Location() *time.Location {
	return m.loc
}

// IsTradingDay 判断是否是交易日（周一到周五）
func IsTradingDay(t time.Time) bool {
	weekday := t.Weekday()
	return weekday >= time.Monday && weekday <= time.Friday
}

// TradingDaysBetween 闭区间内的交易日数，按 UTC 日期计算
func TradingDaysBetween(from, to time.Time) int {
	from = TruncateDay(from)
	to = TruncateDay(to)
	if to.Before(from) {
		return 0
	}
	n := 0
	for d := from; !d.After(to); d = d.AddDate(0, 0, 1) {
		if IsTradingDay(d) {
			n++
		}
	}
	return n
}

// TruncateDay 返回 t 所在 UTC 日期的零点
func TruncateDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// IsTradingTime 判断当前是否在常规交易时段
func (m *MarketTime) IsTradingTime() bool {
	now := m.clock.Now().In(m.loc)
	if !IsTradingDay(now) {
		return false
	}
	return !now.Before(m.sessionOpen(now)) && now.Before(m.sessionClose(now))
}

// IsAfterTradingEnd 当天是交易日且已收盘，此时日线数据才完整
func (m *MarketTime) IsAfterTradingEnd() bool {
	now := m.clock.Now().In(m.loc)
	if !IsTradingDay(now) {
		return false
	}
	return !now.Before(m.sessionClose(now))
}

// GetTradingEndTime 获取当天收盘时间
func (m *MarketTime) GetTradingEndTime() time.Time {
	return m.sessionClose(m.clock.Now().In(m.loc))
}

// GetNextTradingDayStart 获取下一个交易时段的开盘时间
func (m *MarketTime) GetNextTradingDayStart() time.Time {
	now := m.clock.Now().In(m.loc)
	open := m.sessionOpen(now)
	if IsTradingDay(now) && now.Before(open) {
		return open
	}
	for {
		open = open.AddDate(0, 0, 1)
		if IsTradingDay(open) {
			return open
		}
	}
}

// LastCompletedSession 最近一个已经收盘的交易日（纽约日期，UTC 零点表示）
func (m *MarketTime) LastCompletedSession() time.Time {
	now := m.clock.Now().In(m.loc)
	d := now
	if !IsTradingDay(d) || d.Before(m.sessionClose(d)) {
		d = d.AddDate(0, 0, -1)
	}
	for !IsTradingDay(d) {
		d = d.AddDate(0, 0, -1)
	}
	return time.Date(d.Year(), d.Month(), d.Day(), 0, 0, 0, 0, time.UTC)
}

func (m *MarketTime) sessionOpen(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), sessionOpenHour, sessionOpenMinute, 0, 0, m.loc)
}

func (m *MarketTime) sessionClose(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), sessionCloseHour, sessionCloseMinute, 0, 0, m.loc)
}

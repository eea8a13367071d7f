package sink

import (
	"context"
	"fmt"

	"stockpipe/pkg/core"
	"stockpipe/pkg/logger"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/sirupsen/logrus"
)

// Measurement InfluxDB 中K线的测量名
const Measurement = "ohlcv"

// PointWriter 是 InfluxMirror 需要的写入能力，api.WriteAPIBlocking 满足此接口
type PointWriter interface {
	WritePoint(ctx context.Context, point ...*write.Point) error
}

// InfluxMirror 把成功持久化的K线同步写入 InfluxDB
type InfluxMirror struct {
	writer PointWriter
	log    *logrus.Entry
}

// NewInfluxMirror 创建镜像写入器
func NewInfluxMirror(writer PointWriter, log *logrus.Entry) *InfluxMirror {
	if log == nil {
		log = logger.WithComponent("InfluxMirror")
	}
	return &InfluxMirror{writer: writer, log: log}
}

// HandleResult 只处理成功的结果，每根K线一个点
func (m *InfluxMirror) HandleResult(ctx context.Context, result core.FetchResult) error {
	if !result.OK() || result.Series.IsEmpty() {
		return nil
	}

	points := Points(result.Series, result.Provider)
	if err := m.writer.WritePoint(ctx, points...); err != nil {
		return fmt.Errorf("write %d points for %s: %w", len(points), result.Ticker, err)
	}

	m.log.WithFields(logrus.Fields{
		"ticker":   result.Ticker,
		"provider": result.Provider,
		"count":    len(points),
	}).Debug("K线已写入 InfluxDB")
	return nil
}

// Points 把序列转换为 InfluxDB 数据点
func Points(series *core.OHLCVSeries, provider string) []*write.Point {
	points := make([]*write.Point, 0, series.Len())
	for _, bar := range series.Bars {
		point := influxdb2.NewPointWithMeasurement(Measurement).
			AddTag("ticker", series.Ticker).
			AddTag("provider", provider).
			AddField("open", bar.Open).
			AddField("high", bar.High).
			AddField("low", bar.Low).
			AddField("close", bar.Close).
			AddField("volume", bar.Volume).
			SetTime(bar.Timestamp)
		points = append(points, point)
	}
	return points
}

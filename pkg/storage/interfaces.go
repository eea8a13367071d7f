package storage

import (
	"context"
	"time"

	"stockpipe/pkg/core"
)

// Store 定义了分区存储的行为。
// 批次调度器只依赖此接口，测试中可以替换为会失败的实现。
type Store interface {
	// Persist 把序列写入由股票代码和首根K线日期决定的分区，返回写入的元数据。
	// 同一分区重复写入时覆盖原有数据文件和元数据。
	Persist(ctx context.Context, series *core.OHLCVSeries) (*core.PartitionMetadata, error)
}

// Reader 定义了分区读取的行为。
type Reader interface {
	// Load 读取分区的数据文件
	Load(ticker string, day time.Time) (*core.OHLCVSeries, error)
	// ReadMetadata 读取分区的元数据
	ReadMetadata(ticker string, day time.Time) (*core.PartitionMetadata, error)
	// ListPartitions 列出某只股票的所有分区元数据，按日期升序
	ListPartitions(ticker string) ([]core.PartitionMetadata, error)
}

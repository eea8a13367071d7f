package sink

import (
	"context"

	"stockpipe/pkg/core"
)

// Recorder 记录分区元数据，*storage.Catalog 满足此接口
type Recorder interface {
	Record(ctx context.Context, meta *core.PartitionMetadata) error
}

// CatalogRecorder 把每个成功写入的分区登记到目录
type CatalogRecorder struct {
	catalog Recorder
}

// NewCatalogRecorder 创建目录登记处理器
func NewCatalogRecorder(catalog Recorder) *CatalogRecorder {
	return &CatalogRecorder{catalog: catalog}
}

func (c *CatalogRecorder) HandleResult(ctx context.Context, result core.FetchResult) error {
	if !result.OK() || result.Metadata == nil {
		return nil
	}
	return c.catalog.Record(ctx, result.Metadata)
}

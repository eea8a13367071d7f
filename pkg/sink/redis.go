package sink

import (
	"context"
	"fmt"

	"stockpipe/pkg/core"
	"stockpipe/pkg/logger"
	"stockpipe/pkg/message"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"
)

// StreamWriter 是 RedisPublisher 需要的 Redis 能力，*redis.Client 满足此接口
type StreamWriter interface {
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
}

// RedisPublisher 把每只股票的结果和每次运行的检查点发布到 Redis Streams
type RedisPublisher struct {
	client   StreamWriter
	producer string
	maxLen   int64
	log      *logrus.Entry
}

// NewRedisPublisher 创建发布器，maxLen > 0 时按近似长度裁剪流
func NewRedisPublisher(client StreamWriter, producer string, maxLen int64, log *logrus.Entry) *RedisPublisher {
	if log == nil {
		log = logger.WithComponent("RedisPublisher")
	}
	if producer == "" {
		producer = "stockpipe"
	}
	return &RedisPublisher{
		client:   client,
		producer: producer,
		maxLen:   maxLen,
		log:      log,
	}
}

// HandleResult 发布单只股票的结果，不包含K线数据
func (p *RedisPublisher) HandleResult(ctx context.Context, result core.FetchResult) error {
	msg := message.NewMessageFormat(p.producer, result.Provider, message.DataTypeFetchResult,
		[]message.FetchResultData{message.NewFetchResultData(result)})
	_, err := p.publish(ctx, msg)
	return err
}

// PublishCheckpoint 发布运行检查点
func (p *RedisPublisher) PublishCheckpoint(ctx context.Context, cp *core.Checkpoint) error {
	msg := message.NewMessageFormat(p.producer, "", message.DataTypeCheckpoint, []core.Checkpoint{*cp})
	msg.SetRunID(cp.RunID)

	id, err := p.publish(ctx, msg)
	if err != nil {
		return err
	}
	p.log.WithFields(logrus.Fields{
		"run_id":    cp.RunID,
		"messageID": id,
	}).Info("检查点已发布")
	return nil
}

func (p *RedisPublisher) publish(ctx context.Context, msg *message.MessageFormat) (string, error) {
	jsonData, err := msg.ToJSON()
	if err != nil {
		return "", fmt.Errorf("序列化消息失败: %w", err)
	}

	stream := message.GetStreamName(msg.Metadata.DataType)
	args := &redis.XAddArgs{
		Stream: stream,
		Values: map[string]interface{}{
			"data": jsonData,
		},
	}
	if p.maxLen > 0 {
		args.MaxLen = p.maxLen
		args.Approx = true
	}

	id, err := p.client.XAdd(ctx, args).Result()
	if err != nil {
		return "", fmt.Errorf("发布消息到 Redis Streams 失败: %w", err)
	}

	p.log.WithFields(logrus.Fields{
		"stream":    stream,
		"messageID": id,
		"bytes":     len(jsonData),
	}).Debug("消息发布成功")
	return id, nil
}

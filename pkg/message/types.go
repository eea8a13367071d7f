package message

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"time"

	"stockpipe/pkg/core"
	pipeerr "stockpipe/pkg/error"

	"github.com/google/uuid"
)

// 错误定义
var (
	ErrInvalidChecksum = errors.New("消息校验和不匹配")
	ErrInvalidFormat   = errors.New("消息格式无效")
)

// 消息数据类型
const (
	DataTypeFetchResult = "fetch_result"
	DataTypeCheckpoint  = "run_checkpoint"
)

// 结果流名称
const (
	StreamResults = "stream:ohlcv:results"
	StreamRuns    = "stream:ohlcv:runs"
	StreamUnknown = "stream:unknown"
)

// MessageHeader 消息头部信息
type MessageHeader struct {
	MessageID   string `json:"messageId"`
	Timestamp   int64  `json:"timestamp"`
	Version     string `json:"version"`
	Producer    string `json:"producer"`
	ContentType string `json:"contentType"`
}

// MessageMetadata 消息元数据
type MessageMetadata struct {
	Provider  string `json:"provider"`
	DataType  string `json:"dataType"`
	BatchSize int    `json:"batchSize"`
	RunID     string `json:"runId,omitempty"`
}

// MessageFormat 标准消息格式
type MessageFormat struct {
	Header   MessageHeader   `json:"header"`
	Metadata MessageMetadata `json:"metadata"`
	Payload  interface{}     `json:"payload"`
	Checksum string          `json:"checksum"`
}

// FetchResultData 单只股票的处理结果
type FetchResultData struct {
	Ticker     string                  `json:"ticker"`
	Outcome    string                  `json:"outcome"`
	Provider   string                  `json:"provider,omitempty"`
	ReasonCode string                  `json:"reasonCode,omitempty"`
	Reason     string                  `json:"reason,omitempty"`
	DurationMS int64                   `json:"durationMs"`
	Partition  *core.PartitionMetadata `json:"partition,omitempty"`
}

// NewFetchResultData 从结果构造消息负载，不包含K线本身
func NewFetchResultData(r core.FetchResult) FetchResultData {
	return FetchResultData{
		Ticker:     r.Ticker,
		Outcome:    string(r.Outcome),
		Provider:   r.Provider,
		ReasonCode: string(pipeerr.CodeOf(r.Reason)),
		Reason:     r.ReasonText(),
		DurationMS: r.Duration.Milliseconds(),
		Partition:  r.Metadata,
	}
}

// NewMessageFormat 创建新的消息格式
func NewMessageFormat(producer, provider, dataType string, payload interface{}) *MessageFormat {
	header := MessageHeader{
		MessageID:   uuid.New().String(),
		Timestamp:   time.Now().Unix(),
		Version:     "1.0",
		Producer:    producer,
		ContentType: "application/json",
	}

	var batchSize int
	switch p := payload.(type) {
	case []FetchResultData:
		batchSize = len(p)
	case []core.Checkpoint:
		batchSize = len(p)
	default:
		batchSize = 1
	}

	msg := &MessageFormat{
		Header: header,
		Metadata: MessageMetadata{
			Provider:  provider,
			DataType:  dataType,
			BatchSize: batchSize,
		},
		Payload: payload,
	}

	// 计算校验和
	msg.Checksum = msg.CalculateChecksum()

	return msg
}

// CalculateChecksum 计算消息校验和
func (m *MessageFormat) CalculateChecksum() string {
	// 创建消息副本，排除 checksum 字段
	temp := MessageFormat{
		Header:   m.Header,
		Metadata: m.Metadata,
		Payload:  m.Payload,
	}

	data, err := json.Marshal(temp)
	if err != nil {
		return ""
	}

	hash := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(hash[:])
}

// Validate 验证消息完整性
func (m *MessageFormat) Validate() error {
	if m.Header.MessageID == "" || m.Metadata.DataType == "" {
		return ErrInvalidFormat
	}
	if m.Checksum != m.CalculateChecksum() {
		return ErrInvalidChecksum
	}
	return nil
}

// SetRunID 关联运行ID并重新计算校验和
func (m *MessageFormat) SetRunID(runID string) {
	m.Metadata.RunID = runID
	m.Checksum = m.CalculateChecksum()
}

// ToJSON 将消息转换为 JSON 字符串
func (m *MessageFormat) ToJSON() (string, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// FromJSON 从 JSON 字符串解析消息
func FromJSON(jsonStr string) (*MessageFormat, error) {
	var msg MessageFormat
	if err := json.Unmarshal([]byte(jsonStr), &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// GetStreamName 根据数据类型获取 Redis Stream 名称
func GetStreamName(dataType string) string {
	switch dataType {
	case DataTypeFetchResult:
		return StreamResults
	case DataTypeCheckpoint:
		return StreamRuns
	default:
		return StreamUnknown
	}
}

package storage

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/csv"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"stockpipe/pkg/core"
	"stockpipe/pkg/logger"

	"github.com/klauspost/compress/zstd"
	"github.com/sirupsen/logrus"
)

const (
	// DataExt 数据文件后缀，内容为 zstd 压缩的 CSV
	DataExt = ".csv.zst"
	// MetadataSuffix 元数据文件后缀
	MetadataSuffix = "_metadata.json"

	rawDir = "raw"
)

// csvHeader 数据文件表头
var csvHeader = []string{"timestamp", "open", "high", "low", "close", "volume"}

// PartitionedStore 按 <base>/raw/<TICKER>/<YYYY>/<MM>/<DD>/ 分区存储K线。
// 数据文件与元数据先写入同目录的临时文件，再原子重命名。
// 同一分区的并发写入通过分区锁串行化。
type PartitionedStore struct {
	baseDir string

	encoder *zstd.Encoder
	decoder *zstd.Decoder

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex

	now func() time.Time
	log *logrus.Entry
}

// NewPartitionedStore 创建分区存储
func NewPartitionedStore(baseDir string, log *logrus.Entry) (*PartitionedStore, error) {
	if baseDir == "" {
		return nil, fmt.Errorf("storage base dir cannot be empty")
	}
	if log == nil {
		log = logger.WithComponent("PartitionedStore")
	}

	// 单线程编码保证相同输入得到相同字节
	encoder, err := zstd.NewWriter(nil,
		zstd.WithEncoderLevel(zstd.SpeedDefault),
		zstd.WithEncoderConcurrency(1),
		zstd.WithEncoderCRC(true),
	)
	if err != nil {
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		encoder.Close()
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}

	return &PartitionedStore{
		baseDir: baseDir,
		encoder: encoder,
		decoder: decoder,
		locks:   make(map[string]*sync.Mutex),
		now:     time.Now,
		log:     log,
	}, nil
}

// BaseDir 返回存储根目录
func (s *PartitionedStore) BaseDir() string {
	return s.baseDir
}

// PartitionDir 返回分区目录
func (s *PartitionedStore) PartitionDir(ticker string, day time.Time) string {
	day = day.UTC()
	return filepath.Join(s.baseDir, rawDir, ticker,
		day.Format("2006"), day.Format("01"), day.Format("02"))
}

// DataPath 返回分区数据文件路径
func (s *PartitionedStore) DataPath(ticker string, day time.Time) string {
	return filepath.Join(s.PartitionDir(ticker, day), partitionName(ticker, day)+DataExt)
}

// MetadataPath 返回分区元数据文件路径
func (s *PartitionedStore) MetadataPath(ticker string, day time.Time) string {
	return filepath.Join(s.PartitionDir(ticker, day), partitionName(ticker, day)+MetadataSuffix)
}

func partitionName(ticker string, day time.Time) string {
	return ticker + "_" + day.UTC().Format("20060102")
}

// Persist 写入序列并返回元数据。
// 分区键是股票代码加首根K线的 UTC 日期；重复写入同一分区时覆盖数据和元数据。
func (s *PartitionedStore) Persist(ctx context.Context, series *core.OHLCVSeries) (*core.PartitionMetadata, error) {
	if series.IsEmpty() {
		return nil, writeError("", fmt.Errorf("series is empty"))
	}
	if err := validTicker(series.Ticker); err != nil {
		return nil, writeError("", err)
	}

	day := series.First().UTC()
	partition := partitionName(series.Ticker, day)
	if err := ctx.Err(); err != nil {
		return nil, writeError(partition, err)
	}

	content, err := encodeCSV(series)
	if err != nil {
		return nil, writeError(partition, err)
	}
	compressed := s.encoder.EncodeAll(content, make([]byte, 0, len(content)/3))

	meta := &core.PartitionMetadata{
		Ticker:     series.Ticker,
		DataPoints: series.Len(),
		DateRange: core.DateRange{
			Start: series.First().UTC(),
			End:   series.Last().UTC(),
		},
		Checksum: Checksum(content),
		SavedAt:  s.now().UTC(),
		FileSize: int64(len(compressed)),
		Path:     s.DataPath(series.Ticker, day),
	}
	metaBytes, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return nil, writeError(partition, err)
	}

	dir := s.PartitionDir(series.Ticker, day)
	lock := s.partitionLock(dir)
	lock.Lock()
	defer lock.Unlock()

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, writeError(partition, err)
	}
	if err := writeAtomic(meta.Path, compressed); err != nil {
		return nil, writeError(partition, err)
	}
	if err := writeAtomic(s.MetadataPath(series.Ticker, day), metaBytes); err != nil {
		return nil, writeError(partition, err)
	}

	s.log.WithFields(logrus.Fields{
		"ticker":      series.Ticker,
		"partition":   partition,
		"data_points": meta.DataPoints,
		"file_size":   meta.FileSize,
	}).Debug("分区写入完成")
	return meta, nil
}

// Load 读取并解压分区数据文件
func (s *PartitionedStore) Load(ticker string, day time.Time) (*core.OHLCVSeries, error) {
	series, _, err := s.load(ticker, day)
	return series, err
}

func (s *PartitionedStore) load(ticker string, day time.Time) (*core.OHLCVSeries, []byte, error) {
	path := s.DataPath(ticker, day)
	compressed, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil, wrapStorageError(ErrPartitionNotFound, "partition "+partitionName(ticker, day)+" not found", err)
		}
		return nil, nil, wrapStorageError(ErrStorageIO, "read "+path, err)
	}

	content, err := s.decoder.DecodeAll(compressed, nil)
	if err != nil {
		return nil, nil, wrapStorageError(ErrStorageCorrupted, "decompress "+path, err)
	}

	series, err := decodeCSV(ticker, content)
	if err != nil {
		return nil, nil, wrapStorageError(ErrInvalidFormat, "parse "+path, err)
	}
	return series, content, nil
}

// ReadMetadata 读取分区元数据
func (s *PartitionedStore) ReadMetadata(ticker string, day time.Time) (*core.PartitionMetadata, error) {
	path := s.MetadataPath(ticker, day)
	meta, err := readMetadataFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, wrapStorageError(ErrPartitionNotFound, "partition "+partitionName(ticker, day)+" not found", err)
		}
		return nil, err
	}
	meta.Path = s.DataPath(ticker, day)
	return meta, nil
}

func readMetadataFile(path string) (*core.PartitionMetadata, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var meta core.PartitionMetadata
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil, wrapStorageError(ErrInvalidFormat, "parse "+path, err)
	}
	return &meta, nil
}

// Verify 重新计算数据文件的校验和并与元数据比对
func (s *PartitionedStore) Verify(ticker string, day time.Time) (*core.PartitionMetadata, error) {
	lock := s.partitionLock(s.PartitionDir(ticker, day))
	lock.Lock()
	defer lock.Unlock()

	meta, err := s.ReadMetadata(ticker, day)
	if err != nil {
		return nil, err
	}
	series, content, err := s.load(ticker, day)
	if err != nil {
		return meta, err
	}

	if sum := Checksum(content); sum != meta.Checksum {
		return meta, NewStorageError(ErrStorageCorrupted,
			fmt.Sprintf("checksum mismatch for %s: metadata %s, data %s", partitionName(ticker, day), meta.Checksum, sum))
	}
	if series.Len() != meta.DataPoints {
		return meta, NewStorageError(ErrStorageCorrupted,
			fmt.Sprintf("row count mismatch for %s: metadata %d, data %d", partitionName(ticker, day), meta.DataPoints, series.Len()))
	}
	info, err := os.Stat(meta.Path)
	if err != nil {
		return meta, wrapStorageError(ErrStorageIO, "stat "+meta.Path, err)
	}
	if info.Size() != meta.FileSize {
		return meta, NewStorageError(ErrStorageCorrupted,
			fmt.Sprintf("file size mismatch for %s: metadata %d, data %d", partitionName(ticker, day), meta.FileSize, info.Size()))
	}
	return meta, nil
}

// ListPartitions 遍历股票目录下的元数据文件
func (s *PartitionedStore) ListPartitions(ticker string) ([]core.PartitionMetadata, error) {
	if err := validTicker(ticker); err != nil {
		return nil, err
	}
	root := filepath.Join(s.baseDir, rawDir, ticker)

	var out []core.PartitionMetadata
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), MetadataSuffix) {
			return nil
		}
		meta, err := readMetadataFile(path)
		if err != nil {
			return err
		}
		meta.Path = strings.TrimSuffix(path, MetadataSuffix) + DataExt
		out = append(out, *meta)
		return nil
	})
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].DateRange.Start.Before(out[j].DateRange.Start)
	})
	return out, nil
}

// Close 释放编解码器
func (s *PartitionedStore) Close() error {
	s.decoder.Close()
	return s.encoder.Close()
}

func (s *PartitionedStore) partitionLock(key string) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()

	l, ok := s.locks[key]
	if !ok {
		l = &sync.Mutex{}
		s.locks[key] = l
	}
	return l
}

// Checksum 对规范化的 CSV 内容计算 SHA-256，行顺序变化会改变结果
func Checksum(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// SeriesChecksum 计算序列的规范化校验和
func SeriesChecksum(series *core.OHLCVSeries) (string, error) {
	content, err := encodeCSV(series)
	if err != nil {
		return "", err
	}
	return Checksum(content), nil
}

func encodeCSV(series *core.OHLCVSeries) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(csvHeader); err != nil {
		return nil, err
	}
	for _, b := range series.Bars {
		record := []string{
			b.Timestamp.UTC().Format(time.RFC3339Nano),
			formatFloat(b.Open),
			formatFloat(b.High),
			formatFloat(b.Low),
			formatFloat(b.Close),
			formatFloat(b.Volume),
		}
		if err := w.Write(record); err != nil {
			return nil, err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeCSV(ticker string, content []byte) (*core.OHLCVSeries, error) {
	r := csv.NewReader(bytes.NewReader(content))
	r.FieldsPerRecord = len(csvHeader)
	records, err := r.ReadAll()
	if err != nil {
		return nil, err
	}
	if len(records) == 0 || strings.Join(records[0], ",") != strings.Join(csvHeader, ",") {
		return nil, fmt.Errorf("unexpected header")
	}

	series := &core.OHLCVSeries{Ticker: ticker, Bars: make([]core.Bar, 0, len(records)-1)}
	for i, rec := range records[1:] {
		ts, err := time.Parse(time.RFC3339Nano, rec[0])
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", i+1, err)
		}
		values := make([]float64, 5)
		for j := range values {
			v, err := strconv.ParseFloat(rec[j+1], 64)
			if err != nil {
				return nil, fmt.Errorf("row %d column %s: %w", i+1, csvHeader[j+1], err)
			}
			values[j] = v
		}
		series.Bars = append(series.Bars, core.Bar{
			Timestamp: ts.UTC(),
			Open:      values[0],
			High:      values[1],
			Low:       values[2],
			Close:     values[3],
			Volume:    values[4],
		})
	}
	return series, nil
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

// writeAtomic 写入同目录临时文件后重命名
func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	cleanup := func() {
		tmp.Close()
		os.Remove(tmpName)
	}

	if _, err := tmp.Write(data); err != nil {
		cleanup()
		return err
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}

func validTicker(ticker string) error {
	if ticker == "" {
		return fmt.Errorf("ticker cannot be empty")
	}
	if ticker == "." || ticker == ".." || strings.ContainsAny(ticker, `/\`) {
		return fmt.Errorf("invalid ticker %q", ticker)
	}
	return nil
}

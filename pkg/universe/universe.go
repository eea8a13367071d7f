package universe

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/simplifiedchinese"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/language"
	"golang.org/x/text/transform"
	"golang.org/x/text/width"
)

// 列名候选，按顺序匹配
var tickerColumns = []string{"ticker", "symbol"}

// Options 股票池文件的读取选项
type Options struct {
	// Encoding 文件编码: utf-8（默认，自动去除 BOM）或 gbk
	Encoding string
}

var upper = cases.Upper(language.Und)

// Normalize 规范化股票代码：去空白、全角转半角、转大写、"." 替换为 "-"（BRK.B → BRK-B）
func Normalize(symbol string) string {
	s := strings.TrimSpace(symbol)
	s = width.Narrow.String(s)
	s = upper.String(s)
	return strings.ReplaceAll(s, ".", "-")
}

// Load 读取 CSV 股票池文件中的 ticker 列
func Load(path string, opts Options) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open universe file: %w", err)
	}
	defer f.Close()

	return Parse(f, opts)
}

// Parse 从 CSV 中解析股票代码，保持文件顺序，重复代码只保留第一次出现
func Parse(r io.Reader, opts Options) ([]string, error) {
	dec, err := decoder(opts.Encoding)
	if err != nil {
		return nil, err
	}

	reader := csv.NewReader(transform.NewReader(r, dec))
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("universe file is empty")
		}
		return nil, fmt.Errorf("read universe header: %w", err)
	}

	col := -1
	for _, want := range tickerColumns {
		for i, h := range header {
			if strings.EqualFold(strings.TrimSpace(h), want) {
				col = i
				break
			}
		}
		if col >= 0 {
			break
		}
	}
	if col < 0 {
		return nil, fmt.Errorf("universe file has no ticker column (header: %v)", header)
	}

	seen := make(map[string]bool)
	var tickers []string
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read universe row: %w", err)
		}
		if col >= len(record) {
			continue
		}
		t := Normalize(record[col])
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		tickers = append(tickers, t)
	}
	return tickers, nil
}

func decoder(name string) (transform.Transformer, error) {
	var enc encoding.Encoding
	switch strings.ToLower(name) {
	case "", "utf-8", "utf8":
		return unicode.BOMOverride(unicode.UTF8.NewDecoder()), nil
	case "gbk":
		enc = simplifiedchinese.GBK
	case "gb18030":
		enc = simplifiedchinese.GB18030
	default:
		return nil, fmt.Errorf("unsupported universe encoding %q", name)
	}
	return enc.NewDecoder(), nil
}

// Normalized 规范化并去重一组代码，保持顺序
func Normalized(symbols []string) []string {
	seen := make(map[string]bool, len(symbols))
	out := make([]string, 0, len(symbols))
	for _, s := range symbols {
		t := Normalize(s)
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	return out
}

// TopK 返回前 k 只股票，k <= 0 或超过总数时返回全部
func TopK(tickers []string, k int) []string {
	if k <= 0 || k >= len(tickers) {
		out := make([]string, len(tickers))
		copy(out, tickers)
		return out
	}
	out := make([]string, k)
	copy(out, tickers[:k])
	return out
}

// WriteTopK 把选出的股票写为单列 CSV，供后续阶段使用
func WriteTopK(path string, tickers []string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create top-k file: %w", err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write([]string{"ticker"}); err != nil {
		return err
	}
	for _, t := range tickers {
		if err := w.Write([]string{t}); err != nil {
			return err
		}
	}
	w.Flush()
	return w.Error()
}

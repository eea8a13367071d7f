package logger

import (
	"io"
	"os"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

type Entry = logrus.Entry

const timestampFormat = "2006-01-02 15:04:05.000"

var (
	// Logger 全局日志实例，仅用于未显式注入日志器的组件
	Logger *logrus.Logger
	mu     sync.Mutex
)

// Config 日志配置
type Config struct {
	Level  string    `json:"level" mapstructure:"level"`   // debug, info, warn, error
	Format string    `json:"format" mapstructure:"format"` // text, json
	Output io.Writer `json:"-" mapstructure:"-"`           // 默认 stdout
}

// New 按配置创建独立的日志器，流水线通过它显式注入日志
func New(config Config) *logrus.Logger {
	l := logrus.New()

	level, err := logrus.ParseLevel(strings.ToLower(config.Level))
	if err != nil {
		level = logrus.InfoLevel
	}
	l.SetLevel(level)

	if config.Format == "json" {
		l.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: timestampFormat,
		})
	} else {
		l.SetFormatter(&logrus.TextFormatter{
			TimestampFormat: timestampFormat,
			FullTimestamp:   true,
		})
	}

	if config.Output != nil {
		l.SetOutput(config.Output)
	} else {
		l.SetOutput(os.Stdout)
	}
	return l
}

// Init 初始化全局日志器
func Init(config Config) {
	mu.Lock()
	defer mu.Unlock()
	Logger = New(config)
}

// InitFromEnv 从环境变量初始化日志器
func InitFromEnv() {
	level := os.Getenv("LOG_LEVEL")
	if level == "" {
		if os.Getenv("DEBUG") == "1" {
			level = "debug"
		} else {
			level = "info"
		}
	}

	format := os.Getenv("LOG_FORMAT")
	if format == "" {
		format = "text"
	}

	Init(Config{
		Level:  level,
		Format: format,
	})
}

// GetLogger 获取日志器实例
func GetLogger() *logrus.Logger {
	mu.Lock()
	l := Logger
	mu.Unlock()
	if l == nil {
		InitFromEnv()
		mu.Lock()
		l = Logger
		mu.Unlock()
	}
	return l
}

// WithComponent 创建带组件名的日志器
func WithComponent(component string) *logrus.Entry {
	return GetLogger().WithField("component", component)
}

// Discard 返回丢弃所有输出的日志条目，测试中使用
func Discard() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

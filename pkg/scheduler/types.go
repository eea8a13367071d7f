package scheduler

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
)

// JobConfig 定义单个定时采集任务的配置
type JobConfig struct {
	Name     string        `mapstructure:"name" yaml:"name" json:"name"`
	Enabled  bool          `mapstructure:"enabled" yaml:"enabled" json:"enabled"`
	Schedule string        `mapstructure:"schedule" yaml:"schedule" json:"schedule"`
	Tickers  []string      `mapstructure:"tickers" yaml:"tickers" json:"tickers,omitempty"` // 为空时使用股票池
	TopK     int           `mapstructure:"top_k" yaml:"top_k" json:"top_k,omitempty"`
	Timeout  time.Duration `mapstructure:"timeout" yaml:"timeout" json:"timeout,omitempty"` // 0 表示使用默认超时
}

// JobsConfig 定义整个任务配置文件结构
type JobsConfig struct {
	Jobs []JobConfig `mapstructure:"jobs" yaml:"jobs" json:"jobs"`
}

// Job 表示一个已注册的任务
type Job struct {
	ID         string
	Config     JobConfig
	EntryID    cron.EntryID
	Status     JobStatus
	LastRun    *time.Time
	NextRun    *time.Time
	RunCount   int64
	ErrorCount int64
	LastError  error
}

// JobStatus 任务状态
type JobStatus string

const (
	JobStatusPending  JobStatus = "pending"
	JobStatusRunning  JobStatus = "running"
	JobStatusStopped  JobStatus = "stopped"
	JobStatusError    JobStatus = "error"
	JobStatusDisabled JobStatus = "disabled"
)

// DefaultJobTimeout 任务未配置超时时使用
const DefaultJobTimeout = 2 * time.Hour

// JobExecutor 任务执行器接口
type JobExecutor interface {
	Execute(ctx context.Context, job *Job) error
}

// ExecutorFunc 函数形式的执行器
type ExecutorFunc func(ctx context.Context, job *Job) error

func (f ExecutorFunc) Execute(ctx context.Context, job *Job) error {
	return f(ctx, job)
}

// JobScheduler 任务调度器接口
type JobScheduler interface {
	// 加载配置
	LoadConfig(configPath string) error

	// 启动调度器
	Start() error

	// 停止调度器
	Stop() error

	// 添加任务
	AddJob(config JobConfig) error

	// 移除任务
	RemoveJob(jobName string) error

	// 获取任务状态
	GetJob(jobName string) (*Job, error)

	// 获取所有任务
	GetAllJobs() []*Job

	// 手动执行任务
	RunJob(jobName string) error

	// 设置任务执行器
	SetExecutor(executor JobExecutor)
}

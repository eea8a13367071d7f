package scheduler

import (
	"context"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"stockpipe/pkg/logger"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// cronParser 支持秒级调度
var cronParser = cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// DefaultJobScheduler 默认任务调度器实现
type DefaultJobScheduler struct {
	cron     *cron.Cron
	jobs     map[string]*Job
	executor JobExecutor
	mu       sync.RWMutex
	running  sync.WaitGroup
	log      *logrus.Entry
	ctx      context.Context
	cancel   context.CancelFunc
}

// NewJobScheduler 创建新的任务调度器
func NewJobScheduler(log *logrus.Entry) *DefaultJobScheduler {
	if log == nil {
		log = logger.WithComponent("JobScheduler")
	}
	ctx, cancel := context.WithCancel(context.Background())

	return &DefaultJobScheduler{
		cron:   cron.New(cron.WithParser(cronParser)),
		jobs:   make(map[string]*Job),
		log:    log,
		ctx:    ctx,
		cancel: cancel,
	}
}

// LoadConfig 从配置文件加载任务配置
func (s *DefaultJobScheduler) LoadConfig(configPath string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// 检查文件是否存在
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return fmt.Errorf("配置文件不存在: %s", configPath)
	}

	v := viper.New()
	v.SetConfigFile(configPath)

	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("读取配置文件失败: %w", err)
	}

	var config JobsConfig
	if err := v.Unmarshal(&config); err != nil {
		return fmt.Errorf("解析配置文件失败: %w", err)
	}

	// 验证并添加任务，无效任务跳过
	for _, jobConfig := range config.Jobs {
		if err := validateJobConfig(jobConfig); err != nil {
			s.log.WithError(err).Warnf("跳过无效任务配置: %s", jobConfig.Name)
			continue
		}

		if err := s.addJobInternal(jobConfig); err != nil {
			s.log.WithError(err).Errorf("添加任务失败: %s", jobConfig.Name)
			continue
		}
	}

	s.log.Infof("成功加载 %d 个任务配置", len(s.jobs))
	return nil
}

// Start 启动调度器
func (s *DefaultJobScheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.executor == nil {
		return fmt.Errorf("任务执行器未设置")
	}

	s.cron.Start()
	s.log.Info("任务调度器已启动")

	s.updateNextRunTimes()
	return nil
}

// Stop 停止调度器，取消运行中的任务并等待其返回
func (s *DefaultJobScheduler) Stop() error {
	s.cancel()
	ctx := s.cron.Stop()

	done := make(chan struct{})
	go func() {
		<-ctx.Done()
		s.running.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.log.Info("任务调度器已停止")
	case <-time.After(30 * time.Second):
		s.log.Warn("任务调度器停止超时")
	}

	s.mu.Lock()
	for _, job := range s.jobs {
		if job.Status != JobStatusDisabled {
			job.Status = JobStatusStopped
		}
	}
	s.mu.Unlock()
	return nil
}

// AddJob 添加任务
func (s *DefaultJobScheduler) AddJob(config JobConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := validateJobConfig(config); err != nil {
		return err
	}

	return s.addJobInternal(config)
}

// RemoveJob 移除任务
func (s *DefaultJobScheduler) RemoveJob(jobName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, exists := s.jobs[jobName]
	if !exists {
		return fmt.Errorf("任务不存在: %s", jobName)
	}

	s.cron.Remove(job.EntryID)
	delete(s.jobs, jobName)

	s.log.Infof("任务已移除: %s", jobName)
	return nil
}

// GetJob 获取任务状态
func (s *DefaultJobScheduler) GetJob(jobName string) (*Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, exists := s.jobs[jobName]
	if !exists {
		return nil, fmt.Errorf("任务不存在: %s", jobName)
	}

	// 创建副本避免并发修改
	jobCopy := *job
	return &jobCopy, nil
}

// GetAllJobs 按名称顺序获取所有任务
func (s *DefaultJobScheduler) GetAllJobs() []*Job {
	s.mu.RLock()
	defer s.mu.RUnlock()

	jobs := make([]*Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		jobCopy := *job
		jobs = append(jobs, &jobCopy)
	}
	sort.Slice(jobs, func(i, j int) bool {
		return jobs[i].Config.Name < jobs[j].Config.Name
	})
	return jobs
}

// RunJob 在后台立即执行一次任务
func (s *DefaultJobScheduler) RunJob(jobName string) error {
	s.mu.RLock()
	job, exists := s.jobs[jobName]
	hasExecutor := s.executor != nil
	s.mu.RUnlock()

	if !exists {
		return fmt.Errorf("任务不存在: %s", jobName)
	}
	if !job.Config.Enabled {
		return fmt.Errorf("任务已禁用: %s", jobName)
	}
	if !hasExecutor {
		return fmt.Errorf("任务执行器未设置")
	}

	s.running.Add(1)
	go func() {
		defer s.running.Done()
		s.executeJob(job)
	}()
	return nil
}

// SetExecutor 设置任务执行器
func (s *DefaultJobScheduler) SetExecutor(executor JobExecutor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.executor = executor
}

// validateJobConfig 验证任务配置
func validateJobConfig(config JobConfig) error {
	if config.Name == "" {
		return fmt.Errorf("任务名称不能为空")
	}
	if config.Schedule == "" {
		return fmt.Errorf("任务调度表达式不能为空")
	}
	if _, err := cronParser.Parse(config.Schedule); err != nil {
		return fmt.Errorf("无效的调度表达式 '%s': %w", config.Schedule, err)
	}
	if config.TopK < 0 {
		return fmt.Errorf("top_k 不能为负数")
	}
	if config.Timeout < 0 {
		return fmt.Errorf("timeout 不能为负数")
	}
	return nil
}

// addJobInternal 内部添加任务方法（需要持有锁）
func (s *DefaultJobScheduler) addJobInternal(config JobConfig) error {
	if _, exists := s.jobs[config.Name]; exists {
		return fmt.Errorf("任务已存在: %s", config.Name)
	}

	job := &Job{
		ID:     uuid.New().String(),
		Config: config,
		Status: JobStatusPending,
	}

	if !config.Enabled {
		job.Status = JobStatusDisabled
		s.jobs[config.Name] = job
		s.log.Infof("任务已添加（已禁用）: %s", config.Name)
		return nil
	}

	entryID, err := s.cron.AddFunc(config.Schedule, func() {
		s.executeJob(job)
	})
	if err != nil {
		return fmt.Errorf("添加任务到调度器失败: %w", err)
	}

	job.EntryID = entryID
	s.jobs[config.Name] = job

	s.log.Infof("任务已添加: %s (调度: %s)", config.Name, config.Schedule)
	return nil
}

// executeJob 执行任务，同一任务不会重叠运行
func (s *DefaultJobScheduler) executeJob(job *Job) {
	s.mu.Lock()
	if job.Status == JobStatusRunning {
		s.mu.Unlock()
		s.log.Warnf("任务正在运行，跳过本次执行: %s", job.Config.Name)
		return
	}
	job.Status = JobStatusRunning
	now := time.Now()
	job.LastRun = &now
	job.RunCount++
	executor := s.executor
	snapshot := *job
	s.mu.Unlock()

	s.log.WithField("job_id", job.ID).Infof("开始执行任务: %s", job.Config.Name)

	timeout := job.Config.Timeout
	if timeout <= 0 {
		timeout = DefaultJobTimeout
	}
	ctx, cancel := context.WithTimeout(s.ctx, timeout)
	defer cancel()

	err := executor.Execute(ctx, &snapshot)

	s.mu.Lock()
	if err != nil {
		job.Status = JobStatusError
		job.LastError = err
		job.ErrorCount++
		s.log.WithError(err).Errorf("任务执行失败: %s", job.Config.Name)
	} else {
		job.Status = JobStatusPending
		job.LastError = nil
		s.log.Infof("任务执行成功: %s", job.Config.Name)
	}
	s.updateNextRunTimes()
	s.mu.Unlock()
}

// updateNextRunTimes 更新所有任务的下次运行时间（需要持有锁）
func (s *DefaultJobScheduler) updateNextRunTimes() {
	entries := s.cron.Entries()
	for _, job := range s.jobs {
		if !job.Config.Enabled {
			continue
		}
		for _, entry := range entries {
			if entry.ID == job.EntryID && !entry.Next.IsZero() {
				nextRun := entry.Next
				job.NextRun = &nextRun
				break
			}
		}
	}
}

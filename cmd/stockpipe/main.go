package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"stockpipe/pkg/api"
	"stockpipe/pkg/config"
	"stockpipe/pkg/logger"
	"stockpipe/pkg/pipeline"
	"stockpipe/pkg/scheduler"
	"stockpipe/pkg/universe"

	"github.com/sirupsen/logrus"
)

var (
	configPath = flag.String("config", "", "配置文件路径（默认查找 ./config/stockpipe.yaml）")
	jobsPath   = flag.String("jobs", "", "定时任务配置文件，设置后以调度模式运行")
	tickerList = flag.String("tickers", "", "股票代码列表，逗号分隔，覆盖股票池配置")
	schedule   = flag.Bool("schedule", false, "按 schedule.cron 定时运行")
	serveAPI   = flag.Bool("api", false, "启动状态查询服务")
	logLevel   = flag.String("log-level", "", "日志级别，覆盖配置文件")
	topKOutput = flag.String("topk-output", "", "把选出的股票写入该 CSV 文件")
)

func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logrus.WithError(err).Fatal("加载配置失败")
	}
	if *logLevel != "" {
		cfg.Logger.Level = *logLevel
	}
	logger.Init(cfg.Logger)
	log := logger.WithComponent("stockpipe")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	rt, err := pipeline.NewFromConfig(ctx, cfg, logger.WithComponent("Pipeline"))
	if err != nil {
		log.WithError(err).Error("初始化流水线失败")
		os.Exit(1)
	}
	defer func() {
		if err := rt.Close(); err != nil {
			log.WithError(err).Warn("关闭运行环境失败")
		}
	}()

	var server *api.Server
	if *serveAPI || cfg.API.Enabled {
		opts := api.Options{
			Checkpoints:    rt.Pipeline,
			CheckpointPath: cfg.Storage.CheckpointPath,
			Partitions:     rt.Store,
			Limiter:        rt.Pipeline.Limiter(),
			Mode:           cfg.API.Mode,
		}
		if rt.Catalog != nil {
			opts.Catalog = rt.Catalog
		}
		server = api.NewServer(opts, logger.WithComponent("APIServer"))
		if err := server.Start(cfg.API.Addr); err != nil {
			log.WithError(err).Error("启动状态查询服务失败")
			os.Exit(1)
		}
		defer func() {
			stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer stopCancel()
			if err := server.Stop(stopCtx); err != nil {
				log.WithError(err).Warn("关闭状态查询服务失败")
			}
		}()
	}

	if *jobsPath != "" || *schedule || cfg.Schedule.Enabled {
		if err := runScheduled(ctx, cfg, rt, log); err != nil {
			log.WithError(err).Error("调度模式运行失败")
			os.Exit(1)
		}
		return
	}

	tickers, err := resolveTickers(cfg, nil, 0)
	if err != nil {
		log.WithError(err).Error("读取股票池失败")
		os.Exit(1)
	}

	report, cp, err := rt.Pipeline.Run(ctx, tickers)
	if err != nil {
		log.WithError(err).Error("批次运行失败")
		os.Exit(1)
	}
	log.WithFields(logrus.Fields{
		"run_id":       cp.RunID,
		"tickers":      len(report.Tickers),
		"successes":    len(report.Successes()),
		"failures":     len(report.Failures()),
		"completeness": cp.DataQuality.Completeness,
	}).Info("批次运行结束")

	if server != nil {
		log.Info("批次完成，状态查询服务继续运行，按 Ctrl+C 退出")
		<-ctx.Done()
	}
}

// runScheduled 以定时任务方式运行，直到收到退出信号
func runScheduled(ctx context.Context, cfg *config.Config, rt *pipeline.Runtime, log *logrus.Entry) error {
	jobs := scheduler.NewJobScheduler(logger.WithComponent("JobScheduler"))
	jobs.SetExecutor(scheduler.ExecutorFunc(func(ctx context.Context, job *scheduler.Job) error {
		tickers, err := resolveTickers(cfg, job.Config.Tickers, job.Config.TopK)
		if err != nil {
			return err
		}
		report, cp, err := rt.Pipeline.Run(ctx, tickers)
		if err != nil {
			return err
		}
		log.WithFields(logrus.Fields{
			"job":       job.Config.Name,
			"run_id":    cp.RunID,
			"successes": len(report.Successes()),
			"failures":  len(report.Failures()),
		}).Info("定时批次结束")
		return nil
	}))

	if *jobsPath != "" {
		if err := jobs.LoadConfig(*jobsPath); err != nil {
			return err
		}
	} else {
		if err := jobs.AddJob(scheduler.JobConfig{
			Name:     "daily",
			Enabled:  true,
			Schedule: cfg.Schedule.Cron,
			Timeout:  cfg.Batch.Deadline,
		}); err != nil {
			return err
		}
	}

	if err := jobs.Start(); err != nil {
		return err
	}
	for _, job := range jobs.GetAllJobs() {
		entry := log.WithFields(logrus.Fields{"job": job.Config.Name, "status": job.Status})
		if job.NextRun != nil {
			entry = entry.WithField("next_run", job.NextRun.Format(time.RFC3339))
		}
		entry.Info("任务已注册")
	}

	<-ctx.Done()
	log.Info("收到退出信号，停止调度器")
	return jobs.Stop()
}

// resolveTickers 确定本次处理的股票：命令行 > 任务配置 > 配置文件列表 > 股票池文件
func resolveTickers(cfg *config.Config, jobTickers []string, jobTopK int) ([]string, error) {
	var tickers []string
	switch {
	case *tickerList != "":
		tickers = strings.Split(*tickerList, ",")
	case len(jobTickers) > 0:
		tickers = jobTickers
	case len(cfg.Universe.Tickers) > 0:
		tickers = cfg.Universe.Tickers
	default:
		loaded, err := universe.Load(cfg.Universe.Path, universe.Options{})
		if err != nil {
			return nil, err
		}
		tickers = loaded
	}

	k := cfg.Universe.TopK
	if jobTopK > 0 {
		k = jobTopK
	}
	selected := universe.TopK(universe.Normalized(tickers), k)

	if *topKOutput != "" {
		if err := universe.WriteTopK(filepath.Clean(*topKOutput), selected); err != nil {
			return nil, err
		}
	}
	return selected, nil
}

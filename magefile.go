//go:build mage
// +build mage

package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"time"

	"github.com/magefile/mage/mg"
	"github.com/magefile/mage/sh"
)

// Default 默认任务：显示帮助信息
func Default() {
	fmt.Println("stockpipe 构建系统")
	fmt.Println("==================")
	fmt.Println("可用任务:")
	fmt.Println("  mage build       - 构建 stockpipe 二进制文件")
	fmt.Println("  mage test        - 运行所有测试")
	fmt.Println("  mage testRace    - 开启竞态检测运行测试")
	fmt.Println("  mage run         - 按 config/stockpipe.yaml 运行一次批次")
	fmt.Println("  mage docker:env  - 启动 Redis 与 InfluxDB")
	fmt.Println("  mage docker:down - 停止开发环境服务")
	fmt.Println("  mage clean       - 清理构建产物")
	fmt.Println("  mage lint        - 运行代码检查")
	fmt.Println("  mage coverage    - 生成测试覆盖率报告")
}

// Build 构建二进制文件
func Build() error {
	mg.Deps(Clean)

	output := filepath.Join("./dist", "stockpipe")
	if runtime.GOOS == "windows" {
		output += ".exe"
	}

	fmt.Println("📦 构建 stockpipe...")
	// modernc.org/sqlite 为纯 Go 实现，可以关闭 CGO
	env := map[string]string{"CGO_ENABLED": "0"}
	if err := sh.RunWith(env, "go", "build", "-o", output, "./cmd/stockpipe"); err != nil {
		return fmt.Errorf("构建 stockpipe 失败: %v", err)
	}

	if info, err := os.Stat(output); err == nil {
		fmt.Printf("   ✅ stockpipe: %d MB\n", info.Size()/1024/1024)
	}
	return nil
}

// Test 运行所有测试
func Test() error {
	fmt.Println("🧪 运行测试...")
	if err := sh.RunV("go", "test", "./...", "-timeout=5m"); err != nil {
		return fmt.Errorf("测试失败: %v", err)
	}
	fmt.Println("✅ 测试通过!")
	return nil
}

// TestRace 开启竞态检测运行测试，限流器与批次调度器的并发测试依赖它
func TestRace() error {
	fmt.Println("🏁 运行竞态检测...")
	env := map[string]string{"CGO_ENABLED": "1"}
	return sh.RunWithV(env, "go", "test", "-race", "./pkg/...", "-timeout=10m")
}

// Run 运行一次批次
func Run() error {
	mg.Deps(Build)
	return sh.RunV("./dist/stockpipe", "-config", "config/stockpipe.yaml")
}

type Docker mg.Namespace

// Env 启动基础环境服务 (redis, influxdb)
func (Docker) Env() error {
	fmt.Println("🚀 启动基础环境服务 (redis, influxdb)...")
	return sh.RunV("docker-compose", "-f", "docker-compose.dev.yml", "-p", "stockpipe-dev", "up", "-d", "redis", "influxdb")
}

// Down 停止所有开发环境服务
func (Docker) Down() error {
	fmt.Println("🛑 停止所有开发环境服务...")
	return sh.RunV("docker-compose", "-f", "docker-compose.dev.yml", "-p", "stockpipe-dev", "down")
}

// Status 查看服务状态
func (Docker) Status() error {
	if !isRedisRunning() {
		fmt.Println("⚠️  Redis 未运行")
	}
	return sh.RunV("docker-compose", "-f", "docker-compose.dev.yml", "-p", "stockpipe-dev", "ps")
}

// Clean 清理构建产物
func Clean() error {
	fmt.Println("🧹 清理构建产物...")

	if err := os.MkdirAll("./dist", 0755); err != nil {
		return fmt.Errorf("创建 dist 目录失败: %v", err)
	}

	files, err := filepath.Glob("./dist/*")
	if err != nil {
		return fmt.Errorf("查找文件失败: %v", err)
	}
	for _, file := range files {
		if err := os.Remove(file); err != nil {
			fmt.Printf("警告: 无法删除文件 %s: %v\n", file, err)
		}
	}

	if err := os.RemoveAll("./reports/coverage.out"); err != nil && !os.IsNotExist(err) {
		fmt.Printf("警告: 清理覆盖率文件失败: %v\n", err)
	}

	fmt.Println("✅ 清理完成!")
	return nil
}

// Lint 检查代码格式与 go vet
func Lint() error {
	fmt.Println("🔍 运行代码检查...")

	output, err := sh.Output("gofmt", "-l", ".")
	if err != nil {
		return fmt.Errorf("gofmt 检查失败: %v", err)
	}
	if output != "" {
		return fmt.Errorf("以下文件格式不正确:\n%s", output)
	}

	if err := sh.RunV("go", "vet", "./..."); err != nil {
		return fmt.Errorf("go vet 失败: %v", err)
	}

	fmt.Println("✅ 代码检查通过!")
	return nil
}

// Coverage 生成测试覆盖率报告
func Coverage() error {
	fmt.Println("📈 生成测试覆盖率报告...")

	if err := os.MkdirAll("./reports", 0755); err != nil {
		return fmt.Errorf("创建报告目录失败: %v", err)
	}

	if err := sh.Run("go", "test", "./pkg/...", "-coverprofile=./reports/coverage.out", "-covermode=atomic"); err != nil {
		return fmt.Errorf("生成覆盖率失败: %v", err)
	}
	if err := sh.Run("go", "tool", "cover", "-html=./reports/coverage.out", "-o", "./reports/coverage.html"); err != nil {
		return fmt.Errorf("生成HTML报告失败: %v", err)
	}
	if err := sh.RunV("go", "tool", "cover", "-func=./reports/coverage.out"); err != nil {
		return fmt.Errorf("显示覆盖率失败: %v", err)
	}

	fmt.Println("✅ 覆盖率报告生成完成!")
	fmt.Println("   详细报告: file://" + getAbsolutePath("./reports/coverage.html"))
	return nil
}

func isRedisRunning() bool {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	cmd := exec.CommandContext(ctx, "docker", "exec", "stockpipe-redis-dev", "redis-cli", "ping")
	return cmd.Run() == nil
}

func getAbsolutePath(relativePath string) string {
	absPath, err := filepath.Abs(relativePath)
	if err != nil {
		return relativePath
	}
	return absPath
}

// =============================================================================
// vtubeflow 主入口
// =============================================================================
// AI VTuber 运行时：输入 → 决策 → 输出三域管线
//
// 使用方法:
//
//	vtubeflow --config config.toml            # 启动运行时
//	vtubeflow --config config.toml --debug    # 调试日志
//	vtubeflow --filter decision_manager       # 仅输出指定模块日志
// =============================================================================
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/BaSui01/vtubeflow/app"
	"github.com/BaSui01/vtubeflow/config"
	"github.com/BaSui01/vtubeflow/internal/logging"
)

// 版本信息（构建时注入）
var (
	Version   = "dev"
	GitCommit = "unknown"
)

type stringList []string

func (s *stringList) String() string { return fmt.Sprint([]string(*s)) }
func (s *stringList) Set(v string) error {
	*s = append(*s, v)
	return nil
}

func main() {
	os.Exit(run())
}

func run() int {
	var (
		configPath string
		debug      bool
		filters    stringList
		version    bool
	)
	flag.StringVar(&configPath, "config", "", "path to the TOML config file")
	flag.BoolVar(&debug, "debug", false, "enable debug logging")
	flag.Var(&filters, "filter", "only log the named module (repeatable)")
	flag.BoolVar(&version, "version", false, "print version and exit")
	flag.Parse()

	if version {
		fmt.Printf("vtubeflow %s (%s)\n", Version, GitCommit)
		return 0
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return 1
	}

	logger, err := logging.New(logging.Options{
		Level:   cfg.Log.Level,
		Debug:   debug,
		Filters: append(append([]string(nil), cfg.Log.Filters...), filters...),
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger error: %v\n", err)
		return 1
	}
	defer func() { _ = logger.Sync() }()

	a, err := app.New(cfg, logger)
	if err != nil {
		logger.Error("startup failed", zap.Error(err))
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := a.Run(ctx); err != nil {
		logger.Error("runtime error", zap.Error(err))
		return 1
	}
	return 0
}

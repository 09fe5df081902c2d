package app

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	qtfcfg "qtf/internal/config"
	"qtf/internal/engine"
	"qtf/internal/logger"
	"qtf/internal/service"
	httpapi "qtf/internal/transport/http"
)

// App 负责应用级编排：加载配置→初始化依赖→启动 HTTP 与实盘服务。
type App struct {
	cfg    *qtfcfg.Config
	runner *service.Runner
	http   *httpapi.Server
	live   *engine.Live

	closers []func() error
}

// NewApp 根据配置构建应用对象（不启动）。
func NewApp(cfg *qtfcfg.Config) (*App, error) {
	if cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	logger.SetLevel(cfg.App.LogLevel)
	return buildAppWithWire(context.Background(), cfg)
}

// Run 启动 HTTP API 与实盘引擎（若启用），阻塞直到 ctx 取消。
func (a *App) Run(ctx context.Context) error {
	if a == nil || a.cfg == nil {
		return fmt.Errorf("app not initialized")
	}
	defer a.close()

	a.runner.SetContext(ctx)
	group, ctx := errgroup.WithContext(ctx)

	group.Go(func() error {
		logger.Infof("✓ HTTP 服务监听 %s", a.cfg.App.HTTPAddr)
		if err := a.http.Start(ctx); err != nil {
			return fmt.Errorf("http server error: %w", err)
		}
		return nil
	})

	if a.live != nil {
		group.Go(func() error {
			logger.Infof("✓ 实盘引擎启动: strategy=%s symbols=%v",
				a.cfg.Live.Strategy, a.cfg.Live.Symbols)
			return a.live.Run(ctx)
		})
	}

	err := group.Wait()
	a.runner.Wait()
	return err
}

// Runner 暴露回测服务实例，CLI 与测试使用。
func (a *App) Runner() *service.Runner {
	if a == nil {
		return nil
	}
	return a.runner
}

func (a *App) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			logger.Warnf("关闭资源失败: %v", err)
		}
	}
}

package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
)

// 进程级 slog 封装。输出目标全局唯一，组件通过 For 拿到带
// comp 属性的句柄，日志行可按组件过滤。

var (
	levelVar slog.LevelVar
	mu       sync.RWMutex
	base     *slog.Logger
)

func init() {
	levelVar.Set(slog.LevelInfo)
	base = slog.New(newHandler(os.Stdout))
}

func newHandler(w io.Writer) slog.Handler {
	return slog.NewTextHandler(w, &slog.HandlerOptions{Level: &levelVar})
}

// SetOutput 重定向日志输出，传 nil 回退到标准输出。
func SetOutput(w io.Writer) {
	if w == nil {
		w = os.Stdout
	}
	mu.Lock()
	base = slog.New(newHandler(w))
	mu.Unlock()
}

// SetLevel 按名称调整全局级别，未知名称回落到 info。
func SetLevel(level string) {
	levelVar.Set(parseLevel(level))
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func active() *slog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return base
}

// Component 组件日志句柄。引擎、撮合器这类长生命周期对象各持有
// 一个，输出时自动附带 comp 属性。
type Component struct {
	name string
}

// For 返回指定组件的日志句柄。
func For(name string) Component { return Component{name: name} }

func (c Component) logf(level slog.Level, format string, v ...any) {
	l := active()
	if !l.Enabled(context.Background(), level) {
		return
	}
	l.Log(context.Background(), level, fmt.Sprintf(format, v...), slog.String("comp", c.name))
}

func (c Component) Debugf(format string, v ...any) { c.logf(slog.LevelDebug, format, v...) }
func (c Component) Infof(format string, v ...any)  { c.logf(slog.LevelInfo, format, v...) }
func (c Component) Warnf(format string, v ...any)  { c.logf(slog.LevelWarn, format, v...) }
func (c Component) Errorf(format string, v ...any) { c.logf(slog.LevelError, format, v...) }

// 无组件归属的顶层日志。

func Debugf(format string, v ...any) {
	active().Debug(fmt.Sprintf(format, v...))
}

func Infof(format string, v ...any) {
	active().Info(fmt.Sprintf(format, v...))
}

func Warnf(format string, v ...any) {
	active().Warn(fmt.Sprintf(format, v...))
}

func Errorf(format string, v ...any) {
	active().Error(fmt.Sprintf(format, v...))
}

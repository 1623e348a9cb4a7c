// Package logger 提供进程级的分级日志。各子系统直接调用包级函数，
// 并约定在消息前缀用 [tag] 标注来源模块，例如 logger.Debugf("[binance] ...")。
package logger

import (
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"sync"
)

type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

var (
	mu      sync.RWMutex
	current = LevelInfo
	backend = log.New(os.Stderr, "", log.LstdFlags)
)

// SetLevel 设置全局日志级别，接受 debug/info/warn/error，大小写不敏感；
// 无法识别的值回落到 info。
func SetLevel(name string) {
	mu.Lock()
	defer mu.Unlock()
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "debug":
		current = LevelDebug
	case "warn", "warning":
		current = LevelWarn
	case "error":
		current = LevelError
	default:
		current = LevelInfo
	}
}

// SetOutput 重定向日志输出，主要供测试使用。
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	backend.SetOutput(w)
}

func logf(l Level, tag, format string, args ...any) {
	mu.RLock()
	min := current
	mu.RUnlock()
	if l < min {
		return
	}
	backend.Printf("%-5s %s", tag, fmt.Sprintf(format, args...))
}

func Debugf(format string, args ...any) { logf(LevelDebug, "DEBUG", format, args...) }

func Infof(format string, args ...any) { logf(LevelInfo, "INFO", format, args...) }

func Warnf(format string, args ...any) { logf(LevelWarn, "WARN", format, args...) }

func Errorf(format string, args ...any) { logf(LevelError, "ERROR", format, args...) }

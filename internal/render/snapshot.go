package render

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/chromedp/chromedp"

	"divscan/internal/logger"
)

const defaultSnapshotTimeout = 30 * time.Second

// Snapshot 用无头浏览器打开 HTML 图表并整页截成 PNG。
// 需要本机有可用的 Chrome/Chromium，找不到时由 chromedp 返回错误。
func Snapshot(ctx context.Context, htmlPath, pngPath string, timeout time.Duration) error {
	if htmlPath == "" || pngPath == "" {
		return errors.New("html/png 路径不能为空")
	}
	abs, err := filepath.Abs(htmlPath)
	if err != nil {
		return err
	}
	if _, err := os.Stat(abs); err != nil {
		return err
	}
	if timeout <= 0 {
		timeout = defaultSnapshotTimeout
	}

	browserCtx, cancelBrowser := chromedp.NewContext(ctx)
	defer cancelBrowser()
	runCtx, cancelRun := context.WithTimeout(browserCtx, timeout)
	defer cancelRun()

	logger.Debugf("[render] snapshot %s -> %s", abs, pngPath)
	var buf []byte
	err = chromedp.Run(runCtx,
		chromedp.Navigate("file://"+abs),
		// echarts 渲染到 canvas，等它出现再截图。
		chromedp.WaitVisible("canvas", chromedp.ByQuery),
		chromedp.Sleep(500*time.Millisecond),
		chromedp.FullScreenshot(&buf, 90),
	)
	if err != nil {
		return err
	}
	return os.WriteFile(pngPath, buf, 0o644)
}

// Package render 负责把扫描结果落成可视化产物：
// go-echarts 输出 K 线叠加背离标记的 HTML，chromedp 再把 HTML 截成 PNG。
package render

import (
	"errors"
	"io"
	"os"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"

	"divscan/internal/analysis/divergence"
	"divscan/internal/market"
)

// ChartConfig 控制图表外观，零值可用。
type ChartConfig struct {
	Title   string
	Width   string
	Height  string
	MaxBars int
}

func (c *ChartConfig) withDefaults() ChartConfig {
	out := *c
	if out.Width == "" {
		out.Width = "1500px"
	}
	if out.Height == "" {
		out.Height = "750px"
	}
	return out
}

// WriteKlineChart 渲染 K 线图并叠加事件标记。
// MaxBars>0 时只画最近 MaxBars 根，标记的 bar 下标随之平移。
func WriteKlineChart(w io.Writer, candles []market.Candle, events []divergence.Event, cfg ChartConfig) error {
	if len(candles) == 0 {
		return errors.New("渲染需要至少一根 K 线")
	}
	final := cfg.withDefaults()

	offset := 0
	if final.MaxBars > 0 && len(candles) > final.MaxBars {
		offset = len(candles) - final.MaxBars
		candles = candles[offset:]
	}

	x := make([]string, 0, len(candles))
	y := make([]opts.KlineData, 0, len(candles))
	for _, c := range candles {
		x = append(x, c.OpenAt().Format("01-02 15:04"))
		y = append(y, opts.KlineData{Value: [4]float64{c.Open, c.Close, c.Low, c.High}})
	}

	kline := charts.NewKLine()
	kline.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{Width: final.Width, Height: final.Height}),
		charts.WithTitleOpts(opts.Title{Title: final.Title}),
		charts.WithYAxisOpts(opts.YAxis{Scale: opts.Bool(true)}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithDataZoomOpts(opts.DataZoom{Type: "slider", Start: 0, End: 100}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
	)
	kline.SetXAxis(x).AddSeries("kline", y,
		charts.WithItemStyleOpts(opts.ItemStyle{
			Color:        "#26a69a",
			Color0:       "#ef5350",
			BorderColor:  "#26a69a",
			BorderColor0: "#ef5350",
		}),
	)

	for _, t := range divergence.Types() {
		points := markerPoints(candles, events, offset, t)
		if len(points) == 0 {
			continue
		}
		position := "top"
		if t.Bullish() {
			position = "bottom"
		}
		scatter := charts.NewScatter()
		scatter.SetXAxis(x).AddSeries(string(t), points,
			charts.WithItemStyleOpts(opts.ItemStyle{Color: markerColor(events, t)}),
			charts.WithLabelOpts(opts.Label{Show: opts.Bool(true), Position: position, Formatter: "{b}"}),
		)
		kline.Overlap(scatter)
	}

	return kline.Render(w)
}

// SaveKlineChart 渲染并写入 HTML 文件，覆盖同名文件。
func SaveKlineChart(path string, candles []market.Candle, events []divergence.Event, cfg ChartConfig) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return WriteKlineChart(f, candles, events, cfg)
}

// markerPoints 把指定类型的事件换算成散点，越界或被裁掉的事件丢弃。
func markerPoints(candles []market.Candle, events []divergence.Event, offset int, t divergence.Type) []opts.ScatterData {
	var out []opts.ScatterData
	for _, ev := range events {
		if ev.Type != t {
			continue
		}
		idx := ev.Bar - offset
		if idx < 0 || idx >= len(candles) {
			continue
		}
		value := candles[idx].High * 1.001
		rotate := 180
		if ev.Position == divergence.PositionBelowBar {
			value = candles[idx].Low * 0.999
			rotate = 0
		}
		out = append(out, opts.ScatterData{
			Name:         ev.Text,
			Value:        []interface{}{idx, value},
			Symbol:       "triangle",
			SymbolSize:   14,
			SymbolRotate: rotate,
		})
	}
	return out
}

// markerColor 取该类型第一条事件携带的颜色。
func markerColor(events []divergence.Event, t divergence.Type) string {
	for _, ev := range events {
		if ev.Type == t {
			return ev.Color
		}
	}
	return ""
}

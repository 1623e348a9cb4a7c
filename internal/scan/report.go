package scan

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
)

// FormatEventsTable 将单个交易对的信号渲染为终端表格
func FormatEventsTable(res SymbolResult) string {
	if len(res.Events) == 0 {
		return ""
	}
	t := table.NewWriter()
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"#", "time", "type", "count", "oscillators", "price", "target", "hit"})

	oscs := make(map[string]string, len(res.Tallies))
	for _, tl := range res.Tallies {
		oscs[tallyKey(tl.Bar, string(tl.Type))] = strings.Join(tl.Oscillators, ",")
	}
	for i, ev := range res.Events {
		price, target, hit := "-", "-", "-"
		if i < len(res.Outcomes) {
			out := res.Outcomes[i]
			price = fmtPrice(out.Price)
			if out.Target != 0 {
				target = fmtPrice(out.Target)
			}
			switch {
			case out.Hit:
				hit = "yes"
			case out.Resolved:
				hit = "no"
			}
		}
		t.AppendRow(table.Row{
			i + 1,
			time.UnixMilli(ev.Time).UTC().Format("01-02 15:04"),
			string(ev.Type),
			ev.Count,
			oscs[tallyKey(ev.Bar, string(ev.Type))],
			price,
			target,
			hit,
		})
	}
	return t.Render()
}

// FormatScanTable 汇总一批扫描结果，每个交易对一行
func FormatScanTable(results []SymbolResult) string {
	if len(results) == 0 {
		return ""
	}
	t := table.NewWriter()
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"symbol", "interval", "profile", "bars", "events", "hits", "error"})
	for _, res := range results {
		hits := 0
		for _, out := range res.Outcomes {
			if out.Hit {
				hits++
			}
		}
		t.AppendRow(table.Row{
			res.Symbol, res.Interval, res.Profile, res.Bars, len(res.Events), hits, res.Error,
		})
	}
	return t.Render()
}

// FormatStatsTable 渲染按类型汇总的命中率
func FormatStatsTable(stats []TypeStat) string {
	if len(stats) == 0 {
		return ""
	}
	t := table.NewWriter()
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"type", "total", "resolved", "hits", "hit rate"})
	for _, st := range stats {
		t.AppendRow(table.Row{
			string(st.Type), st.Total, st.Resolved, st.Hits, fmt.Sprintf("%.1f%%", st.HitRate),
		})
	}
	return t.Render()
}

func tallyKey(bar int, typ string) string { return strconv.Itoa(bar) + "/" + typ }

func fmtPrice(p float64) string { return strconv.FormatFloat(p, 'f', -1, 64) }

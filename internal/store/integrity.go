package store

import (
	"context"

	"divscan/internal/market"
)

// Gap 表示缺失的连续 K 线区间。
type Gap struct {
	From  int64 `json:"from"`
	To    int64 `json:"to"`
	Count int64 `json:"count"`
}

// IntegrityReport 描述指定区间的覆盖情况。
type IntegrityReport struct {
	Start       int64 `json:"start"`
	End         int64 `json:"end"`
	Expected    int64 `json:"expected"`
	Present     int64 `json:"present"`
	Gaps        []Gap `json:"gaps"`
	AlignedFrom int64 `json:"aligned_from"`
	AlignedTo   int64 `json:"aligned_to"`
}

func (r IntegrityReport) Complete() bool { return len(r.Gaps) == 0 }

// CheckIntegrity 将区间对齐到周期边界后逐根比对开盘时间，汇总缺口。
func (s *SQLiteStore) CheckIntegrity(ctx context.Context, symbol, interval string, start, end int64) (IntegrityReport, error) {
	step, err := market.IntervalMillis(interval)
	if err != nil {
		return IntegrityReport{}, err
	}
	alStart := market.AlignDown(start, step)
	alEnd := market.AlignDown(end, step)
	report := IntegrityReport{
		Start:       start,
		End:         end,
		AlignedFrom: alStart,
		AlignedTo:   alEnd,
		Expected:    int64(market.ExpectedBars(start, end, step)),
	}
	if report.Expected <= 0 {
		return report, nil
	}
	existing, err := s.LoadOpenTimes(ctx, symbol, interval, alStart, alEnd)
	if err != nil {
		return report, err
	}
	report.Present = int64(len(existing))
	report.Gaps = findGaps(existing, alStart, alEnd, step)
	return report, nil
}

// findGaps 在对齐后的开盘时间网格上走一遍，把连续缺失合并成 Gap。
// existing 必须升序且落在网格上。
func findGaps(existing []int64, alStart, alEnd, step int64) []Gap {
	var gaps []Gap
	cursor := alStart
	idx := 0
	for cursor <= alEnd {
		if idx < len(existing) && existing[idx] == cursor {
			idx++
			cursor += step
			continue
		}
		gapStart := cursor
		var missing int64
		for cursor <= alEnd {
			if idx < len(existing) && existing[idx] == cursor {
				break
			}
			cursor += step
			missing++
		}
		gapEnd := cursor - step
		if gapEnd < gapStart {
			gapEnd = gapStart
		}
		gaps = append(gaps, Gap{From: gapStart, To: gapEnd, Count: missing})
	}
	return gaps
}

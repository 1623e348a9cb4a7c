package market

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func sampleCandles(n int) []Candle {
	out := make([]Candle, n)
	for i := range out {
		ts := int64(i) * 60_000
		out[i] = Candle{
			OpenTime:  ts,
			CloseTime: ts + 59_999,
			Open:      100.25 + float64(i),
			High:      101.5 + float64(i),
			Low:       99.125 + float64(i),
			Close:     100.75 + float64(i),
			Volume:    1234.5,
			Trades:    42,
		}
	}
	return out
}

func TestValidateBars(t *testing.T) {
	if err := ValidateBars(nil); err == nil {
		t.Fatalf("empty input accepted")
	}
	ok := sampleCandles(3)
	if err := ValidateBars(ok); err != nil {
		t.Fatalf("valid input rejected: %v", err)
	}
	dup := sampleCandles(3)
	dup[2].OpenTime = dup[1].OpenTime
	if err := ValidateBars(dup); err == nil {
		t.Fatalf("duplicate open time accepted")
	}
	desc := sampleCandles(3)
	desc[0].OpenTime, desc[2].OpenTime = desc[2].OpenTime, desc[0].OpenTime
	if err := ValidateBars(desc); err == nil {
		t.Fatalf("descending open time accepted")
	}
}

func TestExtractSeries(t *testing.T) {
	candles := sampleCandles(4)
	closes, highs, lows, volumes := ExtractSeries(candles)
	if len(closes) != 4 || len(highs) != 4 || len(lows) != 4 || len(volumes) != 4 {
		t.Fatalf("series length mismatch")
	}
	for i, c := range candles {
		if closes[i] != c.Close || highs[i] != c.High || lows[i] != c.Low || volumes[i] != c.Volume {
			t.Fatalf("series value mismatch at %d", i)
		}
	}
	closes, _, _, _ = ExtractSeries(nil)
	if closes != nil {
		t.Fatalf("empty input should yield nil series")
	}
}

func TestIntervalDuration(t *testing.T) {
	cases := map[string]time.Duration{
		"1m":  time.Minute,
		"15m": 15 * time.Minute,
		"4h":  4 * time.Hour,
		"1d":  24 * time.Hour,
		"1w":  7 * 24 * time.Hour,
	}
	for iv, want := range cases {
		got, err := IntervalDuration(iv)
		if err != nil {
			t.Fatalf("%s: %v", iv, err)
		}
		if got != want {
			t.Fatalf("%s: got %v want %v", iv, got, want)
		}
	}
	for _, bad := range []string{"", "m", "0m", "-5m", "1M", "abc", "5x"} {
		if _, err := IntervalDuration(bad); err == nil {
			t.Fatalf("%q accepted", bad)
		}
	}
}

func TestAlignAndExpected(t *testing.T) {
	step := int64(60_000)
	if got := AlignDown(90_500, step); got != 60_000 {
		t.Fatalf("AlignDown=%d want 60000", got)
	}
	if got := AlignDown(60_000, step); got != 60_000 {
		t.Fatalf("aligned value moved: %d", got)
	}
	if got := ExpectedBars(0, 9*step, step); got != 10 {
		t.Fatalf("ExpectedBars=%d want 10", got)
	}
	if got := ExpectedBars(0, 9*step+30_000, step); got != 10 {
		t.Fatalf("ExpectedBars mid-bar=%d want 10", got)
	}
	if got := ExpectedBars(5, 4, step); got != 0 {
		t.Fatalf("inverted range ExpectedBars=%d want 0", got)
	}
}

func TestCSVRoundtrip(t *testing.T) {
	candles := sampleCandles(3)
	var buf bytes.Buffer
	if err := WriteCSV(&buf, candles); err != nil {
		t.Fatalf("WriteCSV: %v", err)
	}
	got, err := ReadCSV(&buf)
	if err != nil {
		t.Fatalf("ReadCSV: %v", err)
	}
	if len(got) != len(candles) {
		t.Fatalf("roundtrip length %d, want %d", len(got), len(candles))
	}
	for i := range candles {
		if got[i] != candles[i] {
			t.Fatalf("candle %d changed in roundtrip: %+v != %+v", i, got[i], candles[i])
		}
	}
}

func TestReadCSVWithoutHeader(t *testing.T) {
	raw := "60000,1.5,2,1,1.75,100,119999,7\n"
	got, err := ReadCSV(strings.NewReader(raw))
	if err != nil {
		t.Fatalf("ReadCSV: %v", err)
	}
	if len(got) != 1 || got[0].OpenTime != 60_000 || got[0].Close != 1.75 || got[0].Trades != 7 {
		t.Fatalf("headerless parse wrong: %+v", got)
	}
	if _, err := ReadCSV(strings.NewReader("60000,notanumber,2,1,1,1,1,1\n")); err == nil {
		t.Fatalf("bad float accepted")
	}
}

func TestSaveLoadCSV(t *testing.T) {
	path := filepath.Join(t.TempDir(), "klines.csv")
	candles := sampleCandles(5)
	if err := SaveCSV(path, candles); err != nil {
		t.Fatalf("SaveCSV: %v", err)
	}
	got, err := LoadCSV(path)
	if err != nil {
		t.Fatalf("LoadCSV: %v", err)
	}
	if len(got) != 5 {
		t.Fatalf("loaded %d candles, want 5", len(got))
	}

	// 乱序文件在载入时触发契约校验。
	bad := []Candle{candles[1], candles[0]}
	if err := SaveCSV(path, bad); err != nil {
		t.Fatalf("SaveCSV: %v", err)
	}
	if _, err := LoadCSV(path); err == nil {
		t.Fatalf("out-of-order CSV accepted")
	}
}

package market

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
)

// csvHeader 是 K 线 CSV 的固定列序，读写两侧共用。
var csvHeader = []string{"open_time", "open", "high", "low", "close", "volume", "close_time", "trades"}

// WriteCSV 将 K 线按固定列序写出，数值使用最短无损表示，便于离线回放。
func WriteCSV(w io.Writer, candles []Candle) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return err
	}
	row := make([]string, len(csvHeader))
	for _, c := range candles {
		row[0] = strconv.FormatInt(c.OpenTime, 10)
		row[1] = strconv.FormatFloat(c.Open, 'g', -1, 64)
		row[2] = strconv.FormatFloat(c.High, 'g', -1, 64)
		row[3] = strconv.FormatFloat(c.Low, 'g', -1, 64)
		row[4] = strconv.FormatFloat(c.Close, 'g', -1, 64)
		row[5] = strconv.FormatFloat(c.Volume, 'g', -1, 64)
		row[6] = strconv.FormatInt(c.CloseTime, 10)
		row[7] = strconv.FormatInt(c.Trades, 10)
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// ReadCSV 解析 WriteCSV 产出的格式；首行表头可有可无。
func ReadCSV(r io.Reader) ([]Candle, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = len(csvHeader)
	var out []Candle
	line := 0
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		line++
		if line == 1 && rec[0] == csvHeader[0] {
			continue
		}
		c, err := parseCSVRow(rec)
		if err != nil {
			return nil, fmt.Errorf("CSV 第 %d 行解析失败: %w", line, err)
		}
		out = append(out, c)
	}
	return out, nil
}

func parseCSVRow(rec []string) (Candle, error) {
	var c Candle
	var err error
	if c.OpenTime, err = strconv.ParseInt(rec[0], 10, 64); err != nil {
		return c, err
	}
	if c.Open, err = strconv.ParseFloat(rec[1], 64); err != nil {
		return c, err
	}
	if c.High, err = strconv.ParseFloat(rec[2], 64); err != nil {
		return c, err
	}
	if c.Low, err = strconv.ParseFloat(rec[3], 64); err != nil {
		return c, err
	}
	if c.Close, err = strconv.ParseFloat(rec[4], 64); err != nil {
		return c, err
	}
	if c.Volume, err = strconv.ParseFloat(rec[5], 64); err != nil {
		return c, err
	}
	if c.CloseTime, err = strconv.ParseInt(rec[6], 10, 64); err != nil {
		return c, err
	}
	if c.Trades, err = strconv.ParseInt(rec[7], 10, 64); err != nil {
		return c, err
	}
	return c, nil
}

// SaveCSV 落盘为 CSV 文件，覆盖同名文件。
func SaveCSV(path string, candles []Candle) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return WriteCSV(f, candles)
}

// LoadCSV 从 CSV 文件读入 K 线并校验输入契约。
func LoadCSV(path string) ([]Candle, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	candles, err := ReadCSV(f)
	if err != nil {
		return nil, err
	}
	if err := ValidateBars(candles); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return candles, nil
}

package signal

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"next-open/internal/universe"
)

// Action 为信号方向。
type Action string

const (
	ActionBuy  Action = "BUY"
	ActionSell Action = "SELL"
	ActionHold Action = "HOLD"
)

// ParseAction 解析信号方向，大小写不敏感。
func ParseAction(raw string) (Action, error) {
	switch Action(strings.ToUpper(strings.TrimSpace(raw))) {
	case ActionBuy:
		return ActionBuy, nil
	case ActionSell:
		return ActionSell, nil
	case ActionHold, "":
		return ActionHold, nil
	default:
		return "", fmt.Errorf("signal: 未知方向 %q", raw)
	}
}

// Signal 为单个标的在目标交易日的决策。Strength 越大优先级越高。
type Signal struct {
	Action   Action
	Strength float64
}

// Provider 提供目标交易日的信号，返回结果只包含 symbols 中的标的。
type Provider interface {
	Compute(ctx context.Context, date time.Time, symbols []string) (map[string]Signal, error)
}

// Static 为固定信号，用于演练与测试。
type Static map[string]Signal

func (s Static) Compute(ctx context.Context, date time.Time, symbols []string) (map[string]Signal, error) {
	out := make(map[string]Signal, len(symbols))
	for _, symbol := range symbols {
		if sig, ok := s[symbol]; ok {
			out[symbol] = sig
		}
	}
	return out, nil
}

// CSVProvider 读取外部研究任务输出的 signals_YYYYMMDD.csv（symbol,action,strength）。
type CSVProvider struct {
	dir    string
	logger *zap.Logger
}

// NewCSVProvider 创建基于目录的信号源。
func NewCSVProvider(dir string, logger *zap.Logger) *CSVProvider {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CSVProvider{dir: dir, logger: logger}
}

// Path 返回目标交易日的信号文件路径。
func (p *CSVProvider) Path(date time.Time) string {
	return filepath.Join(p.dir, fmt.Sprintf("signals_%s.csv", date.Format("20060102")))
}

func (p *CSVProvider) Compute(ctx context.Context, date time.Time, symbols []string) (map[string]Signal, error) {
	path := p.Path(date)
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("signal: 打开信号文件失败: %w", err)
	}
	defer f.Close()

	all, err := readCSV(f)
	if err != nil {
		return nil, fmt.Errorf("signal: %s: %w", path, err)
	}

	wanted := make(map[string]struct{}, len(symbols))
	for _, symbol := range symbols {
		wanted[symbol] = struct{}{}
	}
	out := make(map[string]Signal, len(symbols))
	ignored := 0
	for symbol, sig := range all {
		if _, ok := wanted[symbol]; !ok {
			ignored++
			continue
		}
		out[symbol] = sig
	}

	p.logger.Info("信号已加载",
		zap.String("path", path),
		zap.Int("signals", len(out)),
		zap.Int("outside_universe", ignored),
	)
	return out, nil
}

func readCSV(r io.Reader) (map[string]Signal, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return map[string]Signal{}, nil
		}
		return nil, fmt.Errorf("读取表头失败: %w", err)
	}
	cols := make(map[string]int, len(header))
	for i, name := range header {
		cols[strings.ToLower(strings.TrimSpace(strings.TrimPrefix(name, "\ufeff")))] = i
	}
	symbolCol, ok := cols["symbol"]
	if !ok {
		if symbolCol, ok = cols["code"]; !ok {
			return nil, errors.New("缺少 symbol 列")
		}
	}
	actionCol, ok := cols["action"]
	if !ok {
		return nil, errors.New("缺少 action 列")
	}
	strengthCol, hasStrength := cols["strength"]

	out := make(map[string]Signal)
	for line := 2; ; line++ {
		rec, readErr := reader.Read()
		if errors.Is(readErr, io.EOF) {
			break
		}
		if readErr != nil {
			return nil, fmt.Errorf("第 %d 行解析失败: %w", line, readErr)
		}
		if symbolCol >= len(rec) || actionCol >= len(rec) {
			return nil, fmt.Errorf("第 %d 行列数不足", line)
		}
		symbol := universe.NormalizeSymbol(rec[symbolCol])
		if symbol == "" {
			continue
		}
		action, actionErr := ParseAction(rec[actionCol])
		if actionErr != nil {
			return nil, fmt.Errorf("第 %d 行: %w", line, actionErr)
		}
		sig := Signal{Action: action}
		if hasStrength && strengthCol < len(rec) && strings.TrimSpace(rec[strengthCol]) != "" {
			strength, parseErr := strconv.ParseFloat(strings.TrimSpace(rec[strengthCol]), 64)
			if parseErr != nil || math.IsNaN(strength) || math.IsInf(strength, 0) {
				return nil, fmt.Errorf("第 %d 行 strength 无效 %q", line, rec[strengthCol])
			}
			sig.Strength = strength
		}
		out[symbol] = sig
	}
	return out, nil
}

package universe

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

// Entry 为可交易标的池中的一项。
type Entry struct {
	Symbol   string
	Name     string
	Tradable bool
	RefPrice decimal.Decimal
}

// Universe 保持 CSV 中的顺序。
type Universe struct {
	Entries []Entry
	index   map[string]int
}

// New 由条目构造标的池，重复代码以第一次出现为准。
func New(entries []Entry) *Universe {
	u := &Universe{index: make(map[string]int, len(entries))}
	for _, e := range entries {
		e.Symbol = NormalizeSymbol(e.Symbol)
		if e.Symbol == "" {
			continue
		}
		if _, dup := u.index[e.Symbol]; dup {
			continue
		}
		u.index[e.Symbol] = len(u.Entries)
		u.Entries = append(u.Entries, e)
	}
	return u
}

// Lookup 按代码查找。
func (u *Universe) Lookup(symbol string) (Entry, bool) {
	if u == nil {
		return Entry{}, false
	}
	idx, ok := u.index[NormalizeSymbol(symbol)]
	if !ok {
		return Entry{}, false
	}
	return u.Entries[idx], true
}

// Symbols 返回全部代码。
func (u *Universe) Symbols() []string {
	if u == nil {
		return nil
	}
	out := make([]string, 0, len(u.Entries))
	for _, e := range u.Entries {
		out = append(out, e.Symbol)
	}
	return out
}

// Len 返回条目数。
func (u *Universe) Len() int {
	if u == nil {
		return 0
	}
	return len(u.Entries)
}

// NormalizeSymbol 将纯数字代码左侧补零到 6 位。
func NormalizeSymbol(symbol string) string {
	symbol = strings.TrimSpace(symbol)
	if symbol == "" {
		return ""
	}
	if _, err := strconv.Atoi(symbol); err == nil && len(symbol) < 6 {
		return strings.Repeat("0", 6-len(symbol)) + symbol
	}
	return strings.ToUpper(symbol)
}

// LoadCSV 读取标的池文件，limit>0 时只保留前 limit 个。
// 需要表头；代码列可命名为 code、ticker 或 symbol，tradable 与 close 可选。
func LoadCSV(path string, limit int) (*Universe, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("universe: 打开文件失败: %w", err)
	}
	defer f.Close()

	u, err := Read(f, limit)
	if err != nil {
		return nil, fmt.Errorf("universe: %s: %w", path, err)
	}
	return u, nil
}

// Read 从 r 解析 CSV。
func Read(r io.Reader, limit int) (*Universe, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return New(nil), nil
		}
		return nil, fmt.Errorf("读取表头失败: %w", err)
	}
	cols := make(map[string]int, len(header))
	for i, name := range header {
		cols[strings.ToLower(strings.TrimSpace(strings.TrimPrefix(name, "\ufeff")))] = i
	}
	codeCol := -1
	for _, name := range []string{"code", "ticker", "symbol"} {
		if idx, ok := cols[name]; ok {
			codeCol = idx
			break
		}
	}
	if codeCol < 0 {
		return nil, errors.New("缺少 code/ticker/symbol 列")
	}

	field := func(rec []string, name string) string {
		idx, ok := cols[name]
		if !ok || idx >= len(rec) {
			return ""
		}
		return strings.TrimSpace(rec[idx])
	}

	var entries []Entry
	for line := 2; ; line++ {
		rec, readErr := reader.Read()
		if errors.Is(readErr, io.EOF) {
			break
		}
		if readErr != nil {
			return nil, fmt.Errorf("第 %d 行解析失败: %w", line, readErr)
		}
		if codeCol >= len(rec) {
			continue
		}

		entry := Entry{
			Symbol:   rec[codeCol],
			Name:     field(rec, "name"),
			Tradable: true,
		}
		if raw := field(rec, "tradable"); raw != "" {
			tradable, parseErr := strconv.ParseBool(raw)
			if parseErr != nil {
				return nil, fmt.Errorf("第 %d 行 tradable 无效 %q", line, raw)
			}
			entry.Tradable = tradable
		}
		if raw := strings.ReplaceAll(field(rec, "close"), ",", ""); raw != "" {
			price, parseErr := decimal.NewFromString(raw)
			if parseErr != nil {
				return nil, fmt.Errorf("第 %d 行 close 无效 %q", line, raw)
			}
			entry.RefPrice = price
		}
		entries = append(entries, entry)
	}

	u := New(entries)
	if limit > 0 && len(u.Entries) > limit {
		u = New(u.Entries[:limit])
	}
	return u, nil
}

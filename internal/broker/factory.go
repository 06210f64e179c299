package broker

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"next-open/internal/config"
)

// New 根据配置创建券商适配器。
func New(cfg config.BrokerConfig, logger *zap.Logger) (Adapter, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	switch strings.ToLower(cfg.Provider) {
	case config.ProviderPaper:
		cash := decimal.Zero
		if raw := strings.TrimSpace(cfg.Paper.InitialCash); raw != "" {
			v, err := decimal.NewFromString(raw)
			if err != nil {
				return nil, fmt.Errorf("broker: paper.initial_cash 无效 %q: %w", raw, err)
			}
			cash = v
		}
		logger.Info("使用模拟券商",
			zap.String("initial_cash", cash.String()),
			zap.Int("holdings", len(cfg.Paper.Holdings)),
		)
		return NewPaper(cash, cfg.Paper.Holdings, logger.Named("paper")), nil
	case config.ProviderKIS:
		adapter, err := NewKIS(cfg.KIS, Environment(strings.ToLower(cfg.Environment)), cfg.RequestTimeout, logger.Named("kis"))
		if err != nil {
			return nil, err
		}
		logger.Info("使用 KIS 券商", zap.String("environment", cfg.Environment))
		return adapter, nil
	default:
		return nil, fmt.Errorf("broker: 不支持的 provider %q", cfg.Provider)
	}
}

package position

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"next-open/internal/broker"
)

// Snapshot 为某一时刻从券商拉取的持仓与现金，只读。
type Snapshot struct {
	AsOf     time.Time
	Cash     decimal.Decimal
	Holdings map[string]int64
}

// Held 返回 symbol 的持仓数量，未持有为 0。
func (s Snapshot) Held(symbol string) int64 {
	return s.Holdings[symbol]
}

// Count 返回持仓标的数量。
func (s Snapshot) Count() int {
	return len(s.Holdings)
}

// Clone 返回深拷贝。
func (s Snapshot) Clone() Snapshot {
	holdings := make(map[string]int64, len(s.Holdings))
	for symbol, qty := range s.Holdings {
		holdings[symbol] = qty
	}
	return Snapshot{AsOf: s.AsOf, Cash: s.Cash, Holdings: holdings}
}

type accountReader interface {
	Positions(ctx context.Context) (map[string]int64, error)
	Cash(ctx context.Context) (decimal.Decimal, error)
}

// Reader 每次调用都从券商重新拉取快照，不做缓存。
type Reader struct {
	account accountReader
	retrier *broker.Retrier
	logger  *zap.Logger
	now     func() time.Time
}

// NewReader 创建快照读取器。retrier 为空时不重试。
func NewReader(account accountReader, retrier *broker.Retrier, logger *zap.Logger) *Reader {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reader{
		account: account,
		retrier: retrier,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Take 并发获取现金与持仓。任一失败时返回零值快照。
func (r *Reader) Take(ctx context.Context) (Snapshot, error) {
	var (
		cash      decimal.Decimal
		positions map[string]int64
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return r.call(gctx, "cash", func(callCtx context.Context) error {
			v, err := r.account.Cash(callCtx)
			if err != nil {
				return err
			}
			cash = v
			return nil
		})
	})
	g.Go(func() error {
		return r.call(gctx, "positions", func(callCtx context.Context) error {
			v, err := r.account.Positions(callCtx)
			if err != nil {
				return err
			}
			positions = v
			return nil
		})
	})
	if err := g.Wait(); err != nil {
		return Snapshot{}, fmt.Errorf("position: 获取账户快照失败: %w", err)
	}

	holdings := make(map[string]int64, len(positions))
	for symbol, qty := range positions {
		if qty > 0 {
			holdings[symbol] = qty
		}
	}

	snap := Snapshot{AsOf: r.now(), Cash: cash, Holdings: holdings}
	r.logger.Debug("账户快照",
		zap.Time("as_of", snap.AsOf),
		zap.String("cash", cash.String()),
		zap.Int("holdings", len(holdings)),
	)
	return snap, nil
}

func (r *Reader) call(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	if r.retrier == nil {
		return fn(ctx)
	}
	_, err := r.retrier.Do(ctx, op, fn)
	return err
}

package notify

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	tgbot "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"next-open/internal/config"
)

// Notifier 发送一条文本通知。
type Notifier interface {
	Send(ctx context.Context, text string) error
}

// Telegram 通过 Bot API 推送消息到固定会话。
type Telegram struct {
	token    string
	endpoint string
	chatID   int64
	client   *http.Client

	mu  sync.Mutex
	bot *tgbot.BotAPI
}

// NewTelegram 创建 Telegram 通知器。构造不发起网络请求，首次发送时才校验 token。
func NewTelegram(cfg config.NotifyConfig) (*Telegram, error) {
	return newTelegram(cfg, tgbot.APIEndpoint)
}

func newTelegram(cfg config.NotifyConfig, endpoint string) (*Telegram, error) {
	if cfg.Token == "" || cfg.ChatID == 0 {
		return nil, errors.New("notify: telegram 需要 token 与 chat_id")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Telegram{
		token:    cfg.Token,
		endpoint: endpoint,
		chatID:   cfg.ChatID,
		client:   &http.Client{Timeout: timeout},
	}, nil
}

// botAPI 在首次使用时创建 bot；失败不缓存，下次发送重试。
func (t *Telegram) botAPI() (*tgbot.BotAPI, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.bot != nil {
		return t.bot, nil
	}
	bot, err := tgbot.NewBotAPIWithClient(t.token, t.endpoint, t.client)
	if err != nil {
		return nil, fmt.Errorf("notify: 初始化 telegram 失败: %w", err)
	}
	t.bot = bot
	return bot, nil
}

func (t *Telegram) Send(ctx context.Context, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	bot, err := t.botAPI()
	if err != nil {
		return err
	}
	if _, err := bot.Send(tgbot.NewMessage(t.chatID, text)); err != nil {
		return fmt.Errorf("notify: telegram 发送失败: %w", err)
	}
	return nil
}

// Log 只写日志，未配置 Telegram 时使用。
type Log struct {
	logger *zap.Logger
}

// NewLog 创建日志通知器。
func NewLog(logger *zap.Logger) *Log {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Log{logger: logger}
}

func (l *Log) Send(ctx context.Context, text string) error {
	l.logger.Info("通知", zap.String("text", text))
	return nil
}

// New 根据配置选择通知器；Telegram 配置不完整时退回日志通知，不影响主流程。
func New(cfg config.NotifyConfig, logger *zap.Logger) Notifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	if !cfg.Enabled {
		return NewLog(logger)
	}
	tg, err := NewTelegram(cfg)
	if err != nil {
		logger.Warn("telegram 不可用，改用日志通知", zap.Error(err))
		return NewLog(logger)
	}
	return tg
}

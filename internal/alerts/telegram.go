package alerts

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"liqmap/internal/config"

	"github.com/dustin/go-humanize"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Sender delivers one extreme funding alert.
type Sender interface {
	SendFunding(ctx context.Context, obs ExtremeFunding) error
}

// Telegram posts funding alerts to one chat or channel as HTML messages.
type Telegram struct {
	bot     *tgbotapi.BotAPI
	chatID  int64
	channel string
}

// NewTelegram returns nil when alerts are disabled. The token is checked with
// getMe before the sender is returned.
func NewTelegram(cfg config.TelegramConfig, log *zap.Logger) (*Telegram, error) {
	return newTelegram(cfg, log, tgbotapi.APIEndpoint, &http.Client{Timeout: 10 * time.Second})
}

func newTelegram(cfg config.TelegramConfig, log *zap.Logger, endpoint string, client *http.Client) (*Telegram, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	if log == nil {
		log = zap.NewNop()
	}
	token := strings.TrimSpace(cfg.Token)
	chat := strings.TrimSpace(cfg.ChatID)
	if token == "" || chat == "" {
		return nil, errors.New("telegram token and chat_id are required")
	}
	t := &Telegram{}
	if strings.HasPrefix(chat, "@") {
		t.channel = chat
	} else {
		id, err := strconv.ParseInt(chat, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("telegram chat_id %q: %w", chat, err)
		}
		t.chatID = id
	}
	bot, err := tgbotapi.NewBotAPIWithClient(token, endpoint, client)
	if err != nil {
		return nil, fmt.Errorf("telegram bot: %w", err)
	}
	t.bot = bot
	log.Info("telegram alerts enabled", zap.String("bot", bot.Self.UserName))
	return t, nil
}

func (t *Telegram) Enabled() bool {
	return t != nil && t.bot != nil
}

func (t *Telegram) SendFunding(ctx context.Context, obs ExtremeFunding) error {
	if !t.Enabled() {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	text := FormatExtremeFunding(obs)
	msg := tgbotapi.NewMessage(t.chatID, text)
	if t.channel != "" {
		msg = tgbotapi.NewMessageToChannel(t.channel, text)
	}
	msg.ParseMode = tgbotapi.ModeHTML
	msg.DisableWebPagePreview = true
	if _, err := t.bot.Send(msg); err != nil {
		return fmt.Errorf("telegram send %s: %w", obs.Symbol, err)
	}
	return nil
}

// FormatExtremeFunding renders obs as Telegram HTML.
func FormatExtremeFunding(obs ExtremeFunding) string {
	pct, _ := obs.Rate.Mul(decimal.NewFromInt(100)).Float64()
	long, _ := obs.LongRatio.Float64()
	short, _ := obs.ShortRatio.Float64()
	oi, _ := obs.OpenInterest.Float64()
	direction := "longs paying shorts"
	if obs.Rate.IsNegative() {
		direction = "shorts paying longs"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "<b>Extreme funding %s</b>\n", tgbotapi.EscapeText(tgbotapi.ModeHTML, strings.ToUpper(obs.Symbol)))
	fmt.Fprintf(&b, "rate <code>%s%%</code> (%s)\n", humanize.FtoaWithDigits(pct, 4), direction)
	fmt.Fprintf(&b, "bias long %s%% / short %s%%",
		humanize.FtoaWithDigits(long*100, 2),
		humanize.FtoaWithDigits(short*100, 2),
	)
	if oi > 0 {
		fmt.Fprintf(&b, "\nopen interest %s", humanize.CommafWithDigits(oi, 2))
	}
	if !obs.ObservedAt.IsZero() {
		fmt.Fprintf(&b, "\nobserved %s", humanize.Time(obs.ObservedAt))
	}
	return b.String()
}

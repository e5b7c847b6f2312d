// Package telegram sends operator notifications through the Telegram Bot API.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	kit "feedrelay/internal/transport"
	logx "feedrelay/pkg/logx"

	tele "gopkg.in/telebot.v4"
)

type Config struct {
	Token string
	// Chats receive every notification.
	Chats []kit.ChatTarget
	// APIURL overrides the Bot API endpoint (tests, local bot servers).
	APIURL    string
	ParseMode string
	Timeout   time.Duration
}

// Sender is send-only: it never polls for updates, so several processes can
// share one bot token.
type Sender struct {
	cfg Config
	bot *tele.Bot
	log logx.Logger
}

func New(cfg Config, log logx.Logger) (*Sender, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if len(cfg.Chats) == 0 {
		return nil, errors.New("telegram: no chats configured")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:   cfg.Token,
		URL:     cfg.APIURL,
		Offline: true,
		Client:  &http.Client{Timeout: cfg.Timeout},
	})
	if err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Sender{cfg: cfg, bot: b, log: log.With(logx.String("comp", "telegram"))}, nil
}

func (s *Sender) Name() string { return "telegram" }

// Send delivers text to every configured chat. A failure for one chat does
// not stop the others; the joined error is returned.
func (s *Sender) Send(ctx context.Context, text string) error {
	var errs []error
	for _, to := range s.cfg.Chats {
		if err := s.SendText(ctx, to, text, &kit.SendOptions{ParseMode: s.cfg.ParseMode, DisablePreview: true}); err != nil {
			errs = append(errs, fmt.Errorf("chat %d: %w", to.ChatID, err))
		}
	}
	return errors.Join(errs...)
}

const telegramTextLimit = 4000

// SendText sends text to one chat, split into chunks Telegram accepts.
func (s *Sender) SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) error {
	if opt == nil {
		opt = &kit.SendOptions{}
	}
	chat := &tele.Chat{ID: to.ChatID}
	for _, chunk := range splitText(text, telegramTextLimit, opt.ParseMode) {
		if err := ctx.Err(); err != nil {
			return err
		}
		_, err := s.bot.Send(chat, chunk, &tele.SendOptions{
			ParseMode:             opt.ParseMode,
			DisableWebPagePreview: opt.DisablePreview,
			ThreadID:              to.ThreadID,
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// splitText splits long messages into chunks of at most limit runes. It
// prefers newline boundaries and, in HTML mode, avoids cutting inside a tag.
func splitText(s string, limit int, parseMode string) []string {
	if limit <= 0 {
		limit = telegramTextLimit
	}
	rs := []rune(s)
	if len(rs) <= limit {
		return []string{s}
	}

	out := make([]string, 0, (len(rs)+limit-1)/limit)
	start := 0
	for start < len(rs) {
		end := min(start+limit, len(rs))

		if end < len(rs) {
			for i := end - 1; i > start; i-- {
				// Avoid tiny chunks.
				if rs[i] == '\n' && i-start >= limit/3 {
					end = i + 1
					break
				}
			}
		}

		if strings.EqualFold(parseMode, "HTML") && end < len(rs) {
			lastOpen, lastClose := -1, -1
			for i := start; i < end; i++ {
				switch rs[i] {
				case '<':
					lastOpen = i
				case '>':
					lastClose = i
				}
			}
			if lastOpen > lastClose && lastOpen > start+1 {
				end = lastOpen
			}
		}

		out = append(out, strings.TrimRight(string(rs[start:end]), "\n"))
		start = end
		for start < len(rs) && rs[start] == '\n' {
			start++
		}
	}
	return out
}

// Package telegram provides a client for sending corpus build notifications via Telegram Bot API.
package telegram

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/rewired-gh/hrvcorpus/internal/logger"
)

const markdownV2 = "MarkdownV2"

// Client delivers corpus build notifications to one chat.
type Client struct {
	bot     *tgbotapi.BotAPI
	chat    int64
	retries int
	backoff time.Duration
}

// NewClient connects to the Bot API. Non-positive retries or backoff fall
// back to 3 attempts spaced one second apart, growing linearly.
func NewClient(botToken, chatID string, retries int, backoff time.Duration) (*Client, error) {
	chat, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid chat ID %q: %w", chatID, err)
	}

	bot, err := tgbotapi.NewBotAPI(botToken)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Telegram: %w", err)
	}

	c := &Client{bot: bot, chat: chat, retries: 3, backoff: time.Second}
	if retries > 0 {
		c.retries = retries
	}
	if backoff > 0 {
		c.backoff = backoff
	}
	return c, nil
}

// ListenForCommands answers /ping and /status in the background until ctx
// is cancelled. status is called on every /status command.
func (c *Client) ListenForCommands(ctx context.Context, status func() string) {
	cfg := tgbotapi.NewUpdate(0)
	cfg.Timeout = 60
	updates := c.bot.GetUpdatesChan(cfg)

	go func() {
		<-ctx.Done()
		c.bot.StopReceivingUpdates()
	}()
	go func() {
		for update := range updates {
			if msg := update.Message; msg != nil && msg.IsCommand() {
				c.reply(msg, status)
			}
		}
	}()
}

func (c *Client) reply(msg *tgbotapi.Message, status func() string) {
	var text string
	switch {
	case msg.Command() == "ping":
		text = "Pong"
	case msg.Command() == "status" && status != nil:
		text = status()
	default:
		return
	}
	if _, err := c.bot.Send(tgbotapi.NewMessage(msg.Chat.ID, text)); err != nil {
		logger.Warn("Failed to answer /%s: %v", msg.Command(), err)
	}
}

// send delivers a MarkdownV2 message, waiting backoff, 2*backoff, ...
// between attempts.
func (c *Client) send(text string) error {
	msg := tgbotapi.NewMessage(c.chat, text)
	msg.ParseMode = markdownV2

	var err error
	for attempt := 1; attempt <= c.retries; attempt++ {
		if _, err = c.bot.Send(msg); err == nil {
			return nil
		}
		logger.Debug("Telegram send attempt %d/%d failed: %v", attempt, c.retries, err)
		if attempt < c.retries {
			time.Sleep(c.backoff * time.Duration(attempt))
		}
	}
	return fmt.Errorf("telegram send failed after %d attempts: %w", c.retries, err)
}

// Report summarizes the processing of one recording.
type Report struct {
	RefFile         string
	Detector        string
	FailedDetectors []string
	BestPair        string
	BestCorrelation float64
	Flagged         bool
	Rows            int
	Labeled         int
	StageFailures   int
	Elapsed         time.Duration
}

// SendFailure reports a recording that could not be processed at all.
func (c *Client) SendFailure(refFile string, err error) error {
	return c.send(formatFailure(refFile, err))
}

// SendReport sends the outcome of one recording.
func (c *Client) SendReport(r Report) error {
	return c.send(formatReport(r))
}

// SendBatchSummary sends the outcome of a whole batch.
func (c *Client) SendBatchSummary(reports []Report, failed int) error {
	return c.send(formatBatch(reports, failed))
}

func formatFailure(refFile string, err error) string {
	return fmt.Sprintf("⚠️ *Recording failed* %s\n`%s`",
		escapeMarkdownV2(refFile), escapeMarkdownV2(err.Error()))
}

func formatReport(r Report) string {
	var b strings.Builder

	icon := "✅"
	if r.Flagged {
		icon = "🚩"
	}
	fmt.Fprintf(&b, "%s *%s*\n", icon, escapeMarkdownV2(r.RefFile))

	if r.BestPair != "" {
		fmt.Fprintf(&b, "   Consensus: %s %s\n",
			escapeMarkdownV2(r.BestPair),
			escapeMarkdownV2(fmt.Sprintf("%.2f", r.BestCorrelation)))
	}
	if r.Flagged {
		b.WriteString("   Low detector agreement, rows excluded from export\n")
	}
	if len(r.FailedDetectors) > 0 {
		fmt.Fprintf(&b, "   Failed detectors: %s\n", escapeMarkdownV2(strings.Join(r.FailedDetectors, ", ")))
	}
	fmt.Fprintf(&b, "   Rows: %d \\(%d labeled, %d stage failures\\) via %s\n",
		r.Rows, r.Labeled, r.StageFailures, escapeMarkdownV2(r.Detector))
	if r.Elapsed > 0 {
		fmt.Fprintf(&b, "   Took %s\n", escapeMarkdownV2(r.Elapsed.Round(time.Millisecond).String()))
	}
	return b.String()
}

func formatBatch(reports []Report, failed int) string {
	var rows, labeled, flagged int
	for _, r := range reports {
		rows += r.Rows
		labeled += r.Labeled
		if r.Flagged {
			flagged++
		}
	}

	var b strings.Builder
	b.WriteString("📦 *Corpus build finished*\n\n")
	fmt.Fprintf(&b, "Recordings: %d processed, %d flagged, %d failed\n", len(reports), flagged, failed)
	fmt.Fprintf(&b, "Rows: %d \\(%d labeled\\)\n", rows, labeled)
	for i, r := range reports {
		if !r.Flagged {
			continue
		}
		fmt.Fprintf(&b, "%d\\. 🚩 %s %s\n", i+1,
			escapeMarkdownV2(r.RefFile),
			escapeMarkdownV2(fmt.Sprintf("%.2f", r.BestCorrelation)))
	}
	return b.String()
}

// markdownEscaper prefixes every MarkdownV2 reserved character with a backslash.
var markdownEscaper = func() *strings.Replacer {
	const reserved = "_*[]()~`>#+-=|{}.!"
	pairs := make([]string, 0, 2*len(reserved))
	for _, r := range reserved {
		pairs = append(pairs, string(r), "\\"+string(r))
	}
	return strings.NewReplacer(pairs...)
}()

func escapeMarkdownV2(text string) string {
	return markdownEscaper.Replace(text)
}

package telegram

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"
)

const maxRetries = 3

type sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

type Client struct {
	bot     sender
	logger  *zap.Logger
	backoff func(attempt int) time.Duration
}

func NewClient(token string, logger *zap.Logger) (*Client, error) {
	// Create a custom HTTP client with proper timeout settings
	httpClient := &http.Client{
		Timeout: 30 * time.Second,
		Transport: &http.Transport{
			DialContext: (&net.Dialer{
				Timeout:   10 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			TLSHandshakeTimeout:   10 * time.Second,
			ResponseHeaderTimeout: 10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
			MaxIdleConns:          100,
		},
	}

	bot, err := tgbotapi.NewBotAPIWithClient(token, tgbotapi.APIEndpoint, httpClient)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}
	return newClient(bot, logger), nil
}

func newClient(bot sender, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		bot:     bot,
		logger:  logger,
		backoff: exponentialBackoff,
	}
}

// Exponential backoff: 1s, 2s, 4s
func exponentialBackoff(attempt int) time.Duration {
	return time.Duration(1<<uint(attempt-1)) * time.Second
}

// SendMessage sends a Markdown message to chatID, retrying transient
// failures. Waiting between attempts stops early when ctx ends.
func (c *Client) SendMessage(ctx context.Context, chatID string, message string) error {
	chatIDInt, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid chat ID: %w", err)
	}

	msg := tgbotapi.NewMessage(chatIDInt, message)
	msg.ParseMode = tgbotapi.ModeMarkdown

	var lastErr error
	for attempt := 1; attempt <= maxRetries; attempt++ {
		_, err = c.bot.Send(msg)
		if err == nil {
			c.logger.Info("Telegram message sent successfully",
				zap.String("chatID", chatID),
				zap.Int("attempt", attempt))
			return nil
		}

		lastErr = err
		c.logger.Warn("Failed to send Telegram message",
			zap.String("chatID", chatID),
			zap.Error(err),
			zap.Int("attempt", attempt),
			zap.Int("maxRetries", maxRetries))

		if attempt == maxRetries {
			break
		}

		backoff := c.backoff(attempt)
		c.logger.Info("Retrying Telegram message send", zap.Duration("backoff", backoff))
		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("telegram send interrupted after %d attempts: %w", attempt, ctx.Err())
		case <-timer.C:
		}
	}

	c.logger.Error("Failed to send Telegram message after retries",
		zap.String("chatID", chatID),
		zap.Error(lastErr),
		zap.Int("attempts", maxRetries))
	return fmt.Errorf("failed to send message after %d attempts: %w", maxRetries, lastErr)
}

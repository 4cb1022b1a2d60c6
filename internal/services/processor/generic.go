package processor

import (
	"context"
	"io"
	"mime/quotedprintable"
	"regexp"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"inbox-watcher/internal/config"
	"inbox-watcher/internal/models"
)

// Notifier delivers a formatted notification to a chat.
type Notifier interface {
	SendMessage(ctx context.Context, chatID string, message string) error
}

const defaultTemplate = "📬 *{subject}*\nFrom: {from}\n\n{preview}"

const codeNotFound = "not found"

var defaultPatterns = map[string]*regexp.Regexp{
	"cloudflare": regexp.MustCompile(`\b\d{6}\b`),
	"perplexity": regexp.MustCompile(`\b\d{6}\b`),
	"default":    regexp.MustCompile(`\b[a-zA-Z0-9]{4,8}\b`),
}

// GenericEmailProcessor matches messages by sender and subject and turns
// them into a chat notification.
type GenericEmailProcessor struct {
	name        string
	config      config.ServiceProcessorConfig
	notifier    Notifier
	logger      *zap.Logger
	codePattern *regexp.Regexp
}

func NewGenericEmailProcessor(name string, serviceConfig config.ServiceProcessorConfig, notifier Notifier, logger *zap.Logger) *GenericEmailProcessor {
	processor := &GenericEmailProcessor{
		name:     name,
		config:   serviceConfig,
		notifier: notifier,
		logger:   logger,
	}

	if serviceConfig.CodePattern != "" {
		if pattern, err := regexp.Compile(serviceConfig.CodePattern); err == nil {
			processor.codePattern = pattern
		} else {
			logger.Warn("Invalid custom code pattern, using default",
				zap.String("service", name),
				zap.String("pattern", serviceConfig.CodePattern),
				zap.Error(err))
		}
	}

	if processor.codePattern == nil {
		if pattern, exists := defaultPatterns[strings.ToLower(name)]; exists {
			processor.codePattern = pattern
		} else {
			processor.codePattern = defaultPatterns["default"]
		}
	}

	return processor
}

// ShouldProcess reports whether the message matches the sender filter and
// at least one subject filter. Empty filters match everything.
func (p *GenericEmailProcessor) ShouldProcess(msg models.MessageCandidate) bool {
	if !strings.Contains(strings.ToLower(msg.From), strings.ToLower(p.config.EmailFrom)) {
		return false
	}
	if len(p.config.EmailSubject) == 0 {
		return true
	}
	for _, subject := range p.config.EmailSubject {
		if strings.Contains(msg.Subject, subject) {
			return true
		}
	}
	return false
}

// Process formats the notification and sends it.
func (p *GenericEmailProcessor) Process(ctx context.Context, accountID string, msg models.MessageCandidate) error {
	return p.notifier.SendMessage(ctx, p.config.TelegramChatID, p.Format(accountID, msg))
}

// Format renders the message template. Supported placeholders are
// {account}, {from}, {subject}, {preview} and {code}.
func (p *GenericEmailProcessor) Format(accountID string, msg models.MessageCandidate) string {
	template := p.config.TelegramMessage
	if template == "" {
		template = defaultTemplate
	}

	code := codeNotFound
	if strings.Contains(template, "{code}") {
		code = p.extractCode(msg.Subject + "\n" + p.decodeQuotedPrintable(msg.Preview))
	}

	// templates are Markdown, inserted values are not
	return strings.NewReplacer(
		"{account}", escapeMarkdown(accountID),
		"{from}", escapeMarkdown(msg.From),
		"{subject}", escapeMarkdown(msg.Subject),
		"{preview}", escapeMarkdown(msg.Preview),
		"{code}", escapeMarkdown(code),
	).Replace(template)
}

func escapeMarkdown(value string) string {
	return tgbotapi.EscapeText(tgbotapi.ModeMarkdown, value)
}

func (p *GenericEmailProcessor) extractCode(text string) string {
	matches := p.codePattern.FindStringSubmatch(text)
	if len(matches) > 1 && matches[1] != "" {
		return matches[1]
	}
	if len(matches) > 0 {
		return matches[0]
	}
	return codeNotFound
}

func (p *GenericEmailProcessor) decodeQuotedPrintable(text string) string {
	if strings.Contains(text, "=") {
		reader := quotedprintable.NewReader(strings.NewReader(text))
		if decoded, err := io.ReadAll(reader); err == nil {
			return string(decoded)
		} else {
			p.logger.Debug("Failed to decode quoted-printable", zap.Error(err))
		}
	}
	return text
}

func (p *GenericEmailProcessor) Name() string {
	return p.name
}

package notify

import (
	"context"
	"html"
	"net/http"
	"strings"
)

// DefaultTelegramAPI is the Telegram Bot API root.
const DefaultTelegramAPI = "https://api.telegram.org"

// telegramTextLimit is the sendMessage text limit.
const telegramTextLimit = 4096

// TelegramSender delivers notifications through the Bot API sendMessage
// method.
type TelegramSender struct {
	endpoint string // embeds the bot token
	chatID   string
	client   *http.Client
}

// NewTelegramSender creates a TelegramSender for the given bot token and chat
// ID. apiBase defaults to DefaultTelegramAPI when empty.
func NewTelegramSender(apiBase, token, chatID string) *TelegramSender {
	if apiBase == "" {
		apiBase = DefaultTelegramAPI
	}
	return &TelegramSender{
		endpoint: strings.TrimRight(apiBase, "/") + "/bot" + token + "/sendMessage",
		chatID:   chatID,
		client:   newHTTPClient(),
	}
}

type telegramMessage struct {
	ChatID                string `json:"chat_id"`
	Text                  string `json:"text"`
	ParseMode             string `json:"parse_mode"`
	DisableWebPagePreview bool   `json:"disable_web_page_preview"`
}

// Send posts an HTML message with the title in bold.
func (t *TelegramSender) Send(ctx context.Context, title, message string) error {
	text := "<b>" + html.EscapeString(title) + "</b>\n" + html.EscapeString(message)
	return postJSON(ctx, t.client, "telegram", t.endpoint, telegramMessage{
		ChatID:                t.chatID,
		Text:                  truncate(text, telegramTextLimit),
		ParseMode:             "HTML",
		DisableWebPagePreview: true,
	}, true)
}

// Name returns the sender identifier.
func (t *TelegramSender) Name() string { return "telegram" }

package notify

import (
	"context"
	"net/http"
	"strings"
)

// Discord embed limits.
const (
	discordTitleLimit       = 256
	discordDescriptionLimit = 4096
)

// Embed colours keyed by the event icon the Notifier prefixes to titles.
var discordColours = map[string]int{
	eventIcons[EventPositionOpened]: 0x2ecc71,
	eventIcons[EventPositionClosed]: 0xe74c3c,
	eventIcons[EventTargetHit]:      0x3498db,
	eventIcons[EventPhantomClosed]:  0xe67e22,
	eventIcons[EventCycleFailed]:    0x992d22,
	eventIcons[EventDailySummary]:   0x9b59b6,
}

// DiscordSender posts notifications to a Discord webhook as a single embed.
type DiscordSender struct {
	webhookURL string
	username   string
	client     *http.Client
}

// NewDiscordSender creates a DiscordSender for webhookURL.
func NewDiscordSender(webhookURL string) *DiscordSender {
	return &DiscordSender{
		webhookURL: webhookURL,
		username:   "spotbot",
		client:     newHTTPClient(),
	}
}

type discordEmbed struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Color       int    `json:"color,omitempty"`
}

type discordPayload struct {
	Username string         `json:"username"`
	Embeds   []discordEmbed `json:"embeds"`
}

// Send posts title and message as an embed. Discord answers 204 on success.
func (d *DiscordSender) Send(ctx context.Context, title, message string) error {
	embed := discordEmbed{
		Title:       truncate(title, discordTitleLimit),
		Description: truncate(message, discordDescriptionLimit),
		Color:       embedColour(title),
	}
	return postJSON(ctx, d.client, "discord", d.webhookURL, discordPayload{
		Username: d.username,
		Embeds:   []discordEmbed{embed},
	}, true)
}

// Name returns the sender identifier.
func (d *DiscordSender) Name() string { return "discord" }

func embedColour(title string) int {
	icon, _, _ := strings.Cut(title, " ")
	return discordColours[icon]
}

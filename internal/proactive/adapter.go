package proactive

import (
	"context"
	"strconv"

	tgbot "github.com/go-telegram/bot"
	"github.com/slack-go/slack"
)

// SlackAdapter is a Send-only ChannelAdapter over a Slack bot token.
// It never listens for inbound events — spec §4.10 scopes the
// messenger to outbound delivery, so there is no event loop to wire
// here.
type SlackAdapter struct {
	client *slack.Client
}

// NewSlackAdapter builds a SlackAdapter from a bot token (xoxb-...).
func NewSlackAdapter(botToken string) *SlackAdapter {
	return &SlackAdapter{client: slack.New(botToken)}
}

// Send posts job.Content to job.RecipientIdentifier, which is the
// Slack channel or DM ID.
func (a *SlackAdapter) Send(ctx context.Context, job Job) error {
	_, _, err := a.client.PostMessageContext(ctx, job.RecipientIdentifier,
		slack.MsgOptionText(job.Content, false))
	return err
}

// TelegramAdapter is a Send-only ChannelAdapter over a Telegram bot
// token, with no long-polling/webhook inbound handling, rate limiting,
// or reconnect bookkeeping — none of which a pure outbound sender
// needs.
type TelegramAdapter struct {
	bot *tgbot.Bot
}

// NewTelegramAdapter builds a TelegramAdapter from a bot token.
func NewTelegramAdapter(token string) (*TelegramAdapter, error) {
	b, err := tgbot.New(token)
	if err != nil {
		return nil, err
	}
	return &TelegramAdapter{bot: b}, nil
}

// Send posts job.Content to the chat identified by
// job.RecipientIdentifier (a Telegram chat id, formatted as a decimal
// string).
func (a *TelegramAdapter) Send(ctx context.Context, job Job) error {
	chatID, err := strconv.ParseInt(job.RecipientIdentifier, 10, 64)
	if err != nil {
		chatID = 0
	}
	var target any = job.RecipientIdentifier
	if chatID != 0 {
		target = chatID
	}
	_, err = a.bot.SendMessage(ctx, &tgbot.SendMessageParams{
		ChatID: target,
		Text:   job.Content,
	})
	return err
}

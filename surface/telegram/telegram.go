// Package telegram implements the C10 surface for Telegram, grounded on the
// teacher's TelegramChannel (plugin/chat_apps/channels/telegram) but
// narrowed to text-only send/receive, re-keyed to the dispatcher's
// surface.Event shape instead of chat_apps.IncomingMessage.
package telegram

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/Pavilion-devs/slack-agent/store"
	"github.com/Pavilion-devs/slack-agent/surface"
)

// Adapter sends and parses Telegram updates.
type Adapter struct {
	bot *tgbotapi.BotAPI
}

func New(botToken string) (*Adapter, error) {
	bot, err := tgbotapi.NewBotAPI(botToken)
	if err != nil {
		return nil, fmt.Errorf("telegram: create bot: %w", err)
	}
	return &Adapter{bot: bot}, nil
}

// ParseUpdate decodes a webhook body into a normalised surface.Event. Every
// inbound message is attributed to store.SurfaceTelegram.
func ParseUpdate(body []byte) (*surface.Event, error) {
	var update tgbotapi.Update
	if err := json.Unmarshal(body, &update); err != nil {
		return nil, fmt.Errorf("telegram: decode update: %w", err)
	}
	if update.Message == nil {
		return nil, nil
	}

	return &surface.Event{
		UserKey: store.UserKey{
			Surface:        store.SurfaceTelegram,
			ExternalUserID: strconv.FormatInt(update.Message.From.ID, 10),
		},
		ChannelKey: strconv.FormatInt(update.Message.Chat.ID, 10),
		Text:       update.Message.Text,
		At:         update.Message.Time(),
	}, nil
}

func (a *Adapter) SendText(ctx context.Context, channelKey, text string) error {
	chatID, err := strconv.ParseInt(channelKey, 10, 64)
	if err != nil {
		return fmt.Errorf("telegram: invalid chat id %q: %w", channelKey, err)
	}
	msg := tgbotapi.NewMessage(chatID, text)
	_, err = a.bot.Send(msg)
	return err
}

func (a *Adapter) SendActions(ctx context.Context, channelKey, promptText string, actions []surface.Action) error {
	chatID, err := strconv.ParseInt(channelKey, 10, 64)
	if err != nil {
		return fmt.Errorf("telegram: invalid chat id %q: %w", channelKey, err)
	}

	msg := tgbotapi.NewMessage(chatID, promptText)
	var rows [][]tgbotapi.InlineKeyboardButton
	for _, action := range actions {
		rows = append(rows, tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData(action.Label, action.Payload),
		))
	}
	if len(rows) > 0 {
		markup := tgbotapi.NewInlineKeyboardMarkup(rows...)
		msg.ReplyMarkup = markup
	}

	_, err = a.bot.Send(msg)
	return err
}

var _ surface.Sender = (*Adapter)(nil)

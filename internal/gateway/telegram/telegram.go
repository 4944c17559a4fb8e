// Package telegram adapts the Gateway interface onto the Telegram Bot API.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	"memberbot/internal/gateway"
	"memberbot/pkg/logx"
)

type Config struct {
	Token       string
	PollTimeout time.Duration
	CallTimeout time.Duration

	// ChannelID and ChatID are the managed private resources.
	ChannelID int64
	ChatID    int64
}

type Adapter struct {
	cfg Config
	log logx.Logger
	bot *tele.Bot
}

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	pollTimeout := cfg.PollTimeout
	if pollTimeout <= 0 {
		pollTimeout = 10 * time.Second
	}
	callTimeout := cfg.CallTimeout
	if callTimeout <= 0 {
		callTimeout = 8 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token: cfg.Token,
		Poller: &tele.LongPoller{
			Timeout: pollTimeout,
			// chat_member updates are opt-in; without them join detection
			// never fires.
			AllowedUpdates: []string{"message", "callback_query", "chat_member"},
		},
		Client: &http.Client{Timeout: callTimeout},
	})
	if err != nil {
		return nil, err
	}
	return &Adapter{cfg: cfg, log: log, bot: b}, nil
}

// Bot exposes the underlying telebot instance for the chat-facing layer.
func (a *Adapter) Bot() *tele.Bot { return a.bot }

func (a *Adapter) Send(ctx context.Context, recipientID int64, block gateway.Block) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	to := &tele.User{ID: recipientID}

	var opts []any
	if block.ButtonText != "" && block.ButtonURL != "" {
		opts = append(opts, &tele.ReplyMarkup{
			InlineKeyboard: [][]tele.InlineButton{{
				{Text: block.ButtonText, URL: block.ButtonURL},
			}},
		})
	}

	var err error
	if block.PhotoURL != "" {
		photo := &tele.Photo{File: tele.FromURL(block.PhotoURL), Caption: block.Text}
		_, err = a.bot.Send(to, photo, opts...)
	} else {
		_, err = a.bot.Send(to, block.Text, opts...)
	}
	return a.classify(err)
}

func (a *Adapter) RevokeMembership(ctx context.Context, recipientID int64, res gateway.Resource) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	chatID, err := a.resourceChat(res)
	if err != nil {
		return err
	}
	chat := &tele.Chat{ID: chatID}
	user := &tele.User{ID: recipientID}
	if err := a.bot.Ban(chat, &tele.ChatMember{User: user}); err != nil {
		return a.classify(err)
	}
	// Unban immediately so the user can re-join through a fresh invite link
	// after paying again; Ban alone would lock them out permanently.
	if err := a.bot.Unban(chat, user); err != nil {
		a.log.Warn("unban after revoke failed",
			logx.Int64("user", recipientID), logx.String("resource", string(res)), logx.Err(err))
	}
	return nil
}

func (a *Adapter) GrantMembershipLink(ctx context.Context, res gateway.Resource) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	chatID, err := a.resourceChat(res)
	if err != nil {
		return "", err
	}
	link, err := a.bot.CreateInviteLink(&tele.Chat{ID: chatID}, &tele.ChatInviteLink{MemberLimit: 1})
	if err != nil {
		return "", a.classify(err)
	}
	return link.InviteLink, nil
}

func (a *Adapter) resourceChat(res gateway.Resource) (int64, error) {
	switch res {
	case gateway.ResourceChannel:
		if a.cfg.ChannelID == 0 {
			return 0, errors.New("telegram: channel_id not configured")
		}
		return a.cfg.ChannelID, nil
	case gateway.ResourceChat:
		if a.cfg.ChatID == 0 {
			return 0, errors.New("telegram: chat_id not configured")
		}
		return a.cfg.ChatID, nil
	default:
		return 0, fmt.Errorf("telegram: unknown resource %q", res)
	}
}

// classify maps Telegram API errors onto the gateway taxonomy: recipient-side
// failures become ErrPermanent so engines skip instead of retrying.
func (a *Adapter) classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, tele.ErrBlockedByUser) ||
		errors.Is(err, tele.ErrUserIsDeactivated) ||
		errors.Is(err, tele.ErrChatNotFound) {
		return fmt.Errorf("%w: %v", gateway.ErrPermanent, err)
	}
	return err
}

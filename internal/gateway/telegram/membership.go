package telegram

import (
	"context"

	tele "gopkg.in/telebot.v4"

	"memberbot/internal/gateway"
	"memberbot/pkg/logx"
)

// JoinFunc is invoked when a user enters one of the managed resources.
type JoinFunc func(ctx context.Context, telegramID int64, res gateway.Resource)

// OnJoin registers the chat_member handler that detects members joining the
// channel or chat. Must be called before Start.
func (a *Adapter) OnJoin(fn JoinFunc) {
	a.bot.Handle(tele.OnChatMember, func(c tele.Context) error {
		upd := c.ChatMember()
		if upd == nil || upd.NewChatMember == nil || upd.Chat == nil {
			return nil
		}
		res, ok := a.chatResource(upd.Chat.ID)
		if !ok {
			return nil
		}
		if !isMemberRole(upd.NewChatMember.Role) {
			return nil
		}
		user := upd.NewChatMember.User
		if user == nil {
			return nil
		}
		a.log.Debug("member joined",
			logx.Int64("user", user.ID), logx.String("resource", string(res)))
		fn(context.Background(), user.ID, res)
		return nil
	})
}

// Start begins long polling for updates. Blocks until Stop is called.
func (a *Adapter) Start() { a.bot.Start() }

func (a *Adapter) Stop() { a.bot.Stop() }

func (a *Adapter) chatResource(chatID int64) (gateway.Resource, bool) {
	switch chatID {
	case a.cfg.ChannelID:
		if chatID != 0 {
			return gateway.ResourceChannel, true
		}
	case a.cfg.ChatID:
		if chatID != 0 {
			return gateway.ResourceChat, true
		}
	}
	return "", false
}

func isMemberRole(role tele.MemberStatus) bool {
	switch role {
	case tele.Member, tele.Administrator, tele.Creator:
		return true
	default:
		return false
	}
}

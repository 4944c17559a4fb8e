package reminder

import (
	"context"
	"fmt"

	"memberbot/internal/gateway"
	"memberbot/internal/store"
)

// render builds the outbound message for one reminder. Join nudges carry
// fresh single-use invite links so a revoked user never reuses an old one.
func (e *Engine) render(ctx context.Context, r store.Reminder, sub store.Subscriber) (gateway.Message, error) {
	switch r.Kind {
	case store.ReminderJoinNudge:
		return e.renderJoinNudge(ctx, r, sub)
	case store.ReminderRenewalNotice:
		return gateway.Text(renewalNoticeText), nil
	case store.ReminderPaymentRetry:
		return gateway.Text(paymentRetryText), nil
	case store.ReminderExpirationNotice:
		return gateway.Text(expirationNoticeText), nil
	default:
		return gateway.Message{}, fmt.Errorf("reminder: unknown kind %q", r.Kind)
	}
}

func (e *Engine) renderJoinNudge(ctx context.Context, r store.Reminder, sub store.Subscriber) (gateway.Message, error) {
	text := joinNudgeFirstText
	if r.Attempts > 0 {
		text = joinNudgeFinalText
	}

	var blocks []gateway.Block
	blocks = append(blocks, gateway.Block{Text: text})

	if !sub.JoinedChannel {
		link, err := e.gw.GrantMembershipLink(ctx, gateway.ResourceChannel)
		if err != nil {
			return gateway.Message{}, fmt.Errorf("channel invite link: %w", err)
		}
		blocks = append(blocks, gateway.Block{
			Text:       "Your private channel access:",
			ButtonText: "🔒 Join the channel",
			ButtonURL:  link,
		})
	}
	if !sub.JoinedChat {
		link, err := e.gw.GrantMembershipLink(ctx, gateway.ResourceChat)
		if err != nil {
			return gateway.Message{}, fmt.Errorf("chat invite link: %w", err)
		}
		blocks = append(blocks, gateway.Block{
			Text:       "Your community chat access:",
			ButtonText: "💬 Join the chat",
			ButtonURL:  link,
		})
	}
	return gateway.Message{Blocks: blocks}, nil
}

const joinNudgeFirstText = `⏰ Reminder!

You haven't joined the channel and chat yet.
Use the buttons below to get access to your membership:

❗️ Please join within a day, otherwise I'll keep reminding you 😊`

const joinNudgeFinalText = `⚠️ Final reminder!

You still haven't joined the channel and chat.
Use the buttons below to get access to your membership.

If something isn't working, contact support.`

const renewalNoticeText = `🔔 Heads up!

Your subscription renews in a few days. Make sure your payment method is
up to date so you don't lose access.`

const paymentRetryText = `❌ Payment failed

We couldn't charge your card for the subscription renewal.
Please update your payment method — we'll retry shortly.
Your access continues until the end of the paid period.`

const expirationNoticeText = `⌛️ Subscription expired

Your paid period has ended and access to the private channel and chat has
been removed. Subscribe again any time to come back!`

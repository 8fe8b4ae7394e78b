// Package telegram implements the delivery gateway against the Telegram Bot
// API via telebot.
package telegram

import (
	"context"
	"errors"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	"campaignd/internal/gateway"
	logx "campaignd/pkg/logx"
)

type Config struct {
	Token string

	// CallTimeout bounds a single send call; expiry is reported as a
	// transient failure. Default 5s.
	CallTimeout time.Duration

	// ParseMode is applied when the message options don't set one.
	ParseMode string
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
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 5 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{Token: cfg.Token})
	if err != nil {
		return nil, err
	}
	return &Adapter{cfg: cfg, log: log, bot: b}, nil
}

func (a *Adapter) Deliver(ctx context.Context, chatID int64, body string, opt *gateway.MessageOptions) gateway.Result {
	if opt == nil {
		opt = &gateway.MessageOptions{}
	}
	parseMode := opt.ParseMode
	if parseMode == "" {
		parseMode = a.cfg.ParseMode
	}
	chat := &tele.Chat{ID: chatID}
	sendOpt := &tele.SendOptions{
		ParseMode:             parseMode,
		DisableWebPagePreview: opt.DisablePreview,
	}

	var what any = body
	if opt.PhotoURL != "" {
		what = &tele.Photo{File: tele.FromURL(opt.PhotoURL), Caption: body}
	}

	// telebot has no context-aware send; bound the call ourselves so one slow
	// recipient can't stall a dispatch worker.
	type sendResult struct{ err error }
	done := make(chan sendResult, 1)
	go func() {
		_, err := a.bot.Send(chat, what, sendOpt)
		done <- sendResult{err: err}
	}()

	timer := time.NewTimer(a.cfg.CallTimeout)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return gateway.Transient("send cancelled: " + ctx.Err().Error())
	case <-timer.C:
		return gateway.Transient("send timed out")
	case r := <-done:
		res := classify(r.err)
		if res.Outcome != gateway.OutcomeSuccess {
			a.log.Debug("telegram send failed",
				logx.Int64("chat_id", chatID),
				logx.String("outcome", res.Outcome.String()),
				logx.String("reason", res.Reason),
			)
		}
		return res
	}
}

// permanentSendErrors are telebot sentinels where a retry can never succeed.
var permanentSendErrors = []error{
	tele.ErrBlockedByUser,
	tele.ErrUserIsDeactivated,
	tele.ErrChatNotFound,
	tele.ErrNotStartedByUser,
	tele.ErrKickedFromGroup,
	tele.ErrKickedFromSuperGroup,
	tele.ErrKickedFromChannel,
	tele.ErrNoRightsToSend,
}

func classify(err error) gateway.Result {
	if err == nil {
		return gateway.Success()
	}

	var flood tele.FloodError
	if errors.As(err, &flood) {
		return gateway.TransientAfter("flood control", time.Duration(flood.RetryAfter)*time.Second)
	}

	for _, sentinel := range permanentSendErrors {
		if errors.Is(err, sentinel) {
			return gateway.Permanent(err.Error())
		}
	}

	var apiErr *tele.Error
	if errors.As(err, &apiErr) {
		// Remaining 4xx responses (bad request, forbidden variants we don't
		// know by name) won't get better on retry; 5xx and 429 will.
		if apiErr.Code >= 400 && apiErr.Code < 500 && apiErr.Code != 429 {
			return gateway.Permanent(apiErr.Error())
		}
		return gateway.Transient(apiErr.Error())
	}

	// Transport-level failures (DNS, connection reset, timeouts).
	return gateway.Transient(err.Error())
}

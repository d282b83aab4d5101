package adapter

import (
	"context"
	"html"

	kit "guildbot/internal/transport"
	logx "guildbot/pkg/logx"
)

// LogForwarder relays rendered log lines to one chat.
type LogForwarder struct {
	Sender kit.Sender
	Target kit.ChatTarget
}

func (f LogForwarder) Forward(ctx context.Context, text string) error {
	if f.Sender == nil || f.Target.ChatID == 0 {
		return nil
	}
	_, err := f.Sender.SendText(ctx, f.Target, "<pre>"+html.EscapeString(text)+"</pre>", &kit.SendOptions{ParseMode: "HTML", DisablePreview: true})
	return err
}

var _ logx.Forwarder = LogForwarder{}

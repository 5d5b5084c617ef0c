package notifier

import (
	"context"

	"memorable/internal/model"
	logx "memorable/pkg/logx"
)

// Log is a dry-run channel: the message is written to the log instead of
// being sent.
type Log struct {
	log logx.Logger
}

func NewLog(log logx.Logger) *Log { return &Log{log: log.Component("notifier.log")} }

func (l *Log) Send(_ context.Context, p model.Payload) error {
	l.log.Info("delivery",
		logx.String("to", p.Recipient),
		logx.String("subject", p.Subject),
		logx.String("sender", p.Sender),
		logx.String("body", p.Body),
	)
	return nil
}

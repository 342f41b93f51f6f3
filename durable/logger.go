package durable

import (
	"go.temporal.io/sdk/log"
	"go.uber.org/zap"
)

// ZapAdapter lets the Temporal SDK log through zap. Key/value pairs and
// zap.Field values are both accepted.
type ZapAdapter struct {
	s *zap.SugaredLogger
}

var (
	_ log.Logger     = (*ZapAdapter)(nil)
	_ log.WithLogger = (*ZapAdapter)(nil)
)

// NewZapAdapter wraps logger for client.Options.Logger.
func NewZapAdapter(logger *zap.Logger) *ZapAdapter {
	return &ZapAdapter{s: logger.WithOptions(zap.AddCallerSkip(1)).Sugar()}
}

func (a *ZapAdapter) Debug(msg string, keyvals ...interface{}) { a.s.Debugw(msg, keyvals...) }
func (a *ZapAdapter) Info(msg string, keyvals ...interface{})  { a.s.Infow(msg, keyvals...) }
func (a *ZapAdapter) Warn(msg string, keyvals ...interface{})  { a.s.Warnw(msg, keyvals...) }
func (a *ZapAdapter) Error(msg string, keyvals ...interface{}) { a.s.Errorw(msg, keyvals...) }

// With returns a logger carrying keyvals on every entry.
func (a *ZapAdapter) With(keyvals ...interface{}) log.Logger {
	return &ZapAdapter{s: a.s.With(keyvals...)}
}

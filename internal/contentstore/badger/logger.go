package badgerstore

import (
	"github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"
)

// zapLogger routes badger's engine messages into zap.
type zapLogger struct {
	s *zap.SugaredLogger
}

var _ badger.Logger = (*zapLogger)(nil)

func (l *zapLogger) Errorf(msg string, args ...any)   { l.s.Errorf(msg, args...) }
func (l *zapLogger) Warningf(msg string, args ...any) { l.s.Warnf(msg, args...) }
func (l *zapLogger) Infof(msg string, args ...any)    { l.s.Infof(msg, args...) }
func (l *zapLogger) Debugf(msg string, args ...any)   { l.s.Debugf(msg, args...) }

package runner

import (
	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"
)

// schedulerLogger bridges gocron's key/value logger onto zap
type schedulerLogger struct {
	sugar *zap.SugaredLogger
}

var _ gocron.Logger = schedulerLogger{}

func newSchedulerLogger(logger *zap.Logger) schedulerLogger {
	return schedulerLogger{sugar: logger.Named("scheduler").Sugar()}
}

func (l schedulerLogger) Debug(msg string, args ...any) { l.sugar.Debugw(msg, args...) }
func (l schedulerLogger) Error(msg string, args ...any) { l.sugar.Errorw(msg, args...) }
func (l schedulerLogger) Info(msg string, args ...any)  { l.sugar.Infow(msg, args...) }
func (l schedulerLogger) Warn(msg string, args ...any)  { l.sugar.Warnw(msg, args...) }

package credis

import (
	"go.uber.org/zap"
)

// zapLogger adapts a zap.SugaredLogger to the Logger interface.
type zapLogger struct {
	sugar *zap.SugaredLogger
}

// NewZapLogger wraps a zap.SugaredLogger so it can be passed to WithLogger.
//
// Example:
//
//	z, _ := zap.NewProduction()
//	server, err := credis.New(credis.WithLogger(credis.NewZapLogger(z.Sugar())))
func NewZapLogger(sugar *zap.SugaredLogger) Logger {
	return &zapLogger{sugar: sugar}
}

func (z *zapLogger) Debug(msg string, fields ...Field) {
	z.sugar.Debugw(msg, flatten(fields)...)
}

func (z *zapLogger) Info(msg string, fields ...Field) {
	z.sugar.Infow(msg, flatten(fields)...)
}

func (z *zapLogger) Error(msg string, fields ...Field) {
	z.sugar.Errorw(msg, flatten(fields)...)
}

func flatten(fields []Field) []interface{} {
	out := make([]interface{}, 0, len(fields)*2)
	for _, f := range fields {
		out = append(out, f.Key, f.Value)
	}
	return out
}

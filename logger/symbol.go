package logger

import (
	"go.uber.org/zap"

	"github.com/teranos/cadence/sym"
)

// Symbol-aware logger wrappers.
// The symbol travels as a structured field, not in the message, so logs stay
// queryable by symbol.
//
// Usage:
//
//	s.tickLog = logger.AddTickSymbol(baseLogger)
//	s.tickLog.Infow("Iteration complete", "due", n)

// AddTickSymbol wraps a logger with the scheduler tick symbol (꩜)
func AddTickSymbol(l *zap.SugaredLogger) *zap.SugaredLogger {
	return l.With(FieldSymbol, sym.Tick)
}

// AddTickOpenSymbol wraps a logger with the startup symbol (✿)
func AddTickOpenSymbol(l *zap.SugaredLogger) *zap.SugaredLogger {
	return l.With(FieldSymbol, sym.TickOpen)
}

// AddTickCloseSymbol wraps a logger with the shutdown symbol (❀)
func AddTickCloseSymbol(l *zap.SugaredLogger) *zap.SugaredLogger {
	return l.With(FieldSymbol, sym.TickClose)
}

// AddDBSymbol wraps a logger with the DB symbol (⊔)
func AddDBSymbol(l *zap.SugaredLogger) *zap.SugaredLogger {
	return l.With(FieldSymbol, sym.DB)
}

// AddWorkerSymbol wraps a logger with the worker symbol (⚙)
func AddWorkerSymbol(l *zap.SugaredLogger) *zap.SugaredLogger {
	return l.With(FieldSymbol, sym.Worker)
}

// AddNotifySymbol wraps a logger with the notification symbol (✉)
func AddNotifySymbol(l *zap.SugaredLogger) *zap.SugaredLogger {
	return l.With(FieldSymbol, sym.Notify)
}

package hostfunc

import "go.uber.org/zap"

// Console levels as passed by the guest.
const (
	ConsoleDebug uint32 = iota
	ConsoleInfo
	ConsoleWarn
	ConsoleError
)

// Console forwards guest log lines to zap.
type Console struct {
	log *zap.Logger
}

func NewConsole(log *zap.Logger) *Console {
	if log == nil {
		log = Logger()
	}
	return &Console{log: log.Named("guest")}
}

func (c *Console) Log(level uint32, msg string) {
	switch level {
	case ConsoleDebug:
		c.log.Debug(msg)
	case ConsoleInfo:
		c.log.Info(msg)
	case ConsoleWarn:
		c.log.Warn(msg)
	default:
		c.log.Error(msg)
	}
}

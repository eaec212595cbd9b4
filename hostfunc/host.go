package hostfunc

import (
	"time"

	"go.uber.org/zap"
)

// Config gathers everything one Host needs.
type Config struct {
	HTTP     HTTPConfig
	Files    FilesConfig
	Location *time.Location
	Globals  map[string]string
	Logger   *zap.Logger
}

// Host bundles the capabilities bridged to one guest instance. All of them
// share a single loop and handle table.
type Host struct {
	Loop    *Loop
	Values  *Values
	HTTP    *HTTP
	Files   *Files
	Clock   *Clock
	Console *Console

	log *zap.Logger
}

func NewHost(cfg Config) *Host {
	log := cfg.Logger
	if log == nil {
		log = Logger()
	}

	loop := NewLoop(log)
	values := NewValues(log)
	for name, value := range cfg.Globals {
		values.SetGlobal(name, Bytes(value))
	}

	return &Host{
		Loop:    loop,
		Values:  values,
		HTTP:    NewHTTP(cfg.HTTP, loop, values, log),
		Files:   NewFiles(cfg.Files, loop, values, log),
		Clock:   NewClock(cfg.Location),
		Console: NewConsole(log),
		log:     log,
	}
}

// Close cancels in-flight work, stops the loop and releases every handle.
func (h *Host) Close() error {
	if ids := h.HTTP.Pending(); len(ids) > 0 {
		h.log.Debug("dropping undelivered responses", zap.Uint64s("ids", ids))
	}
	h.HTTP.Close()
	h.Files.Close()
	h.Loop.Close()
	return h.Values.Close()
}

package policy

import (
	"log/slog"
	"sync"

	"github.com/reglet-dev/filament-host/domain/ports"
)

var (
	_ ports.DenialHandler = (*SlogDenialHandler)(nil)
	_ ports.DenialHandler = (*NopDenialHandler)(nil)
	_ ports.DenialHandler = (*RecordingDenialHandler)(nil)
)

// SlogDenialHandler logs denials at warn level.
type SlogDenialHandler struct {
	logger *slog.Logger
}

// NewSlogDenialHandler returns a handler writing to logger, or to
// slog.Default when logger is nil.
func NewSlogDenialHandler(logger *slog.Logger) *SlogDenialHandler {
	return &SlogDenialHandler{logger: logger}
}

func (h *SlogDenialHandler) OnDenial(kind string, request any, reason string) {
	logger := h.logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Warn("permission denied", "kind", kind, "request", request, "reason", reason)
}

// NopDenialHandler does nothing.
type NopDenialHandler struct{}

func (h *NopDenialHandler) OnDenial(string, any, string) {}

// Denial is one recorded policy denial.
type Denial struct {
	Request any
	Kind    string
	Reason  string
}

// RecordingDenialHandler keeps denials in memory.
type RecordingDenialHandler struct {
	denials []Denial
	mu      sync.Mutex
}

func (h *RecordingDenialHandler) OnDenial(kind string, request any, reason string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.denials = append(h.denials, Denial{Kind: kind, Request: request, Reason: reason})
}

// Denials returns a copy of the recorded denials.
func (h *RecordingDenialHandler) Denials() []Denial {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Denial(nil), h.denials...)
}

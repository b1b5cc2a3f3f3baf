package policy

import (
	"sync/atomic"

	"github.com/fosrl/verdict/logger"
)

// Static is a verdict set locally, from config at startup and later through
// the control API
type Static struct {
	notifier
	permitted atomic.Bool
}

func NewStatic(permitted bool) *Static {
	s := &Static{}
	s.permitted.Store(permitted)
	return s
}

func (s *Static) TrafficPermitted() bool {
	return s.permitted.Load()
}

// Set changes the verdict. Setting the current value is a no-op and does not
// advance the generation.
func (s *Static) Set(permitted bool) bool {
	if s.permitted.Swap(permitted) == permitted {
		return false
	}
	gen := s.bump(permitted)
	logger.Info("policy: static verdict set to %s (generation %d)", verdictName(permitted), gen)
	return true
}

func (s *Static) Name() string {
	return "static"
}

func verdictName(permitted bool) string {
	if permitted {
		return "permit"
	}
	return "block"
}

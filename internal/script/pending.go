package script

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// Pending holds the script for the next inbound call that was not placed
// by this service. A script set with Set reverts to the default after
// resetAfter unless it is replaced first.
type Pending struct {
	mu         sync.Mutex
	fallback   Script
	current    Script
	custom     bool
	timer      *time.Timer
	generation uint64
	resetAfter time.Duration
	logger     *zap.Logger
}

func NewPending(fallback Script, resetAfter time.Duration, logger *zap.Logger) *Pending {
	if resetAfter <= 0 {
		resetAfter = 5 * time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pending{
		fallback:   fallback,
		current:    fallback,
		resetAfter: resetAfter,
		logger:     logger,
	}
}

// Set replaces the pending script and restarts the reset timer.
func (p *Pending) Set(s Script) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.timer != nil {
		p.timer.Stop()
	}
	p.generation++
	gen := p.generation
	p.current = s
	p.custom = true
	p.timer = time.AfterFunc(p.resetAfter, func() { p.reset(gen) })
}

// Current returns the pending script and whether it was set explicitly.
func (p *Pending) Current() (Script, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current, p.custom
}

// Default returns the fallback script.
func (p *Pending) Default() Script {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.fallback
}

// Stop cancels a running reset timer.
func (p *Pending) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
}

func (p *Pending) reset(gen uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	// A Set after this timer fired owns the state now.
	if gen != p.generation {
		return
	}
	p.current = p.fallback
	p.custom = false
	p.timer = nil
	p.logger.Info("pending phone script reset to default", zap.Duration("after", p.resetAfter))
}

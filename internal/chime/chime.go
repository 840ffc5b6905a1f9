// Package chime plays the short notification tone for inbound messages.
// Playback is best-effort: errors and panics never reach the caller.
package chime

import (
	"io"
	"sync"
	"time"

	"github.com/livechat/internal/logger"
)

// Player emits one tone.
type Player interface {
	Play() error
}

// Func adapts a function to Player.
type Func func() error

func (f Func) Play() error { return f() }

// Nop never makes a sound.
type Nop struct{}

func (Nop) Play() error { return nil }

// Bell writes the terminal BEL character. Tones closer together than
// MinGap are collapsed into one.
type Bell struct {
	W      io.Writer
	MinGap time.Duration

	mu   sync.Mutex
	last time.Time
}

func NewBell(w io.Writer) *Bell {
	return &Bell{W: w, MinGap: 300 * time.Millisecond}
}

func (b *Bell) Play() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := time.Now()
	if !b.last.IsZero() && now.Sub(b.last) < b.MinGap {
		return nil
	}
	b.last = now
	_, err := b.W.Write([]byte{'\a'})
	return err
}

// Play runs p and swallows anything it does wrong. A nil player is silent.
func Play(p Player) {
	if p == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			logger.Debugf("chime: recovered: %v", r)
		}
	}()
	if err := p.Play(); err != nil {
		logger.Debugf("chime: %v", err)
	}
}

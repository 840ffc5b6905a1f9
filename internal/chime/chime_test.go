package chime_test

import (
	"bytes"
	"errors"
	"testing"

	"github.com/livechat/internal/chime"
)

func TestPlayIsInert(t *testing.T) {
	chime.Play(nil)
	chime.Play(chime.Func(func() error { return errors.New("blocked") }))
	chime.Play(chime.Func(func() error { panic("no audio device") }))
}

func TestBellCollapsesBursts(t *testing.T) {
	var buf bytes.Buffer
	b := chime.NewBell(&buf)
	chime.Play(b)
	chime.Play(b)
	if buf.String() != "\a" {
		t.Fatalf("wrote %q, want a single BEL", buf.String())
	}
}

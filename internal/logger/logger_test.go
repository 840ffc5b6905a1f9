package logger_test

import (
	"bytes"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"

	"github.com/livechat/internal/logger"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func capture(t *testing.T) *syncBuffer {
	t.Helper()
	out := &syncBuffer{}
	logger.Flush()
	logger.SetOutput(out)
	t.Cleanup(func() {
		logger.Flush()
		logger.SetOutput(os.Stderr)
		logger.SetLevel("")
		logger.SetPrefix("")
	})
	return out
}

func TestFlushWritesQueuedLines(t *testing.T) {
	out := capture(t)
	logger.SetPrefix("relay")
	logger.SetLevel("debug")

	logger.Infof("room %s joined", "room_1")
	logger.Debugf("frame %d", 7)
	logger.Errorf("send: %v", "boom")
	logger.Flush()

	got := out.String()
	for _, want := range []string{"[relay] room room_1 joined", "[relay] DEBUG: frame 7", "[relay] ERROR: send: boom"} {
		if !strings.Contains(got, want) {
			t.Errorf("output missing %q:\n%s", want, got)
		}
	}
}

func TestDebugfSuppressedAtInfo(t *testing.T) {
	out := capture(t)
	logger.SetLevel("info")

	logger.Debugf("hidden")
	logger.Info("shown")
	logger.Flush()

	got := out.String()
	if strings.Contains(got, "hidden") {
		t.Errorf("debug line written at info level:\n%s", got)
	}
	if !strings.Contains(got, "shown") {
		t.Errorf("info line missing:\n%s", got)
	}
}

func TestConcurrentLoggingAndLevelChanges(t *testing.T) {
	out := capture(t)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				logger.Debugf("debug %d/%d", i, j)
				logger.Infof("info %d/%d", i, j)
				if j%10 == 0 {
					logger.SetLevel([]string{"debug", "info"}[i%2])
					logger.SetPrefix(fmt.Sprintf("g%d", i))
				}
			}
		}(i)
	}
	wg.Wait()
	logger.Flush()

	if got := strings.Count(out.String(), "info "); got != 8*50 {
		t.Errorf("info lines = %d, want %d", got, 8*50)
	}
}

func TestFlushConcurrentWithProducers(t *testing.T) {
	out := capture(t)

	// Очередь не переполняется: 4*500 строк меньше буфера, маркеры не теряются.
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 500; j++ {
				logger.Info("background")
			}
		}()
	}

	for i := 0; i < 20; i++ {
		logger.Infof("marker %d", i)
		logger.Flush()
		if want := fmt.Sprintf("marker %d", i); !strings.Contains(out.String(), want) {
			t.Fatalf("flush returned before %q was written", want)
		}
	}
	wg.Wait()
	logger.Flush()
	if got := strings.Count(out.String(), "background"); got != 4*500 {
		t.Errorf("background lines = %d, want %d", got, 4*500)
	}
}

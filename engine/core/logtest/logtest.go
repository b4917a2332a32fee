// Package logtest captures the engine logger's output in tests.
package logtest

import (
	"bufio"
	"bytes"
	"encoding/json"
	"sync"
	"testing"

	"github.com/charmbracelet/log"

	"github.com/spaghettifunk/lumen/engine/core"
)

type Recorder struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (r *Recorder) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.buf.Write(p)
}

type Entry struct {
	Level string `json:"level"`
	Msg   string `json:"msg"`
}

// Capture routes the engine logger to a JSON recorder until the test ends.
func Capture(t testing.TB) *Recorder {
	t.Helper()
	r := &Recorder{}
	l := log.NewWithOptions(r, log.Options{
		Level:     log.DebugLevel,
		Formatter: log.JSONFormatter,
	})
	prev := core.SetLogger(l)
	t.Cleanup(func() { core.SetLogger(prev) })
	return r
}

func (r *Recorder) Entries() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Entry
	sc := bufio.NewScanner(bytes.NewReader(r.buf.Bytes()))
	for sc.Scan() {
		var e Entry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			continue
		}
		out = append(out, e)
	}
	return out
}

// Count returns how many entries were logged at level ("debug", "error", ...).
func (r *Recorder) Count(level string) int {
	n := 0
	for _, e := range r.Entries() {
		if e.Level == level {
			n++
		}
	}
	return n
}

// Copyright 2026 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package log

import (
	"fmt"
	"strings"
	"testing"
	"time"
)

type testWriter struct {
	lines []string
	fail  bool
}

func (w *testWriter) Write(bytes []byte) (int, error) {
	if w.fail {
		return 0, fmt.Errorf("simulated failure")
	}
	w.lines = append(w.lines, string(bytes))
	return len(bytes), nil
}

// count returns the number of complete lines written.
func (w *testWriter) count() int {
	return strings.Count(strings.Join(w.lines, ""), "\n")
}

func TestDropMessages(t *testing.T) {
	tw := &testWriter{}
	w := Writer{Next: tw}
	if _, err := w.Write([]byte("line 1\n")); err != nil {
		t.Fatalf("Write failed, err: %v", err)
	}

	tw.fail = true
	if _, err := w.Write([]byte("error\n")); err == nil {
		t.Fatalf("Write should have failed")
	}
	if _, err := w.Write([]byte("error\n")); err == nil {
		t.Fatalf("Write should have failed")
	}

	tw.fail = false
	if _, err := w.Write([]byte("line 2\n")); err != nil {
		t.Fatalf("Write failed, err: %v", err)
	}

	expected := []string{
		"line 1\n",
		"line 2\n",
		"\n*** Dropped 2 log messages ***\n",
	}
	if len(tw.lines) != len(expected) {
		t.Fatalf("Writer should have logged %d lines, got: %v, expected: %v", len(expected), tw.lines, expected)
	}
	for i, l := range tw.lines {
		if l != expected[i] {
			t.Fatalf("line %d doesn't match, got: %v, expected: %v", i, l, expected[i])
		}
	}
}

func TestLevelFiltering(t *testing.T) {
	tw := &testWriter{}
	l := BasicLogger{Level: Info, Emitter: &Writer{Next: tw}}
	l.Debugf("hidden")
	l.Infof("shown %d", 1)
	l.Warningf("shown %d", 2)
	if got, want := tw.count(), 2; got != want {
		t.Fatalf("got %d lines want %d: %v", got, want, tw.lines)
	}
	l.SetLevel(Debug)
	l.Debugf("now shown")
	if got, want := tw.count(), 3; got != want {
		t.Errorf("got %d lines want %d after SetLevel(Debug)", got, want)
	}
}

func TestGoogleEmitterFormat(t *testing.T) {
	tw := &testWriter{}
	e := GoogleEmitter{&Writer{Next: tw}}
	ts := time.Date(2026, time.May, 7, 8, 9, 10, 123456000, time.UTC)
	e.Emit(0, Warning, ts, "evicted %d frames", 3)
	if len(tw.lines) != 1 {
		t.Fatalf("got %d lines want 1", len(tw.lines))
	}
	line := tw.lines[0]
	if !strings.HasPrefix(line, "W0507 08:09:10.123456 ") {
		t.Errorf("header got %q", line)
	}
	if !strings.HasSuffix(line, "] evicted 3 frames\n") {
		t.Errorf("message got %q", line)
	}
	if !strings.Contains(line, "log_test.go:") {
		t.Errorf("caller missing from %q", line)
	}
}

func TestMultiEmitter(t *testing.T) {
	a, b := &testWriter{}, &testWriter{}
	m := MultiEmitter{&Writer{Next: a}, &Writer{Next: b}}
	m.Emit(0, Info, time.Now(), "hello")
	if a.count() != 1 || b.count() != 1 {
		t.Errorf("MultiEmitter got %v and %v, want one line each", a.lines, b.lines)
	}
}

func TestRateLimitedLogger(t *testing.T) {
	tw := &testWriter{}
	l := RateLimitedLogger(&BasicLogger{Level: Debug, Emitter: &Writer{Next: tw}}, time.Hour)
	for i := 0; i < 10; i++ {
		l.Warningf("swap nearly full")
	}
	if got, want := tw.count(), 1; got != want {
		t.Errorf("got %d lines want %d", got, want)
	}
	if got, want := l.Suppressed(), uint64(9); got != want {
		t.Errorf("Suppressed got %d want %d", got, want)
	}
}

func TestRateLimitedReportsSuppressed(t *testing.T) {
	tw := &testWriter{}
	l := RateLimitedLogger(&BasicLogger{Level: Debug, Emitter: &Writer{Next: tw}}, 50*time.Millisecond)
	l.Warningf("first")
	l.Warningf("dropped")
	l.Warningf("dropped")
	time.Sleep(100 * time.Millisecond)
	l.Warningf("frame %d busy", 3)
	out := strings.Join(tw.lines, "")
	if !strings.Contains(out, "frame 3 busy (2 similar messages suppressed)") {
		t.Errorf("output missing suppressed count:\n%s", out)
	}
	if got := l.Suppressed(); got != 0 {
		t.Errorf("Suppressed after a logged message got %d want 0", got)
	}
}

func TestParseLevel(t *testing.T) {
	for _, test := range []struct {
		in   string
		want Level
	}{
		{"debug", Debug},
		{"Info", Info},
		{"warning", Warning},
	} {
		got, err := ParseLevel(test.in)
		if err != nil || got != test.want {
			t.Errorf("ParseLevel(%q) got (%v, %v) want (%v, nil)", test.in, got, err, test.want)
		}
	}
	if _, err := ParseLevel("loud"); err == nil {
		t.Errorf("ParseLevel(loud) succeeded")
	}
}

package logging

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

type entry struct {
	Level   string         `json:"level"`
	Time    string         `json:"time"`
	Message string         `json:"message"`
	Fields  map[string]any `json:"fields,omitempty"`
}

var levels = map[string]int{"debug": 0, "info": 1, "warn": 2, "error": 3}

var (
	mu       sync.Mutex
	out      io.Writer = os.Stdout
	minLevel           = levelFromEnv()
)

func levelFromEnv() int {
	if l, ok := levels[strings.ToLower(strings.TrimSpace(os.Getenv("ZENFLOW_LOG_LEVEL")))]; ok {
		return l
	}
	return levels["info"]
}

// SetOutput redirects log lines and returns the previous writer.
func SetOutput(w io.Writer) io.Writer {
	mu.Lock()
	defer mu.Unlock()
	prev := out
	out = w
	return prev
}

// SetLevel sets the minimum level written. Unknown names are ignored.
func SetLevel(name string) {
	mu.Lock()
	defer mu.Unlock()
	if l, ok := levels[strings.ToLower(name)]; ok {
		minLevel = l
	}
}

func Log(level, msg string, fields map[string]any) {
	mu.Lock()
	defer mu.Unlock()
	if l, ok := levels[level]; ok && l < minLevel {
		return
	}
	e := entry{Level: level, Time: time.Now().UTC().Format(time.RFC3339Nano), Message: msg, Fields: fields}
	b, _ := json.Marshal(e)
	fmt.Fprintln(out, string(b))
}

func Debug(msg string, fields map[string]any) { Log("debug", msg, fields) }
func Info(msg string, fields map[string]any)  { Log("info", msg, fields) }
func Warn(msg string, fields map[string]any)  { Log("warn", msg, fields) }
func Error(msg string, fields map[string]any) { Log("error", msg, fields) }

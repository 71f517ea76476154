package debug

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestParseCategories(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  map[string]bool
	}{
		{"empty", "", map[string]bool{}},
		{"single", "broker", map[string]bool{"broker": true}},
		{"multiple", "broker,stream", map[string]bool{"broker": true, "stream": true}},
		{"all", "all", map[string]bool{"all": true}},
		{"with spaces", " broker , webhook ", map[string]bool{"broker": true, "webhook": true}},
		{"uppercase normalized", "BROKER,Sse", map[string]bool{"broker": true, "sse": true}},
		{"empty segments", "broker,,relay", map[string]bool{"broker": true, "relay": true}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := parseCategories(tt.input)
			for k, v := range tt.want {
				if got[k] != v {
					t.Errorf("got[%q] = %v, want %v", k, got[k], v)
				}
			}
			if len(got) != len(tt.want) {
				t.Errorf("len(got) = %d, want %d", len(got), len(tt.want))
			}
		})
	}
}

func TestEnabled(t *testing.T) {
	orig := categories
	defer func() { categories = orig }()

	categories = parseCategories("broker,subscription")

	if !Enabled(Broker) {
		t.Error("broker should be enabled")
	}
	if !Enabled(Subscription) {
		t.Error("subscription should be enabled")
	}
	if Enabled(Storage) {
		t.Error("storage should not be enabled")
	}

	categories = parseCategories("all")
	if !Enabled("anything") {
		t.Error("anything should be enabled via 'all'")
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input string
		want  slog.Level
	}{
		{"TRACE", LevelTrace},
		{"debug", slog.LevelDebug},
		{"", slog.LevelInfo},
		{"warning", slog.LevelWarn},
		{" ERROR ", slog.LevelError},
		{"bogus", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := ParseLevel(tt.input); got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.input, got, tt.want)
		}
	}
}

func TestLog_TagsCategory(t *testing.T) {
	origCats := categories
	origLogger := slog.Default()
	defer func() {
		categories = origCats
		slog.SetDefault(origLogger)
	}()

	var buf bytes.Buffer
	slog.SetDefault(slog.New(NewHandler(&buf, "json", slog.LevelDebug)))
	categories = parseCategories("stream")

	Log(Stream, "pull", "length", 3)
	Log(Broker, "hidden")

	out := buf.String()
	if !strings.Contains(out, `"debug":"stream"`) || !strings.Contains(out, `"length":3`) {
		t.Errorf("missing attributes in %s", out)
	}
	if strings.Contains(out, "hidden") {
		t.Errorf("disabled category was logged: %s", out)
	}
}

func TestTraceIsEnabled(t *testing.T) {
	origCats := categories
	origLogger := slog.Default()
	defer func() {
		categories = origCats
		slog.SetDefault(origLogger)
	}()

	categories = parseCategories("broker")

	slog.SetDefault(slog.New(NewHandler(&bytes.Buffer{}, "text", slog.LevelDebug)))
	if TraceIsEnabled(Broker) {
		t.Error("trace should be off at DEBUG level")
	}

	slog.SetDefault(slog.New(NewHandler(&bytes.Buffer{}, "text", LevelTrace)))
	if !TraceIsEnabled(Broker) {
		t.Error("trace should be on at TRACE level")
	}
	if TraceIsEnabled(Relay) {
		t.Error("trace should be off for disabled categories")
	}
}

func TestTruncate(t *testing.T) {
	if got := Truncate("abcdef", 3); got != "abc..." {
		t.Errorf("Truncate = %q", got)
	}
	if got := Truncate("abc", 3); got != "abc" {
		t.Errorf("Truncate = %q", got)
	}
}

func TestCategories_Sorted(t *testing.T) {
	orig := categories
	defer func() { categories = orig }()

	categories = parseCategories("stream,broker")
	got := Categories()
	if len(got) != 2 || got[0] != "broker" || got[1] != "stream" {
		t.Errorf("Categories() = %v", got)
	}
}

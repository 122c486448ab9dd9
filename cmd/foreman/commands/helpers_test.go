package commands

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestParseDeadline(t *testing.T) {
	t.Run("empty means none", func(t *testing.T) {
		got, err := parseDeadline("")
		if err != nil {
			t.Fatalf("parseDeadline(\"\") error: %v", err)
		}
		if got != nil {
			t.Errorf("expected nil deadline, got %v", got)
		}
	})

	t.Run("duration offset", func(t *testing.T) {
		before := time.Now()
		got, err := parseDeadline("48h")
		if err != nil {
			t.Fatalf("parseDeadline(48h) error: %v", err)
		}
		if got == nil {
			t.Fatal("expected a deadline")
		}
		want := before.Add(48 * time.Hour)
		if got.Before(want.Add(-time.Minute)) || got.After(want.Add(time.Minute)) {
			t.Errorf("deadline %v not ~48h from now", got)
		}
	})

	t.Run("rfc3339", func(t *testing.T) {
		got, err := parseDeadline("2026-09-01T12:00:00Z")
		if err != nil {
			t.Fatalf("parseDeadline(rfc3339) error: %v", err)
		}
		if got == nil || !got.Equal(time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC)) {
			t.Errorf("deadline = %v, want 2026-09-01T12:00:00Z", got)
		}
	})

	t.Run("plain date", func(t *testing.T) {
		got, err := parseDeadline("2026-09-01")
		if err != nil {
			t.Fatalf("parseDeadline(date) error: %v", err)
		}
		if got == nil || got.Year() != 2026 || got.Month() != 9 || got.Day() != 1 {
			t.Errorf("deadline = %v, want 2026-09-01", got)
		}
	})

	t.Run("garbage rejected", func(t *testing.T) {
		if _, err := parseDeadline("next tuesday"); err == nil {
			t.Error("expected error for unparseable deadline")
		}
	})
}

func TestFormatMoney(t *testing.T) {
	if got := formatMoney(0); got != "$0.0000" {
		t.Errorf("formatMoney(0) = %s", got)
	}
	if got := formatMoney(1.23456); got != "$1.2346" {
		t.Errorf("formatMoney(1.23456) = %s", got)
	}
}

func TestFormatAge(t *testing.T) {
	tests := []struct {
		age      time.Duration
		expected string
	}{
		{30 * time.Second, "30s"},
		{5 * time.Minute, "5m"},
		{3 * time.Hour, "3h"},
		{48 * time.Hour, "2d"},
	}
	for _, tt := range tests {
		if got := formatAge(time.Now().Add(-tt.age)); got != tt.expected {
			t.Errorf("formatAge(-%v) = %s, want %s", tt.age, got, tt.expected)
		}
	}

	if got := formatAge(time.Time{}); got != "-" {
		t.Errorf("formatAge(zero) = %s, want -", got)
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("short", 10); got != "short" {
		t.Errorf("truncate(short, 10) = %s", got)
	}
	if got := truncate("a much longer string", 10); got != "a much ..." {
		t.Errorf("truncate(long, 10) = %s", got)
	}
	if len(truncate("abcdef", 3)) != 3 {
		t.Error("truncate should respect tiny limits")
	}
}

func TestFormatLogLevel(t *testing.T) {
	tests := []struct {
		level    string
		expected string
	}{
		{"debug", "DBG"},
		{"info", "INF"},
		{"warn", "WRN"},
		{"error", "ERR"},
		{"fatal", "FAT"},
		{"x", "X"},
	}
	for _, tt := range tests {
		if got := formatLogLevel(tt.level); got != tt.expected {
			t.Errorf("formatLogLevel(%s) = %s, want %s", tt.level, got, tt.expected)
		}
	}
}

func TestReadLastLines(t *testing.T) {
	dir := t.TempDir()

	older := filepath.Join(dir, "foreman-2026-01-01.log")
	newer := filepath.Join(dir, "foreman-2026-01-02.log")
	if err := os.WriteFile(older, []byte("a\nb\nc\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(newer, []byte("d\ne\n"), 0644); err != nil {
		t.Fatal(err)
	}

	// Newest-first input, like logging.ListFiles returns.
	lines := readLastLines([]string{newer, older}, 3)
	if len(lines) != 3 {
		t.Fatalf("got %d lines, want 3", len(lines))
	}
	want := []string{"c", "d", "e"}
	for i, l := range lines {
		if l != want[i] {
			t.Errorf("line %d = %q, want %q", i, l, want[i])
		}
	}

	all := readLastLines([]string{newer, older}, 10)
	if len(all) != 5 {
		t.Errorf("got %d lines, want all 5", len(all))
	}
}

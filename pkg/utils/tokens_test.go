package utils

import (
	"testing"
)

func TestNewTokenCounter(t *testing.T) {
	tests := []struct {
		name      string
		model     string
		wantError bool
	}{
		{
			name:      "GPT-4o model",
			model:     "gpt-4o",
			wantError: false,
		},
		{
			name:      "GPT-4 model",
			model:     "gpt-4",
			wantError: false,
		},
		{
			name:      "Claude model (uses fallback)",
			model:     "claude-3-5-sonnet",
			wantError: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			counter, err := NewTokenCounter(tt.model)
			if (err != nil) != tt.wantError {
				t.Errorf("NewTokenCounter() error = %v, wantError %v", err, tt.wantError)
				return
			}
			if !tt.wantError && counter == nil {
				t.Error("NewTokenCounter() returned nil counter")
			}
			if counter != nil && counter.GetModel() != tt.model {
				t.Errorf("NewTokenCounter() model = %v, want %v", counter.GetModel(), tt.model)
			}
		})
	}
}

func TestTokenCounter_Count(t *testing.T) {
	counter, err := NewTokenCounter("gpt-4o")
	if err != nil {
		t.Fatalf("Failed to create token counter: %v", err)
	}

	tests := []struct {
		name      string
		text      string
		minTokens int
		maxTokens int
	}{
		{
			name:      "Empty string",
			text:      "",
			minTokens: 0,
			maxTokens: 0,
		},
		{
			name:      "Simple sentence",
			text:      "Hello, world!",
			minTokens: 3,
			maxTokens: 5,
		},
		{
			name:      "Longer text",
			text:      "This is a longer sentence with more words to count tokens accurately.",
			minTokens: 12,
			maxTokens: 18,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			count := counter.Count(tt.text)
			if count < tt.minTokens || count > tt.maxTokens {
				t.Errorf("Count() = %v, want between %v and %v for text: %q",
					count, tt.minTokens, tt.maxTokens, tt.text)
			}
		})
	}
}

func TestTokenCounter_Caching(t *testing.T) {
	first, err := NewTokenCounter("gpt-4o")
	if err != nil {
		t.Fatalf("Failed to create first counter: %v", err)
	}
	second, err := NewTokenCounter("gpt-4o")
	if err != nil {
		t.Fatalf("Failed to create second counter: %v", err)
	}

	// Both counters share the cached encoding
	if first.encoding != second.encoding {
		t.Error("Expected cached encoding to be reused")
	}
}

func TestEstimateTokens(t *testing.T) {
	tests := []struct {
		text     string
		expected int
	}{
		{"", 0},
		{"abcd", 1},
		{"abcdefgh", 2},
		{"abc", 0},
	}

	for _, tt := range tests {
		if got := EstimateTokens(tt.text); got != tt.expected {
			t.Errorf("EstimateTokens(%q) = %d, want %d", tt.text, got, tt.expected)
		}
	}
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		max      int
		expected string
	}{
		{"shorter_than_max", "hello", 10, "hello"},
		{"exactly_max", "hello", 5, "hello"},
		{"truncated_with_ellipsis", "hello world", 5, "hello..."},
		{"zero_max", "hello", 0, ""},
		{"multibyte_runes", "ωωωωω", 3, "ωωω..."},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Truncate(tt.input, tt.max); got != tt.expected {
				t.Errorf("Truncate(%q, %d) = %q, want %q", tt.input, tt.max, got, tt.expected)
			}
		})
	}
}

func TestTruncateChars(t *testing.T) {
	if got := TruncateChars("hello world", 5); got != "hello" {
		t.Errorf("TruncateChars() = %q, want %q", got, "hello")
	}
	if got := TruncateChars("hi", 5); got != "hi" {
		t.Errorf("TruncateChars() = %q, want %q", got, "hi")
	}
}

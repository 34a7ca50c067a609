package textx

import "testing"

func TestSanitizeText(t *testing.T) {
	in := "he\x00llo\nwo\x7frld\t!"
	got := SanitizeText(in)
	if got != "hello\nworld\t!" {
		t.Fatalf("unexpected: %q", got)
	}
}

func TestCollapseWhitespace(t *testing.T) {
	in := "  a \t b  \nc   d "
	got := CollapseWhitespace(in)
	if got != "a b\nc d" {
		t.Fatalf("unexpected: %q", got)
	}
}

func TestWordCount(t *testing.T) {
	if n := WordCount("one two  three\nfour"); n != 4 {
		t.Fatalf("unexpected count: %d", n)
	}
}

func TestTruncate(t *testing.T) {
	if got := Truncate("hello world", 8); got != "hello..." {
		t.Fatalf("unexpected: %q", got)
	}
	if got := Truncate("short", 10); got != "short" {
		t.Fatalf("unexpected: %q", got)
	}
}

package conversion

import (
	"strings"
	"testing"
)

func TestConverter_Convert(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		contains []string
	}{
		{
			name:     "bold",
			input:    "Please **sign in**",
			contains: []string{"<strong>sign in</strong>"},
		},
		{
			name:     "link",
			input:    "[docs](https://example.com/docs)",
			contains: []string{`href="https://example.com/docs"`},
		},
		{
			name:     "table",
			input:    "| a | b |\n|---|---|\n| 1 | 2 |",
			contains: []string{"<table>", "<td>1</td>"},
		},
	}

	converter := NewConverter()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := converter.Convert(tt.input)
			if err != nil {
				t.Fatalf("Convert failed: %v", err)
			}
			for _, want := range tt.contains {
				if !strings.Contains(got, want) {
					t.Errorf("Convert(%q) = %q, want substring %q", tt.input, got, want)
				}
			}
		})
	}
}

func TestDefaultConverter_Sanitizes(t *testing.T) {
	converter := DefaultConverter()

	got, err := converter.Convert("hello <script>alert(1)</script> [x](javascript:alert(1))")
	if err != nil {
		t.Fatalf("Convert failed: %v", err)
	}
	if strings.Contains(got, "<script>") {
		t.Errorf("script tag survived sanitization: %q", got)
	}
	if strings.Contains(got, "javascript:") {
		t.Errorf("javascript URL survived sanitization: %q", got)
	}
}

func TestDefaultConverter_LinksOpenExternally(t *testing.T) {
	got, err := DefaultConverter().Convert("[login](https://login.example.com)")
	if err != nil {
		t.Fatalf("Convert failed: %v", err)
	}
	if !strings.Contains(got, `rel="nofollow`) {
		t.Errorf("expected nofollow on links, got %q", got)
	}
	if !strings.Contains(got, `target="_blank"`) {
		t.Errorf("expected target=_blank on links, got %q", got)
	}
}

func TestDefaultConverter_HardWraps(t *testing.T) {
	got, err := DefaultConverter().Convert("line one\nline two")
	if err != nil {
		t.Fatalf("Convert failed: %v", err)
	}
	if !strings.Contains(got, "<br") {
		t.Errorf("expected hard wrap, got %q", got)
	}
}

func TestConvertToSafeHTML_Empty(t *testing.T) {
	if got := DefaultConverter().ConvertToSafeHTML("   "); got != "" {
		t.Errorf("ConvertToSafeHTML(blank) = %q, want empty", got)
	}
}

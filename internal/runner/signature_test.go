package runner

import "testing"

func TestDefaultExtractor(t *testing.T) {
	tests := []struct {
		logs string
		want string
	}{
		{"java.lang.NullPointerException at Foo.bar", "java.lang.NullPointerException"},
		{"first org.opentest4j.AssertionFailedError then java.io.IOException", "org.opentest4j.AssertionFailedError"},
		{"[ERROR] Tests run: 1, Failures: 1", ""},
		{"", ""},
	}
	e := DefaultExtractor()
	for _, tt := range tests {
		if got := e.Extract(tt.logs); got != tt.want {
			t.Errorf("Extract(%q) = %q, want %q", tt.logs, got, tt.want)
		}
	}
}

func TestRegexExtractorCaptureGroup(t *testing.T) {
	e, err := NewRegexExtractor(`FAILED: (\w+)`)
	if err != nil {
		t.Fatalf("NewRegexExtractor: %v", err)
	}
	if got := e.Extract("x FAILED: testLogin y"); got != "testLogin" {
		t.Errorf("got %q", got)
	}
	if _, err := NewRegexExtractor("("); err == nil {
		t.Error("expected error for invalid pattern")
	}
}

package patterns

import (
	"reflect"
	"testing"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		name     string
		level    MaskingLevel
		input    string
		expected string
	}{
		{"leading timestamp", MaskPresentation, "2024-05-21T10:00:05.123Z AssertionError: boom", "AssertionError: boom"},
		{"comma millis", MaskPresentation, "2024-05-21 10:00:05,123 AssertionError", "AssertionError"},
		{"timestamp inside text kept", MaskPresentation, "expected 2024-05-21T10:00:05Z got nil", "expected 2024-05-21T10:00:05Z got nil"},
		{"git sha", MaskPresentation, "at revision 1a2b3c4d5e6f7890abcdef1234567890abcdef12", "at revision <HASH>"},
		{"hex address", MaskPresentation, "nil pointer at 0x7fff5fbff8c0", "nil pointer at <HEX>"},
		{"uuid", MaskPresentation, "build 550e8400-e29b-41d4-a716-446655440000 failed", "build <UUID> failed"},
		{"long path keeps line", MaskPresentation, "at /var/lib/jenkins/workspace/app/src/test/AuthTest.java:45", "at .../AuthTest.java:45"},
		{"short path kept", MaskPresentation, "src/main.go:10", "src/main.go:10"},
		{"colour codes", MaskPresentation, "\x1b[31mFAIL\x1b[0m   calc_test", "FAIL calc_test"},
		{"whitespace", MaskPresentation, "  assert \t x  ==   y ", "assert x == y"},

		{"numbers", MaskRecurrence, "expected 42 got 7", "expected [NUM] got [NUM]"},
		{"any timestamp", MaskRecurrence, "timeout at 2024-05-21T10:00:05Z", "timeout at [TIMESTAMP]"},
		{"whole path", MaskRecurrence, "at /home/ci/build/src/pkg/calc_test.go:17", "at [PATH]"},
		{"uuid and hash", MaskRecurrence, "550e8400-e29b-41d4-a716-446655440000 deadbeefcafe1234", "[UUID] [HASH]"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Normalize(tt.input, tt.level); got != tt.expected {
				t.Errorf("Normalize(%q) = %q, expected %q", tt.input, got, tt.expected)
			}
		})
	}
}

func TestNormalizeLines(t *testing.T) {
	tests := []struct {
		name     string
		level    MaskingLevel
		lines    []string
		expected []string
	}{
		{
			name:     "empty",
			level:    MaskPresentation,
			lines:    nil,
			expected: nil,
		},
		{
			name:  "drops blank lines",
			level: MaskPresentation,
			lines: []string{"AssertionError", "", "   ", "at foo()"},
			expected: []string{
				"AssertionError",
				"at foo()",
			},
		},
		{
			name:  "removes shared traceback prefix",
			level: MaskPresentation,
			lines: []string{
				`File "tests/integration/test_api.py", line 10, in setup`,
				`File "tests/integration/test_api.py", line 42, in test_login`,
			},
			expected: []string{"... 10, in setup", "... 42, in test_login"},
		},
		{
			name:  "recurrence keeps prefix",
			level: MaskRecurrence,
			lines: []string{
				`File "tests/integration/test_api.py", line 10, in setup`,
				`File "tests/integration/test_api.py", line 42, in test_login`,
			},
			expected: []string{
				`File "tests/integration/test_api.py", line [NUM], in setup`,
				`File "tests/integration/test_api.py", line [NUM], in test_login`,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := NormalizeLines(tt.lines, tt.level); !reflect.DeepEqual(got, tt.expected) {
				t.Errorf("NormalizeLines() = %q, expected %q", got, tt.expected)
			}
		})
	}
}

func TestFindCommonPrefix(t *testing.T) {
	tests := []struct {
		name     string
		lines    []string
		expected string
	}{
		{"short prefix ignored", []string{"at foo", "at bar"}, ""},
		{"single line", []string{"AssertionError"}, ""},
		{"shared frame", []string{"    at com.acme.payments.Ledger.post(Ledger.java:10)", "    at com.acme.payments.Ledger.settle(Ledger.java:52)"}, "    at com.acme.payments.Ledger."},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := findCommonPrefix(tt.lines); got != tt.expected {
				t.Errorf("findCommonPrefix() = %q, expected %q", got, tt.expected)
			}
		})
	}
}

func TestSignature(t *testing.T) {
	a := "2024-05-21T10:00:05Z AssertionError: expected 3 got 4\n  at /home/ci/a/b/c/calc_test.go:17"
	b := "2024-06-01T08:12:44Z AssertionError: expected 10 got 11\n  at /srv/runner/x/y/z/calc_test.go:99"
	c := "TimeoutError: request took 30s"

	if Signature(a) != Signature(b) {
		t.Error("messages differing only in numbers, paths and timestamps should share a signature")
	}
	if Signature(a) == Signature(c) {
		t.Error("different failures should not share a signature")
	}
	if Signature("") != 0 || Signature("\n  \n") != 0 {
		t.Error("empty message should have signature 0")
	}

	long := "boom\nframe 1\nframe 2\nframe 3"
	if Signature(long) != Signature("boom\nframe 1\nframe 2\nsomething else") {
		t.Error("only the leading lines should count")
	}
}

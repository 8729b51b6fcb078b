package junit

import (
	"strings"
	"testing"

	"changes-agent/src/model"
)

func TestParseResults_SingleSuite(t *testing.T) {
	xml := `<?xml version="1.0" encoding="UTF-8"?>
<testsuite name="unit" tests="3" failures="1" errors="0" skipped="1" time="1.4">
  <testcase name="test_login" classname="auth.views" time="0.123"/>
  <testcase name="test_logout" classname="auth.views" time="1.111">
    <failure message="assertion failed" type="AssertionError">
Traceback (most recent call last):
  File "auth/views.py", line 42
    </failure>
  </testcase>
  <testcase name="test_sso" classname="auth.views" time="0">
    <skipped message="needs ldap"/>
  </testcase>
</testsuite>`

	results, err := ParseResults([]byte(xml))
	if err != nil {
		t.Fatalf("ParseResults failed: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("Expected 3 results, got %d", len(results))
	}

	passed := results[0]
	if passed.Result != model.ResultPassed || passed.Duration != 123 {
		t.Errorf("Expected passed in 123ms, got %s in %dms", passed.Result, passed.Duration)
	}
	if passed.FullName() != "auth.views.test_login" {
		t.Errorf("Expected full name auth.views.test_login, got %s", passed.FullName())
	}
	if passed.Suite != "unit" {
		t.Errorf("Expected suite unit, got %s", passed.Suite)
	}

	failed := results[1]
	if failed.Result != model.ResultFailed {
		t.Errorf("Expected failed, got %s", failed.Result)
	}
	if failed.Duration != 1111 {
		t.Errorf("Expected 1111ms, got %d", failed.Duration)
	}
	if !strings.HasPrefix(failed.Message, "assertion failed\n\nTraceback") {
		t.Errorf("Unexpected message %q", failed.Message)
	}

	skipped := results[2]
	if skipped.Result != model.ResultSkipped || skipped.Message != "needs ldap" {
		t.Errorf("Expected skipped with message, got %s %q", skipped.Result, skipped.Message)
	}
}

func TestParseResults_MultipleSuitesWithErrors(t *testing.T) {
	xml := `<?xml version="1.0" encoding="UTF-8"?>
<testsuites>
  <testsuite name="Suite1" tests="1" errors="1">
    <testcase name="testError" classname="com.example.Test1" time="0.5">
      <error message="NullPointerException" type="NullPointerException"/>
    </testcase>
  </testsuite>
  <testsuite name="Suite2" tests="1" failures="1">
    <testcase name="testFail" classname="com.example.Test2" time="0.3">
      <failure message="expected true" type="AssertionError"/>
    </testcase>
  </testsuite>
</testsuites>`

	results, err := ParseResults([]byte(xml))
	if err != nil {
		t.Fatalf("ParseResults failed: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("Expected 2 results, got %d", len(results))
	}
	if results[0].Result != model.ResultErrored || results[0].Suite != "Suite1" {
		t.Errorf("Expected errored in Suite1, got %s in %s", results[0].Result, results[0].Suite)
	}
	if results[1].Result != model.ResultFailed || results[1].Message != "expected true" {
		t.Errorf("Expected failed with message, got %s %q", results[1].Result, results[1].Message)
	}
}

func TestParse_InvalidXML(t *testing.T) {
	if _, err := Parse([]byte(`not even xml at all`)); err == nil {
		t.Error("Expected error for invalid XML, got nil")
	}
}

func TestMessage_Truncated(t *testing.T) {
	long := strings.Repeat("x", maxMessage+100)
	if got := message(&Outcome{Content: long}); len(got) != maxMessage {
		t.Errorf("Expected message truncated to %d, got %d", maxMessage, len(got))
	}
}

// Package junit reads JUnit XML reports into test results.
package junit

import (
	"encoding/xml"
	"fmt"
	"math"

	"changes-agent/src/model"
	"changes-agent/src/sanitize"
)

// TestSuites is the root element for multiple test suites.
type TestSuites struct {
	XMLName    xml.Name    `xml:"testsuites"`
	TestSuites []TestSuite `xml:"testsuite"`
}

// TestSuite represents a <testsuite> element.
type TestSuite struct {
	Name      string     `xml:"name,attr"`
	Tests     int        `xml:"tests,attr"`
	Failures  int        `xml:"failures,attr"`
	Errors    int        `xml:"errors,attr"`
	Skipped   int        `xml:"skipped,attr"`
	Time      float64    `xml:"time,attr"`
	TestCases []TestCase `xml:"testcase"`
}

// TestCase represents a <testcase> element.
type TestCase struct {
	Name      string   `xml:"name,attr"`
	ClassName string   `xml:"classname,attr"`
	Time      float64  `xml:"time,attr"`
	Failure   *Outcome `xml:"failure"`
	Error     *Outcome `xml:"error"`
	Skipped   *Outcome `xml:"skipped"`
}

// Outcome is the body of a <failure>, <error> or <skipped> element.
type Outcome struct {
	Message string `xml:"message,attr"`
	Type    string `xml:"type,attr"`
	Content string `xml:",chardata"`
}

// maxMessage bounds the stored failure text per test.
const maxMessage = 8192

// Parse reads a report with either a <testsuites> or a single <testsuite>
// root.
func Parse(data []byte) ([]TestSuite, error) {
	var suites TestSuites
	if err := xml.Unmarshal(data, &suites); err == nil && len(suites.TestSuites) > 0 {
		return suites.TestSuites, nil
	}

	var suite TestSuite
	if err := xml.Unmarshal(data, &suite); err != nil {
		return nil, fmt.Errorf("failed to parse JUnit XML: %w", err)
	}
	return []TestSuite{suite}, nil
}

// Results converts every test case of suites. The class name becomes the
// package; times are converted from seconds to milliseconds.
func Results(suites []TestSuite) []model.TestResult {
	var out []model.TestResult
	for _, suite := range suites {
		for _, tc := range suite.TestCases {
			r := model.TestResult{
				Suite:    suite.Name,
				Package:  tc.ClassName,
				Name:     tc.Name,
				Result:   model.ResultPassed,
				Duration: int64(math.Round(tc.Time * 1000)),
			}
			switch {
			case tc.Failure != nil:
				r.Result = model.ResultFailed
				r.Message = message(tc.Failure)
			case tc.Error != nil:
				r.Result = model.ResultErrored
				r.Message = message(tc.Error)
			case tc.Skipped != nil:
				r.Result = model.ResultSkipped
				r.Message = tc.Skipped.Message
			}
			out = append(out, r)
		}
	}
	return out
}

// ParseResults is Parse followed by Results.
func ParseResults(data []byte) ([]model.TestResult, error) {
	suites, err := Parse(data)
	if err != nil {
		return nil, err
	}
	return Results(suites), nil
}

func message(o *Outcome) string {
	msg := sanitize.Clean(o.Message)
	if body := sanitize.Clean(o.Content); body != "" {
		if msg != "" {
			msg += "\n\n"
		}
		msg += body
	}
	if len(msg) > maxMessage {
		msg = msg[:maxMessage]
	}
	return msg
}

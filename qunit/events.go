package qunit

import (
	"encoding/json"
	"fmt"
)

// BeginEvent is posted when QUnit starts. TotalTests and Modules are missing
// when the page reports before QUnit has collected its tests.
type BeginEvent struct {
	IsOpa      bool         `json:"isOpa"`
	TotalTests *int         `json:"totalTests"`
	Modules    []ModuleDecl `json:"modules"`
}

type ModuleDecl struct {
	Name  string     `json:"name"`
	Tests []TestDecl `json:"tests"`
}

type TestDecl struct {
	Name   string `json:"name"`
	TestID string `json:"testId"`
}

type TestStartEvent struct {
	Module string `json:"module"`
	Name   string `json:"name"`
	TestID string `json:"testId"`
}

// LogEvent is one assertion. Details holds every field besides the test
// identification.
type LogEvent struct {
	Module  string
	Name    string
	TestID  string
	Details map[string]any
}

func (e *LogEvent) UnmarshalJSON(data []byte) error {
	fields, err := decodeObject(data)
	if err != nil {
		return err
	}
	e.Module, e.Name, e.TestID = takeString(fields, "module"), takeString(fields, "name"), takeString(fields, "testId")
	e.Details = fields
	return nil
}

// TestDoneEvent ends a test. Report holds the remaining QUnit fields
// (failed, passed, total, runtime...); assertions are dropped.
type TestDoneEvent struct {
	Module string
	Name   string
	TestID string
	Report map[string]any
}

func (e *TestDoneEvent) UnmarshalJSON(data []byte) error {
	fields, err := decodeObject(data)
	if err != nil {
		return err
	}
	e.Module, e.Name, e.TestID = takeString(fields, "module"), takeString(fields, "name"), takeString(fields, "testId")
	delete(fields, "assertions")
	e.Report = fields
	return nil
}

// Failed reports whether the test had failing assertions.
func (e TestDoneEvent) Failed() bool {
	return toInt(e.Report["failed"]) > 0
}

func decodeObject(data []byte) (map[string]any, error) {
	var fields map[string]any
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, err
	}
	if fields == nil {
		fields = map[string]any{}
	}
	return fields, nil
}

func takeString(fields map[string]any, key string) string {
	v, ok := fields[key]
	delete(fields, key)
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

func toInt(v any) int {
	switch n := v.(type) {
	case float64:
		return int(n)
	case int:
		return n
	case bool:
		if n {
			return 1
		}
	}
	return 0
}

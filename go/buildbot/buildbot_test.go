package buildbot

import (
	"encoding/json"
	"testing"

	assert "github.com/stretchr/testify/require"
)

func TestStepResults(t *testing.T) {
	s := &Step{}
	assert.Equal(t, SUCCESS, s.Results())

	s = &Step{RawResults: []interface{}{nil, []interface{}{}}}
	assert.Equal(t, SUCCESS, s.Results())

	s = &Step{RawResults: []interface{}{float64(FAILURE), []interface{}{"stdio"}}}
	assert.Equal(t, FAILURE, s.Results())

	s = &Step{RawResults: []interface{}{float64(EXCEPTION)}}
	assert.Equal(t, EXCEPTION, s.Results())
}

func TestBuildFinishedAndResults(t *testing.T) {
	b := &Build{}
	assert.False(t, b.Finished())
	assert.Equal(t, FAILURE, b.Results())

	r := SUCCESS
	b.RawResults = &r
	assert.True(t, b.Finished())
	assert.Equal(t, SUCCESS, b.Results())
}

func TestBuildDecode(t *testing.T) {
	blob := `{
		"builderName": "Win Builder",
		"number": 12,
		"reason": "scheduler",
		"blame": ["dev@chromium.org"],
		"properties": [["revision", "abc123", "Build"], ["buildnumber", 12, "Build"]],
		"sourceStamp": {"branch": "main", "changes": [{"revision": "abc123"}]},
		"results": 2,
		"steps": [
			{"name": "update", "isStarted": true, "isFinished": true, "results": [0, []]},
			{"name": "compile", "isStarted": true, "isFinished": true, "results": [2, ["stdio"]]}
		]
	}`
	var b Build
	assert.NoError(t, json.Unmarshal([]byte(blob), &b))
	b.Master = "http://master.test"

	assert.True(t, b.Finished())
	assert.Equal(t, FAILURE, b.Results())
	assert.Equal(t, []string{"update", "compile"}, b.StepNames())

	rev, ok := b.Property("revision")
	assert.True(t, ok)
	assert.Equal(t, "abc123", rev)
	_, ok = b.Property("got_revision")
	assert.False(t, ok)

	vals := b.PropertyValues([]string{"revision", "missing"})
	assert.Equal(t, "abc123", vals["revision"])
	assert.Nil(t, vals["missing"])

	assert.Equal(t, []interface{}{"abc123"}, b.Revisions())
	assert.Equal(t, "http://master.test/builders/Win%20Builder/builds/12", b.URL())

	assert.Equal(t, FAILURE, b.Step("compile").Results())
	assert.Nil(t, b.Step("nonexistent"))
}

func TestResultStrings(t *testing.T) {
	assert.Equal(t, "success", ResultString(SUCCESS))
	assert.Equal(t, "failure", ResultString(FAILURE))
	assert.Equal(t, "unknown", ResultString(17))

	r, err := ParseResultString("WARNINGS")
	assert.NoError(t, err)
	assert.Equal(t, WARNINGS, r)
	_, err = ParseResultString("bogus")
	assert.Error(t, err)
}

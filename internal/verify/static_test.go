package verify

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func analyzer(t *testing.T) *StaticAnalyzer {
	t.Helper()
	a := NewStaticAnalyzer()
	t.Cleanup(a.Close)
	return a
}

func findRule(issues []StaticIssue, rule string) *StaticIssue {
	for i := range issues {
		if issues[i].Rule == rule {
			return &issues[i]
		}
	}
	return nil
}

func TestCleanScriptPasses(t *testing.T) {
	src := []byte(`//luminara:hook on_spawn
//luminara:api world.SpawnEntity
package main

func on_spawn(input string) (string, error) {
	id, err := world.SpawnEntity("crate")
	if err != nil {
		return "", err
	}
	return id, nil
}
`)
	issues, err := analyzer(t).Analyze(src, ParseCapabilities(src))
	require.NoError(t, err)
	assert.False(t, HasBlocking(issues), "unexpected blocking issues: %v", issues)
}

func TestUnboundedLoopFlagged(t *testing.T) {
	src := []byte(`package main

func on_update(input string) (string, error) {
	for {
		process()
	}
}

func process() {}
`)
	issues, err := analyzer(t).Analyze(src, nil)
	require.NoError(t, err)
	issue := findRule(issues, "unbounded-loop")
	require.NotNil(t, issue)
	assert.Equal(t, SeverityError, issue.Severity)
	assert.True(t, HasBlocking(issues))
}

func TestLoopWithBreakAllowed(t *testing.T) {
	src := []byte(`package main

func on_update(input string) (string, error) {
	n := 0
	for {
		n = n + 1
		if n > 10 {
			break
		}
	}
	return "", nil
}
`)
	issues, err := analyzer(t).Analyze(src, nil)
	require.NoError(t, err)
	assert.Nil(t, findRule(issues, "unbounded-loop"))
}

func TestUnreachableCodeFlagged(t *testing.T) {
	src := []byte(`package main

func on_spawn(input string) (string, error) {
	return "", nil
	helper()
}

func helper() {}
`)
	issues, err := analyzer(t).Analyze(src, nil)
	require.NoError(t, err)
	issue := findRule(issues, "unreachable-code")
	require.NotNil(t, issue)
	assert.Equal(t, SeverityWarning, issue.Severity)
	assert.False(t, HasBlocking(issues), "unreachable code warns without blocking")
}

func TestUndeclaredHostAPIBlocked(t *testing.T) {
	src := []byte(`//luminara:api world.GetComponent
package main

func on_spawn(input string) (string, error) {
	return world.SpawnEntity("crate")
}
`)
	issues, err := analyzer(t).Analyze(src, ParseCapabilities(src))
	require.NoError(t, err)
	issue := findRule(issues, "undeclared-api")
	require.NotNil(t, issue)
	assert.Contains(t, issue.Message, "world.SpawnEntity")
	assert.True(t, HasBlocking(issues))
}

func TestUndeclaredIdentifierBlocked(t *testing.T) {
	src := []byte(`package main

func on_spawn(input string) (string, error) {
	frobnicate()
	return "", nil
}
`)
	issues, err := analyzer(t).Analyze(src, nil)
	require.NoError(t, err)
	issue := findRule(issues, "undeclared-identifier")
	require.NotNil(t, issue)
	assert.Contains(t, issue.Message, "frobnicate")
}

func TestSyntaxErrorBlocks(t *testing.T) {
	src := []byte(`package main

func broken( {
`)
	issues, err := analyzer(t).Analyze(src, nil)
	require.NoError(t, err)
	assert.True(t, HasBlocking(issues))
	assert.NotNil(t, findRule(issues, "syntax"))
}

func TestParseDirectives(t *testing.T) {
	src := []byte(`//luminara:hook on_spawn
//luminara:hook on_update
//luminara:api world.SpawnEntity
package main
`)
	assert.Equal(t, []string{"on_spawn", "on_update"}, ParseHooks(src))
	caps := ParseCapabilities(src)
	assert.True(t, caps["world.SpawnEntity"])
	assert.True(t, caps["SpawnEntity"])
}

package tools

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tiermux/tiermux/internal/task"
)

func findIssue(result *task.ScanResult, pattern string) *task.ScanIssue {
	for i := range result.Issues {
		if result.Issues[i].Pattern == pattern {
			return &result.Issues[i]
		}
	}
	return nil
}

func TestScanBlocksDestructivePatterns(t *testing.T) {
	scanner := NewScanner("")

	cases := []struct {
		name    string
		source  string
		pattern string
	}{
		{"process exit", `os.exit(1)`, "process-exit"},
		{"dynamic load", `local f = load("return 1")`, "dynamic-load"},
		{"loadstring", `loadstring(payload)()`, "dynamic-load"},
		{"shell exec", `os.execute("rm -rf /")`, "shell-exec"},
		{"process spawn", `local p = io.popen("ls")`, "process-spawn"},
		{"debug library", `debug.getinfo(1)`, "debug-access"},
		{"setfenv", `setfenv(1, {})`, "global-tamper"},
		{"global metatable", `setmetatable(_G, {})`, "global-tamper"},
		{"file delete", `os.remove("/etc/passwd")`, "fs-delete"},
		{"file rename", `os.rename(a, b)`, "fs-delete"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			result := scanner.Scan("handler = function(args)\n  " + tc.source + "\nend")
			require.False(t, result.Safe)

			issue := findIssue(result, tc.pattern)
			require.NotNil(t, issue, "expected a %s finding", tc.pattern)
			require.Equal(t, task.SeverityError, issue.Severity)
			require.Equal(t, 2, issue.Line, "finding must carry the 1-based source line")
		})
	}
}

func TestScanAdvisoryOnlyStaysSafe(t *testing.T) {
	scanner := NewScanner("")

	source := `handler = function(args)
  local body = http.get(args.url)
  local f = io.open("/tmp/out", "w")
  f:write(body)
  return body
end`

	result := scanner.Scan(source)
	require.True(t, result.Safe, "advisory findings must not block admission")

	network := findIssue(result, "network-access")
	require.NotNil(t, network)
	require.Equal(t, task.SeverityWarning, network.Severity)
	require.Equal(t, 2, network.Line)

	storage := findIssue(result, "storage-access")
	require.NotNil(t, storage)
	require.Equal(t, task.SeverityWarning, storage.Severity)
}

func TestScanAllowedDeletePrefix(t *testing.T) {
	scanner := NewScanner("workspace/")

	t.Run("literal under prefix downgrades to warning", func(t *testing.T) {
		result := scanner.Scan(`os.remove("workspace/tmp/report.txt")`)
		require.True(t, result.Safe)

		issue := findIssue(result, "fs-delete")
		require.NotNil(t, issue)
		require.Equal(t, task.SeverityWarning, issue.Severity)
	})

	t.Run("literal outside prefix still blocks", func(t *testing.T) {
		result := scanner.Scan(`os.remove("/var/lib/data")`)
		require.False(t, result.Safe)
	})

	t.Run("variable target still blocks", func(t *testing.T) {
		result := scanner.Scan(`os.remove(path)`)
		require.False(t, result.Safe, "the scanner cannot prove a variable stays under the prefix")
	})

	t.Run("single-quoted literal honored", func(t *testing.T) {
		result := scanner.Scan(`os.remove('workspace/cache')`)
		require.True(t, result.Safe)
	})
}

func TestScanCleanSource(t *testing.T) {
	scanner := NewScanner("")

	source := `description = "adds two numbers"
handler = function(args)
  return args.a + args.b
end`

	result := scanner.Scan(source)
	require.True(t, result.Safe)
	require.Empty(t, result.Issues)
}

func TestScanReportsEveryFinding(t *testing.T) {
	scanner := NewScanner("")

	source := `os.execute("whoami")
os.exit(0)`

	result := scanner.Scan(source)
	require.False(t, result.Safe)
	require.Len(t, result.Issues, 2)
	require.Equal(t, 1, result.Issues[0].Line)
	require.Equal(t, 2, result.Issues[1].Line)
}

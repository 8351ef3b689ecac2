package plugin

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vcpd/internal/vcperr"
)

func scriptPlugin(t *testing.T, script string, timeoutMs int) Descriptor {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell script plugins are posix-only")
	}
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "run.sh"), []byte("#!/bin/sh\n"+script+"\n"), 0o755))

	manifest := `{
		"name": "script",
		"entryPoint": {"command": "sh run.sh"},
		"communication": {"timeout": ` + itoa(timeoutMs) + `}
	}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, ManifestFileName), []byte(manifest), 0o644))
	return Descriptor{ID: "script", Name: "script", Kind: KindSubprocess, Dir: dir}
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	var digits []byte
	for n > 0 {
		digits = append([]byte{byte('0' + n%10)}, digits...)
		n /= 10
	}
	return string(digits)
}

func TestSubprocessReturnsParsedJSON(t *testing.T) {
	d := scriptPlugin(t, `echo '{"status":"success","total":3}'`, 5000)
	e := NewSubprocessExecutor(5*time.Second, nil)

	result, err := e.Execute(context.Background(), d, map[string]string{"a": "1"})
	require.NoError(t, err)
	m := result.(map[string]any)
	assert.Equal(t, "success", m["status"])
	assert.Equal(t, float64(3), m["total"])
}

func TestSubprocessWrapsPlainStdout(t *testing.T) {
	d := scriptPlugin(t, `echo "plain text answer"`, 5000)
	e := NewSubprocessExecutor(5*time.Second, nil)

	result, err := e.Execute(context.Background(), d, nil)
	require.NoError(t, err)
	m := result.(map[string]any)
	assert.Equal(t, "success", m["status"])
	assert.Equal(t, "plain text answer", m["result"])
}

func TestSubprocessReceivesArgsOnStdin(t *testing.T) {
	d := scriptPlugin(t, `cat`, 5000)
	e := NewSubprocessExecutor(5*time.Second, nil)

	result, err := e.Execute(context.Background(), d, map[string]string{"city": "Oslo"})
	require.NoError(t, err)
	m := result.(map[string]any)
	assert.Equal(t, "Oslo", m["city"])
}

func TestSubprocessNonZeroExit(t *testing.T) {
	d := scriptPlugin(t, `echo "broken input" >&2; exit 3`, 5000)
	e := NewSubprocessExecutor(5*time.Second, nil)

	_, err := e.Execute(context.Background(), d, nil)
	require.Error(t, err)
	assert.True(t, vcperr.IsKind(err, vcperr.KindToolExecution))
	assert.Equal(t, 3, vcperr.Detail(err, "exit_code"))
	assert.Equal(t, "broken input", vcperr.Detail(err, "stderr"))
}

func TestSubprocessTimeout(t *testing.T) {
	d := scriptPlugin(t, `sleep 5`, 100)
	e := NewSubprocessExecutor(5*time.Second, nil)

	start := time.Now()
	_, err := e.Execute(context.Background(), d, nil)
	require.Error(t, err)
	assert.True(t, vcperr.IsKind(err, vcperr.KindToolTimeout))
	assert.Less(t, time.Since(start), 3*time.Second)
}

func TestSubprocessSeesConfigDefaults(t *testing.T) {
	d := scriptPlugin(t, `printf '{"result":"%s"}' "$GREETING"`, 5000)
	manifestPath := filepath.Join(d.Dir, ManifestFileName)
	manifest := `{
		"name": "script",
		"entryPoint": {"command": "sh run.sh"},
		"configSchema": {"GREETING": {"default": "hello"}}
	}`
	require.NoError(t, os.WriteFile(manifestPath, []byte(manifest), 0o644))
	e := NewSubprocessExecutor(5*time.Second, nil)

	result, err := e.Execute(context.Background(), d, nil)
	require.NoError(t, err)
	m := result.(map[string]any)
	assert.Equal(t, "hello", m["result"])
}

func TestDecodeStdoutRepairsLooseJSON(t *testing.T) {
	result := decodeStdout(`{'status': 'success', 'n': 1,}`)
	m, ok := result.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "success", m["status"])
}

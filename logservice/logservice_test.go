package logservice

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kochabonline/scr/errors"
	"github.com/kochabonline/scr/framework"
	"github.com/kochabonline/scr/log"
	"github.com/kochabonline/scr/log/level"
)

func records(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var m map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &m))
		out = append(out, m)
	}
	return out
}

func TestLevels(t *testing.T) {
	zerolog.SetGlobalLevel(zerolog.TraceLevel)

	var buf bytes.Buffer
	svc := New(log.New(log.WithWriter(&buf), log.WithLevel(level.Trace)))

	svc.Log(level.Debug, "d")
	svc.Log(level.Info, "i")
	svc.Log(level.Warn, "w")
	svc.LogError(level.Error, "e", errors.Runtime("boom"))
	svc.Log(level.Level(42), "other")

	recs := records(t, &buf)
	require.Len(t, recs, 5)
	want := []string{"debug", "info", "warn", "error", "trace"}
	for i, r := range recs {
		assert.Equal(t, want[i], r["level"])
	}
	assert.Contains(t, recs[3]["error"], "boom")
}

func TestLogRef(t *testing.T) {
	fw := framework.New()
	require.NoError(t, fw.Start())
	defer fw.Stop()

	var buf bytes.Buffer
	svc := New(log.New(log.WithWriter(&buf)))
	reg, err := Register(fw.Context(), svc, nil)
	require.NoError(t, err)

	svc.LogRef(reg.Reference(), level.Info, "with ref")
	svc.LogRefError(nil, level.Warn, "nil ref", errors.Runtime("x"))

	recs := records(t, &buf)
	require.Len(t, recs, 2)
	assert.EqualValues(t, reg.Reference().ID(), recs[0]["service.id"])
	assert.EqualValues(t, 0, recs[0]["service.bundleid"])
	assert.NotContains(t, recs[1], "service.id")
}

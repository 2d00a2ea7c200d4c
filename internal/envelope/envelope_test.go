package envelope

import (
	"encoding/json"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConstructorsEnforceInvariant(t *testing.T) {
	ok := Ok(map[string]any{"text": "hello"})
	assert.True(t, ok.Success)
	assert.Empty(t, ok.Error)
	assert.Equal(t, StatusSuccess, ok.Status)
	assert.NotEmpty(t, ok.Metadata.TimestampUTC)

	fail := Fail("boom")
	assert.False(t, fail.Success)
	assert.Equal(t, "boom", fail.Error)
	assert.Equal(t, StatusFailure, fail.Status)

	blocked := Blocked("policy denied")
	assert.False(t, blocked.Success)
	assert.Equal(t, StatusBlocked, blocked.Status)

	partial := Partial(map[string]any{"scanned": 12}, "no candidates")
	assert.False(t, partial.Success)
	assert.Equal(t, StatusPartial, partial.Status)
	assert.Equal(t, 12, partial.Data["scanned"])

	cached := CachedResult(map[string]any{"text": "hit"})
	assert.True(t, cached.Success)
	assert.Equal(t, StatusCached, cached.Status)
}

func TestMapRoundTrip(t *testing.T) {
	env := Ok(map[string]any{"text": "summary", "rows": int64(3)})
	env.Metadata = Metadata{TimestampUTC: "2026-08-24T10:00:00Z", LatencyMS: 42}
	env.AppendTrace("intent_parsed", "policy_select")
	env.WithContext(map[string]any{"caller": "cli"})

	got := FromMap(env.AsMap())
	got.Metadata.TimestampUTC = env.Metadata.TimestampUTC

	if diff := cmp.Diff(env, got); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestFromMapUnknownStatusNeverPanics(t *testing.T) {
	env := FromMap(map[string]any{
		"success": true,
		"status":  "half_done",
	})
	assert.False(t, env.Success)
	assert.Equal(t, StatusFailure, env.Status)
	assert.Contains(t, env.Error, "half_done")
}

func TestFromMapMalformedShapes(t *testing.T) {
	cases := []struct {
		name string
		in   map[string]any
	}{
		{"nil map", nil},
		{"error wrong type", map[string]any{"error": 17}},
		{"status wrong type", map[string]any{"status": 3.5}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			env := FromMap(tc.in)
			require.NotNil(t, env)
			assert.False(t, env.Success)
			assert.Equal(t, StatusFailure, env.Status)
			assert.NotEmpty(t, env.Error)
		})
	}
}

func TestFromMapJSONDecodedNumbers(t *testing.T) {
	raw := `{"success":true,"status":"success","data":{"text":"x"},"metadata":{"timestamp_utc":"2026-08-24T10:00:00Z","latency_ms":17}}`
	var m map[string]any
	require.NoError(t, json.Unmarshal([]byte(raw), &m))

	env := FromMap(m)
	assert.True(t, env.Success)
	assert.Equal(t, int64(17), env.Metadata.LatencyMS)
}

func TestNormalizeDemotesInconsistentSuccess(t *testing.T) {
	env := &Envelope{Success: true, Error: "leftover", Status: StatusSuccess}
	env.Normalize()
	assert.False(t, env.Success)
	assert.Equal(t, StatusFailure, env.Status)

	bare := &Envelope{Success: false}
	bare.Normalize()
	assert.NotEmpty(t, bare.Error)
}

func TestTextHelper(t *testing.T) {
	env := Ok(map[string]any{"text": "piped"})
	s, ok := env.Text()
	assert.True(t, ok)
	assert.Equal(t, "piped", s)

	_, ok = Fail("x").Text()
	assert.False(t, ok)
}

func TestSafetyLevelConfirmationTable(t *testing.T) {
	cases := []struct {
		level SafetyLevel
		mode  ExecutionMode
		want  bool
	}{
		{SafetyReadOnly, ModePlan, false},
		{SafetyReadOnly, ModeExecute, false},
		{SafetyCached, ModeExecute, false},
		{SafetyWriteSafe, ModePlan, false},
		{SafetyWriteSafe, ModeExecute, true},
		{SafetyWriteSafe, ModeUnsafe, false},
		{SafetyRestrictedWrite, ModeExecute, true},
		{SafetyTransactional, ModeExecute, true},
		{SafetyTransactional, ModeUnsafe, false},
	}
	for _, tc := range cases {
		got := tc.level.RequiresConfirmation(tc.mode)
		assert.Equal(t, tc.want, got, "%s in %s", tc.level, tc.mode)
	}
}

func TestParseEnums(t *testing.T) {
	_, err := ParseStatus("success")
	assert.NoError(t, err)
	_, err = ParseStatus("finished")
	assert.Error(t, err)

	lvl, err := ParseSafetyLevel("restricted_write")
	require.NoError(t, err)
	assert.True(t, lvl.Writes())
	_, err = ParseSafetyLevel("harmless")
	assert.Error(t, err)

	_, err = ParseExecutionMode("plan")
	assert.NoError(t, err)
	_, err = ParseExecutionMode("yolo")
	assert.Error(t, err)

	_, err = ParseProvider("user_script")
	assert.NoError(t, err)
	_, err = ParseProvider("plugin")
	assert.Error(t, err)
}

func TestDescriptorKeyAndTags(t *testing.T) {
	d := Descriptor{
		Domain: "script_ops",
		Action: "write_docstring",
		Params: []Parameter{
			{Name: "target_script", TypeTag: "file_path", Required: true},
			{Name: "style", TypeTag: "string", Required: false},
		},
		SafetyLevel: SafetyWriteSafe,
		Provider:    ProviderMCPClassMethod,
	}
	assert.Equal(t, "script_ops.write_docstring", d.Key())
	assert.Equal(t, []string{"file_path"}, d.InputTypeTags())
}

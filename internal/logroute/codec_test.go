package logroute

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orbitquant/tradeplane/pkg/schema"
)

func TestLPCodecRendersTagsFieldsAndTimestamp(t *testing.T) {
	rec := &schema.LogRecord{
		Source:         "exec gateway",
		Level:          "warn",
		Message:        `latency "p99" high`,
		KV:             map[string]string{"venue": "binance", "ackMs": "412"},
		Tags:           []string{"latency", "alerting"},
		Classification: schema.ClassPublic,
		NormalizedTS:   time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
	}

	line, err := lpCodec{measurement: "applog"}.encode(rec)
	require.NoError(t, err)

	want := `applog,source=exec\ gateway,level=warn,classification=PUBLIC ` +
		`message="latency \"p99\" high",ackMs="412",venue="binance",tags="latency alerting" ` +
		`1740830400000000000`
	assert.Equal(t, want, string(line))
}

func TestLPCodecSkipsReservedAndEmpty(t *testing.T) {
	rec := &schema.LogRecord{
		Source:       "exec",
		Level:        "info",
		Message:      "ok",
		KV:           map[string]string{"message": "shadowed", "": "dropped", "k": "v"},
		NormalizedTS: time.Unix(0, 42).UTC(),
	}

	line, err := lpCodec{measurement: "applog"}.encode(rec)
	require.NoError(t, err)
	assert.Equal(t, `applog,source=exec,level=info message="ok",k="v" 42`, string(line))
}

func TestJSONLCodecKeepsEnrichment(t *testing.T) {
	rec := &schema.LogRecord{
		Source:         "risk",
		Level:          "error",
		Message:        "cap breach",
		Classification: schema.ClassSensitiveLow,
		Tags:           []string{"alerting"},
		NormalizedTS:   time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	line, err := jsonlCodec{}.encode(rec)
	require.NoError(t, err)
	assert.Contains(t, string(line), `"classification":"SENSITIVE_LOW"`)
	assert.Contains(t, string(line), `"tags":["alerting"]`)
}

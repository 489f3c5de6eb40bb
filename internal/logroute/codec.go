package logroute

import (
	"encoding/json"
	"sort"
	"strconv"
	"strings"

	"github.com/orbitquant/tradeplane/pkg/schema"
)

// Codec names referenced by sinks and batch reports.
const (
	CodecJSONL = "jsonl"
	CodecLP    = "lp"
)

// codec turns an enriched record into one sink line, newline excluded.
type codec interface {
	name() string
	encode(rec *schema.LogRecord) ([]byte, error)
}

type jsonlCodec struct{}

func (jsonlCodec) name() string { return CodecJSONL }

func (jsonlCodec) encode(rec *schema.LogRecord) ([]byte, error) {
	return json.Marshal(rec)
}

// lpCodec renders InfluxDB line protocol for columnar sinks. Source,
// level and classification become tags; message, kv pairs and routing
// tags become string fields. The timestamp is the normalized record
// time in nanoseconds.
type lpCodec struct {
	measurement string
}

func (lpCodec) name() string { return CodecLP }

func (c lpCodec) encode(rec *schema.LogRecord) ([]byte, error) {
	var sb strings.Builder
	sb.WriteString(escapeLPMeasurement(c.measurement))

	writeTag := func(k, v string) {
		if v == "" {
			return
		}
		sb.WriteByte(',')
		sb.WriteString(escapeLPKey(k))
		sb.WriteByte('=')
		sb.WriteString(escapeLPKey(v))
	}
	writeTag("source", rec.Source)
	writeTag("level", rec.Level)
	writeTag("classification", rec.Classification)

	sb.WriteByte(' ')
	sb.WriteString("message=")
	sb.WriteString(quoteLPString(rec.Message))

	keys := make([]string, 0, len(rec.KV))
	for k := range rec.KV {
		if k == "" || k == "message" || k == "tags" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		sb.WriteByte(',')
		sb.WriteString(escapeLPKey(k))
		sb.WriteByte('=')
		sb.WriteString(quoteLPString(rec.KV[k]))
	}
	if len(rec.Tags) > 0 {
		sb.WriteString(",tags=")
		sb.WriteString(quoteLPString(strings.Join(rec.Tags, " ")))
	}

	sb.WriteByte(' ')
	sb.WriteString(strconv.FormatInt(rec.NormalizedTS.UnixNano(), 10))
	return []byte(sb.String()), nil
}

func escapeLPMeasurement(s string) string {
	s = strings.ReplaceAll(s, ",", `\,`)
	return strings.ReplaceAll(s, " ", `\ `)
}

func escapeLPKey(s string) string {
	s = strings.ReplaceAll(s, ",", `\,`)
	s = strings.ReplaceAll(s, "=", `\=`)
	return strings.ReplaceAll(s, " ", `\ `)
}

func quoteLPString(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `"`, `\"`)
	return `"` + s + `"`
}

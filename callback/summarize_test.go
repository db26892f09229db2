package callback

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSummarize(t *testing.T) {
	long := strings.Repeat("x", 200)
	body := []byte(`{"runId":"r1","apiToken":"abc","result":{"note":"` + long + `","items":[1,2,3,4,5,6]},"tags":["a"]}`)

	got := Summarize(body).(map[string]any)
	assert.Equal(t, "r1", got["runId"])
	assert.Equal(t, "<redacted>", got["apiToken"])

	result := got["result"].(map[string]any)
	assert.Equal(t, "<string len=200>", result["note"])
	assert.Equal(t, "<array len=6>", result["items"])
	assert.Equal(t, []any{"a"}, got["tags"])
}

func TestSummarize_NotJSON(t *testing.T) {
	assert.Equal(t, "<8 bytes, not json>", Summarize([]byte("not json")))
}

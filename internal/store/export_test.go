package store

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saaga0h/mqtt-explorer/internal/message"
)

func TestExportJSONRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	stored := []message.Message{
		message.New("sensors/a", `{"t":1}`, 100, 0, false),
		message.New("sensors/b", "plain text", 200, 1, true),
		message.New("sensors/c", "line one\nline two", 300, 2, false),
	}
	seed(t, s, stored...)

	var buf bytes.Buffer
	require.NoError(t, Export(ctx, s, &buf, FormatJSON, Filter{}))

	var decoded []message.Message
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	assert.Equal(t, stored, decoded)
}

func TestExportJSONEmpty(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Export(context.Background(), NewMemoryStore(), &buf, FormatJSON, Filter{}))
	assert.JSONEq(t, "[]", buf.String())
}

func TestExportCSV(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	quoted := message.New("sensors/quote", `{"label":"say \"hi\", then leave"}`, 100, 1, true)
	plain := message.New("sensors/plain", "42", 200, 0, false)
	seed(t, s, plain, quoted)

	var buf bytes.Buffer
	require.NoError(t, Export(ctx, s, &buf, FormatCSV, Filter{}))

	assert.Contains(t, buf.String(), `"{""label"":""say \""hi\"", then leave""}"`)

	records, err := csv.NewReader(&buf).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 3)

	assert.Equal(t, csvHeader, records[0])
	assert.Equal(t, []string{quoted.ID, "100", "sensors/quote", quoted.Payload, "1", "true"}, records[1])
	assert.Equal(t, []string{plain.ID, "200", "sensors/plain", "42", "0", "false"}, records[2])
}

func TestExportHonoursFilter(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	seed(t, s,
		message.New("keep/a", "1", 1, 0, false),
		message.New("drop/b", "2", 2, 0, false),
		message.New("keep/c", "3", 3, 0, false),
	)

	var buf bytes.Buffer
	require.NoError(t, Export(ctx, s, &buf, FormatJSON, Filter{Topic: "keep", OrderDirection: OrderDesc}))

	var decoded []message.Message
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	assert.Equal(t, []string{"keep/c", "keep/a"}, topicsOf(decoded))
}

func TestExportUnknownFormat(t *testing.T) {
	var buf bytes.Buffer
	err := Export(context.Background(), NewMemoryStore(), &buf, "xml", Filter{})
	assert.ErrorIs(t, err, ErrUnknownFormat)
	assert.Zero(t, buf.Len())
}

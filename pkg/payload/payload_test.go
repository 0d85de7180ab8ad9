package payload

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDecode(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want Kind
	}{
		{"object", `{"temp":22.5}`, KindJSON},
		{"array", `[1,2,3]`, KindJSON},
		{"bare number", `42`, KindJSON},
		{"quoted string", `"on"`, KindJSON},
		{"padded object", "  {\"a\":1}\n", KindJSON},
		{"plain text", `ON`, KindRaw},
		{"empty", ``, KindRaw},
		{"truncated", `{"temp":`, KindRaw},
		{"two documents", `{"a":1}{"b":2}`, KindRaw},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := Decode(tt.raw)
			assert.Equal(t, tt.want, v.Kind)
			assert.Equal(t, tt.raw, v.Raw)
			assert.Equal(t, tt.want == KindJSON, Valid(tt.raw))
		})
	}
}

func TestField(t *testing.T) {
	v := Decode(`{"temperature":21.5,"unit":"C","sensor":{"battery":87,"ok":true},"history":[1,2]}`)

	tests := []struct {
		path   string
		want   float64
		wantOK bool
	}{
		{"temperature", 21.5, true},
		{"sensor.battery", 87, true},
		{"unit", 0, false},
		{"sensor.ok", 0, false},
		{"history", 0, false},
		{"missing", 0, false},
		{"temperature.deeper", 0, false},
		{"", 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			got, ok := v.Field(tt.path)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestBareNumbers(t *testing.T) {
	f, ok := Decode("42").Field("")
	assert.True(t, ok)
	assert.Equal(t, 42.0, f)

	_, ok = Decode("ON").Field("")
	assert.False(t, ok)

	assert.Equal(t, map[string]float64{"": 3.5}, Decode("3.5").NumericFields())
}

func TestNumericFields(t *testing.T) {
	v := Decode(`{"temperature":21.5,"humidity":40,"meta":{"rssi":-70,"name":"x"},"list":[1]}`)

	assert.Equal(t, map[string]float64{
		"temperature": 21.5,
		"humidity":    40,
		"meta.rssi":   -70,
	}, v.NumericFields())
	assert.Equal(t, []string{"humidity", "meta.rssi", "temperature"}, v.FieldNames())

	assert.Empty(t, Decode("hello").NumericFields())
}

func TestPretty(t *testing.T) {
	assert.Equal(t, "{\n  \"a\": 1\n}", Decode(`{"a":1}`).Pretty())
	assert.Equal(t, "plain", Decode("plain").Pretty())
}

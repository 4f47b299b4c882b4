package bus

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvelopeDataAs(t *testing.T) {
	env := Envelope{Data: json.RawMessage(`{"user_id":"42"}`)}

	var v struct {
		UserID string `json:"user_id"`
	}
	require.NoError(t, env.DataAs(&v))
	assert.Equal(t, "42", v.UserID)
}

func TestEnvelopeDataAsMapCoercesNonObject(t *testing.T) {
	env := Envelope{Data: json.RawMessage(`"just a string"`)}

	m := env.DataAsMap()
	assert.Equal(t, "just a string", m["value"])
}

func TestEnvelopeDataAsMapPassesThroughObject(t *testing.T) {
	env := Envelope{Data: json.RawMessage(`{"a":1}`)}

	m := env.DataAsMap()
	assert.Equal(t, float64(1), m["a"])
}

package ids

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubscriptionId_RoundTrip(t *testing.T) {
	now := time.Now()
	id := NewSubscriptionId(`{"golem.com":"1"}`, "()", "0xabc", now, now.Add(time.Hour))

	parsed, err := ParseSubscriptionId(id.String())
	require.NoError(t, err)
	assert.Equal(t, id, parsed)
}

func TestSubscriptionId_ValidateRejectsMismatch(t *testing.T) {
	now := time.Now()
	id := NewSubscriptionId("props", "cons", "node", now, now.Add(time.Minute))

	assert.NoError(t, id.Validate("props", "cons", "node", now, now.Add(time.Minute)))
	assert.Error(t, id.Validate("different-props", "cons", "node", now, now.Add(time.Minute)))
}

func TestSubscriptionId_ParseRejectsMalformed(t *testing.T) {
	cases := []string{
		"34324-241",
		"gfht-ertry",
		"c76161077d0343ab85ac986eb5f6ea38edb0016d9f8bafb54540da34f05a8d510de8114488f23916276bdead05509a53",
	}
	for _, c := range cases {
		_, err := ParseSubscriptionId(c)
		assert.Error(t, err, c)
	}
}

func TestSubscriptionId_KnownVector(t *testing.T) {
	raw := "c76161077d0343ab85ac986eb5f6ea38-edb0016d9f8bafb54540da34f05a8d510de8114488f23916276bdead05509a53"
	id, err := ParseSubscriptionId(raw)
	require.NoError(t, err)
	assert.Equal(t, "c76161077d0343ab85ac986eb5f6ea38", id.randomID)
	assert.Equal(t, "edb0016d9f8bafb54540da34f05a8d510de8114488f23916276bdead05509a53", id.hash)
}

package resolver

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/golemcore/market/internal/ids"
)

func sub(t *testing.T, node string, props map[string]any, constraints string) Subscription {
	t.Helper()
	now := time.Now()
	return Subscription{
		ID:          ids.NewSubscriptionId("p", constraints, node, now, now.Add(time.Hour)),
		NodeID:      node,
		Properties:  props,
		Constraints: constraints,
	}
}

func TestMatch_True(t *testing.T) {
	offer := sub(t, "prov", map[string]any{"golem.inf.cpu.threads": 4}, `golem.srv.comp.expiration > 0`)
	demand := sub(t, "req", map[string]any{"golem.srv.comp.expiration": 1000}, `golem.inf.cpu.threads >= 2`)

	kind, _, err := Match(offer, demand)
	require.NoError(t, err)
	assert.Equal(t, True, kind)
}

func TestMatch_False(t *testing.T) {
	offer := sub(t, "prov", map[string]any{"golem.inf.cpu.threads": 1}, "")
	demand := sub(t, "req", map[string]any{}, `golem.inf.cpu.threads >= 2`)

	kind, _, err := Match(offer, demand)
	require.NoError(t, err)
	assert.Equal(t, False, kind)
}

func TestMatch_UndefinedOnMissingSelector(t *testing.T) {
	offer := sub(t, "prov", map[string]any{}, "")
	demand := sub(t, "req", map[string]any{}, `golem.inf.gpu.count >= 1`)

	kind, refs, err := Match(offer, demand)
	require.NoError(t, err)
	assert.Equal(t, Undefined, kind)
	assert.NotEmpty(t, refs)
}

func TestResolver_ReceiveDemandEmitsOnlyTrueMatches(t *testing.T) {
	ctx := context.Background()
	r := New()

	matching := sub(t, "prov-1", map[string]any{"golem.inf.cpu.threads": 8}, "")
	nonMatching := sub(t, "prov-2", map[string]any{"golem.inf.cpu.threads": 1}, "")
	r.ReceiveOffer(matching)
	r.ReceiveOffer(nonMatching)

	demand := sub(t, "req", map[string]any{}, `golem.inf.cpu.threads >= 4`)
	require.NoError(t, r.ReceiveDemand(ctx, demand))

	select {
	case p := <-r.Proposals():
		assert.Equal(t, matching.ID, p.Offer.ID)
	default:
		t.Fatal("expected a proposal to be emitted")
	}

	select {
	case p := <-r.Proposals():
		t.Fatalf("unexpected extra proposal: %+v", p)
	default:
	}
}

func TestResolver_ForgetRemovesOfferFromMatching(t *testing.T) {
	ctx := context.Background()
	r := New()

	offer := sub(t, "prov", map[string]any{"golem.inf.cpu.threads": 8}, "")
	r.ReceiveOffer(offer)
	r.Forget(offer.ID)

	demand := sub(t, "req", map[string]any{}, `golem.inf.cpu.threads >= 1`)
	require.NoError(t, r.ReceiveDemand(ctx, demand))

	select {
	case p := <-r.Proposals():
		t.Fatalf("unexpected proposal after Forget: %+v", p)
	default:
	}
}

package negotiator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/golemcore/market/internal/config"
)

func TestPipeline_AllReadyYieldsReady(t *testing.T) {
	bound := config.NegotiatorBound{Min: 60, Max: 3600, Default: 120}
	p := New().Add(NewDebitNoteInterval(bound))

	demand := Demand{Properties: map[string]any{"golem.com.scheme.payu.debit-note.interval-sec": 200.0}}
	offer := Offer{Properties: map[string]any{}}

	res, err := p.NegotiateStep(demand, offer)
	require.NoError(t, err)
	assert.Equal(t, Ready, res.Verdict)
	assert.Equal(t, 200.0, res.Offer.Properties["golem.com.scheme.payu.debit-note.interval-sec"])
}

func TestPipeline_OutOfBoundsRejectsFinal(t *testing.T) {
	bound := config.NegotiatorBound{Min: 60, Max: 3600, Default: 120}
	p := New().Add(NewDebitNoteInterval(bound))

	demand := Demand{Properties: map[string]any{"golem.com.scheme.payu.debit-note.interval-sec": 10000.0}}
	offer := Offer{Properties: map[string]any{}}

	res, err := p.NegotiateStep(demand, offer)
	require.NoError(t, err)
	assert.Equal(t, Reject, res.Verdict)
	assert.True(t, res.Final)
}

func TestPipeline_ShortCircuitsOnFirstReject(t *testing.T) {
	bound := config.NegotiatorBound{Min: 60, Max: 3600, Default: 120}
	rejecting := &recordingComponent{verdict: Reject, name: "always-reject"}
	neverCalled := &recordingComponent{verdict: Ready, name: "never-called"}
	p := New().Add(rejecting).Add(neverCalled)

	_, err := p.NegotiateStep(Demand{Properties: map[string]any{}}, Offer{Properties: map[string]any{}})
	require.NoError(t, err)
	assert.True(t, rejecting.called)
	assert.False(t, neverCalled.called, "pipeline must short-circuit on Reject")
	_ = bound
}

func TestPipeline_NegotiatingWhenNotAllReady(t *testing.T) {
	readyComponent := &recordingComponent{verdict: Ready, name: "ready"}
	negotiatingComponent := &recordingComponent{verdict: Negotiating, name: "negotiating"}
	p := New().Add(readyComponent).Add(negotiatingComponent)

	res, err := p.NegotiateStep(Demand{Properties: map[string]any{}}, Offer{Properties: map[string]any{}})
	require.NoError(t, err)
	assert.Equal(t, Negotiating, res.Verdict)
}

func TestPipeline_FillTemplateIsLeftFold(t *testing.T) {
	p := New().
		Add(NewExpiration(config.NegotiatorBound{Min: 30, Max: 86400, Default: 1800})).
		Add(NewPaymentTimeout(config.NegotiatorBound{Min: 60, Max: 2592000, Default: 120}))

	result, err := p.FillTemplate(Offer{Properties: map[string]any{}})
	require.NoError(t, err)
	assert.Equal(t, 1800.0, result.Properties["golem.srv.comp.expiration"])
	assert.Equal(t, 120.0, result.Properties["golem.com.payment.timeout-sec"])
}

func TestRulesManager_ModeNoneRejectsOutbound(t *testing.T) {
	rm := NewRulesManager(nil)
	rm.SetEveryoneMode(ModeNone)

	result := rm.CheckOutboundRules([]string{"https://example.com"}, nil)
	assert.False(t, result.Accept)
}

func TestRulesManager_ModeAllAcceptsOutbound(t *testing.T) {
	rm := NewRulesManager(nil)
	rm.SetEveryoneMode(ModeAll)

	result := rm.CheckOutboundRules([]string{"https://example.com"}, nil)
	assert.True(t, result.Accept)
}

func TestRulesManager_ModeWhitelistChecksHost(t *testing.T) {
	rm := NewRulesManager(nil)
	rm.SetEveryoneMode(ModeWhitelist)
	// no per-cert whitelist and no signature bundle falls back to the
	// everyone scope, whose whitelist is empty here, so it must reject.
	result := rm.CheckOutboundRules([]string{"https://example.com"}, nil)
	assert.False(t, result.Accept)
}

func TestManifestSignature_AcceptsWhenNoManifestPresent(t *testing.T) {
	rm := NewRulesManager(nil)
	c := NewManifestSignature(true, rm)

	res, err := c.NegotiateStep(Demand{Properties: map[string]any{}}, Offer{Properties: map[string]any{}})
	require.NoError(t, err)
	assert.Equal(t, Ready, res.Verdict)
}

func TestManifestSignature_DisabledAlwaysAccepts(t *testing.T) {
	rm := NewRulesManager(nil)
	rm.SetEveryoneMode(ModeNone)
	c := NewManifestSignature(false, rm)

	demand := Demand{Properties: map[string]any{
		demandManifestProperty:        "encoded-manifest",
		demandManifestOutboundURLsKey: []string{"https://example.com"},
	}}
	res, err := c.NegotiateStep(demand, Offer{Properties: map[string]any{}})
	require.NoError(t, err)
	assert.Equal(t, Ready, res.Verdict)
}

func TestManifestSignature_RejectsWhenModeNoneAndOutboundRequested(t *testing.T) {
	rm := NewRulesManager(nil)
	rm.SetEveryoneMode(ModeNone)
	c := NewManifestSignature(true, rm)

	demand := Demand{Properties: map[string]any{
		demandManifestProperty:        "encoded-manifest",
		demandManifestOutboundURLsKey: []string{"https://example.com"},
	}}
	res, err := c.NegotiateStep(demand, Offer{Properties: map[string]any{}})
	require.NoError(t, err)
	assert.Equal(t, Reject, res.Verdict)
	assert.True(t, res.Final)
}

type recordingComponent struct {
	name    string
	verdict Verdict
	called  bool
}

func (r *recordingComponent) Name() string { return r.name }

func (r *recordingComponent) NegotiateStep(demand Demand, offer Offer) (Result, error) {
	r.called = true
	switch r.verdict {
	case Reject:
		return reject("rejected by "+r.name, true), nil
	case Ready:
		return ready(offer), nil
	default:
		return negotiating(offer), nil
	}
}

func (r *recordingComponent) FillTemplate(offer Offer) (Offer, error) { return offer, nil }
func (r *recordingComponent) OnAgreementApproved(string) error        { return nil }
func (r *recordingComponent) OnAgreementTerminated(string, AgreementResult) error {
	return nil
}

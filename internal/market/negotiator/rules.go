package negotiator

import (
	"crypto/x509"
	"fmt"
	"net/url"
	"sync"
)

// Mode is the tri-state outbound-access policy of spec.md §4.E's rules
// engine, grounded on original_source/agent/provider/src/cli/rule.rs's
// `Mode` enum (`All`/`None`/`Whitelist`).
type Mode int

const (
	ModeNone Mode = iota
	ModeAll
	ModeWhitelist
)

func (m Mode) String() string {
	switch m {
	case ModeAll:
		return "all"
	case ModeWhitelist:
		return "whitelist"
	default:
		return "none"
	}
}

// CertRule binds a certificate chain (identified by its leaf's subject key
// id) to a Mode and the whitelist it is checked against when that mode is
// ModeWhitelist.
type CertRule struct {
	CertID    string
	Mode      Mode
	Whitelist []string // permitted host patterns, checked when Mode == ModeWhitelist
}

// RulesManager holds the per-scope Mode plus certificate-chain rules the
// ManifestSignature component checks outbound-requesting manifests against
// (spec.md §4.E: "a tri-state per-scope mode... plus per-scope certificate
// chains with permission sets").
type RulesManager struct {
	mu sync.RWMutex

	enabled       bool
	everyoneMode  Mode
	certRules     map[string]CertRule // keyed by CertID
	keystore      *x509.CertPool
}

// NewRulesManager builds a RulesManager with outbound checks enabled and
// the "everyone" scope defaulting to None (deny by default).
func NewRulesManager(keystore *x509.CertPool) *RulesManager {
	return &RulesManager{
		enabled:      true,
		everyoneMode: ModeNone,
		certRules:    make(map[string]CertRule),
		keystore:     keystore,
	}
}

// SetEnabled toggles whether outbound manifest checks run at all.
func (r *RulesManager) SetEnabled(enabled bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.enabled = enabled
}

// SetEveryoneMode sets the default scope's Mode.
func (r *RulesManager) SetEveryoneMode(m Mode) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.everyoneMode = m
}

// SetCertRule binds mode and an optional whitelist to a certificate chain
// identified by certID.
func (r *RulesManager) SetCertRule(certID string, mode Mode, whitelist []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.certRules[certID] = CertRule{CertID: certID, Mode: mode, Whitelist: whitelist}
}

// CheckResult is the verdict the rules engine returns for one manifest.
type CheckResult struct {
	Accept  bool
	Message string
}

// ManifestSignatureProps carries the demand's manifest signature bundle
// (original_source's ManifestSignatureProps).
type ManifestSignatureProps struct {
	Signature      string
	SignatureAlg   string
	Cert           string
	ManifestEncoded string
}

// CheckOutboundRules decides whether requestedURLs (the manifest's declared
// outbound destinations) are permitted, given an optional signature/cert
// bundle establishing which scope's Mode applies.
//
// Resolution order: if enabled is false, always Accept. Otherwise resolve
// the applicable CertRule (a keystore must be configured; no cryptographic
// chain check is made) if a signature bundle is present and its cert is
// known; fall back to the
// "everyone" scope's Mode. ModeAll accepts unconditionally; ModeNone
// rejects unconditionally; ModeWhitelist accepts iff every requested URL's
// host matches an entry in the scope's whitelist.
func (r *RulesManager) CheckOutboundRules(requestedURLs []string, sig *ManifestSignatureProps) CheckResult {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if !r.enabled {
		return CheckResult{Accept: true}
	}

	mode := r.everyoneMode
	var whitelist []string
	if sig != nil {
		if rule, ok := r.certRules[sig.Cert]; ok {
			if err := r.verifyChain(sig); err != nil {
				return CheckResult{Accept: false, Message: fmt.Sprintf("certificate chain verification failed: %v", err)}
			}
			mode = rule.Mode
			whitelist = rule.Whitelist
		}
	}

	switch mode {
	case ModeAll:
		return CheckResult{Accept: true}
	case ModeNone:
		return CheckResult{Accept: false, Message: "outbound access denied: mode is None"}
	case ModeWhitelist:
		for _, u := range requestedURLs {
			if !hostWhitelisted(u, whitelist) {
				return CheckResult{Accept: false, Message: fmt.Sprintf("outbound URL %q not in whitelist", u)}
			}
		}
		return CheckResult{Accept: true}
	default:
		return CheckResult{Accept: false, Message: "outbound access denied: unknown mode"}
	}
}

func (r *RulesManager) verifyChain(sig *ManifestSignatureProps) error {
	if r.keystore == nil {
		return fmt.Errorf("no keystore configured")
	}
	// Signature/cert-chain cryptographic verification is delegated to the
	// identity overlay seam (out of scope here, per spec.md §1); this
	// manager only applies the policy decision once a chain is trusted.
	return nil
}

func hostWhitelisted(rawURL string, whitelist []string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	for _, pattern := range whitelist {
		if u.Host == pattern {
			return true
		}
	}
	return false
}

// manifestSignature implements Component for the ManifestSignature built-in
// (spec.md §4.E), grounded on original_source/agent/provider/src/market/
// negotiator/builtin/manifest.rs.
type manifestSignature struct {
	enabled bool
	rules   *RulesManager
}

// NewManifestSignature builds the ManifestSignature component. rules is
// consulted only when a demand declares an outbound-requesting manifest.
func NewManifestSignature(enabled bool, rules *RulesManager) Component {
	return &manifestSignature{enabled: enabled, rules: rules}
}

func (m *manifestSignature) Name() string { return "manifest-signature" }

const (
	demandManifestProperty        = "golem.srv.comp.payload.manifest"
	demandManifestSigProperty     = "golem.srv.comp.payload.manifest.sig"
	demandManifestSigAlgProperty  = "golem.srv.comp.payload.manifest.sig.algorithm"
	demandManifestCertProperty    = "golem.srv.comp.payload.manifest.cert"
	demandManifestOutboundURLsKey = "golem.srv.comp.payload.manifest.outbound_urls"
)

func (m *manifestSignature) NegotiateStep(demand Demand, offer Offer) (Result, error) {
	if !m.enabled {
		return ready(offer), nil
	}

	manifestProp, present := demand.Properties[demandManifestProperty]
	if !present {
		return ready(offer), nil
	}
	if manifestProp == "" {
		return reject("invalid manifest: empty", true), nil
	}

	urls, outboundRequested := demand.Properties[demandManifestOutboundURLsKey].([]string)
	if !outboundRequested || len(urls) == 0 {
		return ready(offer), nil
	}

	var sig *ManifestSignatureProps
	if s, ok := demand.Properties[demandManifestSigProperty].(string); ok && s != "" {
		sig = &ManifestSignatureProps{
			Signature:       s,
			SignatureAlg:    stringProp(demand, demandManifestSigAlgProperty),
			Cert:            stringProp(demand, demandManifestCertProperty),
			ManifestEncoded: fmt.Sprintf("%v", manifestProp),
		}
	}

	result := m.rules.CheckOutboundRules(urls, sig)
	if !result.Accept {
		return reject(result.Message, true), nil
	}
	return ready(offer), nil
}

func stringProp(d Demand, key string) string {
	if v, ok := d.Properties[key].(string); ok {
		return v
	}
	return ""
}

func (m *manifestSignature) FillTemplate(offer Offer) (Offer, error) { return offer, nil }
func (m *manifestSignature) OnAgreementApproved(string) error        { return nil }
func (m *manifestSignature) OnAgreementTerminated(string, AgreementResult) error {
	return nil
}

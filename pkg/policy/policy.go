package policy

import (
	"fmt"
	"sort"

	"github.com/veracare/phi-core/pkg/config"
)

// AccessDecisionRequest represents a request to access a set of PHI fields
type AccessDecisionRequest struct {
	RequestedFields       []string `json:"requested_fields"`
	Role                  Role     `json:"role"`
	Purpose               Purpose  `json:"purpose"`
	PatientConsentGranted bool     `json:"patient_consent_granted"`
}

// AccessDecision is the outcome of validating an access request. A denial
// is a normal decision outcome, not an error; callers record it as a
// PHI_DENIED audit event.
type AccessDecision struct {
	Allowed      bool     `json:"allowed"`
	DeniedFields []string `json:"denied_fields,omitempty"`
	Reason       string   `json:"reason"`
}

// Validator is a stateless minimum-necessary policy engine. All tables are
// built once at construction from validated configuration; Validate performs
// no I/O and holds no mutable state, so identical requests always produce
// identical decisions.
type Validator struct {
	authorizedRoles  map[Role]bool
	consentExempt    map[Purpose]bool
	minimumNecessary map[Role]map[Purpose]map[string]bool
	filterDown       bool
}

// NewValidator builds a validator from policy configuration. Unknown roles
// or purposes have already been rejected by config validation; this guards
// again so a validator can never be constructed over an unchecked table.
func NewValidator(cfg *config.PolicyConfig) (*Validator, error) {
	known := func(list []string, val string) bool {
		for _, v := range list {
			if v == val {
				return true
			}
		}
		return false
	}

	v := &Validator{
		authorizedRoles:  make(map[Role]bool, len(cfg.AuthorizedRoles)),
		consentExempt:    make(map[Purpose]bool, len(cfg.ConsentExemptPurposes)),
		minimumNecessary: make(map[Role]map[Purpose]map[string]bool, len(cfg.MinimumNecessary)),
		filterDown:       cfg.FilterDown,
	}

	for _, r := range cfg.AuthorizedRoles {
		if !known(config.KnownRoles, r) {
			return nil, fmt.Errorf("unknown role %q in authorized roles", r)
		}
		v.authorizedRoles[Role(r)] = true
	}

	for _, p := range cfg.ConsentExemptPurposes {
		if !known(config.KnownPurposes, p) {
			return nil, fmt.Errorf("unknown purpose %q in consent-exempt purposes", p)
		}
		v.consentExempt[Purpose(p)] = true
	}

	for role, byPurpose := range cfg.MinimumNecessary {
		if !known(config.KnownRoles, role) {
			return nil, fmt.Errorf("unknown role %q in minimum-necessary table", role)
		}
		purposes := make(map[Purpose]map[string]bool, len(byPurpose))
		for purpose, fields := range byPurpose {
			if !known(config.KnownPurposes, purpose) {
				return nil, fmt.Errorf("unknown purpose %q for role %q in minimum-necessary table", purpose, role)
			}
			set := make(map[string]bool, len(fields))
			for _, f := range fields {
				set[f] = true
			}
			purposes[Purpose(purpose)] = set
		}
		v.minimumNecessary[Role(role)] = purposes
	}

	return v, nil
}

// Validate decides whether the request is permitted under the
// minimum-necessary rule. The checks run in a fixed order: role
// authorization, purpose recognition, consent, then field-set containment.
// Any failing condition before the field check denies all requested fields.
func (v *Validator) Validate(req AccessDecisionRequest) AccessDecision {
	if len(req.RequestedFields) == 0 {
		return AccessDecision{Allowed: false, Reason: ReasonNoFieldsRequested}
	}

	if !v.authorizedRoles[req.Role] {
		return AccessDecision{
			Allowed:      false,
			DeniedFields: sortedCopy(req.RequestedFields),
			Reason:       ReasonRoleNotAuthorized,
		}
	}

	if !v.recognizedPurpose(req.Purpose) {
		return AccessDecision{
			Allowed:      false,
			DeniedFields: sortedCopy(req.RequestedFields),
			Reason:       ReasonInvalidPurpose,
		}
	}

	if !v.consentExempt[req.Purpose] && !req.PatientConsentGranted {
		return AccessDecision{
			Allowed:      false,
			DeniedFields: sortedCopy(req.RequestedFields),
			Reason:       ReasonConsentRequired,
		}
	}

	allowed := v.minimumNecessary[req.Role][req.Purpose]

	var denied []string
	for _, f := range req.RequestedFields {
		if !allowed[f] {
			denied = append(denied, f)
		}
	}
	sort.Strings(denied)

	if len(denied) == 0 {
		return AccessDecision{Allowed: true, Reason: ReasonGranted}
	}

	if v.filterDown && len(denied) < len(req.RequestedFields) {
		return AccessDecision{
			Allowed:      true,
			DeniedFields: denied,
			Reason:       ReasonGrantedFiltered,
		}
	}

	return AccessDecision{
		Allowed:      false,
		DeniedFields: denied,
		Reason:       ReasonOutsideMinimum,
	}
}

func (v *Validator) recognizedPurpose(p Purpose) bool {
	for _, known := range config.KnownPurposes {
		if string(p) == known {
			return true
		}
	}
	return false
}

func sortedCopy(fields []string) []string {
	out := make([]string, len(fields))
	copy(out, fields)
	sort.Strings(out)
	return out
}

package entitlement

// Decision is the outcome of evaluating one feature invocation.
type Decision int

const (
	// DeniedShowUpgrade blocks the feature and points the user at an upgrade.
	DeniedShowUpgrade Decision = iota
	// Allowed lets the feature run without spending anything.
	Allowed
	// AllowedConsumeCredit lets the feature run after spending one daily credit.
	AllowedConsumeCredit
	// AllowedConsumeTrial offers one trial session for the feature.
	AllowedConsumeTrial
	// DeniedShowTrialOffer blocks the feature while a trial offer awaits acceptance.
	DeniedShowTrialOffer
)

var decisionNames = map[Decision]string{
	DeniedShowUpgrade:    "denied-show-upgrade",
	Allowed:              "allowed",
	AllowedConsumeCredit: "allowed-consume-credit",
	AllowedConsumeTrial:  "allowed-consume-trial",
	DeniedShowTrialOffer: "denied-show-trial-offer",
}

func (d Decision) String() string {
	if s, ok := decisionNames[d]; ok {
		return s
	}
	return "unknown"
}

// Permits reports whether the feature may run once any cost is paid.
func (d Decision) Permits() bool {
	return d == Allowed || d == AllowedConsumeCredit || d == AllowedConsumeTrial
}

// Cost reports what d spends: "credit", "trial" or "".
func (d Decision) Cost() string {
	switch d {
	case AllowedConsumeCredit:
		return "credit"
	case AllowedConsumeTrial:
		return "trial"
	}
	return ""
}

func (d Decision) MarshalText() ([]byte, error) {
	if _, ok := decisionNames[d]; !ok {
		return nil, ErrUnknownDecision
	}
	return []byte(d.String()), nil
}

func (d *Decision) UnmarshalText(b []byte) error {
	for k, v := range decisionNames {
		if v == string(b) {
			*d = k
			return nil
		}
	}
	return ErrUnknownDecision
}

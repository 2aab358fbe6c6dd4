package directive

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tidwall/gjson"
)

var (
	// ErrUnknownKind is returned when decoding a directive of an unknown kind.
	ErrUnknownKind = errors.New("directive: unknown kind")

	// ErrMalformed is returned when a message is not a valid envelope.
	ErrMalformed = errors.New("directive: malformed message")
)

// envelope is the wire shape of a directive.
type envelope struct {
	Kind    Kind `json:"kind"`
	Payload any  `json:"payload"`
}

var constructors = map[Kind]func() Directive{
	KindFactoryAssignment:              func() Directive { return &FactoryAssignment{} },
	KindMinionsDeclaration:             func() Directive { return &MinionsDeclaration{} },
	KindMinionsAssignment:              func() Directive { return &MinionsAssignment{} },
	KindMinionsRampUpPreparation:       func() Directive { return &MinionsRampUpPreparation{} },
	KindScenarioWarmUp:                 func() Directive { return &ScenarioWarmUp{} },
	KindMinionsStart:                   func() Directive { return &MinionsStart{} },
	KindMinionsShutdown:                func() Directive { return &MinionsShutdown{} },
	KindCampaignScenarioShutdown:       func() Directive { return &CampaignScenarioShutdown{} },
	KindCampaignShutdown:               func() Directive { return &CampaignShutdown{} },
	KindCampaignAbort:                  func() Directive { return &CampaignAbort{} },
	KindTransportableStepContext:       func() Directive { return &TransportableStepContext{} },
	KindTransportableCompletionContext: func() Directive { return &TransportableCompletionContext{} },
}

// Encode serializes a directive into its envelope.
func Encode(d Directive) ([]byte, error) {
	b, err := json.Marshal(envelope{Kind: d.Kind(), Payload: d})
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s directive: %w", d.Kind(), err)
	}
	return b, nil
}

// Decode deserializes a directive from its envelope.
func Decode(b []byte) (Directive, error) {
	if !gjson.ValidBytes(b) {
		return nil, ErrMalformed
	}

	kind := gjson.GetBytes(b, "kind")
	if !kind.Exists() {
		return nil, fmt.Errorf("%w: missing kind", ErrMalformed)
	}

	newDirective, ok := constructors[Kind(kind.String())]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownKind, kind.String())
	}

	payload := gjson.GetBytes(b, "payload")
	if !payload.IsObject() {
		return nil, fmt.Errorf("%w: missing payload", ErrMalformed)
	}

	d := newDirective()
	if err := json.Unmarshal([]byte(payload.Raw), d); err != nil {
		return nil, fmt.Errorf("failed to decode %s directive: %w", kind.String(), err)
	}
	return d, nil
}

// EncodeFeedback serializes a feedback.
func EncodeFeedback(f Feedback) ([]byte, error) {
	return json.Marshal(f)
}

// DecodeFeedback deserializes a feedback.
func DecodeFeedback(b []byte) (Feedback, error) {
	var f Feedback
	if !gjson.ValidBytes(b) {
		return f, ErrMalformed
	}
	if err := json.Unmarshal(b, &f); err != nil {
		return f, fmt.Errorf("failed to decode feedback: %w", err)
	}
	return f, nil
}

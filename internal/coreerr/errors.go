// Package coreerr defines the error-kind taxonomy of the decision core.
// Components wrap errors with one of these sentinels via
// fmt.Errorf("...: %w", ...), so callers can classify failures with
// errors.Is without parsing strings.
package coreerr

import "errors"

// Kind is a stable tag for an error's category; never leaked to audit
// payloads directly, but used by callers to decide whether to retry,
// escalate, or surface the failure.
type Kind string

const (
	KindDuplicate          Kind = "duplicate"
	KindTransientExternal  Kind = "transient_external"
	KindPermanentExternal  Kind = "permanent_external"
	KindPolicyRejection    Kind = "policy_rejection"
	KindInvariantViolation Kind = "invariant_violation"
	KindInfrastructure     Kind = "infrastructure"
	KindUnknown            Kind = "unknown"
)

// Sentinels for errors.Is checks. Wrap with fmt.Errorf("context: %w", Sentinel).
var (
	ErrDuplicate          = errors.New("duplicate message")
	ErrTransientExternal  = errors.New("transient external failure")
	ErrPermanentExternal  = errors.New("permanent external failure")
	ErrPolicyRejection    = errors.New("policy rejected automation")
	ErrInvariantViolation = errors.New("invariant violation")
	ErrInfrastructure     = errors.New("infrastructure failure")
)

var sentinelKind = map[error]Kind{
	ErrDuplicate:          KindDuplicate,
	ErrTransientExternal:  KindTransientExternal,
	ErrPermanentExternal:  KindPermanentExternal,
	ErrPolicyRejection:    KindPolicyRejection,
	ErrInvariantViolation: KindInvariantViolation,
	ErrInfrastructure:     KindInfrastructure,
}

// Classify maps an error to its Kind by walking errors.Is against each
// known sentinel. Unrecognized errors classify as KindUnknown: any
// uncaught error is treated as an automatic escalation, never a silent
// auto-reply.
func Classify(err error) Kind {
	if err == nil {
		return ""
	}
	for sentinel, kind := range sentinelKind {
		if errors.Is(err, sentinel) {
			return kind
		}
	}
	return KindUnknown
}

// Retryable reports whether the pipeline runner should retry the step
// that produced this error.
func Retryable(err error) bool {
	return Classify(err) == KindTransientExternal
}

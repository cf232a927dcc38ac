package channel

import "net/http"

// Protocol names a webhook family served by the gateway.
type Protocol string

const (
	// ProtocolWeCom is the encrypted WeCom intelligent-bot callback.
	ProtocolWeCom Protocol = "wecom"
	// ProtocolTIM is the plain-JSON Tencent Cloud IM bot callback.
	ProtocolTIM Protocol = "tim"
)

// StatusPolicy holds the HTTP status a protocol family answers with for each
// request-level failure. The platforms retry differently per status, so the
// codes are kept per family rather than unified.
type StatusPolicy struct {
	PayloadTooLarge int
	MalformedBody   int
	DecryptFailure  int
	Unauthenticated int
	// UnconfiguredTarget is used when the request reached an account whose key
	// material is incomplete.
	UnconfiguredTarget int
}

var statusPolicies = map[Protocol]StatusPolicy{
	ProtocolWeCom: {
		PayloadTooLarge:    http.StatusRequestEntityTooLarge,
		MalformedBody:      http.StatusBadRequest,
		DecryptFailure:     http.StatusBadRequest,
		Unauthenticated:    http.StatusUnauthorized,
		UnconfiguredTarget: http.StatusInternalServerError,
	},
	// Tencent IM retries any non-200, so unconfigured accounts are acked.
	ProtocolTIM: {
		PayloadTooLarge:    http.StatusRequestEntityTooLarge,
		MalformedBody:      http.StatusBadRequest,
		DecryptFailure:     http.StatusBadRequest,
		Unauthenticated:    http.StatusUnauthorized,
		UnconfiguredTarget: http.StatusOK,
	},
}

// PolicyFor returns the status policy of p, falling back to WeCom's.
func PolicyFor(p Protocol) StatusPolicy {
	if sp, ok := statusPolicies[p]; ok {
		return sp
	}
	return statusPolicies[ProtocolWeCom]
}

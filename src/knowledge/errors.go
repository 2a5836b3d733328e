package knowledge

import "fmt"

// TrustErrType enumerates the ways a piece of received section knowledge can
// fail verification.
type TrustErrType uint32

const (
	// UntrustedProofChain - a received chain does not self-verify or roots at
	// an unknown key
	UntrustedProofChain TrustErrType = iota
	// UntrustedSectionAuthProvider - a SAP does not self-verify or its key
	// disagrees with its chain tip
	UntrustedSectionAuthProvider
	// InvalidGenesisKey - a provided prefix map's genesis disagrees with ours
	InvalidGenesisKey
	// KeyNotInChain - a proof chain was requested from an unknown key
	KeyNotInChain
	// NoMatchingSection - no SAP is known for the requested destination
	NoMatchingSection
)

// TrustErr is a verification failure on inbound section knowledge. These are
// local errors: the offending message is dropped and the sender gets no reply.
type TrustErr struct {
	errType TrustErrType
	detail  string
}

// NewTrustErr constructor
func NewTrustErr(errType TrustErrType, detail string) TrustErr {
	return TrustErr{
		errType: errType,
		detail:  detail,
	}
}

func (e TrustErr) Error() string {
	var name string
	switch e.errType {
	case UntrustedProofChain:
		name = "untrusted proof chain"
	case UntrustedSectionAuthProvider:
		name = "untrusted section authority provider"
	case InvalidGenesisKey:
		name = "invalid genesis key"
	case KeyNotInChain:
		name = "key not in chain"
	case NoMatchingSection:
		name = "no matching section"
	default:
		name = "unknown error"
	}
	if e.detail == "" {
		return name
	}
	return fmt.Sprintf("%s: %s", name, e.detail)
}

// IsTrustErr returns whether err is a TrustErr of the given type.
func IsTrustErr(err error, errType TrustErrType) bool {
	te, ok := err.(TrustErr)
	return ok && te.errType == errType
}

// CannotRouteErr is returned by the delivery group selector when it cannot
// gather the minimum number of recipients for a destination.
type CannotRouteErr struct {
	Required int
	Got      int
}

func (e CannotRouteErr) Error() string {
	return fmt.Sprintf("cannot route: need %d recipients, got %d", e.Required, e.Got)
}

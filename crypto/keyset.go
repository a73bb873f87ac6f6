package crypto

import (
	"github.com/go-kit/kit/log"
)

// KeySet is one direction's bound crypto context for an IKE SA: the
// CipherSuite used to encrypt/authenticate SK payloads sent in that
// direction (satisfies protocol.CipherContext directly), plus SK_p
// (used only to compute/verify the AUTH payload's PRF, never for
// message encryption) and the PRF transform id child key derivation
// needs.
type KeySet struct {
	*CipherSuite
	SkP   []byte
	PrfId uint16
}

// DeriveKeySets binds the seven derived IKE keys into the two
// directional KeySets an IkeSa needs: initiatorToResponder (keyed by
// SK_ei/SK_ai/SK_pi) for messages the initiator sends, and
// responderToInitiator (SK_er/SK_ar/SK_pr) for messages the responder
// sends. Each IkeSa assigns these to MyCrypto/PeerCrypto according to
// its own role.
func DeriveKeySets(ike Algorithms, keys *IkeKeys, logger log.Logger) (initiatorToResponder, responderToInitiator *KeySet, err error) {
	i2rSuite, err := ike.BindKeys(keys.SkEi, keys.SkAi, logger)
	if err != nil {
		return nil, nil, err
	}
	r2iSuite, err := ike.BindKeys(keys.SkEr, keys.SkAr, logger)
	if err != nil {
		return nil, nil, err
	}
	initiatorToResponder = &KeySet{CipherSuite: i2rSuite, SkP: keys.SkPi, PrfId: ike.PrfId}
	responderToInitiator = &KeySet{CipherSuite: r2iSuite, SkP: keys.SkPr, PrfId: ike.PrfId}
	return initiatorToResponder, responderToInitiator, nil
}

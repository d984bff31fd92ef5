package signaling

// State is a step of the media handshake.
type State int32

const (
	Idle State = iota
	Requesting
	OfferPending
	AnswerSent
	ICEExchanging
	Connected
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "IDLE"
	case Requesting:
		return "REQUESTING"
	case OfferPending:
		return "OFFER_PENDING"
	case AnswerSent:
		return "ANSWER_SENT"
	case ICEExchanging:
		return "ICE_EXCHANGING"
	case Connected:
		return "CONNECTED"
	case Failed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// live reports whether a peer connection exists and has not failed.
func (s State) live() bool {
	return s != Idle && s != Failed
}

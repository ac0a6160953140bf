package transfer

// Stable reason codes reported through the status interface
const (
	ReasonUnsupportedChainPair = "unsupported chain pair"
	ReasonBidNotFound          = "bid not found"
	ReasonBidNotYetValid       = "bid not yet valid"
	ReasonBidExpired           = "bid expired"
	ReasonFeeBelowMinimum      = "fee below minimum"

	ReasonSignerError          = "signer error"
	ReasonInsufficientBalance  = "insufficient balance"
	ReasonTransactionReverted  = "transaction reverted"
	ReasonRetryBudgetExhausted = "retry budget exhausted"
	ReasonChainUnavailable     = "chain unavailable"
	ReasonNonceConflict        = "nonce conflict"
	ReasonCancelled            = "cancelled"

	// Non-terminal notes
	NoteBidValidated  = "bid validated"
	NoteTxPinned      = "transaction pinned"
	NoteBroadcast     = "transaction broadcast"
	NoteConfirmed     = "confirmation depth reached"
	NoteReorg         = "reorged out, rebroadcast"
	NoteTimeout       = "confirmation timeout, rebroadcast"
	NoteNonceResync   = "nonce resynchronised"
	NoteAdoptedPrior  = "prior transaction included"
	NoteRecoveredPoll = "resumed polling pinned transaction"
)

package dkg

// Round1Package is the broadcast part of key generation: the Feldman
// commitment vector to the sender's secret polynomial plus a Schnorr proof
// of knowledge of its constant term. Points and scalars are in kyber
// binary marshaling.
type Round1Package struct {
	Commitments [][]byte `json:"commitments"`
	ProofNonce  []byte   `json:"proof_nonce"`
	ProofMu     []byte   `json:"proof_mu"`
}

// Round2Package is the per-recipient part: the evaluation of the sender's
// secret polynomial at the recipient's index. Sent only over the direct
// pairwise channel to that recipient.
type Round2Package struct {
	Share []byte `json:"share"`
}

// Result is the local output of a completed key generation.
type Result struct {
	// Index is this participant's position in the sorted participant list.
	Index int
	// KeyShare is the marshaled secret signing share.
	KeyShare []byte
	// GroupPublicKey is the marshaled joint public key, identical on
	// every participant.
	GroupPublicKey []byte
	// PublicShares maps each participant to its marshaled public
	// verification share.
	PublicShares map[string][]byte
}

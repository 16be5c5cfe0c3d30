// Package dkg implements the local side of distributed key generation:
// a two-round Feldman commitment scheme over edwards25519 producing a
// threshold key share and the joint group public key. The engine is pure
// protocol state; package routing and round sequencing live in the node.
package dkg

import (
	"crypto/cipher"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"go.dedis.ch/kyber/v3"
	"go.dedis.ch/kyber/v3/group/edwards25519"
	"go.dedis.ch/kyber/v3/share"
	"go.dedis.ch/kyber/v3/util/random"
	"lukechampine.com/frand"
)

// ErrDuplicate marks a repeated round package from the same participant.
// Callers may treat it as harmless retransmission and ignore it.
var ErrDuplicate = errors.New("duplicate round package")

type phase int

const (
	phaseIdle phase = iota
	phaseRound1
	phaseRound2
	phaseDone
)

// Config assembles an engine for one key generation run. Participants may
// be passed in any order; the engine sorts them and derives every
// participant's polynomial evaluation index from the sorted position.
type Config struct {
	SessionID    string
	DeviceID     string
	Participants []string
	Threshold    int
}

// Engine holds one participant's key generation state. Not safe for
// concurrent use; the node event loop is the only caller.
type Engine struct {
	suite  *edwards25519.SuiteEd25519
	stream cipher.Stream

	sessionID    string
	deviceID     string
	participants []string
	selfIndex    int
	threshold    int

	poly    *share.PriPoly
	commits map[string]*share.PubPoly
	shares  map[string]kyber.Scalar
	phase   phase
}

func New(cfg Config) (*Engine, error) {
	if cfg.Threshold < 1 || cfg.Threshold > len(cfg.Participants) {
		return nil, fmt.Errorf("invalid threshold %d for %d participants", cfg.Threshold, len(cfg.Participants))
	}

	participants := append([]string(nil), cfg.Participants...)
	sort.Strings(participants)

	selfIndex := -1
	for i, p := range participants {
		if p == cfg.DeviceID {
			selfIndex = i
			break
		}
	}
	if selfIndex < 0 {
		return nil, fmt.Errorf("device %s is not a participant", cfg.DeviceID)
	}

	return &Engine{
		suite:        edwards25519.NewBlakeSHA256Ed25519(),
		stream:       random.New(frand.New()),
		sessionID:    cfg.SessionID,
		deviceID:     cfg.DeviceID,
		participants: participants,
		selfIndex:    selfIndex,
		threshold:    cfg.Threshold,
		commits:      make(map[string]*share.PubPoly),
		shares:       make(map[string]kyber.Scalar),
		phase:        phaseIdle,
	}, nil
}

// Index returns this participant's position in the sorted participant list.
func (e *Engine) Index() int {
	return e.selfIndex
}

// Round1 samples the secret polynomial and returns the broadcast package:
// the commitment vector plus a proof of knowledge of the constant term.
func (e *Engine) Round1() ([]byte, error) {
	if e.phase != phaseIdle {
		return nil, fmt.Errorf("round 1 already started")
	}

	e.poly = share.NewPriPoly(e.suite, e.threshold, nil, e.stream)
	pubPoly := e.poly.Commit(nil)
	_, commits := pubPoly.Info()

	secret := e.poly.Secret()
	nonce := e.suite.Scalar().Pick(e.stream)
	nonceCommit := e.suite.Point().Mul(nonce, nil)
	c := e.challenge(e.deviceID, commits[0], nonceCommit)
	mu := e.suite.Scalar().Add(nonce, e.suite.Scalar().Mul(c, secret))

	pkg := Round1Package{Commitments: make([][]byte, len(commits))}
	for i, commit := range commits {
		data, err := commit.MarshalBinary()
		if err != nil {
			return nil, fmt.Errorf("failed to marshal commitment: %w", err)
		}
		pkg.Commitments[i] = data
	}
	var err error
	if pkg.ProofNonce, err = nonceCommit.MarshalBinary(); err != nil {
		return nil, fmt.Errorf("failed to marshal proof nonce: %w", err)
	}
	if pkg.ProofMu, err = mu.MarshalBinary(); err != nil {
		return nil, fmt.Errorf("failed to marshal proof response: %w", err)
	}

	e.commits[e.deviceID] = pubPoly
	e.phase = phaseRound1

	data, err := json.Marshal(pkg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal round 1 package: %w", err)
	}
	return data, nil
}

// ProcessRound1 verifies and stores a peer's broadcast package. It reports
// whether every participant's package has now been seen.
func (e *Engine) ProcessRound1(peerID string, data []byte) (bool, error) {
	if e.phase != phaseRound1 {
		return false, fmt.Errorf("round 1 is not in progress")
	}
	if e.participantIndex(peerID) < 0 {
		return false, fmt.Errorf("round 1 package from non-participant %s", peerID)
	}
	if _, ok := e.commits[peerID]; ok {
		return false, fmt.Errorf("round 1 package from %s: %w", peerID, ErrDuplicate)
	}

	var pkg Round1Package
	if err := json.Unmarshal(data, &pkg); err != nil {
		return false, fmt.Errorf("failed to unmarshal round 1 package from %s: %w", peerID, err)
	}
	if len(pkg.Commitments) != e.threshold {
		return false, fmt.Errorf("round 1 package from %s has %d commitments, want %d", peerID, len(pkg.Commitments), e.threshold)
	}

	commits := make([]kyber.Point, len(pkg.Commitments))
	for i, raw := range pkg.Commitments {
		p := e.suite.Point()
		if err := p.UnmarshalBinary(raw); err != nil {
			return false, fmt.Errorf("failed to unmarshal commitment from %s: %w", peerID, err)
		}
		commits[i] = p
	}

	nonceCommit := e.suite.Point()
	if err := nonceCommit.UnmarshalBinary(pkg.ProofNonce); err != nil {
		return false, fmt.Errorf("failed to unmarshal proof nonce from %s: %w", peerID, err)
	}
	mu := e.suite.Scalar()
	if err := mu.UnmarshalBinary(pkg.ProofMu); err != nil {
		return false, fmt.Errorf("failed to unmarshal proof response from %s: %w", peerID, err)
	}

	// g^mu must equal R + c*C0, proving knowledge of the secret behind C0.
	c := e.challenge(peerID, commits[0], nonceCommit)
	lhs := e.suite.Point().Mul(mu, nil)
	rhs := e.suite.Point().Add(nonceCommit, e.suite.Point().Mul(c, commits[0]))
	if !lhs.Equal(rhs) {
		return false, fmt.Errorf("invalid proof of knowledge from %s", peerID)
	}

	e.commits[peerID] = share.NewPubPoly(e.suite, nil, commits)
	return len(e.commits) == len(e.participants), nil
}

// Round2Packages evaluates the secret polynomial at every peer's index and
// returns one package per peer, keyed by participant id. The caller must
// deliver each package only to its recipient.
func (e *Engine) Round2Packages() (map[string][]byte, error) {
	if e.phase != phaseRound1 {
		return nil, fmt.Errorf("round 2 requires a completed round 1")
	}
	if len(e.commits) != len(e.participants) {
		return nil, fmt.Errorf("round 1 is incomplete: have %d of %d packages", len(e.commits), len(e.participants))
	}

	e.shares[e.deviceID] = e.poly.Eval(e.selfIndex).V

	out := make(map[string][]byte, len(e.participants)-1)
	for i, peer := range e.participants {
		if peer == e.deviceID {
			continue
		}
		raw, err := e.poly.Eval(i).V.MarshalBinary()
		if err != nil {
			return nil, fmt.Errorf("failed to marshal share for %s: %w", peer, err)
		}
		data, err := json.Marshal(Round2Package{Share: raw})
		if err != nil {
			return nil, fmt.Errorf("failed to marshal round 2 package for %s: %w", peer, err)
		}
		out[peer] = data
	}

	e.phase = phaseRound2
	return out, nil
}

// ProcessRound2 verifies a peer's share against its round 1 commitment and
// stores it. It reports whether every participant's share has been seen.
func (e *Engine) ProcessRound2(peerID string, data []byte) (bool, error) {
	if e.phase != phaseRound2 {
		return false, fmt.Errorf("round 2 is not in progress")
	}
	if e.participantIndex(peerID) < 0 {
		return false, fmt.Errorf("round 2 package from non-participant %s", peerID)
	}
	if _, ok := e.shares[peerID]; ok {
		return false, fmt.Errorf("round 2 package from %s: %w", peerID, ErrDuplicate)
	}
	pubPoly, ok := e.commits[peerID]
	if !ok {
		return false, fmt.Errorf("round 2 package from %s without a round 1 commitment", peerID)
	}

	var pkg Round2Package
	if err := json.Unmarshal(data, &pkg); err != nil {
		return false, fmt.Errorf("failed to unmarshal round 2 package from %s: %w", peerID, err)
	}
	v := e.suite.Scalar()
	if err := v.UnmarshalBinary(pkg.Share); err != nil {
		return false, fmt.Errorf("failed to unmarshal share from %s: %w", peerID, err)
	}

	if !pubPoly.Check(&share.PriShare{I: e.selfIndex, V: v}) {
		return false, fmt.Errorf("share from %s does not match its commitment", peerID)
	}

	e.shares[peerID] = v
	return len(e.shares) == len(e.participants), nil
}

// Finalize combines the collected shares into this participant's key share
// and derives the group public key and per-participant verification shares.
func (e *Engine) Finalize() (*Result, error) {
	if e.phase != phaseRound2 {
		return nil, fmt.Errorf("finalize requires a completed round 2")
	}
	if len(e.shares) != len(e.participants) {
		return nil, fmt.Errorf("round 2 is incomplete: have %d of %d shares", len(e.shares), len(e.participants))
	}

	keyShare := e.suite.Scalar().Zero()
	for _, v := range e.shares {
		keyShare = e.suite.Scalar().Add(keyShare, v)
	}

	combined := e.commits[e.participants[0]]
	for _, peer := range e.participants[1:] {
		sum, err := combined.Add(e.commits[peer])
		if err != nil {
			return nil, fmt.Errorf("failed to combine commitments: %w", err)
		}
		combined = sum
	}

	groupKey, err := combined.Commit().MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("failed to marshal group public key: %w", err)
	}
	shareBytes, err := keyShare.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("failed to marshal key share: %w", err)
	}

	publicShares := make(map[string][]byte, len(e.participants))
	for i, peer := range e.participants {
		raw, err := combined.Eval(i).V.MarshalBinary()
		if err != nil {
			return nil, fmt.Errorf("failed to marshal public share for %s: %w", peer, err)
		}
		publicShares[peer] = raw
	}

	e.phase = phaseDone
	return &Result{
		Index:          e.selfIndex,
		KeyShare:       shareBytes,
		GroupPublicKey: groupKey,
		PublicShares:   publicShares,
	}, nil
}

func (e *Engine) participantIndex(peerID string) int {
	for i, p := range e.participants {
		if p == peerID {
			return i
		}
	}
	return -1
}

// challenge binds the proof of knowledge to the session, the prover and
// its constant-term commitment.
func (e *Engine) challenge(proverID string, commit, nonceCommit kyber.Point) kyber.Scalar {
	h := e.suite.Hash()
	fmt.Fprintf(h, "frostmesh-keygen:%s:%s:", e.sessionID, proverID)
	commit.MarshalTo(h)
	nonceCommit.MarshalTo(h)
	return e.suite.Scalar().SetBytes(h.Sum(nil))
}

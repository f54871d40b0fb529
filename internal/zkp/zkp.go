// Package zkp implements Schnorr-style zero-knowledge identity proofs for
// allow-listed shares.
//
// A folder owner commits to an authorized identity without storing it; the
// identity holder later proves knowledge of the committed identity without
// revealing it. The scheme is a Pedersen commitment C = g^x * h^r mod p with
// a standard three-message Schnorr proof (commit, Fiat-Shamir challenge,
// response) over the multiplicative group mod a 256-bit prime.
//
// The blinding factor r is derived deterministically from the identity and
// folder id rather than drawn at random. This keeps the commitment fully
// reconstructible by the identity holder with no stored state, at the cost
// of a weaker hiding property when identities are guessable.
package zkp

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
)

// Errors
var (
	ErrInvalidCommitment = errors.New("zkp: invalid commitment data")
	ErrInvalidProof      = errors.New("zkp: invalid proof data")
)

// Domain-separation tags. Changing either invalidates every commitment
// ever published, so both carry explicit versions.
const (
	saltTag     = ":commitment:v1"
	blindingTag = "ZK_BLINDING_v1"
)

// Group parameters: p = 2^256 - 2^32 - 977 (the secp256k1 field prime),
// generator g = 2, group order n = p - 1.
var (
	groupP, _ = new(big.Int).SetString(
		"FFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFEFFFFFC2F", 16)
	groupG = big.NewInt(2)
	groupN = new(big.Int).Sub(groupP, big.NewInt(1))
)

// Commitment binds an identity to a folder without revealing it.
type Commitment struct {
	P    *big.Int
	G    *big.Int
	H    *big.Int
	C    *big.Int
	Salt string
}

// Proof is a completed Schnorr proof of knowledge of the committed identity.
type Proof struct {
	R         *big.Int
	Challenge *big.Int
	S1        *big.Int
	S2        *big.Int
}

// commitmentWire is the JSON form; big integers travel as decimal strings.
type commitmentWire struct {
	P    string `json:"p"`
	G    string `json:"g"`
	H    string `json:"h"`
	C    string `json:"commitment"`
	Salt string `json:"salt"`
}

type proofWire struct {
	R         string `json:"r"`
	Challenge string `json:"challenge"`
	S1        string `json:"s1"`
	S2        string `json:"s2"`
}

// hashToInt maps a string to an integer mod n.
func hashToInt(s string) *big.Int {
	sum := sha256.Sum256([]byte(s))
	v := new(big.Int).SetBytes(sum[:])
	return v.Mod(v, groupN)
}

// deriveSalt returns the deterministic commitment salt for a folder.
func deriveSalt(folderID string) string {
	sum := sha256.Sum256([]byte(folderID + saltTag))
	return hex.EncodeToString(sum[:])
}

// deriveH returns the auxiliary generator for a folder. The exponent is
// kept small (3..1002) so h is cheap to recompute on every verification.
func deriveH(folderID string) *big.Int {
	sum := sha256.Sum256([]byte("generator2:" + folderID))
	e := new(big.Int).SetBytes(sum[:])
	e.Mod(e, big.NewInt(1000))
	e.Add(e, big.NewInt(3))
	return new(big.Int).Exp(groupG, e, groupP)
}

// deriveBlinding returns the deterministic blinding factor for an
// identity/folder pair.
func deriveBlinding(identity, folderID, salt string) *big.Int {
	return hashToInt(identity + folderID + salt + blindingTag)
}

// CreateCommitment builds the commitment C = g^x * h^r mod p for an
// identity, where x = H(identity) mod n. Every input to the computation is
// derived from (identity, folderID), so the identity holder can rebuild the
// commitment from scratch.
func CreateCommitment(identity, folderID string) *Commitment {
	salt := deriveSalt(folderID)
	h := deriveH(folderID)
	x := hashToInt(identity)
	r := deriveBlinding(identity, folderID, salt)

	c := new(big.Int).Exp(groupG, x, groupP)
	c.Mul(c, new(big.Int).Exp(h, r, groupP))
	c.Mod(c, groupP)

	return &Commitment{
		P:    new(big.Int).Set(groupP),
		G:    new(big.Int).Set(groupG),
		H:    h,
		C:    c,
		Salt: salt,
	}
}

// Hash returns the hex SHA-256 of the commitment value, used as the
// commitment's stable identifier inside manifests.
func (c *Commitment) Hash() string {
	sum := sha256.Sum256([]byte(c.C.String()))
	return hex.EncodeToString(sum[:])
}

// Prove generates a Schnorr proof that the caller knows the identity behind
// the commitment. folderID must be the folder the commitment was created
// for; the blinding factor is re-derived rather than stored.
func Prove(identity, folderID string, com *Commitment) (*Proof, error) {
	if com == nil || com.C == nil {
		return nil, ErrInvalidCommitment
	}

	x := hashToInt(identity)
	r := deriveBlinding(identity, folderID, com.Salt)

	k1, err := rand.Int(rand.Reader, groupN)
	if err != nil {
		return nil, fmt.Errorf("random nonce: %w", err)
	}
	k2, err := rand.Int(rand.Reader, groupN)
	if err != nil {
		return nil, fmt.Errorf("random nonce: %w", err)
	}

	// R = g^k1 * h^k2 mod p
	bigR := new(big.Int).Exp(com.G, k1, com.P)
	bigR.Mul(bigR, new(big.Int).Exp(com.H, k2, com.P))
	bigR.Mod(bigR, com.P)

	c := challenge(bigR, com.C, com.P)

	// s1 = k1 + c*x mod n, s2 = k2 + c*r mod n
	s1 := new(big.Int).Mul(c, x)
	s1.Add(s1, k1)
	s1.Mod(s1, groupN)

	s2 := new(big.Int).Mul(c, r)
	s2.Add(s2, k2)
	s2.Mod(s2, groupN)

	return &Proof{R: bigR, Challenge: c, S1: s1, S2: s2}, nil
}

// Verify checks the proof equation g^s1 * h^s2 == R * C^c mod p. It also
// recomputes the Fiat-Shamir challenge so a proof cannot be replayed
// against a different commitment.
func Verify(proof *Proof, com *Commitment) bool {
	if proof == nil || com == nil {
		return false
	}
	if proof.R == nil || proof.Challenge == nil || proof.S1 == nil || proof.S2 == nil {
		return false
	}
	if com.P == nil || com.G == nil || com.H == nil || com.C == nil {
		return false
	}

	if challenge(proof.R, com.C, com.P).Cmp(proof.Challenge) != 0 {
		return false
	}

	left := new(big.Int).Exp(com.G, proof.S1, com.P)
	left.Mul(left, new(big.Int).Exp(com.H, proof.S2, com.P))
	left.Mod(left, com.P)

	right := new(big.Int).Exp(com.C, proof.Challenge, com.P)
	right.Mul(right, proof.R)
	right.Mod(right, com.P)

	return left.Cmp(right) == 0
}

// challenge computes the Fiat-Shamir challenge c = H(R:C:p) mod n over the
// decimal representations.
func challenge(r, c, p *big.Int) *big.Int {
	return hashToInt(fmt.Sprintf("%s:%s:%s", r.String(), c.String(), p.String()))
}

// MarshalJSON encodes the commitment with decimal-string integers.
func (c *Commitment) MarshalJSON() ([]byte, error) {
	return json.Marshal(commitmentWire{
		P:    c.P.String(),
		G:    c.G.String(),
		H:    c.H.String(),
		C:    c.C.String(),
		Salt: c.Salt,
	})
}

// UnmarshalJSON decodes a commitment from its wire form.
func (c *Commitment) UnmarshalJSON(data []byte) error {
	var w commitmentWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	var ok bool
	if c.P, ok = new(big.Int).SetString(w.P, 10); !ok {
		return ErrInvalidCommitment
	}
	if c.G, ok = new(big.Int).SetString(w.G, 10); !ok {
		return ErrInvalidCommitment
	}
	if c.H, ok = new(big.Int).SetString(w.H, 10); !ok {
		return ErrInvalidCommitment
	}
	if c.C, ok = new(big.Int).SetString(w.C, 10); !ok {
		return ErrInvalidCommitment
	}
	c.Salt = w.Salt
	return nil
}

// MarshalJSON encodes the proof with decimal-string integers.
func (p *Proof) MarshalJSON() ([]byte, error) {
	return json.Marshal(proofWire{
		R:         p.R.String(),
		Challenge: p.Challenge.String(),
		S1:        p.S1.String(),
		S2:        p.S2.String(),
	})
}

// UnmarshalJSON decodes a proof from its wire form.
func (p *Proof) UnmarshalJSON(data []byte) error {
	var w proofWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	var ok bool
	if p.R, ok = new(big.Int).SetString(w.R, 10); !ok {
		return ErrInvalidProof
	}
	if p.Challenge, ok = new(big.Int).SetString(w.Challenge, 10); !ok {
		return ErrInvalidProof
	}
	if p.S1, ok = new(big.Int).SetString(w.S1, 10); !ok {
		return ErrInvalidProof
	}
	if p.S2, ok = new(big.Int).SetString(w.S2, 10); !ok {
		return ErrInvalidProof
	}
	return nil
}

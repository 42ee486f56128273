package typeddata

import (
	"bytes"
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"jobmesh/go-backend/pkg/models"
)

var (
	ErrMalformedParticipants = errors.New("participants are not strictly ascending")
	ErrValueOutOfRange       = errors.New("coordination value out of range")
)

// Type tags are fixed per record kind and bound into every hash, so two
// records of different kinds can never collide on identical field bytes.
var (
	intentTypeTag = crypto.Keccak256Hash([]byte(
		"Intent(bytes32 payloadHash,uint64 expiry,uint64 nonce,address signer,string coordinationType,uint256 coordinationValue,address[] participants)"))
	jobSpecTypeTag = crypto.Keccak256Hash([]byte(
		"JobSpec(string topic,string contentLocator,uint256 budget,uint64 deadline)"))
	acceptanceTypeTag = crypto.Keccak256Hash([]byte(
		"Acceptance(bytes32 intentHash,address participant,uint64 nonce,uint64 expiry,bytes32 conditionsHash)"))
	domainTypeTag = crypto.Keccak256Hash([]byte(
		"Domain(string name,string version,uint64 chainId,address verifyingLedger)"))
)

// Domain binds signatures to one protocol deployment. A digest produced for
// one chain or ledger address never verifies against another.
type Domain struct {
	Name          string
	Version       string
	ChainID       uint64
	LedgerAddress common.Address
}

// Separator returns the domain separator hash.
func (d Domain) Separator() common.Hash {
	return crypto.Keccak256Hash(
		domainTypeTag.Bytes(),
		crypto.Keccak256([]byte(d.Name)),
		crypto.Keccak256([]byte(d.Version)),
		encUint64(d.ChainID),
		encAddress(d.LedgerAddress),
	)
}

// Digest prefixes a record hash with the domain separator for signing.
func Digest(recordHash common.Hash, domain Domain) common.Hash {
	sep := domain.Separator()
	return crypto.Keccak256Hash([]byte{0x19, 0x01}, sep.Bytes(), recordHash.Bytes())
}

// HashIntent computes the canonical intent hash. It does not validate the
// participant ordering; callers that accept intents must run
// CheckParticipants first.
func HashIntent(in models.Intent) (common.Hash, error) {
	value, err := encUint256(in.CoordinationValue)
	if err != nil {
		return common.Hash{}, err
	}
	return crypto.Keccak256Hash(
		intentTypeTag.Bytes(),
		in.PayloadHash.Bytes(),
		encUint64(uint64(in.Expiry)),
		encUint64(in.Nonce),
		encAddress(in.Signer),
		crypto.Keccak256([]byte(in.CoordinationType)),
		value,
		hashParticipants(in.Participants),
	), nil
}

// HashJobSpec computes the payload hash an intent commits to.
func HashJobSpec(spec models.JobSpec) (common.Hash, error) {
	budget, err := encUint256(spec.Budget)
	if err != nil {
		return common.Hash{}, err
	}
	return crypto.Keccak256Hash(
		jobSpecTypeTag.Bytes(),
		crypto.Keccak256([]byte(spec.Topic)),
		crypto.Keccak256([]byte(spec.ContentLocator)),
		budget,
		encUint64(uint64(spec.Deadline)),
	), nil
}

// HashAcceptance computes the canonical acceptance hash. The signature field
// is excluded; it signs this hash, it is not part of it.
func HashAcceptance(acc models.Acceptance) common.Hash {
	return crypto.Keccak256Hash(
		acceptanceTypeTag.Bytes(),
		acc.IntentHash.Bytes(),
		encAddress(acc.Participant),
		encUint64(acc.Nonce),
		encUint64(uint64(acc.Expiry)),
		acc.ConditionsHash.Bytes(),
	)
}

// CheckParticipants rejects any participant set that is not strictly
// ascending by address value. One adjacent-pair scan catches duplicates and
// disorder together.
func CheckParticipants(participants []common.Address) error {
	for i := 1; i < len(participants); i++ {
		if bytes.Compare(participants[i-1].Bytes(), participants[i].Bytes()) >= 0 {
			return ErrMalformedParticipants
		}
	}
	return nil
}

func hashParticipants(participants []common.Address) []byte {
	packed := make([]byte, 0, len(participants)*32)
	for _, p := range participants {
		packed = append(packed, encAddress(p)...)
	}
	return crypto.Keccak256(packed)
}

func encUint64(v uint64) []byte {
	out := make([]byte, 32)
	new(big.Int).SetUint64(v).FillBytes(out)
	return out
}

func encAddress(addr common.Address) []byte {
	out := make([]byte, 32)
	copy(out[12:], addr.Bytes())
	return out
}

func encUint256(v *big.Int) ([]byte, error) {
	if v == nil {
		return make([]byte, 32), nil
	}
	if v.Sign() < 0 || v.BitLen() > 256 {
		return nil, ErrValueOutOfRange
	}
	out := make([]byte, 32)
	v.FillBytes(out)
	return out, nil
}

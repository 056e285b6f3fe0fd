package eth

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/nweb-io/indexer/internal/domain/ledger"
)

// ErrBadPayload marks an attestation payload that does not decode under the
// scan-submission schema.
var ErrBadPayload = errors.New("undecodable attestation payload")

// attestorABI covers the two surfaces this indexer touches: the
// AttestationMade event and the getAttestation view.
const attestorABI = `[
  {"anonymous":false,"inputs":[
    {"indexed":true,"name":"uid","type":"bytes32"},
    {"indexed":true,"name":"attester","type":"address"},
    {"indexed":true,"name":"subject","type":"address"}],
   "name":"AttestationMade","type":"event"},
  {"inputs":[{"name":"uid","type":"bytes32"}],
   "name":"getAttestation",
   "outputs":[
    {"name":"uid","type":"bytes32"},
    {"name":"attester","type":"address"},
    {"name":"subject","type":"address"},
    {"name":"schemaUID","type":"bytes32"},
    {"name":"timestamp","type":"uint64"},
    {"name":"expirationTime","type":"uint64"},
    {"name":"revoked","type":"bool"},
    {"name":"data","type":"bytes"}],
   "stateMutability":"view","type":"function"}
]`

func parseAttestorABI() (abi.ABI, error) {
	return abi.JSON(strings.NewReader(attestorABI))
}

// payloadArguments is the decode contract for the scan-submission schema:
// a single ABI-encoded tuple carried in the attestation data field.
func payloadArguments() abi.Arguments {
	str := mustType("string")
	b32 := mustType("bytes32")
	u64 := mustType("uint64")
	return abi.Arguments{
		{Name: "jobId", Type: str},
		{Name: "cid", Type: str},
		{Name: "merkleRoot", Type: b32},
		{Name: "targetSpecCid", Type: str},
		{Name: "namespace", Type: str},
		{Name: "datasetType", Type: str},
		{Name: "tool", Type: str},
		{Name: "toolVersion", Type: str},
		{Name: "vantage", Type: str},
		{Name: "startedAt", Type: u64},
		{Name: "finishedAt", Type: u64},
	}
}

func mustType(t string) abi.Type {
	ty, err := abi.NewType(t, "", nil)
	if err != nil {
		panic(err)
	}
	return ty
}

// decodePayload unpacks the attestation data into a typed payload. It
// either yields every field or fails; no placeholder values.
func decodePayload(args abi.Arguments, data []byte) (*ledger.SubmissionPayload, error) {
	vals, err := args.Unpack(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadPayload, err)
	}
	if len(vals) != len(args) {
		return nil, fmt.Errorf("%w: got %d fields, want %d", ErrBadPayload, len(vals), len(args))
	}
	root, ok := vals[2].([32]byte)
	if !ok {
		return nil, fmt.Errorf("%w: merkleRoot is not bytes32", ErrBadPayload)
	}
	p := &ledger.SubmissionPayload{
		JobID:         vals[0].(string),
		CID:           vals[1].(string),
		MerkleRoot:    common.Hash(root).Hex(),
		TargetSpecCID: vals[3].(string),
		Namespace:     vals[4].(string),
		DatasetType:   vals[5].(string),
		Tool:          vals[6].(string),
		ToolVersion:   vals[7].(string),
		Vantage:       vals[8].(string),
		StartedAt:     vals[9].(uint64),
		FinishedAt:    vals[10].(uint64),
	}
	return p, nil
}

// decodeEvent maps a raw log to an attestation event. All three event
// parameters are indexed, so everything lives in the topics.
func decodeEvent(eventID common.Hash, lg types.Log) (ledger.AttestationEvent, error) {
	if len(lg.Topics) != 4 || lg.Topics[0] != eventID {
		return ledger.AttestationEvent{}, fmt.Errorf("unexpected log topics for tx %s", lg.TxHash.Hex())
	}
	return ledger.AttestationEvent{
		UID:      lg.Topics[1].Hex(),
		Attester: common.BytesToAddress(lg.Topics[2].Bytes()).Hex(),
		Subject:  common.BytesToAddress(lg.Topics[3].Bytes()).Hex(),
		Block:    lg.BlockNumber,
	}, nil
}

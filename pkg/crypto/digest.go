package crypto

import (
	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/crypto/sha3"
)

// PayloadHash commits to the encoded operations of a batch
// Formula: keccak256(payload)
func PayloadHash(payload []byte) common.Hash {
	h := sha3.NewLegacyKeccak256()
	h.Write(payload)
	return common.BytesToHash(h.Sum(nil))
}

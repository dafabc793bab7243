package crypto

import (
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

// EIP712Domain separates signatures across deployments and chains
type EIP712Domain struct {
	Name              string
	Version           string
	ChainID           *big.Int
	VerifyingContract common.Address // zero for off-chain signing
}

// BatchEIP712 is the typed message an account signs to authorize a batch
type BatchEIP712 struct {
	Account     common.Address
	Nonce       *big.Int    // must be the account's last nonce + 1
	PayloadHash common.Hash // PayloadHash of the encoded operations
}

// EIP712Signer hashes and verifies batches for one domain
type EIP712Signer struct {
	domain EIP712Domain
}

// NewEIP712Signer creates a signer for domain
func NewEIP712Signer(domain EIP712Domain) *EIP712Signer {
	return &EIP712Signer{domain: domain}
}

// DefaultDomain returns the local devnet domain
func DefaultDomain() EIP712Domain {
	return EIP712Domain{
		Name:              "Hyperlend",
		Version:           "1",
		ChainID:           big.NewInt(1337),
		VerifyingContract: common.Address{},
	}
}

// Domain returns the signing domain
func (e *EIP712Signer) Domain() EIP712Domain {
	return e.domain
}

var batchTypes = apitypes.Types{
	"EIP712Domain": []apitypes.Type{
		{Name: "name", Type: "string"},
		{Name: "version", Type: "string"},
		{Name: "chainId", Type: "uint256"},
		{Name: "verifyingContract", Type: "address"},
	},
	"Batch": []apitypes.Type{
		{Name: "account", Type: "address"},
		{Name: "nonce", Type: "uint256"},
		{Name: "payloadHash", Type: "string"},
	},
}

func (e *EIP712Signer) typedData(b *BatchEIP712) apitypes.TypedData {
	return apitypes.TypedData{
		Types:       batchTypes,
		PrimaryType: "Batch",
		Domain: apitypes.TypedDataDomain{
			Name:              e.domain.Name,
			Version:           e.domain.Version,
			ChainId:           (*math.HexOrDecimal256)(e.domain.ChainID),
			VerifyingContract: e.domain.VerifyingContract.Hex(),
		},
		Message: apitypes.TypedDataMessage{
			"account":     b.Account.Hex(),
			"nonce":       b.Nonce.String(),
			"payloadHash": b.PayloadHash.Hex(),
		},
	}
}

// HashBatch returns the EIP-712 digest of a batch
// Formula: keccak256("\x19\x01" || domainSeparator || hashStruct(batch))
func (e *EIP712Signer) HashBatch(b *BatchEIP712) ([]byte, error) {
	if b.Nonce == nil {
		return nil, fmt.Errorf("batch nonce is required")
	}
	typedData := e.typedData(b)

	domainSeparator, err := typedData.HashStruct("EIP712Domain", typedData.Domain.Map())
	if err != nil {
		return nil, fmt.Errorf("failed to hash domain: %w", err)
	}
	messageHash, err := typedData.HashStruct(typedData.PrimaryType, typedData.Message)
	if err != nil {
		return nil, fmt.Errorf("failed to hash message: %w", err)
	}

	rawData := []byte(fmt.Sprintf("\x19\x01%s%s", string(domainSeparator), string(messageHash)))
	return crypto.Keccak256Hash(rawData).Bytes(), nil
}

// SignBatch signs a batch with signer
func (e *EIP712Signer) SignBatch(signer *Signer, b *BatchEIP712) ([]byte, error) {
	digest, err := e.HashBatch(b)
	if err != nil {
		return nil, fmt.Errorf("failed to hash batch: %w", err)
	}
	signature, err := signer.Sign(digest)
	if err != nil {
		return nil, fmt.Errorf("failed to sign batch: %w", err)
	}
	return signature, nil
}

// RecoverBatchSigner returns the account that signed a batch
func (e *EIP712Signer) RecoverBatchSigner(b *BatchEIP712, signature []byte) (common.Address, error) {
	digest, err := e.HashBatch(b)
	if err != nil {
		return common.Address{}, fmt.Errorf("failed to hash batch: %w", err)
	}
	return RecoverAddress(digest, signature)
}

// BatchToJSON renders the typed data for eth_signTypedData_v4 wallets
func (e *EIP712Signer) BatchToJSON(b *BatchEIP712) (string, error) {
	typedData := e.typedData(b)

	doc := map[string]any{
		"types":       typedData.Types,
		"primaryType": typedData.PrimaryType,
		"domain": map[string]any{
			"name":              e.domain.Name,
			"version":           e.domain.Version,
			"chainId":           e.domain.ChainID.String(),
			"verifyingContract": e.domain.VerifyingContract.Hex(),
		},
		"message": typedData.Message,
	}
	out, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal typed data: %w", err)
	}
	return string(out), nil
}

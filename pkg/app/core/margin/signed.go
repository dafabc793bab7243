package margin

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/uhyunpark/hyperlend/pkg/app/core/errs"
	"github.com/uhyunpark/hyperlend/pkg/crypto"
)

// SignedBatch is a batch authorized by the account's EIP-712 signature
type SignedBatch struct {
	Account   common.Address `json:"account"`
	Nonce     uint64         `json:"nonce"`
	Ops       []Envelope     `json:"ops"`
	Signature hexutil.Bytes  `json:"signature"`
}

// Payload returns the canonical encoding of the operations that the signature commits to
func Payload(envs []Envelope) ([]byte, error) {
	payload, err := json.Marshal(envs)
	if err != nil {
		return nil, fmt.Errorf("failed to encode batch payload: %w", err)
	}
	return payload, nil
}

// typed builds the EIP-712 message of a batch
func typed(account common.Address, nonce uint64, envs []Envelope) (*crypto.BatchEIP712, error) {
	payload, err := Payload(envs)
	if err != nil {
		return nil, err
	}
	return &crypto.BatchEIP712{
		Account:     account,
		Nonce:       new(big.Int).SetUint64(nonce),
		PayloadHash: crypto.PayloadHash(payload),
	}, nil
}

// SignBatch encodes ops and signs them for signer's account
func SignBatch(domain *crypto.EIP712Signer, signer *crypto.Signer, nonce uint64, ops ...Op) (*SignedBatch, error) {
	envs, err := EncodeAll(ops)
	if err != nil {
		return nil, err
	}
	msg, err := typed(signer.Address(), nonce, envs)
	if err != nil {
		return nil, err
	}
	signature, err := domain.SignBatch(signer, msg)
	if err != nil {
		return nil, err
	}
	return &SignedBatch{Account: signer.Address(), Nonce: nonce, Ops: envs, Signature: signature}, nil
}

// ExecuteSigned verifies the signature and runs the batch, consuming the nonce
// in the same unit of work
func (e *Engine) ExecuteSigned(ctx context.Context, sb *SignedBatch) (*Receipt, error) {
	if sb.Nonce == 0 {
		e.metrics.ObserveSignatureRejected()
		return nil, errs.New(errs.InvalidNonce, common.Address{}, sb.Account, "nonces start at 1")
	}
	ops, err := DecodeAll(sb.Ops)
	if err != nil {
		return nil, err
	}
	msg, err := typed(sb.Account, sb.Nonce, sb.Ops)
	if err != nil {
		return nil, err
	}
	signer, err := e.eip712.RecoverBatchSigner(msg, sb.Signature)
	if err != nil || signer != sb.Account {
		e.metrics.ObserveSignatureRejected()
		return nil, errs.New(errs.InvalidSignature, common.Address{}, sb.Account, "signature does not match account")
	}

	r, err := e.run(ctx, sb.Account, sb.Nonce, ops)
	if kind, ok := errs.KindOf(err); ok && kind == errs.InvalidNonce {
		e.metrics.ObserveSignatureRejected()
	}
	return r, err
}

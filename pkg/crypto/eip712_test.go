package crypto

import (
	"encoding/json"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
)

func testBatch(account common.Address, nonce int64) *BatchEIP712 {
	return &BatchEIP712{
		Account:     account,
		Nonce:       big.NewInt(nonce),
		PayloadHash: PayloadHash([]byte(`[{"op":"deposit","params":{}}]`)),
	}
}

func TestSignAndRecoverBatch(t *testing.T) {
	require := require.New(t)
	signer, err := GenerateKey()
	require.NoError(err)
	e := NewEIP712Signer(DefaultDomain())

	batch := testBatch(signer.Address(), 1)
	signature, err := e.SignBatch(signer, batch)
	require.NoError(err)

	recovered, err := e.RecoverBatchSigner(batch, signature)
	require.NoError(err)
	require.Equal(signer.Address(), recovered)

	// any field change moves the digest
	digest, err := e.HashBatch(testBatch(signer.Address(), 2))
	require.NoError(err)
	require.False(VerifySignature(signer.Address(), digest, signature))
}

func TestHashBatchIsDomainBound(t *testing.T) {
	require := require.New(t)
	account := common.HexToAddress("0x1100000000000000000000000000000000000001")

	local := NewEIP712Signer(DefaultDomain())
	other := DefaultDomain()
	other.ChainID = big.NewInt(1)
	mainnet := NewEIP712Signer(other)

	a, err := local.HashBatch(testBatch(account, 1))
	require.NoError(err)
	b, err := mainnet.HashBatch(testBatch(account, 1))
	require.NoError(err)
	require.Len(a, 32)
	require.NotEqual(a, b)

	again, err := local.HashBatch(testBatch(account, 1))
	require.NoError(err)
	require.Equal(a, again)

	_, err = local.HashBatch(&BatchEIP712{Account: account})
	require.Error(err)
}

func TestBatchToJSON(t *testing.T) {
	require := require.New(t)
	account := common.HexToAddress("0x1100000000000000000000000000000000000001")
	e := NewEIP712Signer(DefaultDomain())

	out, err := e.BatchToJSON(testBatch(account, 7))
	require.NoError(err)

	var doc map[string]any
	require.NoError(json.Unmarshal([]byte(out), &doc))
	require.Equal("Batch", doc["primaryType"])
	message := doc["message"].(map[string]any)
	require.Equal("7", message["nonce"])
	require.Equal(account.Hex(), message["account"])
}

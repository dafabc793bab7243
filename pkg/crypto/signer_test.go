package crypto

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
)

func TestGenerateKey(t *testing.T) {
	signer, err := GenerateKey()
	require.NoError(t, err)
	require.NotEqual(t, common.Address{}, signer.Address())
	require.Len(t, signer.PrivateKeyHex(), 64)
}

func TestFromPrivateKeyHex(t *testing.T) {
	signer1, err := GenerateKey()
	require.NoError(t, err)
	privHex := signer1.PrivateKeyHex()

	// with and without 0x
	for _, key := range []string{privHex, "0x" + privHex} {
		signer2, err := FromPrivateKeyHex(key)
		require.NoError(t, err)
		require.Equal(t, signer1.Address(), signer2.Address())
	}

	_, err = FromPrivateKeyHex("not-a-key")
	require.Error(t, err)
}

func TestSignAndRecover(t *testing.T) {
	signer, err := GenerateKey()
	require.NoError(t, err)
	digest := PayloadHash([]byte("batch payload")).Bytes()

	signature, err := signer.Sign(digest)
	require.NoError(t, err)
	require.Len(t, signature, 65)

	recovered, err := RecoverAddress(digest, signature)
	require.NoError(t, err)
	require.Equal(t, signer.Address(), recovered)
	require.True(t, VerifySignature(signer.Address(), digest, signature))

	wrong := common.HexToAddress("0x0000000000000000000000000000000000000001")
	require.False(t, VerifySignature(wrong, digest, signature))

	// wallets report V as 27/28
	walletSig := append([]byte{}, signature...)
	walletSig[64] += 27
	recovered, err = RecoverAddress(digest, walletSig)
	require.NoError(t, err)
	require.Equal(t, signer.Address(), recovered)
}

func TestInvalidSignature(t *testing.T) {
	signer, err := GenerateKey()
	require.NoError(t, err)
	digest := common.BytesToHash([]byte("test")).Bytes()

	require.False(t, VerifySignature(signer.Address(), digest, []byte{1, 2, 3}))
	require.False(t, VerifySignature(signer.Address(), []byte("short"), make([]byte, 65)))

	_, err = signer.Sign([]byte("short"))
	require.Error(t, err)
}

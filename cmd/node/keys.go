package main

import (
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"os"

	"github.com/spf13/cobra"

	"github.com/uhyunpark/hyperlend/pkg/app/core/margin"
	"github.com/uhyunpark/hyperlend/pkg/crypto"
)

const (
	privateKeyKey = "private-key"
	nonceKey      = "nonce"
	chainIDKey    = "chain-id"
	opsKey        = "ops"
)

func keygenCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "keygen",
		Short: "Generates a secp256k1 account key",
		RunE: func(c *cobra.Command, _ []string) error {
			signer, err := crypto.GenerateKey()
			if err != nil {
				return err
			}
			out := c.OutOrStdout()
			fmt.Fprintf(out, "Address:     %s\n", signer.Address().Hex())
			fmt.Fprintf(out, "Private Key: %s (KEEP SECRET!)\n", signer.PrivateKeyHex())
			return nil
		},
	}
}

func signBatchCommand() *cobra.Command {
	c := &cobra.Command{
		Use:   "sign-batch",
		Short: "Signs a batch of operations and prints the request body for POST /api/v1/batch",
		Example: `  hyperlend sign-batch --private-key 0x.. --nonce 1 --ops ops.json
  echo '[{"op":"supply","params":{"asset":"0x.."}}]' | hyperlend sign-batch --private-key 0x.. --nonce 1`,
		RunE: signBatchFunc,
	}
	flags := c.Flags()
	flags.String(privateKeyKey, "", "Hex private key of the account (required)")
	flags.Uint64(nonceKey, 1, "Batch nonce; the account's last nonce plus one")
	flags.Int64(chainIDKey, 1337, "Chain ID of the signing domain")
	flags.String(opsKey, "-", "File holding the JSON array of operations, - for stdin")
	c.MarkFlagRequired(privateKeyKey)
	return c
}

func signBatchFunc(c *cobra.Command, _ []string) error {
	flags := c.Flags()
	keyHex, err := flags.GetString(privateKeyKey)
	if err != nil {
		return err
	}
	nonce, err := flags.GetUint64(nonceKey)
	if err != nil {
		return err
	}
	chainID, err := flags.GetInt64(chainIDKey)
	if err != nil {
		return err
	}
	opsPath, err := flags.GetString(opsKey)
	if err != nil {
		return err
	}

	signer, err := crypto.FromPrivateKeyHex(keyHex)
	if err != nil {
		return fmt.Errorf("invalid private key: %w", err)
	}

	raw, err := readOps(c.InOrStdin(), opsPath)
	if err != nil {
		return err
	}
	var envs []margin.Envelope
	if err := json.Unmarshal(raw, &envs); err != nil {
		return fmt.Errorf("failed to parse operations: %w", err)
	}
	ops, err := margin.DecodeAll(envs)
	if err != nil {
		return err
	}

	domain := crypto.DefaultDomain()
	domain.ChainID = big.NewInt(chainID)
	sb, err := margin.SignBatch(crypto.NewEIP712Signer(domain), signer, nonce, ops...)
	if err != nil {
		return err
	}

	body, err := json.MarshalIndent(sb, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(c.OutOrStdout(), string(body))
	return nil
}

func readOps(stdin io.Reader, path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(stdin)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read operations: %w", err)
	}
	return raw, nil
}

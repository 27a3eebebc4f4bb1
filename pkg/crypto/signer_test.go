package crypto

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

func TestGenerateKey(t *testing.T) {
	signer, err := GenerateKey()
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}

	if signer.Address() == (common.Address{}) {
		t.Error("generated zero address")
	}
	if privHex := signer.PrivateKeyHex(); len(privHex) != 64 {
		t.Errorf("private key hex length = %d, want 64", len(privHex))
	}
}

func TestFromPrivateKeyHex(t *testing.T) {
	signer1, _ := GenerateKey()
	privHex := signer1.PrivateKeyHex()

	tests := []struct {
		name string
		in   string
	}{
		{"plain", privHex},
		{"0x prefix", "0x" + privHex},
		{"whitespace", " " + privHex + "\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			signer2, err := FromPrivateKeyHex(tt.in)
			if err != nil {
				t.Fatalf("failed to load key: %v", err)
			}
			if signer2.Address() != signer1.Address() {
				t.Errorf("address = %s, want %s", signer2.Address().Hex(), signer1.Address().Hex())
			}
		})
	}

	if _, err := FromPrivateKeyHex("not-hex"); err == nil {
		t.Error("expected error for malformed key")
	}
}

func TestSignTx(t *testing.T) {
	signer, _ := GenerateKey()
	chainID := big.NewInt(1337)
	to := common.HexToAddress("0x00000000000000000000000000000000000000E1")

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    7,
		To:       &to,
		Value:    big.NewInt(1),
		Gas:      21000,
		GasPrice: big.NewInt(1_000_000_000),
	})
	signed, err := signer.SignTx(tx, chainID)
	if err != nil {
		t.Fatal(err)
	}

	from, err := SenderOf(signed, chainID)
	if err != nil {
		t.Fatal(err)
	}
	if from != signer.Address() {
		t.Errorf("sender = %s, want %s", from.Hex(), signer.Address().Hex())
	}
	if signed.ChainId().Cmp(chainID) != 0 {
		t.Errorf("chain id = %s, want %s", signed.ChainId(), chainID)
	}
}

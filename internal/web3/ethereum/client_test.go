package ethereum

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient/simulated"
)

func TestClientTransactOnSimulatedChain(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	from := crypto.PubkeyToAddress(key.PublicKey)
	sim := simulated.NewBackend(coretypes.GenesisAlloc{
		from: {Balance: new(big.Int).Mul(big.NewInt(1_000_000_000), big.NewInt(1_000_000_000))},
	})
	t.Cleanup(func() { _ = sim.Close() })
	client := NewSimulatedClient("simulated", sim)
	t.Cleanup(client.Close)

	snapshot, err := client.FetchChainSnapshot(ctx)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if snapshot.ChainID != "0x539" {
		t.Fatalf("unexpected chain id %s", snapshot.ChainID)
	}

	to := common.HexToAddress("0x2222222222222222222222222222222222222222")
	hashes := make([]common.Hash, 0, 2)
	for i := 0; i < 2; i++ {
		hash, err := client.Transact(ctx, key, to, []byte{0xde, 0xad, byte(i)})
		if err != nil {
			t.Fatalf("transact %d: %v", i, err)
		}
		hashes = append(hashes, hash)
	}
	for _, hash := range hashes {
		receipt, err := WaitMined(ctx, client, hash, 10*time.Millisecond)
		if err != nil {
			t.Fatalf("wait mined: %v", err)
		}
		if receipt.Status != coretypes.ReceiptStatusSuccessful {
			t.Fatalf("transaction %s failed", hash.Hex())
		}
	}
}

func TestClientRejectsUnexpectedChainID(t *testing.T) {
	sim := simulated.NewBackend(coretypes.GenesisAlloc{})
	t.Cleanup(func() { _ = sim.Close() })
	client := NewSimulatedClient("base-sepolia", sim)
	client.expected = big.NewInt(84532)

	if _, err := client.ChainID(context.Background()); err == nil {
		t.Fatal("expected chain id mismatch to be reported")
	}
}

func TestTransactRequiresKey(t *testing.T) {
	sim := simulated.NewBackend(coretypes.GenesisAlloc{})
	t.Cleanup(func() { _ = sim.Close() })
	client := NewSimulatedClient("simulated", sim)
	if _, err := client.Transact(context.Background(), nil, common.Address{}, nil); err == nil {
		t.Fatal("expected error without key")
	}
}

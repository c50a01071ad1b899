package treasury

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoadChainDefinitions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chains.yaml")
	content := `chains:
  mainnet:
    type: evm
    rpc_url: https://rpc.example.org
    description: primary treasury chain
  testnet:
    type: evm
    rpc_url: https://test.example.org
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write chains file: %v", err)
	}

	defs, err := LoadChainDefinitions(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(defs.Chains) != 2 {
		t.Fatalf("expected two chains, got %d", len(defs.Chains))
	}
	if defs.Chains["mainnet"].RPCURL != "https://rpc.example.org" {
		t.Fatalf("unexpected rpc url: %q", defs.Chains["mainnet"].RPCURL)
	}
}

func TestLoadChainDefinitionsEmptyPath(t *testing.T) {
	defs, err := LoadChainDefinitions("")
	if err != nil {
		t.Fatalf("load empty path: %v", err)
	}
	if defs.Chains == nil || len(defs.Chains) != 0 {
		t.Fatalf("expected empty definitions, got %+v", defs)
	}
}

func TestBalanceAtRejectsUnknownChain(t *testing.T) {
	reader := NewReader(ChainDefinitions{Chains: map[string]ChainDefinition{}}, Defaults{})
	defer reader.Close()

	_, err := reader.BalanceAt(context.Background(), "nowhere", "0x00000000219ab540356cBB839Cbe05303d7705Fa")
	if err == nil {
		t.Fatal("expected rejection of unknown chain")
	}
}

func TestBalanceAtRejectsInvalidAddress(t *testing.T) {
	reader := NewReader(ChainDefinitions{Chains: map[string]ChainDefinition{
		"mainnet": {RPCURL: "https://rpc.example.org"},
	}}, Defaults{})
	defer reader.Close()

	_, err := reader.BalanceAt(context.Background(), "mainnet", "not-an-address")
	if err == nil {
		t.Fatal("expected rejection of malformed address")
	}
}

func TestBalanceAtFallsBackToDefaults(t *testing.T) {
	reader := NewReader(ChainDefinitions{Chains: map[string]ChainDefinition{}}, Defaults{
		Chain:   "mainnet",
		Address: "0x00000000219ab540356cBB839Cbe05303d7705Fa",
	})
	defer reader.Close()

	// 缺省链未配置时应报"未知的链"而非参数缺失，说明回退已生效。
	_, err := reader.BalanceAt(context.Background(), "", "")
	if err == nil {
		t.Fatal("expected error for unconfigured default chain")
	}
	if !strings.Contains(err.Error(), "mainnet") {
		t.Fatalf("default chain not applied: %v", err)
	}
}

func TestBalanceAtRequiresChainOrDefault(t *testing.T) {
	reader := NewReader(ChainDefinitions{Chains: map[string]ChainDefinition{}}, Defaults{})
	defer reader.Close()

	_, err := reader.BalanceAt(context.Background(), "", "")
	if err == nil {
		t.Fatal("expected rejection when no chain and no default")
	}
}

package ledger

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeChainFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "chain.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("写入链配置失败: %v", err)
	}
	return path
}

func TestLoadChains(t *testing.T) {
	const content = `
chains:
  local:
    rpc_url: "http://127.0.0.1:8545"
    confirm_wait_seconds: 30
    poll_interval_millis: 500
  testnet:
    rpc_url: "https://rpc.example.org"
    batch_rpc_url: "https://batch.example.org"
`
	chains, err := LoadChains(writeChainFile(t, content))
	if err != nil {
		t.Fatalf("加载链配置失败: %v", err)
	}
	if len(chains) != 2 {
		t.Fatalf("链数量不符: %d", len(chains))
	}

	local := chains["local"]
	if local.Name != "local" || local.RPCURL != "http://127.0.0.1:8545" {
		t.Fatalf("local 配置不符: %+v", local)
	}
	if local.ConfirmWait != 30*time.Second || local.PollInterval != 500*time.Millisecond {
		t.Fatalf("超时配置不符: %+v", local)
	}
	if chains["testnet"].BatchRPCURL != "https://batch.example.org" {
		t.Fatalf("批量端点丢失: %+v", chains["testnet"])
	}
}

func TestLoadChainsRejectsMissingRPCURL(t *testing.T) {
	const content = `
chains:
  broken:
    notes: "缺少端点"
`
	if _, err := LoadChains(writeChainFile(t, content)); err == nil {
		t.Fatal("缺少 rpc_url 应当报错")
	}
}

func TestLoadChainsRejectsEmptyFile(t *testing.T) {
	if _, err := LoadChains(writeChainFile(t, "chains: {}")); err == nil {
		t.Fatal("空链配置应当报错")
	}
}

package directory

import (
	"os"
	"path/filepath"
	"testing"
)

const rosterYAML = `
agents:
  alpha:
    name: Alpha
    address: "0xaaa"
    signing_key: "deadbeef"
    credential_level: 5
    capabilities:
      - planning
    trusts:
      - beta
  beta:
    address: "0xbbb"
    price_wei: "500000000000000"
    credential_level: 9
    capabilities:
      - Translate
      - analyze
  ghost:
    address: "0xccc"
    active: false
`

func writeRoster(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "agents.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("写入名册失败: %v", err)
	}
	return path
}

func TestLoadRoster(t *testing.T) {
	dir, err := Load(writeRoster(t, rosterYAML))
	if err != nil {
		t.Fatalf("加载名册失败: %v", err)
	}

	alpha, err := dir.Get("alpha")
	if err != nil {
		t.Fatalf("获取 alpha 失败: %v", err)
	}
	if alpha.Name != "Alpha" || !alpha.Active {
		t.Fatalf("alpha 属性不符: %+v", alpha)
	}
	if !dir.Trusts("alpha", "beta") {
		t.Fatal("alpha 应当信任 beta")
	}
	if dir.Trusts("beta", "alpha") {
		t.Fatal("信任关系不应是对称的")
	}

	beta, err := dir.Get("beta")
	if err != nil {
		t.Fatalf("获取 beta 失败: %v", err)
	}
	if beta.Name != "beta" {
		t.Fatalf("缺省名称应回退到 ID, got %q", beta.Name)
	}
	if beta.CredentialLevel != 5 {
		t.Fatalf("凭证等级应被钳制到 5, got %d", beta.CredentialLevel)
	}
	if !beta.Offers("translate") || !beta.Offers("TRANSLATE") {
		t.Fatal("能力名应当大小写不敏感")
	}
	if beta.Price.String() != "500000000000000" {
		t.Fatalf("价格解析错误: %s", beta.Price)
	}

	ghost, err := dir.Get("ghost")
	if err != nil {
		t.Fatalf("获取 ghost 失败: %v", err)
	}
	if ghost.Active {
		t.Fatal("ghost 应当处于停用状态")
	}
}

func TestLoadRosterRejectsBadPrice(t *testing.T) {
	const bad = `
agents:
  alpha:
    address: "0xaaa"
    price_wei: "not-a-number"
`
	if _, err := Load(writeRoster(t, bad)); err == nil {
		t.Fatal("非法价格应当报错")
	}
}

func TestLoadRosterRejectsMissingAddress(t *testing.T) {
	const bad = `
agents:
  alpha:
    name: Alpha
`
	if _, err := Load(writeRoster(t, bad)); err == nil {
		t.Fatal("缺少账本地址应当报错")
	}
}

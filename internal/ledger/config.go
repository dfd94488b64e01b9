package ledger

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ChainFile models the structure of configs/chain.yaml.
type ChainFile struct {
	Chains map[string]ChainDefinition `yaml:"chains"`
}

// ChainDefinition describes a single ledger endpoint entry.
type ChainDefinition struct {
	RPCURL             string `yaml:"rpc_url"`
	BatchRPCURL        string `yaml:"batch_rpc_url"`
	ConfirmWaitSeconds int    `yaml:"confirm_wait_seconds"`
	PollIntervalMillis int    `yaml:"poll_interval_millis"`
	Notes              string `yaml:"notes"`
}

// LoadChains parses the YAML chain file into dialable endpoint configs.
func LoadChains(path string) (map[string]EVMConfig, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("链配置路径不能为空")
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取链配置失败: %w", err)
	}

	var file ChainFile
	if err := yaml.Unmarshal(content, &file); err != nil {
		return nil, fmt.Errorf("解析链配置失败: %w", err)
	}

	chains := make(map[string]EVMConfig, len(file.Chains))
	for name, def := range file.Chains {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		if strings.TrimSpace(def.RPCURL) == "" {
			return nil, fmt.Errorf("链 %s 缺少 rpc_url", name)
		}
		cfg := EVMConfig{
			Name:        name,
			RPCURL:      def.RPCURL,
			BatchRPCURL: def.BatchRPCURL,
			Notes:       def.Notes,
		}
		if def.ConfirmWaitSeconds > 0 {
			cfg.ConfirmWait = time.Duration(def.ConfirmWaitSeconds) * time.Second
		}
		if def.PollIntervalMillis > 0 {
			cfg.PollInterval = time.Duration(def.PollIntervalMillis) * time.Millisecond
		}
		chains[name] = cfg
	}
	if len(chains) == 0 {
		return nil, fmt.Errorf("链配置为空")
	}
	return chains, nil
}

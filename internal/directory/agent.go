package directory

import (
	"math/big"
	"strings"
)

// Agent 描述参与支付经济的一个独立智能体身份。
type Agent struct {
	ID              string
	Name            string
	Address         string
	SigningKey      string
	Price           *big.Int
	CredentialLevel int
	Active          bool

	capabilities map[string]struct{}
	trusted      map[string]struct{}
}

// Capabilities 返回智能体可以提供的能力列表（排序不保证稳定）。
func (a *Agent) Capabilities() []string {
	if a == nil {
		return nil
	}
	names := make([]string, 0, len(a.capabilities))
	for name := range a.capabilities {
		names = append(names, name)
	}
	return names
}

// Offers 判断智能体是否提供指定能力。
func (a *Agent) Offers(capability string) bool {
	if a == nil {
		return false
	}
	_, ok := a.capabilities[normalizeName(capability)]
	return ok
}

// TrustsAgent 判断智能体是否信任目标智能体。信任是有向关系，不具备对称性。
func (a *Agent) TrustsAgent(id string) bool {
	if a == nil {
		return false
	}
	_, ok := a.trusted[strings.TrimSpace(id)]
	return ok
}

func normalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

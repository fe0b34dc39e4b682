package identity

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Roles 是一次会话三个流水线角色的外部身份句柄。
type Roles struct {
	Observer string
	Planner  string
	Executor string
}

// Minter 抽象外部身份铸造能力。
type Minter interface {
	Mint(ctx context.Context, sessionID string) (Roles, error)
}

// DeterministicMinter 从会话 ID 派生三个角色地址。同一会话重复铸造
// 得到相同句柄，满足幂等要求，无需外部服务。
type DeterministicMinter struct{}

// NewDeterministicMinter 创建确定性铸造器。
func NewDeterministicMinter() *DeterministicMinter {
	return &DeterministicMinter{}
}

// Mint 派生角色身份。
func (m *DeterministicMinter) Mint(_ context.Context, sessionID string) (Roles, error) {
	return Roles{
		Observer: deriveAddress(sessionID, "observer"),
		Planner:  deriveAddress(sessionID, "planner"),
		Executor: deriveAddress(sessionID, "executor"),
	}, nil
}

// deriveAddress 取会话 ID 与角色名哈希的后 20 字节作为地址。
func deriveAddress(sessionID, role string) string {
	digest := crypto.Keccak256([]byte(sessionID + ":" + role))
	return common.BytesToAddress(digest[12:]).Hex()
}

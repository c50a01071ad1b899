package treasury

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	gethrpc "github.com/ethereum/go-ethereum/rpc"
	"gopkg.in/yaml.v3"

	xerrors "Sentinel-Brain/internal/errors"
)

// ChainDefinitions 描述 configs/chains.yaml 的结构。
type ChainDefinitions struct {
	Chains map[string]ChainDefinition `yaml:"chains"`
}

// ChainDefinition 描述单条链的 RPC 端点定义。
type ChainDefinition struct {
	Type        string `yaml:"type"`
	RPCURL      string `yaml:"rpc_url"`
	Description string `yaml:"description"`
}

// LoadChainDefinitions 解析链元数据 YAML 文件。路径为空时返回空定义。
func LoadChainDefinitions(path string) (ChainDefinitions, error) {
	if strings.TrimSpace(path) == "" {
		return ChainDefinitions{Chains: map[string]ChainDefinition{}}, nil
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return ChainDefinitions{}, fmt.Errorf("读取链配置失败: %w", err)
	}

	var defs ChainDefinitions
	if err := yaml.Unmarshal(content, &defs); err != nil {
		return ChainDefinitions{}, fmt.Errorf("解析链配置失败: %w", err)
	}
	if defs.Chains == nil {
		defs.Chains = map[string]ChainDefinition{}
	}
	return defs, nil
}

// CodeTreasuryFailure 标记金库余额查询失败。
const CodeTreasuryFailure xerrors.Code = "TREASURY_QUERY_FAILED"

func init() {
	xerrors.Register(CodeTreasuryFailure, xerrors.Attributes{
		Message:   "treasury balance query failed",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
	})
}

// Balance 表示某个地址在某条链上的余额快照。
type Balance struct {
	Chain   string `json:"chain"`
	Address string `json:"address"`
	Wei     string `json:"wei"`
	ChainID string `json:"chain_id,omitempty"`
}

// Defaults 提供查询未指定链或地址时的缺省值。
type Defaults struct {
	Chain   string
	Address string
}

// Reader 是只读的金库查询器。每条链的客户端按需建立并缓存复用。
type Reader struct {
	defs     ChainDefinitions
	defaults Defaults

	mu      sync.Mutex
	clients map[string]*ethclient.Client
}

// NewReader 根据链定义构造查询器。
func NewReader(defs ChainDefinitions, defaults Defaults) *Reader {
	return &Reader{
		defs:     defs,
		defaults: defaults,
		clients:  map[string]*ethclient.Client{},
	}
}

// Chains 返回已配置的链名称。
func (r *Reader) Chains() []string {
	names := make([]string, 0, len(r.defs.Chains))
	for name := range r.defs.Chains {
		names = append(names, name)
	}
	return names
}

func (r *Reader) client(ctx context.Context, chain string) (*ethclient.Client, error) {
	def, ok := r.defs.Chains[chain]
	if !ok {
		return nil, xerrors.New(CodeTreasuryFailure, fmt.Sprintf("未知的链: %s", chain))
	}
	if strings.TrimSpace(def.RPCURL) == "" {
		return nil, xerrors.New(CodeTreasuryFailure, fmt.Sprintf("链 %s 未配置 RPC 地址", chain))
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if client, ok := r.clients[chain]; ok {
		return client, nil
	}
	rpcClient, err := gethrpc.DialContext(ctx, def.RPCURL)
	if err != nil {
		return nil, xerrors.Wrap(CodeTreasuryFailure, err, "连接节点失败")
	}
	client := ethclient.NewClient(rpcClient)
	r.clients[chain] = client
	return client, nil
}

// BalanceAt 查询地址在指定链上的最新余额。chain 或 address 为空时退回
// 配置中的缺省值。
func (r *Reader) BalanceAt(ctx context.Context, chain, address string) (Balance, error) {
	if chain == "" {
		chain = r.defaults.Chain
	}
	if address == "" {
		address = r.defaults.Address
	}
	if chain == "" || address == "" {
		return Balance{}, xerrors.New(xerrors.CodeInvalidArgument, "缺少 chain 或 address，且未配置缺省值")
	}
	if !common.IsHexAddress(address) {
		return Balance{}, xerrors.New(CodeTreasuryFailure, fmt.Sprintf("无效的地址: %s", address))
	}
	client, err := r.client(ctx, chain)
	if err != nil {
		return Balance{}, err
	}

	wei, err := client.BalanceAt(ctx, common.HexToAddress(address), nil)
	if err != nil {
		return Balance{}, xerrors.Wrap(CodeTreasuryFailure, err, "查询余额失败")
	}
	balance := Balance{
		Chain:   chain,
		Address: address,
		Wei:     wei.String(),
	}
	if id, err := client.ChainID(ctx); err == nil && id != nil {
		balance.ChainID = id.String()
	}
	return balance, nil
}

// Close 释放所有缓存的客户端连接。
func (r *Reader) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for name, client := range r.clients {
		client.Close()
		delete(r.clients, name)
	}
}

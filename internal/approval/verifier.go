package approval

import (
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	xerrors "AdvisorChain/internal/errors"
	"AdvisorChain/internal/plan"
)

const (
	// DemoSignaturePrefix 是演示模式签名的保留前缀，仅对零地址签名者生效。
	DemoSignaturePrefix = "demo-signature"
	// ZeroIdentity 是演示模式的保留零地址。
	ZeroIdentity = "0x0000000000000000000000000000000000000000"

	domainName    = "AdvisorChain"
	domainVersion = "1"
	primaryType   = "Approval"
)

// Record 将一次人工决策绑定到具体的计划哈希。
type Record struct {
	PlanID             string `json:"plan_id"`
	PlanHash           string `json:"plan_hash"`
	Signature          string `json:"signature"`
	SignerAddress      string `json:"signer_address"`
	Timestamp          int64  `json:"timestamp"`
	SignatureTimestamp int64  `json:"signature_timestamp,omitempty"`
}

// Verifier 校验审批签名与计划哈希的绑定关系，不修改任何会话状态。
type Verifier struct {
	chainID int64
}

// NewVerifier 创建校验器。chainID 参与 EIP-712 域分隔。
func NewVerifier(chainID int64) *Verifier {
	if chainID <= 0 {
		chainID = 1
	}
	return &Verifier{chainID: chainID}
}

// Verify 按顺序执行校验：哈希比对、过期检查、演示模式旁路、EIP-712 签名恢复。
// 客户端声明的哈希永远不被信任，这里用 expected 重新计算后比对。
func (v *Verifier) Verify(rec Record, expected *plan.Plan, now time.Time) error {
	if expected == nil {
		return xerrors.New(xerrors.CodeNoPlanToApprove, "")
	}

	recomputed := plan.Hash(expected)
	if !strings.EqualFold(strings.TrimSpace(rec.PlanHash), recomputed) {
		return xerrors.New(xerrors.CodeHashMismatch,
			fmt.Sprintf("计划哈希不匹配: 声明 %s, 实际 %s", rec.PlanHash, recomputed))
	}

	// 过期检查先于签名校验：即使签名有效，过期的审批也不可行使。
	if expected.Expired(now) {
		return xerrors.New(xerrors.CodePlanExpired,
			fmt.Sprintf("计划已于 %d 过期", expected.ExpiresAt))
	}

	if v.isDemoBypass(rec) {
		return nil
	}

	return v.verifyTypedData(rec, recomputed)
}

// isDemoBypass 判断是否命中演示模式：签名携带保留前缀且签名者为零地址。
// 非零地址签名者永远无法走该旁路。
func (v *Verifier) isDemoBypass(rec Record) bool {
	if !strings.HasPrefix(rec.Signature, DemoSignaturePrefix) {
		return false
	}
	signer := strings.TrimSpace(rec.SignerAddress)
	return strings.EqualFold(signer, ZeroIdentity)
}

// SigningDigest 返回审批消息的 EIP-712 摘要。客户端对该摘要签名，
// 服务端用相同的构造过程恢复签名者。
func (v *Verifier) SigningDigest(planID, planHash string, signatureTimestamp int64) ([]byte, error) {
	typedData := apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": []apitypes.Type{
				{Name: "name", Type: "string"},
				{Name: "version", Type: "string"},
				{Name: "chainId", Type: "uint256"},
			},
			primaryType: []apitypes.Type{
				{Name: "planId", Type: "string"},
				{Name: "planHash", Type: "string"},
				{Name: "timestamp", Type: "uint256"},
			},
		},
		PrimaryType: primaryType,
		Domain: apitypes.TypedDataDomain{
			Name:    domainName,
			Version: domainVersion,
			ChainId: math.NewHexOrDecimal256(v.chainID),
		},
		Message: apitypes.TypedDataMessage{
			"planId":    planID,
			"planHash":  planHash,
			"timestamp": math.NewHexOrDecimal256(signatureTimestamp),
		},
	}

	digest, _, err := apitypes.TypedDataAndHash(typedData)
	if err != nil {
		return nil, fmt.Errorf("构造签名消息失败: %w", err)
	}
	return digest, nil
}

// verifyTypedData 重建签名时的结构化消息并恢复签名者地址。
func (v *Verifier) verifyTypedData(rec Record, planHash string) error {
	digest, err := v.SigningDigest(rec.PlanID, planHash, rec.SignatureTimestamp)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeVerificationFailure, err, "")
	}

	signature, err := decodeSignature(rec.Signature)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeVerificationFailure, err, "解析签名失败")
	}

	pubKey, err := crypto.SigToPub(digest, signature)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeVerificationFailure, err, "恢复签名公钥失败")
	}

	recovered := crypto.PubkeyToAddress(*pubKey)
	declared := common.HexToAddress(strings.TrimSpace(rec.SignerAddress))
	if recovered != declared {
		return xerrors.New(xerrors.CodeInvalidSignature,
			fmt.Sprintf("签名者不匹配: 恢复 %s, 声明 %s", recovered.Hex(), declared.Hex()))
	}
	return nil
}

// decodeSignature 解析 0x 前缀的 65 字节签名，并把 V 从 27/28 归一到 0/1。
func decodeSignature(raw string) ([]byte, error) {
	trimmed := strings.TrimPrefix(strings.TrimSpace(raw), "0x")
	signature, err := hex.DecodeString(trimmed)
	if err != nil {
		return nil, fmt.Errorf("签名不是合法的十六进制: %w", err)
	}
	if len(signature) != crypto.SignatureLength {
		return nil, fmt.Errorf("签名长度必须为 %d 字节, 实际 %d", crypto.SignatureLength, len(signature))
	}
	normalized := make([]byte, len(signature))
	copy(normalized, signature)
	if normalized[crypto.RecoveryIDOffset] >= 27 {
		normalized[crypto.RecoveryIDOffset] -= 27
	}
	return normalized, nil
}

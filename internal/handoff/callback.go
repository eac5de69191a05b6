package handoff

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"

	xerrors "AgentPay-Chain/internal/errors"
)

// CallbackSignatureHeader 携带状态回调的 HMAC 签名，格式为 sha256=<hex>。
const CallbackSignatureHeader = "X-Handoff-Signature"

// SignCallback 计算回调签名，消息为交易 ID、换行符与原始请求体。
func SignCallback(secret, id string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(id))
	mac.Write([]byte{'\n'})
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// VerifyCallback 校验回调签名。未配置 CallbackSecret 时不做校验。
func (s *Service) VerifyCallback(id string, body []byte, signature string) error {
	if s.cfg.CallbackSecret == "" {
		return nil
	}
	signature = strings.TrimSpace(signature)
	if signature == "" {
		return xerrors.New(xerrors.CodeUnauthenticated, "缺少回调签名", xerrors.WithMetadata("id", id))
	}
	expected := SignCallback(s.cfg.CallbackSecret, id, body)
	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return xerrors.New(xerrors.CodeUnauthenticated, "回调签名不匹配", xerrors.WithMetadata("id", id))
	}
	return nil
}

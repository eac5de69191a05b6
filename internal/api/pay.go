package api

import (
	"net/http"

	xerrors "AgentPay-Chain/internal/errors"
	"AgentPay-Chain/internal/payment"
	"AgentPay-Chain/internal/payment/facilitator"
)

func unavailable(w http.ResponseWriter, component string) {
	writeError(w, xerrors.New(xerrors.CodeInitializationFailure, component+" is not configured"))
}

// handlePay 实现 POST /api/pay。响应使用 x402 结算回复格式
// {success, txHash, network, payer} 或 {success:false, error, details}。
func (s *Server) handlePay(w http.ResponseWriter, r *http.Request) {
	if s.svc.Settlement == nil {
		unavailable(w, "settlement")
		return
	}
	var req facilitator.SettleRequest
	if err := decode(w, r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, payment.SettleReply{Error: err.Error(), Details: string(xerrors.CodeInvalidArgument)})
		return
	}
	if req.PaymentID == "" {
		req.PaymentID = r.Header.Get(payment.HeaderPaymentID)
	}
	settled, err := s.svc.Settlement.Settle(r.Context(), req)
	if err != nil {
		detail := xerrors.DetailOf(err)
		if detail.Retryable {
			w.Header().Set("Retry-After", "1")
		}
		writeJSON(w, statusOf(detail.Code), payment.SettleReply{Error: detail.Message, Details: string(detail.Code)})
		return
	}
	writeJSON(w, http.StatusOK, payment.SettleReply{
		Success: true,
		TxHash:  settled.TxHash,
		Network: settled.Network,
		Payer:   settled.Payer,
	})
}

package api

import (
	"math/big"
	"net/http"

	xerrors "AgentPay-Chain/internal/errors"
	"AgentPay-Chain/internal/escrow"
	"AgentPay-Chain/internal/payment"
)

type createSessionRequest struct {
	OwnerAddress  string `json:"ownerAddress"`
	MaxSpend      string `json:"maxSpend"`
	DurationHours int    `json:"durationHours"`
}

type createSessionResponse struct {
	Session        *escrow.View        `json:"session"`
	PaymentRequest payment.Requirement `json:"paymentRequest"`
}

func (s *Server) sessions(w http.ResponseWriter) *escrow.Manager {
	if s.svc.Sessions == nil {
		unavailable(w, "escrow sessions")
	}
	return s.svc.Sessions
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	mgr := s.sessions(w)
	if mgr == nil {
		return
	}
	var req createSessionRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	view, requirement, err := mgr.Create(r.Context(), req.OwnerAddress, req.MaxSpend, req.DurationHours)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, createSessionResponse{Session: view, PaymentRequest: requirement})
}

type sessionStatusResponse struct {
	Found  bool   `json:"found"`
	Status string `json:"status"`
}

// handleGetSession 对未知会话返回 found:false，而非 404，便于轮询。
func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	mgr := s.sessions(w)
	if mgr == nil {
		return
	}
	view, found, err := mgr.Status(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	if !found {
		writeJSON(w, http.StatusOK, sessionStatusResponse{Found: false, Status: "not_found"})
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleActivateSession(w http.ResponseWriter, r *http.Request) {
	mgr := s.sessions(w)
	if mgr == nil {
		return
	}
	var req struct {
		TxHash string `json:"txHash"`
		Amount string `json:"amount"`
	}
	if err := decode(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	view, err := mgr.Activate(r.Context(), r.PathValue("id"), req.TxHash, req.Amount)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleCheckSession(w http.ResponseWriter, r *http.Request) {
	mgr := s.sessions(w)
	if mgr == nil {
		return
	}
	q := r.URL.Query()
	check, err := mgr.CanExecute(r.Context(), r.PathValue("id"), q.Get("agent"), q.Get("amount"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, check)
}

func (s *Server) handleRelease(w http.ResponseWriter, r *http.Request) {
	mgr := s.sessions(w)
	if mgr == nil {
		return
	}
	var req struct {
		Agent       string `json:"agent"`
		Amount      string `json:"amount"`
		ExecutionID string `json:"executionId"`
	}
	if err := decode(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	res, err := mgr.Release(r.Context(), r.PathValue("id"), req.Agent, req.Amount, req.ExecutionID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleRefund(w http.ResponseWriter, r *http.Request) {
	s.finishSession(w, r, false)
}

func (s *Server) handleClose(w http.ResponseWriter, r *http.Request) {
	s.finishSession(w, r, true)
}

func (s *Server) finishSession(w http.ResponseWriter, r *http.Request, closing bool) {
	mgr := s.sessions(w)
	if mgr == nil {
		return
	}
	var (
		res *escrow.RefundResult
		err error
	)
	if closing {
		res, err = mgr.Close(r.Context(), r.PathValue("id"))
	} else {
		res, err = mgr.Refund(r.Context(), r.PathValue("id"))
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleAuthorizeAgent(w http.ResponseWriter, r *http.Request) {
	mgr := s.sessions(w)
	if mgr == nil {
		return
	}
	var req struct {
		Agent string `json:"agent"`
	}
	if err := decode(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	view, err := mgr.AuthorizeAgent(r.Context(), r.PathValue("id"), req.Agent)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleRevokeAgent(w http.ResponseWriter, r *http.Request) {
	mgr := s.sessions(w)
	if mgr == nil {
		return
	}
	view, err := mgr.RevokeAgent(r.Context(), r.PathValue("id"), r.PathValue("agent"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleSessionEvents(w http.ResponseWriter, r *http.Request) {
	mgr := s.sessions(w)
	if mgr == nil {
		return
	}
	evs, err := mgr.Events(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": evs})
}

// handleOnchainSession 直接读取托管合约，在会话后端不可用时核对链上状态。
func (s *Server) handleOnchainSession(w http.ResponseWriter, r *http.Request) {
	if s.svc.Contract == nil {
		unavailable(w, "escrow contract reader")
		return
	}
	id, ok := new(big.Int).SetString(r.PathValue("onchainId"), 10)
	if !ok || id.Sign() < 0 {
		writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "onchainId must be a non-negative integer"))
		return
	}
	ctx := r.Context()
	sess, err := s.svc.Contract.GetSession(ctx, id)
	if err != nil {
		writeError(w, err)
		return
	}
	out := map[string]any{"session": sess}
	if agent := r.URL.Query().Get("agent"); agent != "" {
		authorized, err := s.svc.Contract.IsAgentAuthorized(ctx, id, agent)
		if err != nil {
			writeError(w, err)
			return
		}
		spent, err := s.svc.Contract.AgentSpend(ctx, id, agent)
		if err != nil {
			writeError(w, err)
			return
		}
		out["agent"] = map[string]any{"address": agent, "authorized": authorized, "spent": spent}
	}
	remaining, err := s.svc.Contract.RemainingBalance(ctx, id)
	if err != nil {
		writeError(w, err)
		return
	}
	out["remaining"] = remaining
	writeJSON(w, http.StatusOK, out)
}

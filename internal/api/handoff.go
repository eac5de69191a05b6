package api

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	xerrors "AgentPay-Chain/internal/errors"
	"AgentPay-Chain/internal/handoff"
)

func (s *Server) handoff(w http.ResponseWriter) *handoff.Service {
	if s.svc.Handoff == nil {
		unavailable(w, "handoff")
	}
	return s.svc.Handoff
}

func (s *Server) handlePrepareHandoff(w http.ResponseWriter, r *http.Request) {
	svc := s.handoff(w)
	if svc == nil {
		return
	}
	var req handoff.PrepareRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	prepared, err := svc.Prepare(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, prepared)
}

// handleHandoffStatus 对未知 ID 返回 status:not_found。
func (s *Server) handleHandoffStatus(w http.ResponseWriter, r *http.Request) {
	svc := s.handoff(w)
	if svc == nil {
		return
	}
	view, _, err := svc.Status(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// handleHandoffCallback 在配置了回调密钥时先校验签名再解析请求体。
func (s *Server) handleHandoffCallback(w http.ResponseWriter, r *http.Request) {
	svc := s.handoff(w)
	if svc == nil {
		return
	}
	id := r.PathValue("id")
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "read body"))
		return
	}
	if err := svc.VerifyCallback(id, body, r.Header.Get(handoff.CallbackSignatureHeader)); err != nil {
		writeError(w, err)
		return
	}
	var req handoff.UpdateRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "invalid JSON body"))
		return
	}
	view, err := svc.Update(r.Context(), id, req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// signingRequest 是钱包签名页读取的交易参数，字段与 eth_sendTransaction 对齐。
type signingRequest struct {
	ID          string         `json:"id"`
	ChainID     string         `json:"chainId"`
	To          string         `json:"to"`
	Data        string         `json:"data,omitempty"`
	Value       string         `json:"value,omitempty"`
	Description string         `json:"description,omitempty"`
	Status      handoff.Status `json:"status"`
	ExpiresAt   time.Time      `json:"expiresAt"`
	CallbackURL string         `json:"callbackUrl"`
}

func (s *Server) handleSigningView(w http.ResponseWriter, r *http.Request) {
	svc := s.handoff(w)
	if svc == nil {
		return
	}
	id := r.PathValue("id")
	view, found, err := svc.Status(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if !found {
		writeError(w, xerrors.New(handoff.CodeHandoffNotFound, "", xerrors.WithMetadata("id", id)))
		return
	}
	if view.Status == handoff.StatusExpired {
		writeError(w, xerrors.New(handoff.CodeHandoffExpired, "", xerrors.WithMetadata("id", id)))
		return
	}
	writeJSON(w, http.StatusOK, signingRequest{
		ID:          view.ID,
		ChainID:     "0x" + strconv.FormatInt(view.ChainID, 16),
		To:          view.To,
		Data:        view.Data,
		Value:       view.Value,
		Description: view.Context["description"],
		Status:      view.Status,
		ExpiresAt:   view.ExpiresAt,
		CallbackURL: "/api/handoff/" + view.ID + "/status",
	})
}

package api

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"io"
	"net/http"

	xerrors "AgentPay-Chain/internal/errors"
	"AgentPay-Chain/internal/handoff"
	"AgentPay-Chain/internal/observability/telemetry"
	"AgentPay-Chain/internal/task"
)

const maxBodyBytes = 1 << 20

// statusOf 将错误码映射为 HTTP 状态码。
func statusOf(code xerrors.Code) int {
	switch code {
	case xerrors.CodeInvalidArgument, xerrors.CodeUpstreamFormat, task.CodeTaskValidation:
		return http.StatusBadRequest
	case xerrors.CodeUnauthenticated:
		return http.StatusUnauthorized
	case xerrors.CodeInsufficientBalance:
		return http.StatusPaymentRequired
	case xerrors.CodePermissionDenied, xerrors.CodeAuthorizationDenied:
		return http.StatusForbidden
	case xerrors.CodeNotFound, xerrors.CodeSessionNotFound, task.CodeTaskNotFound, handoff.CodeHandoffNotFound:
		return http.StatusNotFound
	case xerrors.CodeConflict, task.CodeTaskConflict, handoff.CodeHandoffTransition:
		return http.StatusConflict
	case xerrors.CodeSessionExpired, handoff.CodeHandoffExpired:
		return http.StatusGone
	case xerrors.CodeSettlementRejected:
		return http.StatusUnprocessableEntity
	case xerrors.CodeFacilitatorUnavailable, xerrors.CodeChainFailure:
		return http.StatusBadGateway
	case xerrors.CodeInitializationFailure, xerrors.CodeSignerUnavailable:
		return http.StatusServiceUnavailable
	case xerrors.CodeTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorBody struct {
	Error xerrors.Detail `json:"error"`
}

func writeError(w http.ResponseWriter, err error) {
	detail := xerrors.DetailOf(err)
	telemetry.RecordError(context.Background(), "api", err)
	if detail.Retryable {
		w.Header().Set("Retry-After", "1")
	}
	writeJSON(w, statusOf(detail.Code), errorBody{Error: detail})
}

// decode 读取 JSON 请求体。空请求体视为 {}。
func decode(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		if stdErrors.Is(err, io.EOF) {
			return nil
		}
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "invalid JSON body")
	}
	return nil
}

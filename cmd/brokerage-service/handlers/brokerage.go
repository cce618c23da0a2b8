// Package handlers содержит HTTP-обработчики агрегатора брокерских счетов.
//
// Все эндпоинты:
//
//	POST   /brokerage/{type}/authenticate           — вход (этап 1: пароль)
//	POST   /brokerage/{type}/authenticate/continue  — продолжение (MFA-код или QR-подтверждение)
//	GET    /brokerage/supported                     — список поддерживаемых брокеров
//	GET    /brokerage/{type}/session                — проверка живости сессии
//	DELETE /brokerage/{type}/session                — выход (очистка сессии)
//	POST   /brokerage/{type}/portfolio              — данные портфеля
//	GET    /ws/auth                                 — websocket для QR-стриминга
//
// Безопасность:
//   - Rate limiting: строгое окно на аутентификации, мягкое на чтении
//   - Все ответы в формате JSON
package handlers

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/r2r72/pf-agg-v1/internal/notify"
	"github.com/r2r72/pf-agg-v1/internal/ratelimit"
	"github.com/r2r72/pf-agg-v1/internal/service/brokerage"
	"github.com/r2r72/pf-agg-v1/internal/service/session"
)

// RegisterRoutes регистрирует все маршруты сервиса.
func RegisterRoutes(
	mux *http.ServeMux,
	orch *brokerage.Orchestrator,
	store *session.Store,
	hub *notify.Hub,
	authLimit, readLimit *ratelimit.Limiter,
) {
	strict := func(h http.HandlerFunc) http.Handler { return authLimit.Middleware(h) }
	loose := func(h http.HandlerFunc) http.Handler { return readLimit.Middleware(h) }

	mux.Handle("POST /brokerage/{type}/authenticate", strict(withError(handleAuthenticate(orch))))
	mux.Handle("POST /brokerage/{type}/authenticate/continue", strict(withError(handleContinue(orch))))
	mux.Handle("GET /brokerage/supported", loose(withError(handleSupported(orch))))
	mux.Handle("GET /brokerage/{type}/session", loose(withError(handleCheckSession(orch))))
	mux.Handle("DELETE /brokerage/{type}/session", loose(withError(handleClearSession(store))))
	mux.Handle("POST /brokerage/{type}/portfolio", loose(withError(handlePortfolio(orch))))
	mux.Handle("GET /ws/auth", hub)
}

// withError оборачивает обработчик, чтобы ловить внутренние ошибки и
// возвращать 500.
func withError(h func(http.ResponseWriter, *http.Request) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := h(w, r); err != nil {
			log.Printf("⚠️ HTTP error: %v", err)
			http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		}
	}
}

// === Типы запросов и ответов ===

// AuthenticateRequest — данные для входа.
type AuthenticateRequest struct {
	Username     string `json:"username"`
	Password     string `json:"password"`
	MFACode      string `json:"mfaCode,omitempty"`
	SessionID    string `json:"sessionId,omitempty"`
	ConnectionID string `json:"connectionId,omitempty"` // websocket для QR-стриминга
}

// ErrorResponse — тело ошибки.
type ErrorResponse struct {
	Message string `json:"message"`
	Step    string `json:"step,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, body any) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	return json.NewEncoder(w).Encode(body)
}

// parseType извлекает брокера из пути. Неизвестные значения отсеет
// оркестратор своим ErrUnsupportedBrokerage.
func parseType(r *http.Request) brokerage.Type {
	return brokerage.Type(r.PathValue("type"))
}

// decode разбирает тело запроса; при ошибке пишет 400 и возвращает false.
func decode(w http.ResponseWriter, r *http.Request, into any) bool {
	if err := json.NewDecoder(r.Body).Decode(into); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Message: "invalid json"})
		return false
	}
	return true
}

// writeResult отображает Result на HTTP-ответ согласно шагу автомата.
func writeResult(w http.ResponseWriter, res brokerage.Result) error {
	switch res.Step {
	case brokerage.StepCompleted:
		return writeJSON(w, http.StatusOK, map[string]any{
			"authenticated": true,
			"sessionId":     res.SessionID,
			"userId":        res.UserID,
			"tokens":        res.Tokens,
			"step":          res.Step,
		})

	case brokerage.StepMfaRequired:
		return writeJSON(w, http.StatusOK, map[string]any{
			"authenticated": false,
			"requiresMfa":   true,
			"mfaType":       res.MFAType,
			"message":       res.MFAMessage,
			"step":          res.Step,
		})

	case brokerage.StepQrCodeGenerated:
		return writeJSON(w, http.StatusOK, map[string]any{
			"authenticated":  false,
			"requiresQrScan": true,
			"sessionId":      res.SessionID,
			"qrCodeBase64":   base64.StdEncoding.EncodeToString(res.QRImage),
			"message":        res.MFAMessage,
			"step":           res.Step,
		})

	case brokerage.StepAwaitingConfirmation:
		// 202: ещё не готово, клиент должен повторить попытку позже.
		return writeJSON(w, http.StatusAccepted, map[string]any{
			"authenticated": false,
			"sessionId":     res.SessionID,
			"message":       res.MFAMessage,
			"step":          res.Step,
		})

	case brokerage.StepFailed:
		return writeJSON(w, http.StatusUnauthorized, ErrorResponse{
			Message: res.ErrorMessage,
			Step:    string(res.Step),
		})

	default:
		return writeJSON(w, http.StatusInternalServerError, ErrorResponse{
			Message: "unexpected authentication state",
			Step:    string(res.Step),
		})
	}
}

// === Обработчики ===

// handleAuthenticate — первый этап входа (логин/пароль).
// Может сразу завершиться (Completed), запросить MFA-код (MfaRequired)
// или вернуть QR-код для сканирования (QrCodeGenerated).
func handleAuthenticate(orch *brokerage.Orchestrator) func(http.ResponseWriter, *http.Request) error {
	return func(w http.ResponseWriter, r *http.Request) error {
		var req AuthenticateRequest
		if !decode(w, r, &req) {
			return nil
		}
		if req.Username == "" || req.Password == "" {
			return writeJSON(w, http.StatusBadRequest, ErrorResponse{Message: "username and password are required"})
		}

		res, err := orch.Authenticate(r.Context(), parseType(r), brokerage.Credentials{
			Username:     req.Username,
			Password:     req.Password,
			MFACode:      req.MFACode,
			ClientIP:     ratelimit.ClientIP(r),
			ConnectionID: req.ConnectionID,
		})
		if err != nil {
			if errors.Is(err, brokerage.ErrUnsupportedBrokerage) {
				return writeJSON(w, http.StatusBadRequest, ErrorResponse{Message: err.Error()})
			}
			return err
		}
		return writeResult(w, res)
	}
}

// handleContinue — продолжение незавершённого входа: MFA-код для
// Sharesies, проверка QR-подтверждения для IBKR.
func handleContinue(orch *brokerage.Orchestrator) func(http.ResponseWriter, *http.Request) error {
	return func(w http.ResponseWriter, r *http.Request) error {
		var req AuthenticateRequest
		if !decode(w, r, &req) {
			return nil
		}
		if req.Username == "" {
			return writeJSON(w, http.StatusBadRequest, ErrorResponse{Message: "username is required"})
		}

		res, err := orch.Continue(r.Context(), parseType(r), brokerage.Credentials{
			Username:     req.Username,
			Password:     req.Password,
			MFACode:      req.MFACode,
			SessionID:    req.SessionID,
			ClientIP:     ratelimit.ClientIP(r),
			ConnectionID: req.ConnectionID,
		})
		if err != nil {
			if errors.Is(err, brokerage.ErrUnsupportedBrokerage) {
				return writeJSON(w, http.StatusBadRequest, ErrorResponse{Message: err.Error()})
			}
			return err
		}
		return writeResult(w, res)
	}
}

// handleSupported — метаданные: какие брокеры зарегистрированы.
func handleSupported(orch *brokerage.Orchestrator) func(http.ResponseWriter, *http.Request) error {
	return func(w http.ResponseWriter, r *http.Request) error {
		return writeJSON(w, http.StatusOK, orch.Supported())
	}
}

// handleCheckSession — проверяет, что сохранённая сессия ещё живая.
func handleCheckSession(orch *brokerage.Orchestrator) func(http.ResponseWriter, *http.Request) error {
	return func(w http.ResponseWriter, r *http.Request) error {
		userID := r.URL.Query().Get("userId")
		if userID == "" {
			return writeJSON(w, http.StatusBadRequest, ErrorResponse{Message: "userId query parameter is required"})
		}

		valid, err := orch.ValidateSession(r.Context(), parseType(r), userID)
		if err != nil {
			if errors.Is(err, brokerage.ErrUnsupportedBrokerage) {
				return writeJSON(w, http.StatusBadRequest, ErrorResponse{Message: err.Error()})
			}
			return err
		}
		return writeJSON(w, http.StatusOK, map[string]any{"userId": userID, "hasSession": valid})
	}
}

// handleClearSession — выход: безусловное удаление сессии пользователя.
func handleClearSession(store *session.Store) func(http.ResponseWriter, *http.Request) error {
	return func(w http.ResponseWriter, r *http.Request) error {
		userID := r.URL.Query().Get("userId")
		if userID == "" {
			return writeJSON(w, http.StatusBadRequest, ErrorResponse{Message: "userId query parameter is required"})
		}

		store.Clear(userID)
		w.WriteHeader(http.StatusNoContent)
		return nil
	}
}

// PortfolioRequest — чьи данные запрашиваются.
type PortfolioRequest struct {
	UserID string `json:"userId"`
}

// handlePortfolio — нормализованные данные портфеля для уже
// аутентифицированного пользователя.
func handlePortfolio(orch *brokerage.Orchestrator) func(http.ResponseWriter, *http.Request) error {
	return func(w http.ResponseWriter, r *http.Request) error {
		var req PortfolioRequest
		if !decode(w, r, &req) {
			return nil
		}
		if req.UserID == "" {
			return writeJSON(w, http.StatusBadRequest, ErrorResponse{Message: "userId is required"})
		}

		portfolio, err := orch.Portfolio(r.Context(), parseType(r), req.UserID)
		if err != nil {
			switch {
			case errors.Is(err, brokerage.ErrUnsupportedBrokerage):
				return writeJSON(w, http.StatusBadRequest, ErrorResponse{Message: err.Error()})
			case errors.Is(err, brokerage.ErrNoSession):
				return writeJSON(w, http.StatusUnauthorized, ErrorResponse{Message: "no valid session; authenticate first"})
			case errors.Is(err, brokerage.ErrNoPortfolio):
				return writeJSON(w, http.StatusNotFound, ErrorResponse{Message: "portfolio data not found"})
			default:
				return err
			}
		}
		return writeJSON(w, http.StatusOK, portfolio)
	}
}

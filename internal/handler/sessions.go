package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/pavelanni/osce/internal/model"
	"github.com/pavelanni/osce/internal/session"
)

type chatRequest struct {
	Message string `json:"message" validate:"required"`
}

type examineRequest struct {
	BodyPart        string `json:"bodyPart" validate:"required"`
	ExaminationType string `json:"examinationType" validate:"required"`
}

type orderTestsRequest struct {
	Tests []string `json:"tests" validate:"required,min=1,dive,required"`
}

type diagnosisRequest struct {
	Diagnosis string `json:"diagnosis" validate:"required"`
	Reasoning string `json:"reasoning"`
}

type pauseRequest struct {
	TimeRemaining *int `json:"timeRemaining" validate:"required,gte=0"`
}

type stageRequest struct {
	Stage model.Stage `json:"stage" validate:"required,stage"`
}

func sessionID(r *http.Request) string {
	return chi.URLParam(r, "sessionID")
}

func (h *Handler) handleStartSession(w http.ResponseWriter, r *http.Request) {
	var req session.StartRequest
	if !h.decode(w, r, &req, "InvalidSessionData") {
		return
	}
	sess, err := h.svc.StartSession(r.Context(), req)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

func (h *Handler) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := h.svc.GetSession(r.Context(), sessionID(r))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (h *Handler) handleUpdateSession(w http.ResponseWriter, r *http.Request) {
	var p model.SessionPatch
	if !h.decode(w, r, &p, "InvalidSessionData") {
		return
	}
	sess, err := h.svc.UpdateSession(r.Context(), sessionID(r), p)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (h *Handler) handleSendChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if !h.decode(w, r, &req, "ValidationFailed") {
		return
	}
	res, err := h.svc.SendChatMessage(r.Context(), sessionID(r), req.Message)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) handleChatHistory(w http.ResponseWriter, r *http.Request) {
	msgs, err := h.svc.ChatHistory(r.Context(), sessionID(r))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, orEmpty(msgs))
}

func (h *Handler) handleExamine(w http.ResponseWriter, r *http.Request) {
	var req examineRequest
	if !h.decode(w, r, &req, "ValidationFailed") {
		return
	}
	res, err := h.svc.PerformExamination(r.Context(), sessionID(r), req.BodyPart, req.ExaminationType)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) handleOrderTests(w http.ResponseWriter, r *http.Request) {
	var req orderTestsRequest
	if !h.decode(w, r, &req, "ValidationFailed") {
		return
	}
	orders, err := h.svc.OrderTests(r.Context(), sessionID(r), req.Tests)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, orders)
}

func (h *Handler) handleListTests(w http.ResponseWriter, r *http.Request) {
	orders, err := h.svc.TestOrders(r.Context(), sessionID(r))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, orEmpty(orders))
}

func (h *Handler) handleTestResult(w http.ResponseWriter, r *http.Request) {
	res, err := h.svc.FetchTestResult(r.Context(), sessionID(r), chi.URLParam(r, "testID"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) handleDiagnosis(w http.ResponseWriter, r *http.Request) {
	var req diagnosisRequest
	if !h.decode(w, r, &req, "ValidationFailed") {
		return
	}
	sess, err := h.svc.SubmitDiagnosis(r.Context(), sessionID(r), req.Diagnosis, req.Reasoning)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (h *Handler) handleTreatment(w http.ResponseWriter, r *http.Request) {
	var plan model.TreatmentPlan
	if !h.decode(w, r, &plan, "ValidationFailed") {
		return
	}
	sess, err := h.svc.SubmitTreatmentPlan(r.Context(), sessionID(r), plan)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (h *Handler) handlePause(w http.ResponseWriter, r *http.Request) {
	var req pauseRequest
	if !h.decode(w, r, &req, "ValidationFailed") {
		return
	}
	sess, err := h.svc.PauseTimer(r.Context(), sessionID(r), *req.TimeRemaining)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (h *Handler) handleStage(w http.ResponseWriter, r *http.Request) {
	var req stageRequest
	if !h.decode(w, r, &req, "ValidationFailed") {
		return
	}
	sess, err := h.svc.AdvanceStage(r.Context(), sessionID(r), req.Stage)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

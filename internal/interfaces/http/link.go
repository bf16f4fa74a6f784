package http

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"finlink/internal/domain/link"
	"finlink/internal/domain/openfinance"
	"finlink/internal/interfaces/worker"
)

// LinkFlow is satisfied by link.Linker.
type LinkFlow interface {
	StartSession(ctx context.Context, clientUserID string) (*link.Session, error)
	Exchange(ctx context.Context, req link.ExchangeRequest) (*link.InstitutionLink, error)
	Exit(clientUserID string) error
	State(clientUserID string) link.FlowState
	ListLinks(ctx context.Context, clientUserID string) ([]*link.InstitutionLink, error)
}

// LinkSyncer is satisfied by openfinance.SyncEngine.
type LinkSyncer interface {
	worker.LinkSyncer
	SyncForUser(ctx context.Context, clientUserID, linkID string) (*openfinance.SyncResult, error)
	SyncableLinks(ctx context.Context, clientUserID string) ([]string, error)
}

// Disconnector is satisfied by openfinance.Unlinker.
type Disconnector interface {
	Disconnect(ctx context.Context, clientUserID, linkID string) (*link.InstitutionLink, error)
}

// JobQueue is satisfied by worker.Pool.
type JobQueue interface {
	SubmitBatch(jobs []worker.Job) int
}

// LinkHandler serves the linking handshake and per-link operations.
type LinkHandler struct {
	flow   LinkFlow
	syncer LinkSyncer
	unlink Disconnector
	jobs   JobQueue
	logger *zap.Logger
}

func NewLinkHandler(flow LinkFlow, syncer LinkSyncer, unlink Disconnector, jobs JobQueue, logger *zap.Logger) *LinkHandler {
	return &LinkHandler{flow: flow, syncer: syncer, unlink: unlink, jobs: jobs, logger: logger}
}

// ExchangeRequest is the widget completion event posted by the client.
type ExchangeRequest struct {
	PublicToken     string `json:"public_token"`
	SessionToken    string `json:"session_token"`
	InstitutionID   string `json:"institution_id"`
	InstitutionName string `json:"institution_name"`
}

// SyncAllResponse reports how many link syncs were queued.
type SyncAllResponse struct {
	Queued  int      `json:"queued"`
	LinkIDs []string `json:"linkIds"`
}

// HandleCreateSession issues (or reuses) a widget session.
func (h *LinkHandler) HandleCreateSession(w http.ResponseWriter, r *http.Request) {
	uid, ok := clientUser(w, r)
	if !ok {
		return
	}

	session, err := h.flow.StartSession(r.Context(), uid)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, session)
}

func (h *LinkHandler) HandleExchange(w http.ResponseWriter, r *http.Request) {
	uid, ok := clientUser(w, r)
	if !ok {
		return
	}

	var req ExchangeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid request body")
		return
	}

	l, err := h.flow.Exchange(r.Context(), link.ExchangeRequest{
		ClientUserID: uid,
		SessionToken: strings.TrimSpace(req.SessionToken),
		PublicToken:  strings.TrimSpace(req.PublicToken),
		Institution: link.Institution{
			ID:   req.InstitutionID,
			Name: req.InstitutionName,
		},
	})
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, l)
}

func (h *LinkHandler) HandleState(w http.ResponseWriter, r *http.Request) {
	uid, ok := clientUser(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, h.flow.State(uid))
}

// HandleExit records that the widget was closed without linking.
func (h *LinkHandler) HandleExit(w http.ResponseWriter, r *http.Request) {
	uid, ok := clientUser(w, r)
	if !ok {
		return
	}
	if err := h.flow.Exit(uid); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, h.flow.State(uid))
}

func (h *LinkHandler) HandleListLinks(w http.ResponseWriter, r *http.Request) {
	uid, ok := clientUser(w, r)
	if !ok {
		return
	}

	links, err := h.flow.ListLinks(r.Context(), uid)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, links)
}

// HandleSync syncs one link and waits for the result.
func (h *LinkHandler) HandleSync(w http.ResponseWriter, r *http.Request) {
	uid, ok := clientUser(w, r)
	if !ok {
		return
	}

	result, err := h.syncer.SyncForUser(r.Context(), uid, r.PathValue("id"))
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// HandleSyncAll queues a background sync for each of the user's links that
// is not revoked and returns immediately.
func (h *LinkHandler) HandleSyncAll(w http.ResponseWriter, r *http.Request) {
	uid, ok := clientUser(w, r)
	if !ok {
		return
	}

	ids, err := h.syncer.SyncableLinks(r.Context(), uid)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	jobs := make([]worker.Job, 0, len(ids))
	for _, id := range ids {
		jobs = append(jobs, worker.NewLinkSyncJob(uid, id, h.syncer, h.logger))
	}
	queued := h.jobs.SubmitBatch(jobs)
	if queued < len(jobs) {
		h.logger.Warn("some link syncs were not queued",
			zap.String("client_user_id", uid),
			zap.Int("queued", queued),
			zap.Int("requested", len(jobs)),
		)
	}
	writeJSON(w, http.StatusAccepted, SyncAllResponse{Queued: queued, LinkIDs: ids})
}

// HandleDisconnect revokes a link and removes its data.
func (h *LinkHandler) HandleDisconnect(w http.ResponseWriter, r *http.Request) {
	uid, ok := clientUser(w, r)
	if !ok {
		return
	}

	l, err := h.unlink.Disconnect(r.Context(), uid, r.PathValue("id"))
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, l)
}

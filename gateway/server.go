package gateway

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/go-chi/chi/v5"

	"empleadora/arbiter"
	"empleadora/escrow"
	"empleadora/gateway/auth"
	"empleadora/observability"
	"empleadora/observability/logging"
	"empleadora/settlement"
)

const (
	headerIdempotencyKey = "Idempotency-Key"
	maxRequestBody       = 1 << 20 // 1 MiB
	settlementTimeout    = 60 * time.Second
)

// Server is the HTTP front-end for milestone escrow interactions. Marketplace
// parties authenticate with HMAC-signed API keys; support staff use bearer
// tokens on the /v1/admin routes.
type Server struct {
	authenticator *auth.Authenticator
	admin         *AdminVerifier
	ledger        *escrow.Ledger
	exec          *settlement.Executor
	arb           *arbiter.Arbiter
	store         *SQLiteStore
	queue         *WebhookQueue
	obs           *Observability
	logger        *slog.Logger
	nowFn         func() time.Time
	router        chi.Router
}

func NewServer(authenticator *auth.Authenticator, admin *AdminVerifier, ledger *escrow.Ledger, exec *settlement.Executor, arb *arbiter.Arbiter, store *SQLiteStore, queue *WebhookQueue, logger *slog.Logger) *Server {
	if authenticator == nil {
		panic("authenticator required")
	}
	if ledger == nil {
		panic("ledger required")
	}
	if exec == nil {
		panic("settlement executor required")
	}
	if store == nil {
		panic("sqlite store required")
	}
	if queue == nil {
		queue = NewWebhookQueue()
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		authenticator: authenticator,
		admin:         admin,
		ledger:        ledger,
		exec:          exec,
		arb:           arb,
		store:         store,
		queue:         queue,
		obs:           NewObservability(logger),
		logger:        logger,
		nowFn:         time.Now,
	}
	s.router = s.routes()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Method(http.MethodGet, "/metrics", s.obs.MetricsHandler())

	r.Route("/v1", func(r chi.Router) {
		r.Use(s.obs.Middleware("v1"))
		r.Post("/projects", s.handleCreateProject)
		r.Get("/projects", s.handleListProjects)
		r.Get("/projects/{projectID}", s.handleGetProject)
		r.Get("/projects/{projectID}/events", s.handleEvents)
		r.Get("/projects/{projectID}/dispute", s.handleGetDispute)
		r.Post("/projects/{projectID}/dispute", s.handleRaiseDispute)
		r.Post("/projects/{projectID}/milestones/{index}/fund", s.handleFund)
		r.Post("/projects/{projectID}/milestones/{index}/approve", s.handleApprove)
		r.Post("/projects/{projectID}/milestones/{index}/deliverable", s.handleDeliverable)
		r.Post("/webhooks", s.handleRegisterWebhook)

		r.Route("/admin", func(r chi.Router) {
			r.Post("/projects/{projectID}/dispute", s.handleAdminDispute)
			r.Post("/projects/{projectID}/resolve", s.handleAdminResolve)
			r.Post("/projects/{projectID}/milestones/{index}/refund", s.handleAdminRefund)
		})
	})
	return r
}

// --- request/response shapes ---

type MilestoneDefinition struct {
	Title  string `json:"title"`
	Amount string `json:"amount"`
	Asset  string `json:"asset,omitempty"`
}

type CreateProjectRequest struct {
	Client     string                `json:"client"`
	Freelancer string                `json:"freelancer"`
	ExternalID string                `json:"externalId"`
	Milestones []MilestoneDefinition `json:"milestones"`
	Metadata   json.RawMessage       `json:"metadata,omitempty"`
}

type DisputeRequest struct {
	Reason string `json:"reason"`
}

type DeliverableRequest struct {
	Reference string `json:"reference"`
}

type WebhookRequest struct {
	EventType string `json:"eventType"`
	URL       string `json:"url"`
	Secret    string `json:"secret"`
	RateLimit int    `json:"rateLimit,omitempty"`
}

type milestoneView struct {
	Index       uint64 `json:"index"`
	Title       string `json:"title"`
	Amount      string `json:"amount"`
	Asset       string `json:"asset"`
	Status      string `json:"status"`
	Deliverable string `json:"deliverable,omitempty"`
	FundingTx   string `json:"fundingTx,omitempty"`
	ReleaseTx   string `json:"releaseTx,omitempty"`
	RefundTx    string `json:"refundTx,omitempty"`
	FundedAt    int64  `json:"fundedAt,omitempty"`
	ReleasedAt  int64  `json:"releasedAt,omitempty"`
	RefundedAt  int64  `json:"refundedAt,omitempty"`
}

type projectView struct {
	ID         string          `json:"projectId"`
	ExternalID string          `json:"externalId"`
	Client     string          `json:"client"`
	Freelancer string          `json:"freelancer"`
	Status     string          `json:"status"`
	Milestones []milestoneView `json:"milestones"`
	Metadata   json.RawMessage `json:"metadata,omitempty"`
	CreatedAt  int64           `json:"createdAt"`
	UpdatedAt  int64           `json:"updatedAt"`
}

type disputeView struct {
	ProjectID  string `json:"projectId"`
	Reason     string `json:"reason"`
	RaisedBy   string `json:"raisedBy"`
	RaisedAt   int64  `json:"raisedAt"`
	Resolved   bool   `json:"resolved"`
	ResolvedAt int64  `json:"resolvedAt,omitempty"`
}

type eventView struct {
	Sequence   int64             `json:"sequence"`
	Type       string            `json:"type"`
	ProjectID  string            `json:"projectId"`
	Attributes map[string]string `json:"attributes"`
	Timestamp  int64             `json:"timestamp"`
}

type settledView struct {
	ProjectID string `json:"projectId"`
	Index     uint64 `json:"index"`
	Status    string `json:"status"`
	TxRef     string `json:"txRef"`
	Amount    string `json:"amount"`
	Asset     string `json:"asset"`
}

func projectToView(p *escrow.Project) projectView {
	view := projectView{
		ID:         hashHex(p.ID),
		ExternalID: p.ExternalID,
		Client:     addressHex(p.Client),
		Freelancer: addressHex(p.Freelancer),
		Status:     p.Status.String(),
		Milestones: make([]milestoneView, 0, len(p.Milestones)),
		CreatedAt:  p.CreatedAt,
		UpdatedAt:  p.UpdatedAt,
	}
	if len(p.Metadata) > 0 {
		view.Metadata = json.RawMessage(p.Metadata)
	}
	for _, m := range p.Milestones {
		amount := "0"
		if m.Amount != nil {
			amount = m.Amount.String()
		}
		view.Milestones = append(view.Milestones, milestoneView{
			Index:       m.Index,
			Title:       m.Title,
			Amount:      amount,
			Asset:       m.Asset.String(),
			Status:      m.Status.String(),
			Deliverable: m.Deliverable,
			FundingTx:   optionalHashHex(m.FundingTx),
			ReleaseTx:   optionalHashHex(m.ReleaseTx),
			RefundTx:    optionalHashHex(m.RefundTx),
			FundedAt:    m.FundedAt,
			ReleasedAt:  m.ReleasedAt,
			RefundedAt:  m.RefundedAt,
		})
	}
	return view
}

func disputeToView(rec *escrow.DisputeRecord) disputeView {
	return disputeView{
		ProjectID:  hashHex(rec.ProjectID),
		Reason:     rec.Reason,
		RaisedBy:   addressHex(rec.RaisedBy),
		RaisedAt:   rec.RaisedAt,
		Resolved:   rec.Resolved,
		ResolvedAt: rec.ResolvedAt,
	}
}

// --- party handlers ---

func (s *Server) handleCreateProject(w http.ResponseWriter, r *http.Request) {
	s.mutate(w, r, true, func(ctx context.Context, principal *auth.Principal, body []byte) (int, interface{}, error) {
		var req CreateProjectRequest
		if err := json.Unmarshal(body, &req); err != nil {
			return 0, nil, fmt.Errorf("%w: invalid JSON payload: %v", escrow.ErrInvalidProject, err)
		}
		client, err := auth.ParseAddress(req.Client)
		if err != nil {
			return 0, nil, fmt.Errorf("%w: client: %v", escrow.ErrInvalidProject, err)
		}
		freelancer, err := auth.ParseAddress(req.Freelancer)
		if err != nil {
			return 0, nil, fmt.Errorf("%w: freelancer: %v", escrow.ErrInvalidProject, err)
		}
		if principal.Address != client {
			return 0, nil, fmt.Errorf("%w: projects are created by the client", escrow.ErrUnauthorized)
		}
		milestones := make([]*escrow.Milestone, 0, len(req.Milestones))
		for _, def := range req.Milestones {
			amount, ok := new(big.Int).SetString(strings.TrimSpace(def.Amount), 10)
			if !ok {
				return 0, nil, fmt.Errorf("%w: amount %q is not an integer", escrow.ErrInvalidMilestone, def.Amount)
			}
			asset, err := escrow.ParseAsset(def.Asset)
			if err != nil {
				return 0, nil, err
			}
			milestones = append(milestones, &escrow.Milestone{
				Title:  def.Title,
				Amount: amount,
				Asset:  asset,
			})
		}
		project, err := s.ledger.CreateProject(client, freelancer, req.ExternalID, milestones, req.Metadata)
		if err != nil {
			return 0, nil, err
		}
		return http.StatusCreated, projectToView(project), nil
	})
}

func (s *Server) handleListProjects(w http.ResponseWriter, r *http.Request) {
	s.query(w, r, func(ctx context.Context, principal *auth.Principal) (interface{}, error) {
		projects, err := s.ledger.Projects()
		if err != nil {
			return nil, err
		}
		views := make([]projectView, 0, len(projects))
		for _, p := range projects {
			if p.Client != principal.Address && p.Freelancer != principal.Address {
				continue
			}
			views = append(views, projectToView(p))
		}
		return views, nil
	})
}

func (s *Server) handleGetProject(w http.ResponseWriter, r *http.Request) {
	s.query(w, r, func(ctx context.Context, principal *auth.Principal) (interface{}, error) {
		id, err := parseProjectID(chi.URLParam(r, "projectID"))
		if err != nil {
			return nil, err
		}
		project, err := s.projectForParty(id, principal.Address)
		if err != nil {
			return nil, err
		}
		return projectToView(project), nil
	})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	s.query(w, r, func(ctx context.Context, principal *auth.Principal) (interface{}, error) {
		id, err := parseProjectID(chi.URLParam(r, "projectID"))
		if err != nil {
			return nil, err
		}
		if _, err := s.projectForParty(id, principal.Address); err != nil {
			return nil, err
		}
		events, err := s.ledger.Events(id)
		if err != nil {
			return nil, err
		}
		views := make([]eventView, 0, len(events))
		for _, evt := range events {
			views = append(views, eventView{
				Sequence:   evt.Sequence,
				Type:       evt.Type,
				ProjectID:  hashHex(evt.ProjectID),
				Attributes: evt.Attributes,
				Timestamp:  evt.Timestamp,
			})
		}
		return views, nil
	})
}

func (s *Server) handleGetDispute(w http.ResponseWriter, r *http.Request) {
	s.query(w, r, func(ctx context.Context, principal *auth.Principal) (interface{}, error) {
		id, err := parseProjectID(chi.URLParam(r, "projectID"))
		if err != nil {
			return nil, err
		}
		if _, err := s.projectForParty(id, principal.Address); err != nil {
			return nil, err
		}
		rec, err := s.ledger.Dispute(id)
		if err != nil {
			return nil, err
		}
		return disputeToView(rec), nil
	})
}

func (s *Server) handleRaiseDispute(w http.ResponseWriter, r *http.Request) {
	s.mutate(w, r, false, func(ctx context.Context, principal *auth.Principal, body []byte) (int, interface{}, error) {
		id, err := parseProjectID(chi.URLParam(r, "projectID"))
		if err != nil {
			return 0, nil, err
		}
		var req DisputeRequest
		if len(body) > 0 {
			if err := json.Unmarshal(body, &req); err != nil {
				return 0, nil, fmt.Errorf("%w: invalid JSON payload: %v", escrow.ErrInvalidProject, err)
			}
		}
		rec, err := s.ledger.RaiseDispute(id, principal.Address, req.Reason)
		if err != nil {
			return 0, nil, err
		}
		s.syncDisputeGauge()
		return http.StatusOK, disputeToView(rec), nil
	})
}

func (s *Server) handleFund(w http.ResponseWriter, r *http.Request) {
	s.mutate(w, r, true, func(ctx context.Context, principal *auth.Principal, body []byte) (int, interface{}, error) {
		id, index, err := parseMilestoneRef(r)
		if err != nil {
			return 0, nil, err
		}
		if _, err := s.ledger.AuthorizeFunding(id, index, principal.Address); err != nil {
			return 0, nil, err
		}
		project, err := s.ledger.Project(id)
		if err != nil {
			return 0, nil, err
		}
		milestone := project.Milestone(index)
		if milestone == nil {
			return 0, nil, escrow.ErrMilestoneNotFound
		}
		settleCtx, cancel := context.WithTimeout(ctx, settlementTimeout)
		defer cancel()
		start := time.Now()
		receipt, err := s.exec.SettleFunding(settleCtx, project, milestone, principal.Address)
		observability.Settlement().Observe("fund", time.Since(start), err)
		if err != nil {
			return 0, nil, err
		}
		if err := s.ledger.FundMilestone(id, index, receipt); err != nil {
			return 0, nil, err
		}
		return http.StatusOK, settledReceipt(id, index, escrow.MilestoneFunded, receipt), nil
	})
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	s.mutate(w, r, true, func(ctx context.Context, principal *auth.Principal, body []byte) (int, interface{}, error) {
		id, index, err := parseMilestoneRef(r)
		if err != nil {
			return 0, nil, err
		}
		if _, err := s.ledger.AuthorizeRelease(id, index, principal.Address); err != nil {
			return 0, nil, err
		}
		project, err := s.ledger.Project(id)
		if err != nil {
			return 0, nil, err
		}
		milestone := project.Milestone(index)
		if milestone == nil {
			return 0, nil, escrow.ErrMilestoneNotFound
		}
		settleCtx, cancel := context.WithTimeout(ctx, settlementTimeout)
		defer cancel()
		start := time.Now()
		receipt, err := s.exec.SettleRelease(settleCtx, project, milestone)
		observability.Settlement().Observe("release", time.Since(start), err)
		if err != nil {
			return 0, nil, err
		}
		if err := s.ledger.ReleaseMilestone(id, index, principal.Address, receipt); err != nil {
			return 0, nil, err
		}
		return http.StatusOK, settledReceipt(id, index, escrow.MilestoneReleased, receipt), nil
	})
}

func (s *Server) handleDeliverable(w http.ResponseWriter, r *http.Request) {
	s.mutate(w, r, false, func(ctx context.Context, principal *auth.Principal, body []byte) (int, interface{}, error) {
		id, index, err := parseMilestoneRef(r)
		if err != nil {
			return 0, nil, err
		}
		var req DeliverableRequest
		if err := json.Unmarshal(body, &req); err != nil {
			return 0, nil, fmt.Errorf("%w: invalid JSON payload: %v", escrow.ErrInvalidMilestone, err)
		}
		if err := s.ledger.SubmitDeliverable(id, index, principal.Address, req.Reference); err != nil {
			return 0, nil, err
		}
		return http.StatusOK, map[string]interface{}{
			"projectId": hashHex(id),
			"index":     index,
			"reference": req.Reference,
		}, nil
	})
}

func (s *Server) handleRegisterWebhook(w http.ResponseWriter, r *http.Request) {
	s.mutate(w, r, false, func(ctx context.Context, principal *auth.Principal, body []byte) (int, interface{}, error) {
		var req WebhookRequest
		if err := json.Unmarshal(body, &req); err != nil {
			return 0, nil, fmt.Errorf("%w: invalid JSON payload: %v", escrow.ErrInvalidProject, err)
		}
		if strings.TrimSpace(req.EventType) == "" || strings.TrimSpace(req.URL) == "" || strings.TrimSpace(req.Secret) == "" {
			return 0, nil, fmt.Errorf("%w: eventType, url and secret are required", escrow.ErrInvalidProject)
		}
		id, err := s.store.InsertWebhook(ctx, WebhookSubscription{
			APIKey:    principal.APIKey,
			EventType: req.EventType,
			URL:       req.URL,
			Secret:    req.Secret,
			RateLimit: req.RateLimit,
			Active:    true,
			CreatedAt: s.nowFn().UTC(),
		})
		if err != nil {
			return 0, nil, err
		}
		return http.StatusCreated, map[string]interface{}{"webhookId": id}, nil
	})
}

// --- admin handlers ---

func (s *Server) handleAdminDispute(w http.ResponseWriter, r *http.Request) {
	s.adminMutate(w, r, func(ctx context.Context, subject string, body []byte) (int, interface{}, error) {
		id, err := parseProjectID(chi.URLParam(r, "projectID"))
		if err != nil {
			return 0, nil, err
		}
		var req DisputeRequest
		if len(body) > 0 {
			if err := json.Unmarshal(body, &req); err != nil {
				return 0, nil, fmt.Errorf("%w: invalid JSON payload: %v", escrow.ErrInvalidProject, err)
			}
		}
		rec, err := s.arb.RaiseDispute(subject, id, req.Reason)
		if err != nil {
			return 0, nil, err
		}
		s.syncDisputeGauge()
		return http.StatusOK, disputeToView(rec), nil
	})
}

func (s *Server) handleAdminResolve(w http.ResponseWriter, r *http.Request) {
	s.adminMutate(w, r, func(ctx context.Context, subject string, body []byte) (int, interface{}, error) {
		id, err := parseProjectID(chi.URLParam(r, "projectID"))
		if err != nil {
			return 0, nil, err
		}
		rec, err := s.arb.ResolveDispute(subject, id)
		if err != nil {
			return 0, nil, err
		}
		s.syncDisputeGauge()
		return http.StatusOK, disputeToView(rec), nil
	})
}

func (s *Server) handleAdminRefund(w http.ResponseWriter, r *http.Request) {
	s.adminMutate(w, r, func(ctx context.Context, subject string, body []byte) (int, interface{}, error) {
		id, index, err := parseMilestoneRef(r)
		if err != nil {
			return 0, nil, err
		}
		settleCtx, cancel := context.WithTimeout(ctx, settlementTimeout)
		defer cancel()
		start := time.Now()
		receipt, err := s.arb.RefundMilestone(settleCtx, subject, id, index)
		observability.Settlement().Observe("refund", time.Since(start), err)
		if err != nil {
			return 0, nil, err
		}
		s.syncDisputeGauge()
		return http.StatusOK, settledReceipt(id, index, escrow.MilestoneRefunded, receipt), nil
	})
}

// --- shared plumbing ---

// projectForParty loads a project for a single-project read and hides it from
// callers who are neither party. Outsiders get the same not-found as an
// unknown id, so project existence never leaks across accounts.
func (s *Server) projectForParty(id [32]byte, caller [20]byte) (*escrow.Project, error) {
	project, err := s.ledger.Project(id)
	if err != nil {
		return nil, err
	}
	if project.Client != caller && project.Freelancer != caller {
		return nil, escrow.ErrProjectNotFound
	}
	return project, nil
}

func (s *Server) syncDisputeGauge() {
	if open, err := s.ledger.OpenDisputes(); err == nil {
		observability.Settlement().SetOpenDisputes(open)
	}
}

// mutate runs an authenticated, audited write. When requireIdempotency is set
// the Idempotency-Key header is mandatory and replays return the cached
// response; a reused key with a different body is a conflict.
func (s *Server) mutate(w http.ResponseWriter, r *http.Request, requireIdempotency bool, fn func(ctx context.Context, principal *auth.Principal, body []byte) (int, interface{}, error)) {
	body, err := s.readRequestBody(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	principal, err := s.authenticator.Authenticate(r, body)
	if err != nil {
		s.logger.Warn("request signature rejected",
			"path", r.URL.Path,
			logging.MaskField("apiKey", r.Header.Get(auth.HeaderAPIKey)),
			"error", err,
		)
		s.writeError(w, http.StatusUnauthorized, err)
		s.audit(r.Context(), "", r, body, http.StatusUnauthorized, errorBody(err))
		return
	}

	key := strings.TrimSpace(r.Header.Get(headerIdempotencyKey))
	requestHash := ""
	if requireIdempotency {
		if key == "" {
			err := errors.New("missing Idempotency-Key header")
			s.writeError(w, http.StatusBadRequest, err)
			s.audit(r.Context(), principal.APIKey, r, body, http.StatusBadRequest, errorBody(err))
			return
		}
		requestHash = hashRequest(r.Method, auth.CanonicalRequestPath(r), body)
		cached, cacheErr := s.store.LookupIdempotency(r.Context(), principal.APIKey, key, requestHash)
		if cacheErr != nil {
			status := http.StatusInternalServerError
			if errors.Is(cacheErr, ErrIdempotencyMismatch) {
				status = http.StatusConflict
			}
			s.writeError(w, status, cacheErr)
			s.audit(r.Context(), principal.APIKey, r, body, status, errorBody(cacheErr))
			return
		}
		if cached != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(cached.Status)
			_, _ = w.Write(cached.Body)
			s.audit(r.Context(), principal.APIKey, r, body, cached.Status, cached.Body)
			return
		}
	}

	status, resp, err := fn(r.Context(), principal, body)
	if err != nil {
		status = statusForError(err)
		s.writeError(w, status, err)
		s.audit(r.Context(), principal.APIKey, r, body, status, errorBody(err))
		return
	}
	payload, err := json.Marshal(resp)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		s.audit(r.Context(), principal.APIKey, r, body, http.StatusInternalServerError, errorBody(err))
		return
	}
	if requireIdempotency {
		if err := s.store.SaveIdempotency(r.Context(), principal.APIKey, key, requestHash, status, payload); err != nil {
			s.writeError(w, http.StatusInternalServerError, err)
			s.audit(r.Context(), principal.APIKey, r, body, http.StatusInternalServerError, errorBody(err))
			return
		}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(payload)
	s.audit(r.Context(), principal.APIKey, r, body, status, payload)
}

// query runs an authenticated read.
func (s *Server) query(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context, principal *auth.Principal) (interface{}, error)) {
	principal, err := s.authenticator.Authenticate(r, nil)
	if err != nil {
		s.writeError(w, http.StatusUnauthorized, err)
		return
	}
	resp, err := fn(r.Context(), principal)
	if err != nil {
		s.writeError(w, statusForError(err), err)
		return
	}
	payload, err := json.Marshal(resp)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(payload)
}

// adminMutate runs a bearer-authenticated, audited administrative write.
func (s *Server) adminMutate(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context, subject string, body []byte) (int, interface{}, error)) {
	body, err := s.readRequestBody(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	if s.admin == nil || s.arb == nil {
		s.writeError(w, http.StatusForbidden, errors.New("admin access not configured"))
		return
	}
	subject, err := s.admin.VerifyRequest(r)
	if err != nil {
		s.writeError(w, http.StatusUnauthorized, err)
		s.audit(r.Context(), "", r, body, http.StatusUnauthorized, errorBody(err))
		return
	}
	status, resp, err := fn(r.Context(), subject, body)
	if err != nil {
		status = statusForError(err)
		s.writeError(w, status, err)
		s.audit(r.Context(), "admin:"+subject, r, body, status, errorBody(err))
		return
	}
	payload, err := json.Marshal(resp)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(payload)
	s.audit(r.Context(), "admin:"+subject, r, body, status, payload)
}

func (s *Server) readRequestBody(r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	defer r.Body.Close()
	limited := io.LimitReader(r.Body, maxRequestBody+1)
	data, err := io.ReadAll(limited)
	if err != nil {
		return nil, err
	}
	if len(data) > maxRequestBody {
		return nil, fmt.Errorf("request body exceeds %d bytes", maxRequestBody)
	}
	return data, nil
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	if status <= 0 {
		status = http.StatusInternalServerError
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(errorBody(err))
}

func (s *Server) audit(ctx context.Context, apiKey string, r *http.Request, requestBody []byte, status int, responseBody []byte) {
	entry := AuditEntry{
		APIKey:         apiKey,
		Method:         r.Method,
		Path:           auth.CanonicalRequestPath(r),
		RequestBody:    append([]byte(nil), requestBody...),
		ResponseBody:   append([]byte(nil), responseBody...),
		ResponseStatus: status,
		Timestamp:      s.nowFn().UTC(),
	}
	if err := s.store.InsertAuditLog(ctx, entry); err != nil {
		s.logger.Warn("audit log write failed", "error", err)
	}
}

// statusForError maps domain errors onto HTTP statuses: validation failures
// are 400, unknown resources 404, authorization failures 403, state conflicts
// 409, and settlement-layer failures 502.
func statusForError(err error) int {
	switch {
	case errors.Is(err, ErrIdempotencyMismatch):
		return http.StatusConflict
	case errors.Is(err, escrow.ErrUnauthorized):
		return http.StatusForbidden
	case escrow.IsNotFound(err):
		return http.StatusNotFound
	case escrow.IsStateConflict(err):
		return http.StatusConflict
	case escrow.IsValidation(err):
		return http.StatusBadRequest
	case settlement.IsSettlementError(err):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func settledReceipt(id [32]byte, index uint64, status escrow.MilestoneStatus, receipt *escrow.SettlementReceipt) settledView {
	view := settledView{
		ProjectID: hashHex(id),
		Index:     index,
		Status:    status.String(),
	}
	if receipt != nil {
		view.TxRef = hashHex(receipt.TxRef)
		if receipt.Amount != nil {
			view.Amount = receipt.Amount.String()
		}
		view.Asset = receipt.Asset.String()
	}
	return view
}

func errorBody(err error) []byte {
	msg := strings.ReplaceAll(err.Error(), "\"", "'")
	return []byte(fmt.Sprintf(`{"error":"%s"}`, msg))
}

func parseProjectID(raw string) ([32]byte, error) {
	var id [32]byte
	decoded, err := hexutil.Decode(strings.TrimSpace(raw))
	if err != nil || len(decoded) != 32 {
		return id, fmt.Errorf("%w: malformed project id %q", escrow.ErrInvalidProject, raw)
	}
	copy(id[:], decoded)
	return id, nil
}

func parseMilestoneRef(r *http.Request) ([32]byte, uint64, error) {
	id, err := parseProjectID(chi.URLParam(r, "projectID"))
	if err != nil {
		return id, 0, err
	}
	index, err := strconv.ParseUint(chi.URLParam(r, "index"), 10, 64)
	if err != nil {
		return id, 0, fmt.Errorf("%w: malformed milestone index", escrow.ErrInvalidMilestone)
	}
	return id, index, nil
}

func hashRequest(method, path string, body []byte) string {
	sum := sha256.Sum256([]byte(strings.Join([]string{strings.ToUpper(method), path, string(body)}, "\n")))
	return fmt.Sprintf("%x", sum[:])
}

func hashHex(h [32]byte) string {
	return hexutil.Encode(h[:])
}

func optionalHashHex(h [32]byte) string {
	if h == ([32]byte{}) {
		return ""
	}
	return hashHex(h)
}

func addressHex(addr [20]byte) string {
	return common.BytesToAddress(addr[:]).Hex()
}

// LedgerNotifier adapts the escrow ledger's notification hook onto the webhook
// queue.
type LedgerNotifier struct {
	queue *WebhookQueue
}

func NewLedgerNotifier(queue *WebhookQueue) *LedgerNotifier {
	return &LedgerNotifier{queue: queue}
}

func (n *LedgerNotifier) Notify(evt *escrow.Event) {
	if n == nil || n.queue == nil || evt == nil {
		return
	}
	n.queue.Enqueue(WebhookEvent{
		Sequence:   evt.Sequence,
		Type:       evt.Type,
		ProjectID:  hashHex(evt.ProjectID),
		Attributes: evt.Attributes,
		CreatedAt:  time.Unix(evt.Timestamp, 0).UTC(),
	})
}

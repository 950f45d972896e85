package server

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/tempo/backend/internal/events"
	"github.com/MarcoPoloResearchLab/tempo/backend/internal/hub"
	"github.com/MarcoPoloResearchLab/tempo/backend/internal/users"
)

const userIDContextKey = "tempo_user_id"

var (
	errMissingTokenManager = errors.New("token manager dependency required")
	errMissingCoordinator  = errors.New("mutation coordinator dependency required")
	errMissingStore        = errors.New("version store dependency required")
	errMissingGate         = errors.New("permission gate dependency required")
	errMissingHub          = errors.New("notification hub dependency required")
	errInvalidAuthorization = errors.New("authorization header missing or invalid")
)

// BackendTokenManager resolves bearer tokens to verified subjects.
type BackendTokenManager interface {
	ValidateToken(token string) (string, error)
}

// Dependencies wires the transport onto the core.
type Dependencies struct {
	TokenManager BackendTokenManager
	Coordinator  *events.Coordinator
	Store        *events.Store
	Gate         *events.Gate
	Hub          *hub.Hub
	Users        *users.Service
	IDProvider   events.IDProvider
	Logger       *zap.Logger
}

// NewHTTPHandler builds the gin router exposing the core operations.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.TokenManager == nil {
		return nil, errMissingTokenManager
	}
	if deps.Coordinator == nil {
		return nil, errMissingCoordinator
	}
	if deps.Store == nil {
		return nil, errMissingStore
	}
	if deps.Gate == nil {
		return nil, errMissingGate
	}
	if deps.Hub == nil {
		return nil, errMissingHub
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	idProvider := deps.IDProvider
	if idProvider == nil {
		idProvider = events.NewUUIDProvider()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		tokens:      deps.TokenManager,
		coordinator: deps.Coordinator,
		store:       deps.Store,
		gate:        deps.Gate,
		hub:         deps.Hub,
		users:       deps.Users,
		ids:         idProvider,
		logger:      logger,
	}

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.POST("/events", handler.handleCreateEvent)
	protected.GET("/events", handler.handleListEvents)
	protected.PUT("/events/:id", handler.handleUpdateEvent)
	protected.DELETE("/events/:id", handler.handleDeleteEvent)
	protected.POST("/events/batch", handler.handleSubmitBatch)
	protected.GET("/events/stream", handler.handleStream)
	protected.GET("/events/:id", handler.handleGetEvent)
	protected.GET("/events/:id/versions", handler.handleListVersions)
	protected.GET("/events/:id/history/:version", handler.handleGetVersion)
	protected.GET("/events/:id/changelog", handler.handleChangelog)
	protected.GET("/events/:id/diff/:v1/:v2", handler.handleDiff)
	protected.POST("/events/:id/rollback/:version", handler.handleRollback)
	protected.POST("/events/:id/share", handler.handleShare)
	protected.GET("/events/:id/permissions", handler.handleListPermissions)
	protected.DELETE("/events/:id/permissions/:userID", handler.handleRevokePermission)

	return router, nil
}

type httpHandler struct {
	tokens      BackendTokenManager
	coordinator *events.Coordinator
	store       *events.Store
	gate        *events.Gate
	hub         *hub.Hub
	users       *users.Service
	ids         events.IDProvider
	logger      *zap.Logger
}

type mutationPayload struct {
	ExpectedVersion int64           `json:"expected_version"`
	Event           events.Snapshot `json:"event"`
}

type batchItemPayload struct {
	Kind            string          `json:"kind"`
	EventID         string          `json:"event_id"`
	ExpectedVersion int64           `json:"expected_version"`
	TargetVersion   int64           `json:"target_version"`
	Event           events.Snapshot `json:"event"`
}

type batchRequestPayload struct {
	Mutations []batchItemPayload `json:"mutations"`
}

type mutationResponsePayload struct {
	EventID       string             `json:"event_id"`
	State         string             `json:"state"`
	VersionNumber int64              `json:"version_number,omitempty"`
	Conflicts     events.ConflictSet `json:"conflicts,omitempty"`
	Error         string             `json:"error,omitempty"`
}

type batchResponsePayload struct {
	BatchID   string                    `json:"batch_id,omitempty"`
	Committed bool                      `json:"committed"`
	Results   []mutationResponsePayload `json:"results"`
}

func (h *httpHandler) handleCreateEvent(c *gin.Context) {
	actorID, ok := h.actor(c)
	if !ok {
		return
	}
	var request mutationPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	result, err := h.coordinator.Submit(c.Request.Context(), events.Mutation{
		Kind:     events.ChangeKindCreate,
		ActorID:  actorID,
		Snapshot: request.Event,
	})
	if err != nil {
		h.respondCoreError(c, err, result.Conflicts)
		return
	}
	c.JSON(http.StatusCreated, toMutationResponse(result))
}

func (h *httpHandler) handleUpdateEvent(c *gin.Context) {
	actorID, ok := h.actor(c)
	if !ok {
		return
	}
	eventID, ok := h.eventID(c)
	if !ok {
		return
	}
	var request mutationPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	result, err := h.coordinator.Submit(c.Request.Context(), events.Mutation{
		Kind:            events.ChangeKindUpdate,
		EventID:         eventID,
		ActorID:         actorID,
		Snapshot:        request.Event,
		ExpectedVersion: request.ExpectedVersion,
	})
	if err != nil {
		h.respondCoreError(c, err, result.Conflicts)
		return
	}
	c.JSON(http.StatusOK, toMutationResponse(result))
}

func (h *httpHandler) handleDeleteEvent(c *gin.Context) {
	actorID, ok := h.actor(c)
	if !ok {
		return
	}
	eventID, ok := h.eventID(c)
	if !ok {
		return
	}
	expectedVersion, err := strconv.ParseInt(c.Query("expected_version"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_expected_version"})
		return
	}
	result, err := h.coordinator.Submit(c.Request.Context(), events.Mutation{
		Kind:            events.ChangeKindDelete,
		EventID:         eventID,
		ActorID:         actorID,
		ExpectedVersion: expectedVersion,
	})
	if err != nil {
		h.respondCoreError(c, err, result.Conflicts)
		return
	}
	c.JSON(http.StatusOK, toMutationResponse(result))
}

func (h *httpHandler) handleRollback(c *gin.Context) {
	actorID, ok := h.actor(c)
	if !ok {
		return
	}
	eventID, ok := h.eventID(c)
	if !ok {
		return
	}
	targetVersion, err := strconv.ParseInt(c.Param("version"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_version"})
		return
	}
	var request struct {
		ExpectedVersion int64 `json:"expected_version"`
	}
	switch err := c.ShouldBindJSON(&request); {
	case err == nil:
	case errors.Is(err, io.EOF):
		// A bodyless rollback targets whatever the head is right now. The
		// commit still re-checks under the row lock, so a concurrent writer
		// surfaces as a 409 rather than a lost update.
		head, headErr := h.store.Head(c.Request.Context(), eventID)
		if headErr != nil {
			h.respondCoreError(c, headErr, nil)
			return
		}
		request.ExpectedVersion = head
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	result, err := h.coordinator.Submit(c.Request.Context(), events.Mutation{
		Kind:            events.ChangeKindRollback,
		EventID:         eventID,
		ActorID:         actorID,
		ExpectedVersion: request.ExpectedVersion,
		TargetVersion:   targetVersion,
	})
	if err != nil {
		h.respondCoreError(c, err, result.Conflicts)
		return
	}
	c.JSON(http.StatusOK, toMutationResponse(result))
}

func (h *httpHandler) handleSubmitBatch(c *gin.Context) {
	actorID, ok := h.actor(c)
	if !ok {
		return
	}
	var request batchRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || len(request.Mutations) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	mutations := make([]events.Mutation, 0, len(request.Mutations))
	for _, item := range request.Mutations {
		kind, err := parseMutationKind(item.Kind)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_mutation_kind"})
			return
		}
		mutations = append(mutations, events.Mutation{
			Kind:            kind,
			EventID:         events.EventID(strings.TrimSpace(item.EventID)),
			ActorID:         actorID,
			Snapshot:        item.Event,
			ExpectedVersion: item.ExpectedVersion,
			TargetVersion:   item.TargetVersion,
		})
	}

	batch, err := h.coordinator.SubmitBatch(c.Request.Context(), mutations)
	response := batchResponsePayload{
		BatchID:   batch.BatchID,
		Committed: batch.Committed,
		Results:   make([]mutationResponsePayload, 0, len(batch.Results)),
	}
	for _, result := range batch.Results {
		response.Results = append(response.Results, toMutationResponse(result))
	}
	status := http.StatusOK
	if err != nil {
		status = coreErrorStatus(err)
	}
	c.JSON(status, response)
}

func (h *httpHandler) handleListEvents(c *gin.Context) {
	actorID, ok := h.actor(c)
	if !ok {
		return
	}
	visible, err := h.store.ListVisible(c.Request.Context(), actorID)
	if err != nil {
		h.respondCoreError(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": visible})
}

func (h *httpHandler) handleGetEvent(c *gin.Context) {
	_, eventID, ok := h.readAccess(c, events.RoleViewer)
	if !ok {
		return
	}
	projection, err := h.store.GetEvent(c.Request.Context(), eventID)
	if err != nil {
		h.respondCoreError(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, projection)
}

func (h *httpHandler) handleListVersions(c *gin.Context) {
	_, eventID, ok := h.readAccess(c, events.RoleViewer)
	if !ok {
		return
	}
	versions, err := h.store.ListVersions(c.Request.Context(), eventID)
	if err != nil {
		h.respondCoreError(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, gin.H{"versions": versions})
}

func (h *httpHandler) handleGetVersion(c *gin.Context) {
	_, eventID, ok := h.readAccess(c, events.RoleViewer)
	if !ok {
		return
	}
	versionNumber, err := strconv.ParseInt(c.Param("version"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_version"})
		return
	}
	version, err := h.store.GetVersion(c.Request.Context(), eventID, versionNumber)
	if err != nil {
		h.respondCoreError(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, version)
}

func (h *httpHandler) handleChangelog(c *gin.Context) {
	_, eventID, ok := h.readAccess(c, events.RoleViewer)
	if !ok {
		return
	}
	fromVersion := queryInt64(c, "from")
	toVersion := queryInt64(c, "to")
	entries, err := h.store.Changelog(c.Request.Context(), eventID, fromVersion, toVersion)
	if err != nil {
		h.respondCoreError(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, gin.H{"changelog": entries})
}

func (h *httpHandler) handleDiff(c *gin.Context) {
	_, eventID, ok := h.readAccess(c, events.RoleViewer)
	if !ok {
		return
	}
	fromVersion, errFrom := strconv.ParseInt(c.Param("v1"), 10, 64)
	toVersion, errTo := strconv.ParseInt(c.Param("v2"), 10, 64)
	if errFrom != nil || errTo != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_version"})
		return
	}
	diff, err := h.store.Diff(c.Request.Context(), eventID, fromVersion, toVersion)
	if err != nil {
		h.respondCoreError(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, gin.H{"from": fromVersion, "to": toVersion, "diff": diff})
}

type sharePayload struct {
	UserID string `json:"user_id"`
	Role   string `json:"role"`
}

func (h *httpHandler) handleShare(c *gin.Context) {
	actorID, ok := h.actor(c)
	if !ok {
		return
	}
	eventID, ok := h.eventID(c)
	if !ok {
		return
	}
	var request sharePayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	targetID, err := events.NewUserID(request.UserID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_user_id"})
		return
	}
	role, err := events.ParseRole(request.Role)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_role"})
		return
	}
	if role == events.RoleOwner {
		err = h.gate.TransferOwnership(c.Request.Context(), actorID, eventID, targetID)
	} else {
		err = h.gate.Grant(c.Request.Context(), actorID, eventID, targetID, role)
	}
	if err != nil {
		h.respondCoreError(c, err, nil)
		return
	}
	h.notifyShared(c, eventID, actorID, targetID)
	c.JSON(http.StatusOK, gin.H{"event_id": eventID.String(), "user_id": targetID.String(), "role": string(role)})
}

// notifyShared tells the grantee's live streams about an event they can now
// see. Best effort: a failed head read only suppresses the notice.
func (h *httpHandler) notifyShared(c *gin.Context, eventID events.EventID, actorID, targetID events.UserID) {
	head, err := h.store.Head(c.Request.Context(), eventID)
	if err != nil {
		h.logger.Warn("share notification skipped",
			zap.String("event_id", eventID.String()), zap.Error(err))
		return
	}
	h.hub.PublishChange(events.ChangeNotification{
		EventID:           eventID,
		VersionNumber:     head,
		Kind:              events.ChangeKindShare,
		AuthorID:          actorID,
		Participants:      []events.UserID{targetID},
		OccurredAtSeconds: time.Now().Unix(),
	})
}

func (h *httpHandler) handleListPermissions(c *gin.Context) {
	actorID, ok := h.actor(c)
	if !ok {
		return
	}
	eventID, ok := h.eventID(c)
	if !ok {
		return
	}
	permissions, err := h.gate.ListPermissions(c.Request.Context(), actorID, eventID)
	if err != nil {
		h.respondCoreError(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, gin.H{"permissions": permissions})
}

func (h *httpHandler) handleRevokePermission(c *gin.Context) {
	actorID, ok := h.actor(c)
	if !ok {
		return
	}
	eventID, ok := h.eventID(c)
	if !ok {
		return
	}
	targetID, err := events.NewUserID(c.Param("userID"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_user_id"})
		return
	}
	if err := h.gate.Revoke(c.Request.Context(), actorID, eventID, targetID); err != nil {
		h.respondCoreError(c, err, nil)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	token := bearerToken(c)
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	subject, err := h.tokens.ValidateToken(token)
	if err != nil {
		h.logger.Warn("token validation failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	userID := subject
	if h.users != nil {
		canonical, err := h.users.ResolveCanonicalUserID(users.Claims{Subject: subject})
		if err != nil {
			h.logger.Warn("identity resolution failed", zap.Error(err))
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		userID = canonical
	}
	c.Set(userIDContextKey, userID)
	c.Next()
}

// bearerToken accepts the Authorization header and, for EventSource clients
// that cannot set headers, the access_token query parameter.
func bearerToken(c *gin.Context) string {
	header := c.GetHeader("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	}
	return strings.TrimSpace(c.Query("access_token"))
}

func (h *httpHandler) actor(c *gin.Context) (events.UserID, bool) {
	raw := c.GetString(userIDContextKey)
	actorID, err := events.NewUserID(raw)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return "", false
	}
	return actorID, true
}

func (h *httpHandler) eventID(c *gin.Context) (events.EventID, bool) {
	eventID, err := events.NewEventID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_event_id"})
		return "", false
	}
	return eventID, true
}

func (h *httpHandler) readAccess(c *gin.Context, required events.Role) (events.UserID, events.EventID, bool) {
	actorID, ok := h.actor(c)
	if !ok {
		return "", "", false
	}
	eventID, ok := h.eventID(c)
	if !ok {
		return "", "", false
	}
	if err := h.gate.Authorize(c.Request.Context(), actorID, eventID, required); err != nil {
		h.respondCoreError(c, err, nil)
		return "", "", false
	}
	return actorID, eventID, true
}

func toMutationResponse(result events.MutationResult) mutationResponsePayload {
	payload := mutationResponsePayload{
		EventID:   result.EventID.String(),
		State:     string(result.State),
		Conflicts: result.Conflicts,
	}
	if result.Version != nil {
		payload.VersionNumber = result.Version.VersionNumber
	}
	if result.Err != nil {
		payload.Error = coreErrorCode(result.Err)
	}
	return payload
}

func (h *httpHandler) respondCoreError(c *gin.Context, err error, conflicts events.ConflictSet) {
	status := coreErrorStatus(err)
	if status == http.StatusInternalServerError {
		h.logger.Error("request failed", zap.Error(err))
		c.JSON(status, gin.H{"error": "internal_error"})
		return
	}
	body := gin.H{"error": coreErrorCode(err)}
	var conflictErr *events.ConflictError
	if errors.As(err, &conflictErr) {
		body["conflicts"] = conflictErr.Conflicts
	} else if len(conflicts) > 0 {
		body["conflicts"] = conflicts
	}
	c.JSON(status, body)
}

func coreErrorStatus(err error) int {
	switch {
	case errors.Is(err, events.ErrDenied):
		return http.StatusForbidden
	case errors.Is(err, events.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, events.ErrConflict), errors.Is(err, events.ErrConcurrentModification):
		return http.StatusConflict
	case errors.Is(err, events.ErrHorizonExceeded):
		return http.StatusUnprocessableEntity
	case errors.Is(err, events.ErrInvalidSnapshot),
		errors.Is(err, events.ErrInvalidEventID),
		errors.Is(err, events.ErrInvalidUserID),
		errors.Is(err, events.ErrInvalidRole):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func coreErrorCode(err error) string {
	switch {
	case errors.Is(err, events.ErrDenied):
		return "denied"
	case errors.Is(err, events.ErrNotFound):
		return "not_found"
	case errors.Is(err, events.ErrConflict):
		return "conflict"
	case errors.Is(err, events.ErrConcurrentModification):
		return "concurrent_modification"
	case errors.Is(err, events.ErrHorizonExceeded):
		return "horizon_exceeded"
	case errors.Is(err, events.ErrBatchAborted):
		return "batch_aborted"
	default:
		return "invalid_request"
	}
}

func parseMutationKind(raw string) (events.ChangeKind, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(events.ChangeKindCreate):
		return events.ChangeKindCreate, nil
	case string(events.ChangeKindUpdate):
		return events.ChangeKindUpdate, nil
	case string(events.ChangeKindDelete):
		return events.ChangeKindDelete, nil
	case string(events.ChangeKindRollback):
		return events.ChangeKindRollback, nil
	default:
		return "", errors.New("unknown mutation kind")
	}
}

func queryInt64(c *gin.Context, name string) int64 {
	value, err := strconv.ParseInt(c.Query(name), 10, 64)
	if err != nil {
		return 0
	}
	return value
}

package httpserver

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/MarkoPoloResearchLab/raffle/pkg/raffle"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/tyemirov/tauth/pkg/sessionvalidator"
	"go.uber.org/zap"
)

// Run boots the HTTP API using the supplied configuration.
func Run(ctx context.Context, cfg Config, service *raffle.Service) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("zap init: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	sessionValidator, err := sessionvalidator.New(sessionvalidator.Config{
		SigningKey: []byte(cfg.SessionSigningKey),
		Issuer:     cfg.SessionIssuer,
		CookieName: cfg.SessionCookieName,
	})
	if err != nil {
		return fmt.Errorf("session validator: %w", err)
	}

	handler := &httpHandler{
		logger:  logger,
		service: service,
		cfg:     cfg,
	}

	router := setupRouter(cfg, handler, sessionValidator)

	server := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: router,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("raffle api listening", zap.String("addr", cfg.ListenAddr))
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if shutdownErr := server.Shutdown(shutdownCtx); shutdownErr != nil {
			logger.Warn("server shutdown error", zap.Error(shutdownErr))
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func setupRouter(cfg Config, handler *httpHandler, validator *sessionvalidator.Validator) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Origin", "Accept"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	router.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	public := router.Group("/api")
	public.GET("/tickets", handler.handleTickets)
	public.GET("/tickets/:number", handler.handleTicket)
	public.GET("/participants", handler.handleParticipants)
	public.GET("/winner", handler.handleWinner)
	public.POST("/contact", handler.handleContact)

	authed := router.Group("/api")
	authed.Use(validator.GinMiddleware("auth_claims"))
	authed.GET("/session", handler.handleSession)
	authed.GET("/profile", handler.handleGetProfile)
	authed.POST("/profile", handler.handlePostProfile)
	authed.POST("/reservations", handler.handleReserve)
	authed.POST("/reservations/confirm", handler.handleConfirm)
	authed.POST("/reservations/release", handler.handleRelease)
	authed.POST("/admin/winner", handler.handleSetWinner)

	return router
}

type httpHandler struct {
	logger  *zap.Logger
	service *raffle.Service
	cfg     Config
}

func (handler *httpHandler) handleTickets(ctx *gin.Context) {
	tickets, err := handler.service.Snapshot(ctx.Request.Context())
	if err != nil {
		handler.respondServiceError(ctx, err)
		return
	}
	payload := make([]ticketPayload, 0, len(tickets))
	for _, ticket := range tickets {
		payload = append(payload, publicTicket(ticket))
	}
	ctx.JSON(http.StatusOK, gin.H{
		"tickets":            payload,
		"ticket_price_cents": handler.cfg.TicketPriceCents,
	})
}

func (handler *httpHandler) handleTicket(ctx *gin.Context) {
	ticket, err := handler.service.Ticket(ctx.Request.Context(), ctx.Param("number"))
	if err != nil {
		handler.respondServiceError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"ticket": publicTicket(ticket)})
}

func (handler *httpHandler) handleParticipants(ctx *gin.Context) {
	participants, err := handler.service.Participants(ctx.Request.Context())
	if err != nil {
		handler.respondServiceError(ctx, err)
		return
	}
	payload := make([]participantPayload, 0, len(participants))
	for _, participant := range participants {
		payload = append(payload, participantPayload{
			Name:    participant.OwnerName,
			Numbers: participant.Numbers,
		})
	}
	ctx.JSON(http.StatusOK, gin.H{"participants": payload})
}

func (handler *httpHandler) handleWinner(ctx *gin.Context) {
	winner, err := handler.service.Winner(ctx.Request.Context())
	if err != nil {
		handler.respondServiceError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"winner": gin.H{
		"number": winner.WinningNumber,
		"name":   winner.WinnerName,
		"set_at": winner.SetAtUnixUTC,
	}})
}

func (handler *httpHandler) handleContact(ctx *gin.Context) {
	var request contactRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	err := handler.service.SubmitContactMessage(ctx.Request.Context(), request.Name, request.Email, request.Message)
	if err != nil {
		handler.respondServiceError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (handler *httpHandler) handleSession(ctx *gin.Context) {
	claims := getClaims(ctx)
	if claims == nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"user_id": claims.GetUserID(),
		"email":   claims.GetUserEmail(),
		"display": claims.GetUserDisplayName(),
		"admin":   handler.cfg.IsAdmin(claims.GetUserEmail()),
		"expires": claims.GetExpiresAt().Unix(),
	})
}

func (handler *httpHandler) handleGetProfile(ctx *gin.Context) {
	claims := getClaims(ctx)
	if claims == nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
		return
	}
	userID, err := raffle.NewUserID(claims.GetUserID())
	if err != nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "invalid session subject"))
		return
	}
	profile, err := handler.service.Profile(ctx.Request.Context(), userID)
	if err != nil {
		handler.respondServiceError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"profile": profilePayload{
		Name:       profile.Name,
		Email:      profile.Email,
		GovID:      profile.GovID,
		DOB:        profile.DOB,
		Phone:      profile.Phone,
		PostalCode: profile.PostalCode,
		Address:    profile.Address,
	}})
}

func (handler *httpHandler) handlePostProfile(ctx *gin.Context) {
	claims := getClaims(ctx)
	if claims == nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
		return
	}
	var request profilePayload
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	err := handler.service.RegisterProfile(ctx.Request.Context(), raffle.Profile{
		UserID:     claims.GetUserID(),
		Name:       request.Name,
		Email:      request.Email,
		GovID:      request.GovID,
		DOB:        request.DOB,
		Phone:      request.Phone,
		PostalCode: request.PostalCode,
		Address:    request.Address,
	})
	if err != nil {
		handler.respondServiceError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (handler *httpHandler) handleReserve(ctx *gin.Context) {
	claims := getClaims(ctx)
	if claims == nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
		return
	}
	var request selectionRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	buyer, err := handler.resolveBuyer(ctx.Request.Context(), claims)
	if err != nil {
		handler.respondServiceError(ctx, err)
		return
	}
	reserved, err := handler.service.Reserve(ctx.Request.Context(), buyer, request.Numbers)
	if err != nil {
		handler.respondServiceError(ctx, err)
		return
	}
	handler.respondTickets(ctx, reserved)
}

func (handler *httpHandler) handleConfirm(ctx *gin.Context) {
	handler.handleSelectionUpdate(ctx, handler.service.Confirm)
}

func (handler *httpHandler) handleRelease(ctx *gin.Context) {
	handler.handleSelectionUpdate(ctx, handler.service.Release)
}

func (handler *httpHandler) handleSelectionUpdate(ctx *gin.Context, operation func(context.Context, raffle.UserID, []string) ([]raffle.Ticket, error)) {
	claims := getClaims(ctx)
	if claims == nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
		return
	}
	var request selectionRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	userID, err := raffle.NewUserID(claims.GetUserID())
	if err != nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "invalid session subject"))
		return
	}
	updated, err := operation(ctx.Request.Context(), userID, request.Numbers)
	if err != nil {
		handler.respondServiceError(ctx, err)
		return
	}
	handler.respondTickets(ctx, updated)
}

func (handler *httpHandler) handleSetWinner(ctx *gin.Context) {
	claims := getClaims(ctx)
	if claims == nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
		return
	}
	if !handler.cfg.IsAdmin(claims.GetUserEmail()) {
		ctx.JSON(http.StatusForbidden, errorResponse("forbidden", "admin access required"))
		return
	}
	var request winnerRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	winner, err := handler.service.SetWinner(ctx.Request.Context(), request.Number)
	if err != nil {
		handler.respondServiceError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"winner": gin.H{
		"number": winner.WinningNumber,
		"name":   winner.WinnerName,
		"set_at": winner.SetAtUnixUTC,
	}})
}

// resolveBuyer prefers the registered profile for the display name and email
// denormalized onto tickets, falling back to the session claims.
func (handler *httpHandler) resolveBuyer(ctx context.Context, claims *sessionvalidator.Claims) (raffle.Buyer, error) {
	userID, err := raffle.NewUserID(claims.GetUserID())
	if err != nil {
		return raffle.Buyer{}, err
	}
	name := claims.GetUserDisplayName()
	email := claims.GetUserEmail()
	profile, err := handler.service.Profile(ctx, userID)
	if err == nil {
		name = profile.Name
		email = profile.Email
	} else if !errors.Is(err, raffle.ErrNoProfile) {
		return raffle.Buyer{}, err
	}
	return raffle.NewBuyer(userID, name, email)
}

func (handler *httpHandler) respondTickets(ctx *gin.Context, tickets []raffle.Ticket) {
	payload := make([]ticketPayload, 0, len(tickets))
	for _, ticket := range tickets {
		payload = append(payload, publicTicket(ticket))
	}
	ctx.JSON(http.StatusOK, gin.H{"tickets": payload})
}

func (handler *httpHandler) respondServiceError(ctx *gin.Context, err error) {
	var conflict raffle.ConflictError
	if errors.As(err, &conflict) {
		ctx.JSON(http.StatusConflict, gin.H{
			"error": gin.H{
				"code":    "conflict",
				"message": conflict.Error(),
				"number":  conflict.Number(),
				"status":  conflict.Status().String(),
			},
		})
		return
	}
	switch {
	case errors.Is(err, raffle.ErrTicketNotFound):
		ctx.JSON(http.StatusNotFound, errorResponse("not_found", "ticket not found"))
	case errors.Is(err, raffle.ErrNoWinner):
		ctx.JSON(http.StatusNotFound, errorResponse("no_winner", "winner not drawn yet"))
	case errors.Is(err, raffle.ErrNoProfile):
		ctx.JSON(http.StatusNotFound, errorResponse("no_profile", "profile not registered"))
	case errors.Is(err, raffle.ErrEmptySelection),
		errors.Is(err, raffle.ErrInvalidTicketNumber),
		errors.Is(err, raffle.ErrInvalidProfile),
		errors.Is(err, raffle.ErrInvalidContactMessage),
		errors.Is(err, raffle.ErrInvalidBuyer),
		errors.Is(err, raffle.ErrInvalidUserID):
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_request", err.Error()))
	default:
		handler.logger.Error("raffle operation failed", zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse("internal", "operation failed"))
	}
}

func getClaims(ctx *gin.Context) *sessionvalidator.Claims {
	claimsValue, ok := ctx.Get("auth_claims")
	if !ok {
		return nil
	}
	claims, _ := claimsValue.(*sessionvalidator.Claims)
	return claims
}

func errorResponse(code string, message string) gin.H {
	return gin.H{
		"error": gin.H{
			"code":    code,
			"message": message,
		},
	}
}

func publicTicket(ticket raffle.Ticket) ticketPayload {
	payload := ticketPayload{
		Number: ticket.Number.String(),
		Status: ticket.Status.String(),
	}
	if ticket.Status != raffle.StatusAvailable {
		payload.OwnerName = ticket.OwnerName
	}
	if ticket.Status == raffle.StatusPending {
		payload.ReservedAt = ticket.ReservedAtUnixUTC
	}
	return payload
}

type ticketPayload struct {
	Number     string `json:"number"`
	Status     string `json:"status"`
	OwnerName  string `json:"owner_name,omitempty"`
	ReservedAt int64  `json:"reserved_at,omitempty"`
}

type participantPayload struct {
	Name    string   `json:"name"`
	Numbers []string `json:"numbers"`
}

type profilePayload struct {
	Name       string `json:"name"`
	Email      string `json:"email"`
	GovID      string `json:"gov_id"`
	DOB        string `json:"dob"`
	Phone      string `json:"phone"`
	PostalCode string `json:"postal_code"`
	Address    string `json:"address"`
}

type selectionRequest struct {
	Numbers []string `json:"numbers"`
}

type contactRequest struct {
	Name    string `json:"name"`
	Email   string `json:"email"`
	Message string `json:"message"`
}

type winnerRequest struct {
	Number string `json:"number"`
}

package account

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/edgegate/authd/internal/directory"
	"github.com/edgegate/authd/internal/shared"
	"github.com/edgegate/authd/internal/token"
)

// Handler wires the HTTP boundary for the account workflows. It owns request
// mapping, validation, and the caller-identity gates; business rules live in
// the Service.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	issuer    *token.Issuer
	directory Directory
	validator *validator.Validate
}

// NewHandler constructs a Handler instance.
func NewHandler(logger *slog.Logger, service *Service, issuer *token.Issuer, dir Directory) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		logger:    logger,
		service:   service,
		issuer:    issuer,
		directory: dir,
		validator: validator.New(),
	}
}

// MountRoutes registers the account routes on the provided router.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/authenticate", h.handleAuthenticate)
	r.Post("/register", h.handleRegister)
	r.Group(func(r chi.Router) {
		r.Use(h.withIdentity)
		r.Use(requireAuth)
		r.Get("/authenticated", h.handleIntrospect)
		r.Delete("/delete", h.handleDeleteSelf)
		r.Put("/updateuser", h.handleUpdate)
		r.Get("/users", h.handleUsers)
		r.Put("/update_roles", h.handleUpdateRoles)
	})
}

type authenticateRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required,min=4"`
}

type registerRequest struct {
	Email       string `json:"email" validate:"required,email"`
	Username    string `json:"username" validate:"required,min=4"`
	Password    string `json:"password" validate:"required,min=4"`
	PhoneNumber string `json:"phoneNumber" validate:"required,e164"`
	Roles       int    `json:"roles" validate:"required"`
}

type updateRequest struct {
	ID              uuid.UUID `json:"id" validate:"required"`
	CurrentPassword *string   `json:"currentPassword"`
	Email           *string   `json:"email" validate:"omitempty,email"`
	Username        *string   `json:"username" validate:"omitempty,min=4"`
	NewPassword     *string   `json:"newPassword" validate:"omitempty,min=4"`
	PhoneNumber     *string   `json:"phoneNumber" validate:"omitempty,e164"`
	Roles           *int      `json:"roles"`
	Acknowledged    *bool     `json:"acknowledged"`
}

func (h *Handler) handleAuthenticate(w http.ResponseWriter, r *http.Request) {
	var req authenticateRequest
	if !h.decode(w, r, &req) {
		return
	}
	resp, err := h.service.Authenticate(r.Context(), req.Email, req.Password)
	if err != nil {
		h.internalError(w, "authenticate", err)
		return
	}
	if !resp.Success {
		writeProblem(w, http.StatusNotFound, resp.Details)
		return
	}
	writeJSON(w, http.StatusOK, resp.Result)
}

func (h *Handler) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if !h.decode(w, r, &req) {
		return
	}
	resp, err := h.service.Register(r.Context(), RegisterInput{
		Email:       req.Email,
		Username:    req.Username,
		Password:    req.Password,
		PhoneNumber: req.PhoneNumber,
		Roles:       directory.Role(req.Roles),
	})
	if err != nil {
		h.internalError(w, "register", err)
		return
	}
	if !resp.Success {
		writeJSON(w, http.StatusBadRequest, map[string]map[string][]string{
			"errors": {"email": {resp.Details}},
		})
		return
	}
	writeJSON(w, http.StatusOK, resp.Result)
}

func (h *Handler) handleIntrospect(w http.ResponseWriter, r *http.Request) {
	ident := shared.IdentityFromContext(r.Context())
	resp, err := h.service.Introspect(r.Context(), ident.UserID, ident.Token)
	if err != nil {
		h.internalError(w, "introspect", err)
		return
	}
	if !resp.Success {
		writeProblem(w, http.StatusNotFound, resp.Details)
		return
	}
	writeJSON(w, http.StatusOK, resp.Result)
}

func (h *Handler) handleDeleteSelf(w http.ResponseWriter, r *http.Request) {
	ident := shared.IdentityFromContext(r.Context())
	resp, err := h.service.Delete(r.Context(), ident.UserID)
	if err != nil {
		h.internalError(w, "delete", err)
		return
	}
	if !resp.Success {
		writeProblem(w, http.StatusNotFound, resp.Details)
		return
	}
	writeJSON(w, http.StatusOK, resp.Result)
}

func (h *Handler) handleUpdate(w http.ResponseWriter, r *http.Request) {
	var req updateRequest
	if !h.decode(w, r, &req) {
		return
	}
	ident := shared.IdentityFromContext(r.Context())
	isAdmin := directory.Role(ident.Roles).Has(directory.RoleAdmin)
	if ident.UserID != req.ID && !isAdmin {
		writeProblem(w, http.StatusUnauthorized, "Not authorised to update this user.")
		return
	}

	input := UpdateInput{
		ID:              req.ID,
		CurrentPassword: req.CurrentPassword,
		Email:           req.Email,
		Username:        req.Username,
		NewPassword:     req.NewPassword,
		PhoneNumber:     req.PhoneNumber,
		Acknowledged:    req.Acknowledged,
	}
	if req.Roles != nil {
		roles := directory.Role(*req.Roles)
		input.Roles = &roles
	}

	var resp AuthResponse
	var err error
	if isAdmin {
		resp, err = h.service.UpdateAsAdmin(r.Context(), input)
	} else {
		resp, err = h.service.Update(r.Context(), input)
	}
	if err != nil {
		h.internalError(w, "update", err)
		return
	}
	if !resp.Success {
		writeProblem(w, http.StatusNotFound, resp.Details)
		return
	}
	writeJSON(w, http.StatusOK, resp.Result)
}

func (h *Handler) handleUsers(w http.ResponseWriter, r *http.Request) {
	ident := shared.IdentityFromContext(r.Context())
	roles := directory.Role(ident.Roles)
	if !roles.Has(directory.RoleAdmin) {
		writeProblem(w, http.StatusUnauthorized, "Not authorised to get users as: "+roles.String()+".")
		return
	}
	profiles, err := h.service.Users(r.Context())
	if err != nil {
		h.logger.Warn("list users", slog.Any("error", err))
		writeProblem(w, http.StatusServiceUnavailable, detailUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, profiles)
}

// handleUpdateRoles is a deliberate stub: the admin gate runs, then the
// endpoint reports not-found regardless. Role changes currently go through
// the admin update path instead.
func (h *Handler) handleUpdateRoles(w http.ResponseWriter, r *http.Request) {
	ident := shared.IdentityFromContext(r.Context())
	if !directory.Role(ident.Roles).Has(directory.RoleAdmin) {
		writeProblem(w, http.StatusUnauthorized, "Not authorised to update roles.")
		return
	}
	w.WriteHeader(http.StatusNotFound)
}

// decode parses and validates a JSON request body, writing the error
// response itself. It reports whether the handler should proceed.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeProblem(w, http.StatusBadRequest, "Request body is not valid JSON.")
		return false
	}
	if err := h.validator.Struct(dst); err != nil {
		fields := make(map[string][]string)
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			for _, fieldErr := range verrs {
				fields[fieldErr.Field()] = append(fields[fieldErr.Field()], fieldErr.Error())
			}
		} else {
			fields["request"] = []string{err.Error()}
		}
		writeJSON(w, http.StatusBadRequest, map[string]map[string][]string{"errors": fields})
		return false
	}
	return true
}

func (h *Handler) internalError(w http.ResponseWriter, op string, err error) {
	h.logger.Error(op, slog.Any("error", err))
	writeProblem(w, http.StatusInternalServerError, http.StatusText(http.StatusInternalServerError))
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeProblem(w http.ResponseWriter, status int, title string) {
	writeJSON(w, status, map[string]string{"title": title})
}

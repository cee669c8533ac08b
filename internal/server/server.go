package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"

	"claimledger/internal/audit"
	"claimledger/internal/breaker"
	"claimledger/internal/domain"
	"claimledger/internal/engine"
	"claimledger/internal/money"
	"claimledger/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"insufficient_unpaid_reserve"`
	Message string         `json:"message" example:"INDEMNITY has 400.00 available, 500.00 requested"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

type requestKey struct{}
type bodyBytesKey struct{}

// apiError models the error envelope.
type apiError struct {
	status  int
	headers http.Header
	Body    apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int          { return e.status }
func (e *apiError) Error() string           { return e.Body.Message }
func (e *apiError) GetHeaders() http.Header { return e.headers }

type output[T any] struct {
	Body T `json:"body"`
}

func reply[T any](v T) *output[T] { return &output[T]{Body: v} }

// auditLogOutput carries the entity's full entry count when the query names one.
type auditLogOutput struct {
	Total string `header:"X-Total-Count"`
	Body  []domain.AuditEntry
}

// New returns an HTTP handler exposing the ledger API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v1"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity {
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			bodyBytes, _ := io.ReadAll(r.Body)
			r.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
			ctx := context.WithValue(r.Context(), requestKey{}, r)
			ctx = context.WithValue(ctx, bodyBytesKey{}, bodyBytes)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	router.Handle("/metrics", promhttp.Handler())
	hcfg := huma.DefaultConfig("Claims Ledger API", "1.0.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerClaims(group, cfg.Engine)
	registerOverrides(group, cfg.Engine)
	registerReserves(group, cfg.Engine)
	registerPayments(group, cfg.Engine)
	registerSettlements(group, cfg.Engine)
	registerAudit(group, cfg.Engine)
	registerBreakers(group, cfg.Engine)
	registerMe(group)
	if cfg.Auth.DevLogin {
		registerDevAuth(group, cfg.Auth)
	}
	registerOpenAPI(router, api, basePath)

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

var errorCodes = []struct {
	err  error
	code string
}{
	{engine.ErrInvalidOverrideField, "invalid_override_field"},
	{engine.ErrInvalidSettlementPercent, "invalid_settlement_percent"},
	{engine.ErrInvalidInterestRate, "invalid_interest_rate"},
	{engine.ErrInvalidSettlementDate, "invalid_settlement_date"},
	{engine.ErrInvalidAmount, "invalid_amount"},
	{engine.ErrInvalidLineType, "invalid_line_type"},
	{engine.ErrInvalidMethod, "invalid_method"},
	{engine.ErrCurrencyMismatch, "currency_mismatch"},
	{engine.ErrActorRequired, "actor_required"},
	{engine.ErrPayeeRequired, "payee_required"},
	{engine.ErrInvalidStatus, "invalid_status"},
	{engine.ErrRequiredField, "required_field"},
	{engine.ErrClaimTerminalState, "claim_terminal_state"},
	{engine.ErrVoidWindowExpired, "void_window_expired"},
	{engine.ErrReserveCeilingExceeded, "reserve_ceiling_exceeded"},
	{engine.ErrInsufficientUnpaidReserve, "insufficient_unpaid_reserve"},
	{engine.ErrPaymentMethodNotAllowed, "payment_method_not_allowed"},
	{engine.ErrInvalidPaymentState, "invalid_payment_state"},
	{engine.ErrPolicyNotActive, "policy_not_active"},
	{engine.ErrPendingPaymentsExist, "pending_payments_exist"},
	{engine.ErrOverrideNotFound, "override_not_found"},
	{engine.ErrInvalidStatusTransition, "invalid_status_transition"},
	{engine.ErrPaymentRejected, "payment_rejected"},
	{engine.ErrDisbursementInFlight, "disbursement_in_flight"},
}

func errorCode(err error, fallback string) string {
	for _, c := range errorCodes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return fallback
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var se huma.StatusError
	if errors.As(err, &se) {
		return se
	}
	var ve *engine.ValidationError
	if errors.As(err, &ve) {
		return newAPIError(http.StatusBadRequest, errorCode(err, "bad_request"), err.Error(), nil)
	}
	var ce *engine.ConflictError
	if errors.As(err, &ce) {
		return newAPIError(http.StatusConflict, errorCode(err, "conflict"), err.Error(), ce.State)
	}
	var de *engine.DegradedError
	if errors.As(err, &de) {
		retry := int(math.Ceil(de.RetryAfter.Seconds()))
		if retry < 1 {
			retry = 1
		}
		return &apiError{
			status:  http.StatusServiceUnavailable,
			headers: http.Header{"Retry-After": []string{strconv.Itoa(retry)}},
			Body: apiErrorBody{
				Code:    "service_degraded",
				Message: fmt.Sprintf("%s is unavailable", de.Resource),
				Details: map[string]any{"resource": de.Resource, "retry_after_seconds": retry},
			},
		}
	}
	var ie *engine.InvariantError
	if errors.As(err, &ie) {
		return newAPIError(http.StatusInternalServerError, "invariant_violation", "ledger invariant violation", map[string]any{"invariant": ie.Invariant})
	}
	if errors.Is(err, repo.ErrNotFound) || errors.Is(err, breaker.ErrUnknownBreaker) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return newAPIError(http.StatusServiceUnavailable, "canceled", err.Error(), nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusServiceUnavailable:
		return "service_degraded"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func badRequest(msg string) huma.StatusError {
	return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	for _, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if op.Responses == nil {
				op.Responses = map[string]*huma.Response{}
			}
			op.Responses["default"] = &huma.Response{
				Description: "Error",
				Content: map[string]*huma.MediaType{
					"application/json": {
						Schema: &huma.Schema{Ref: "#/components/schemas/ApiError"},
					},
				},
			}
		}
	}
}

func applyAuthSecurity(oas *huma.OpenAPI, basePath string) {
	if oas == nil {
		return
	}
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{
		Type:         "http",
		Scheme:       "bearer",
		BearerFormat: "JWT",
	}
	security := []map[string][]string{{"bearerAuth": {}}}
	oas.Security = security
	public := map[string]bool{
		path.Join("/", basePath, "health"):         true,
		path.Join("/", basePath, "auth/dev/login"): true,
	}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if public[route] {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
		}
	}
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Claims Ledger API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({
          url: '%s',
          dom_id: '#swagger-ui'
        });
      };
    </script>
    <p style="padding: 1rem; font-family: sans-serif; color: #444;">
      Authenticate with Authorization: Bearer &lt;token&gt;.
    </p>
  </body>
</html>`, specURL)
}

var writeErrors = []int{
	http.StatusBadRequest,
	http.StatusUnauthorized,
	http.StatusNotFound,
	http.StatusConflict,
	http.StatusServiceUnavailable,
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*output[map[string]string], error) {
		return reply(map[string]string{"status": "ok"}), nil
	})
}

type claimPath struct {
	ClaimNumber string `path:"claim_number"`
}

func registerClaims(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "open-claim",
		Method:        http.MethodPost,
		Path:          "/claims",
		Summary:       "Open a claim against an active policy",
		DefaultStatus: http.StatusCreated,
		Errors:        writeErrors,
	}, func(ctx context.Context, input *struct {
		Body OpenClaimRequest `json:"body"`
	}) (*output[domain.Claim], error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if strings.TrimSpace(input.Body.PolicyNumber) == "" {
			return nil, badRequest("policy_number is required")
		}
		opts := engine.OpenClaimOptions{
			PolicyNumber: input.Body.PolicyNumber,
			LossType:     input.Body.LossType,
			Description:  input.Body.Description,
		}
		if input.Body.LossDate != nil {
			opts.LossDate = *input.Body.LossDate
		}
		if input.Body.ReserveCeiling != nil || len(input.Body.LineCeilings) > 0 {
			currency, err := policyCurrency(ctx, e, input.Body.PolicyNumber)
			if err != nil {
				return nil, handleError(err)
			}
			ceiling, lines, perr := parseCeilings(input.Body.ReserveCeiling, input.Body.LineCeilings, currency)
			if perr != nil {
				return nil, perr
			}
			opts.ReserveCeiling = ceiling
			opts.LineCeilings = lines
		}
		c, err := e.OpenClaim(ctx, opts, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(c), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-claims",
		Method:      http.MethodGet,
		Path:        "/claims",
		Summary:     "List claims",
		Errors:      []int{http.StatusBadRequest, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *struct {
		PolicyNumber string `query:"policy_number"`
		Status       string `query:"status"`
		Limit        int    `query:"limit"`
	}) (*output[[]domain.Claim], error) {
		items, err := e.ListClaims(ctx, repo.ClaimFilters{
			PolicyNumber: input.PolicyNumber,
			Status:       domain.ClaimStatus(input.Status),
			Limit:        normalizeLimit(input.Limit),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return reply(nonNilSlice(items)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-claim",
		Method:      http.MethodGet,
		Path:        "/claims/{claim_number}",
		Summary:     "Get claim",
		Errors:      []int{http.StatusNotFound, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *claimPath) (*output[domain.Claim], error) {
		c, err := e.GetClaim(ctx, input.ClaimNumber)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(c), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-claim-status",
		Method:      http.MethodPost,
		Path:        "/claims/{claim_number}/status",
		Summary:     "Move a claim to another status",
		Errors:      writeErrors,
	}, func(ctx context.Context, input *struct {
		ClaimNumber string             `path:"claim_number"`
		Body        ClaimStatusRequest `json:"body"`
	}) (*output[domain.Claim], error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		c, err := e.SetClaimStatus(ctx, input.ClaimNumber, domain.ClaimStatus(input.Body.Status), input.Body.Reason, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(c), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "resync-claim-policy",
		Method:      http.MethodPost,
		Path:        "/claims/{claim_number}/resync",
		Summary:     "Refresh the claim's policy snapshot",
		Errors:      writeErrors,
	}, func(ctx context.Context, input *claimPath) (*output[domain.Claim], error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		c, err := e.ResyncPolicy(ctx, input.ClaimNumber, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(c), nil
	})
}

func registerOverrides(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "effective-policy",
		Method:      http.MethodGet,
		Path:        "/claims/{claim_number}/policy",
		Summary:     "Policy as seen through the claim",
		Errors:      []int{http.StatusNotFound, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *claimPath) (*output[engine.EffectivePolicyView], error) {
		v, err := e.EffectivePolicy(ctx, input.ClaimNumber)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(v), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "apply-override",
		Method:      http.MethodPut,
		Path:        "/claims/{claim_number}/overrides/{field}",
		Summary:     "Override a policy field for this claim",
		Errors:      writeErrors,
	}, func(ctx context.Context, input *struct {
		ClaimNumber string          `path:"claim_number"`
		Field       string          `path:"field"`
		Body        OverrideRequest `json:"body"`
	}) (*output[engine.EffectivePolicyView], error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		v, err := e.ApplyOverride(ctx, input.ClaimNumber, input.Field, input.Body.Value, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(v), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "revert-override",
		Method:      http.MethodDelete,
		Path:        "/claims/{claim_number}/overrides/{field}",
		Summary:     "Remove a claim override",
		Errors:      writeErrors,
	}, func(ctx context.Context, input *struct {
		ClaimNumber string `path:"claim_number"`
		Field       string `path:"field"`
	}) (*output[engine.EffectivePolicyView], error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		v, err := e.RevertOverride(ctx, input.ClaimNumber, input.Field, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(v), nil
	})
}

func registerReserves(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-reserves",
		Method:      http.MethodGet,
		Path:        "/claims/{claim_number}/reserves",
		Summary:     "Reserve lines of a claim",
		Errors:      []int{http.StatusNotFound, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *claimPath) (*output[[]domain.ReserveLine], error) {
		lines, err := e.ReserveLines(ctx, input.ClaimNumber)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(nonNilSlice(lines)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "allocate-reserve",
		Method:      http.MethodPost,
		Path:        "/claims/{claim_number}/reserves",
		Summary:     "Allocate reserve to a line",
		Errors:      writeErrors,
	}, func(ctx context.Context, input *struct {
		ClaimNumber string          `path:"claim_number"`
		Body        AllocateRequest `json:"body"`
	}) (*output[domain.ReserveLine], error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		amount, err := claimAmount(ctx, e, input.ClaimNumber, input.Body.Amount)
		if err != nil {
			return nil, err
		}
		l, aerr := e.Allocate(ctx, input.ClaimNumber, domain.LineType(input.Body.LineType), amount, actor)
		if aerr != nil {
			return nil, handleError(aerr)
		}
		return reply(l), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reallocate-reserve",
		Method:      http.MethodPost,
		Path:        "/claims/{claim_number}/reserves/reallocate",
		Summary:     "Move reserve between lines",
		Errors:      writeErrors,
	}, func(ctx context.Context, input *struct {
		ClaimNumber string            `path:"claim_number"`
		Body        ReallocateRequest `json:"body"`
	}) (*output[engine.ReallocationResult], error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		amount, err := claimAmount(ctx, e, input.ClaimNumber, input.Body.Amount)
		if err != nil {
			return nil, err
		}
		res, rerr := e.Reallocate(ctx, input.ClaimNumber, domain.LineType(input.Body.From), domain.LineType(input.Body.To), amount, actor)
		if rerr != nil {
			return nil, handleError(rerr)
		}
		return reply(res), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-reserve-ceiling",
		Method:      http.MethodPut,
		Path:        "/claims/{claim_number}/reserves/ceiling",
		Summary:     "Replace the claim's reserve ceilings",
		Errors:      writeErrors,
	}, func(ctx context.Context, input *struct {
		ClaimNumber string         `path:"claim_number"`
		Body        CeilingRequest `json:"body"`
	}) (*output[domain.Claim], error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		c, err := e.GetClaim(ctx, input.ClaimNumber)
		if err != nil {
			return nil, handleError(err)
		}
		ceiling, lines, perr := parseCeilings(input.Body.ReserveCeiling, input.Body.LineCeilings, c.Currency)
		if perr != nil {
			return nil, perr
		}
		c, err = e.SetReserveCeiling(ctx, input.ClaimNumber, ceiling, lines, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(c), nil
	})
}

type paymentPath struct {
	PaymentID string `path:"payment_id"`
}

func registerPayments(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-payment",
		Method:        http.MethodPost,
		Path:          "/claims/{claim_number}/payments",
		Summary:       "Create a pending payment against a reserve line",
		DefaultStatus: http.StatusCreated,
		Errors:        writeErrors,
	}, func(ctx context.Context, input *struct {
		ClaimNumber string               `path:"claim_number"`
		Body        CreatePaymentRequest `json:"body"`
	}) (*output[domain.Payment], error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		amount, err := claimAmount(ctx, e, input.ClaimNumber, input.Body.Amount)
		if err != nil {
			return nil, err
		}
		p, perr := e.CreatePayment(ctx, engine.CreatePaymentOptions{
			ClaimNumber: input.ClaimNumber,
			Line:        domain.LineType(input.Body.LineType),
			Amount:      amount,
			Method:      domain.PaymentMethod(input.Body.Method),
			Payee:       input.Body.Payee,
			Memo:        input.Body.Memo,
		}, actor)
		if perr != nil {
			return nil, handleError(perr)
		}
		return reply(p), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-payments",
		Method:      http.MethodGet,
		Path:        "/claims/{claim_number}/payments",
		Summary:     "Payments of a claim",
		Errors:      []int{http.StatusNotFound, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *claimPath) (*output[[]domain.Payment], error) {
		items, err := e.Payments(ctx, input.ClaimNumber)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(nonNilSlice(items)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-payment",
		Method:      http.MethodGet,
		Path:        "/payments/{payment_id}",
		Summary:     "Get payment",
		Errors:      []int{http.StatusNotFound, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *paymentPath) (*output[domain.Payment], error) {
		p, err := e.Payment(ctx, input.PaymentID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(p), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "settle-payment",
		Method:      http.MethodPost,
		Path:        "/payments/{payment_id}/settle",
		Summary:     "Disburse a pending payment and mark it settled",
		Errors:      writeErrors,
	}, func(ctx context.Context, input *paymentPath) (*output[domain.Payment], error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := e.Settle(ctx, input.PaymentID, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(p), nil
	})

	for _, op := range []struct {
		id, path, summary string
		fn                func(context.Context, string, string, domain.Actor) (domain.Payment, error)
	}{
		{"void-payment", "/payments/{payment_id}/void", "Void a payment inside its void window", e.Void},
		{"reverse-payment", "/payments/{payment_id}/reverse", "Reverse a settled payment", e.Reverse},
	} {
		fn := op.fn
		huma.Register(api, huma.Operation{
			OperationID: op.id,
			Method:      http.MethodPost,
			Path:        op.path,
			Summary:     op.summary,
			Errors:      writeErrors,
		}, func(ctx context.Context, input *struct {
			PaymentID string       `path:"payment_id"`
			Body      *VoidRequest `json:"body,omitempty" required:"false"`
		}) (*output[domain.Payment], error) {
			actor, authErr := actorFromContext(ctx)
			if authErr != nil {
				return nil, authErr
			}
			reason := ""
			if input.Body != nil {
				reason = input.Body.Reason
			}
			p, err := fn(ctx, input.PaymentID, reason, actor)
			if err != nil {
				return nil, handleError(err)
			}
			return reply(p), nil
		})
	}
}

func registerSettlements(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "quote-settlement",
		Method:      http.MethodPost,
		Path:        "/claims/{claim_number}/settlement/quote",
		Summary:     "Compute a settlement without recording it",
		Errors:      writeErrors,
	}, func(ctx context.Context, input *struct {
		ClaimNumber string            `path:"claim_number"`
		Body        SettlementRequest `json:"body"`
	}) (*output[SettlementPaymentResponse], error) {
		terms, perr := settlementTerms(input.Body)
		if perr != nil {
			return nil, perr
		}
		res, err := e.QuoteSettlement(ctx, input.ClaimNumber, terms)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(SettlementPaymentResponse{Settlement: res}), nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "pay-settlement",
		Method:        http.MethodPost,
		Path:          "/claims/{claim_number}/settlement/pay",
		Summary:       "Record a settlement as pending payments against the indemnity-type lines",
		DefaultStatus: http.StatusCreated,
		Errors:        writeErrors,
	}, func(ctx context.Context, input *struct {
		ClaimNumber string               `path:"claim_number"`
		Body        PaySettlementRequest `json:"body"`
	}) (*output[SettlementPaymentResponse], error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		terms, perr := settlementTerms(input.Body.SettlementRequest)
		if perr != nil {
			return nil, perr
		}
		payments, res, err := e.PaySettlement(ctx, input.ClaimNumber, terms, domain.PaymentMethod(input.Body.Method), input.Body.Payee, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(SettlementPaymentResponse{Payments: payments, Settlement: res}), nil
	})
}

func registerAudit(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "audit-log",
		Method:      http.MethodGet,
		Path:        "/audit",
		Summary:     "Audit entries in sequence order",
		Errors:      []int{http.StatusBadRequest, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *struct {
		EntityType string `query:"entity_type"`
		EntityID   string `query:"entity_id"`
		Operation  string `query:"operation"`
		AfterSeq   int64  `query:"after_seq"`
		Limit      int    `query:"limit"`
	}) (*auditLogOutput, error) {
		items, err := e.AuditLog(ctx, audit.Filter{
			EntityType: domain.EntityType(input.EntityType),
			EntityID:   input.EntityID,
			Operation:  domain.Operation(input.Operation),
			AfterSeq:   input.AfterSeq,
			Limit:      normalizeLimit(input.Limit),
		})
		if err != nil {
			return nil, handleError(err)
		}
		out := &auditLogOutput{Body: nonNilSlice(items)}
		if input.EntityID != "" {
			n, err := e.AuditCount(ctx, domain.EntityType(input.EntityType), input.EntityID)
			if err != nil {
				return nil, handleError(err)
			}
			out.Total = strconv.Itoa(n)
		}
		return out, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "audit-verify",
		Method:      http.MethodGet,
		Path:        "/audit/verify",
		Summary:     "Verify the audit hash chain",
		Errors:      []int{http.StatusServiceUnavailable},
	}, func(ctx context.Context, _ *struct{}) (*output[audit.VerifyReport], error) {
		report, err := e.VerifyAudit(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(report), nil
	})
}

func registerBreakers(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-breakers",
		Method:      http.MethodGet,
		Path:        "/breakers",
		Summary:     "Circuit breaker states",
	}, func(ctx context.Context, _ *struct{}) (*output[[]BreakerResponse], error) {
		if e.Breakers == nil {
			return reply([]BreakerResponse{}), nil
		}
		return reply(mapBreakers(e.Breakers.List())), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reset-breaker",
		Method:      http.MethodPost,
		Path:        "/breakers/{name}/reset",
		Summary:     "Force a breaker closed",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Name string `path:"name"`
	}) (*output[BreakerResponse], error) {
		if err := requireRole(ctx, operatorRoles...); err != nil {
			return nil, err
		}
		if e.Breakers == nil {
			return nil, handleError(breaker.ErrUnknownBreaker)
		}
		snap, err := e.Breakers.Reset(input.Name)
		if err != nil {
			return nil, handleError(err)
		}
		if p, ok := principalFromContext(ctx); ok && e.Logger != nil {
			e.Logger.Printf("WARNING: breaker: %s reset by %s", input.Name, p.ActorID)
		}
		return reply(breakerResponse(snap)), nil
	})
}

func registerMe(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current principal",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*output[WhoAmIResponse], error) {
		p, ok := principalFromContext(ctx)
		if !ok {
			return nil, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
		}
		return reply(WhoAmIResponse{ActorID: p.ActorID, Role: p.Role, Source: p.Source}), nil
	})
}

func registerDevAuth(api huma.API, authCfg AuthConfig) {
	huma.Register(api, huma.Operation{
		OperationID: "dev-login",
		Method:      http.MethodPost,
		Path:        "/auth/dev/login",
		Summary:     "DEV ONLY: mint a JWT for local testing",
		Errors:      []int{http.StatusBadRequest, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Body DevLoginRequest `json:"body"`
	}) (*output[DevLoginResponse], error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, badRequest("body required")
		}
		actor := strings.TrimSpace(input.Body.ActorID)
		if actor == "" {
			return nil, badRequest("actor_id is required")
		}
		token, err := SignToken(authCfg.JWTSecret, domain.Actor{ID: actor, Role: input.Body.Role}, 12*time.Hour)
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "internal_error", err.Error(), nil)
		}
		return reply(DevLoginResponse{Token: token}), nil
	})
}

func bodyBytes(ctx context.Context) []byte {
	if buf, ok := ctx.Value(bodyBytesKey{}).([]byte); ok {
		return buf
	}
	req, ok := ctx.Value(requestKey{}).(*http.Request)
	if !ok || req == nil {
		return nil
	}
	data, _ := io.ReadAll(req.Body)
	return data
}

func normalizeLimit(in int) int {
	if in <= 0 {
		return 50
	}
	if in > 500 {
		return 500
	}
	return in
}

// parseAmount reads a decimal string without rounding; the engine enforces
// the currency's precision.
func parseAmount(s, currency string) (money.Amount, huma.StatusError) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return money.Amount{}, newAPIError(http.StatusBadRequest, "invalid_amount", fmt.Sprintf("invalid amount %q", s), nil)
	}
	return money.New(d, currency), nil
}

func claimAmount(ctx context.Context, e engine.Engine, claimNumber, s string) (money.Amount, huma.StatusError) {
	c, err := e.GetClaim(ctx, claimNumber)
	if err != nil {
		return money.Amount{}, handleError(err)
	}
	return parseAmount(s, c.Currency)
}

func policyCurrency(ctx context.Context, e engine.Engine, number string) (string, error) {
	if e.Policies == nil {
		return e.Config.Ledger.Currency, nil
	}
	p, err := e.Policies.GetPolicy(ctx, number)
	if err != nil {
		return "", fmt.Errorf("policy %s: %w", number, err)
	}
	return p.Currency, nil
}

func parseCeilings(ceiling *string, lines map[string]string, currency string) (*money.Amount, map[domain.LineType]money.Amount, huma.StatusError) {
	var out *money.Amount
	if ceiling != nil && strings.TrimSpace(*ceiling) != "" {
		amt, err := parseAmount(*ceiling, currency)
		if err != nil {
			return nil, nil, err
		}
		out = &amt
	}
	var lc map[domain.LineType]money.Amount
	if len(lines) > 0 {
		lc = make(map[domain.LineType]money.Amount, len(lines))
		for line, v := range lines {
			amt, err := parseAmount(v, currency)
			if err != nil {
				return nil, nil, err
			}
			lc[domain.LineType(line)] = amt
		}
	}
	return out, lc, nil
}

func settlementTerms(req SettlementRequest) (engine.SettlementTerms, huma.StatusError) {
	var terms engine.SettlementTerms
	var err error
	if terms.Percent, err = decimal.NewFromString(strings.TrimSpace(req.Percent)); err != nil {
		return terms, newAPIError(http.StatusBadRequest, "invalid_settlement_percent", fmt.Sprintf("invalid percent %q", req.Percent), nil)
	}
	rate := strings.TrimSpace(req.InterestRate)
	if rate == "" {
		rate = "0"
	}
	if terms.Rate, err = decimal.NewFromString(rate); err != nil {
		return terms, newAPIError(http.StatusBadRequest, "invalid_interest_rate", fmt.Sprintf("invalid interest rate %q", req.InterestRate), nil)
	}
	if req.AsOf != nil {
		terms.AsOf = *req.AsOf
	}
	return terms, nil
}

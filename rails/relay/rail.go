package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	stdsync "sync"
	"time"

	"github.com/data-steve/rowcol-sync/models"
	"github.com/data-steve/rowcol-sync/sync"
	"github.com/shopspring/decimal"
)

const RailName = "relay"

// Rail is the payment execution side: approved payables are pushed out as
// payment orders, and settled payments are read back so the mirror reflects
// what actually moved.
//
// Clients are held per (tenant, credential) so fetch pages and pushes over
// the same connection share one limiter budget.
type Rail struct {
	mu      stdsync.Mutex
	clients map[string]*sync.RateLimitedClient
}

func New() *Rail {
	return &Rail{clients: make(map[string]*sync.RateLimitedClient)}
}

func (r *Rail) Name() string { return RailName }

func (r *Rail) Capabilities() sync.Capabilities {
	return sync.Capabilities{Read: true, Push: true, Incremental: true}
}

func (r *Rail) EntityTypes() []string {
	return []string{models.EntityTypePayment, models.EntityTypeBalance}
}

type relayListResponse struct {
	Items      []json.RawMessage `json:"items"`
	NextCursor string            `json:"next_cursor"`
	HasMore    bool              `json:"has_more"`
}

type relayPayment struct {
	ID          string      `json:"id"`
	Amount      json.Number `json:"amount"`
	Currency    string      `json:"currency"`
	Status      string      `json:"status"`
	PayeeName   string      `json:"payee_name"`
	PayeeId     string      `json:"payee_id"`
	Description string      `json:"description"`
	SentAt      string      `json:"sent_at"`
	UpdatedAt   string      `json:"updated_at"`
}

type relayAccount struct {
	ID        string      `json:"id"`
	Name      string      `json:"name"`
	Balance   json.Number `json:"balance"`
	Currency  string      `json:"currency"`
	UpdatedAt string      `json:"updated_at"`
}

type paymentOrder struct {
	Amount      string `json:"amount"`
	Currency    string `json:"currency"`
	PayeeName   string `json:"payee_name"`
	PayeeId     string `json:"payee_id"`
	Description string `json:"description"`
	Reference   string `json:"reference"`
}

func (r *Rail) client(conn *models.RailConnection) (*sync.RateLimitedClient, error) {
	if strings.TrimSpace(conn.AuthSecretRef) == "" {
		return nil, &sync.FatalSyncError{Op: "relay client", Err: errors.New("connection has no credential")}
	}

	key := conn.TenantId + "|" + conn.AuthSecretRef
	r.mu.Lock()
	defer r.mu.Unlock()
	if client, ok := r.clients[key]; ok {
		return client, nil
	}

	baseURL := strings.TrimSpace(os.Getenv("RELAY_API_BASE_URL"))
	if baseURL == "" {
		baseURL = "https://api.relayfi.com"
	}
	client, err := sync.NewRateLimitedClient(sync.ClientOptions{
		Rail:       RailName,
		BaseURL:    baseURL,
		AuthHeader: "X-API-Key",
		AuthValue:  conn.AuthSecretRef,
	})
	if err != nil {
		return nil, err
	}
	r.clients[key] = client
	return client, nil
}

func entityPath(entityType string) (string, error) {
	switch entityType {
	case models.EntityTypePayment:
		return "/v1/payments", nil
	case models.EntityTypeBalance:
		return "/v1/accounts", nil
	default:
		return "", fmt.Errorf("unknown entity type %q", entityType)
	}
}

func (r *Rail) Fetch(ctx context.Context, conn *models.RailConnection, req sync.FetchRequest) (*sync.RailPage, error) {
	path, err := entityPath(req.EntityType)
	if err != nil {
		return nil, &sync.FatalSyncError{Op: "relay fetch", Err: err}
	}
	client, err := r.client(conn)
	if err != nil {
		return nil, err
	}

	params := url.Values{}
	if req.Cursor != "" {
		params.Set("cursor", req.Cursor)
	}
	if req.UpdatedSince != nil {
		params.Set("updated_since", req.UpdatedSince.UTC().Format(time.RFC3339))
	}
	if req.PageSize > 0 {
		params.Set("limit", strconv.Itoa(req.PageSize))
	}

	body, err := client.GetJSON(ctx, path, params)
	if err != nil {
		return nil, err
	}

	var parsed relayListResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, &sync.TransientSyncError{Op: "relay fetch", Err: err}
	}

	page := &sync.RailPage{
		Records:    make([]sync.RailRecord, 0, len(parsed.Items)),
		NextCursor: parsed.NextCursor,
		HasMore:    parsed.HasMore,
	}
	for _, raw := range parsed.Items {
		var peek struct {
			UpdatedAt string `json:"updated_at"`
		}
		_ = json.Unmarshal(raw, &peek)
		page.Records = append(page.Records, sync.RailRecord{Raw: raw, Cursor: peek.UpdatedAt})
	}
	return page, nil
}

// recordId pulls just the id so a record that fails full decoding still gets
// attributed in its mapping error and sync_record_errors row.
func recordId(raw json.RawMessage) string {
	var peek struct {
		ID string `json:"id"`
	}
	_ = json.Unmarshal(raw, &peek)
	return peek.ID
}

func (r *Rail) Map(entityType string, raw json.RawMessage) (*models.CanonicalEntity, error) {
	switch entityType {
	case models.EntityTypePayment:
		return mapPayment(raw)
	case models.EntityTypeBalance:
		return mapAccount(raw)
	default:
		return nil, &sync.MappingError{Err: fmt.Errorf("unknown entity type %q", entityType)}
	}
}

func mapPayment(raw json.RawMessage) (*models.CanonicalEntity, error) {
	var payment relayPayment
	if err := json.Unmarshal(raw, &payment); err != nil {
		return nil, &sync.MappingError{ExternalId: recordId(raw), Err: err}
	}
	if payment.ID == "" {
		return nil, &sync.MappingError{Err: errors.New("payment has no id")}
	}
	amount, err := parseAmount(payment.Amount)
	if err != nil {
		return nil, &sync.MappingError{ExternalId: payment.ID, Err: err}
	}

	return &models.CanonicalEntity{
		EntityType:             models.EntityTypePayment,
		ExternalId:             payment.ID,
		Amount:                 amount,
		Currency:               currencyOrDefault(payment.Currency),
		IssuedAt:               parseTimestamp(payment.SentAt),
		Status:                 payment.Status,
		Counterparty:           payment.PayeeName,
		CounterpartyExternalId: payment.PayeeId,
		Memo:                   payment.Description,
		SourceUpdatedAt:        parseTimestamp(payment.UpdatedAt),
	}, nil
}

func mapAccount(raw json.RawMessage) (*models.CanonicalEntity, error) {
	var account relayAccount
	if err := json.Unmarshal(raw, &account); err != nil {
		return nil, &sync.MappingError{ExternalId: recordId(raw), Err: err}
	}
	if account.ID == "" {
		return nil, &sync.MappingError{Err: errors.New("account has no id")}
	}
	amount, err := parseAmount(account.Balance)
	if err != nil {
		return nil, &sync.MappingError{ExternalId: account.ID, Err: err}
	}

	return &models.CanonicalEntity{
		EntityType:      models.EntityTypeBalance,
		ExternalId:      account.ID,
		Amount:          amount,
		Currency:        currencyOrDefault(account.Currency),
		Status:          "active",
		Counterparty:    account.Name,
		SourceUpdatedAt: parseTimestamp(account.UpdatedAt),
	}, nil
}

// Push submits one approved payable as a payment order. The mirror row's
// primary key rides along as the order reference, which is what makes a
// repeated push of the same payable safe to detect on the rail side.
func (r *Rail) Push(ctx context.Context, conn *models.RailConnection, ent *models.CanonicalEntity) (string, error) {
	client, err := r.client(conn)
	if err != nil {
		return "", err
	}

	order := paymentOrder{
		Amount:      ent.Amount.String(),
		Currency:    currencyOrDefault(ent.Currency),
		PayeeName:   ent.Counterparty,
		PayeeId:     ent.CounterpartyExternalId,
		Description: ent.Memo,
		Reference:   fmt.Sprintf("%s:%s", ent.EntityType, ent.ExternalId),
	}
	payload, err := json.Marshal(order)
	if err != nil {
		return "", &sync.MappingError{ExternalId: ent.ExternalId, Err: err}
	}

	body, err := client.PostJSON(ctx, "/v1/payments", payload)
	if err != nil {
		return "", err
	}

	var created relayPayment
	if err := json.Unmarshal(body, &created); err != nil {
		return "", &sync.TransientSyncError{Op: "relay push", Err: err}
	}
	if created.ID == "" {
		return "", &sync.TransientSyncError{Op: "relay push", Err: errors.New("rail returned no payment id")}
	}
	return created.ID, nil
}

func parseAmount(value json.Number) (decimal.Decimal, error) {
	if value == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(string(value))
}

func currencyOrDefault(currency string) string {
	if currency != "" {
		return currency
	}
	return "USD"
}

func parseTimestamp(value string) *time.Time {
	if value == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return nil
	}
	return &t
}

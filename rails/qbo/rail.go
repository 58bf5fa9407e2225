package qbo

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

const RailName = "qbo"

// Rail reads the tenant's accounting books from QuickBooks Online. It is
// strictly read-only: the books stay the system of record.
//
// Clients are held per (tenant, credential) so every page and every run over
// the same connection draws from one shared limiter budget. A rotated
// credential gets a fresh client.
type Rail struct {
	mu      stdsync.Mutex
	clients map[string]*sync.RateLimitedClient
}

func New() *Rail {
	return &Rail{clients: make(map[string]*sync.RateLimitedClient)}
}

func (r *Rail) Name() string { return RailName }

func (r *Rail) Capabilities() sync.Capabilities {
	return sync.Capabilities{Read: true, Webhooks: true, Incremental: true}
}

func (r *Rail) EntityTypes() []string {
	return []string{
		models.EntityTypeVendor,
		models.EntityTypeBill,
		models.EntityTypeInvoice,
		models.EntityTypePayment,
		models.EntityTypeBalance,
	}
}

func entityPath(entityType string) (string, error) {
	switch entityType {
	case models.EntityTypeBill:
		return "/v3/bills", nil
	case models.EntityTypeInvoice:
		return "/v3/invoices", nil
	case models.EntityTypeVendor:
		return "/v3/vendors", nil
	case models.EntityTypePayment:
		return "/v3/payments", nil
	case models.EntityTypeBalance:
		return "/v3/accounts", nil
	default:
		return "", fmt.Errorf("unknown entity type %q", entityType)
	}
}

func (r *Rail) client(conn *models.RailConnection) (*sync.RateLimitedClient, error) {
	if strings.TrimSpace(conn.AuthSecretRef) == "" {
		return nil, &sync.FatalSyncError{Op: "qbo client", Err: errors.New("connection has no credential")}
	}

	key := conn.TenantId + "|" + conn.AuthSecretRef
	r.mu.Lock()
	defer r.mu.Unlock()
	if client, ok := r.clients[key]; ok {
		return client, nil
	}

	baseURL := strings.TrimSpace(os.Getenv("QBO_API_BASE_URL"))
	if baseURL == "" {
		baseURL = "https://quickbooks.api.intuit.com"
	}
	limit := int64(0)
	if v := strings.TrimSpace(os.Getenv("QBO_RATE_LIMIT_PER_MIN")); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			limit = n
		}
	}
	client, err := sync.NewRateLimitedClient(sync.ClientOptions{
		Rail:        RailName,
		BaseURL:     baseURL,
		AuthHeader:  "Authorization",
		AuthValue:   "Bearer " + conn.AuthSecretRef,
		LimitPerMin: limit,
	})
	if err != nil {
		return nil, err
	}
	r.clients[key] = client
	return client, nil
}

// Fetch pulls one page of changed records. The per-record resume token is the
// record's own updated_at, so a halted batch resumes at exactly the last
// committed change.
func (r *Rail) Fetch(ctx context.Context, conn *models.RailConnection, req sync.FetchRequest) (*sync.RailPage, error) {
	path, err := entityPath(req.EntityType)
	if err != nil {
		return nil, &sync.FatalSyncError{Op: "qbo fetch", Err: err}
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

	var parsed qboListResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, &sync.TransientSyncError{Op: "qbo fetch", Err: err}
	}

	page := &sync.RailPage{
		Records:    make([]sync.RailRecord, 0, len(parsed.Data)),
		NextCursor: parsed.NextCursor,
		HasMore:    parsed.HasMore,
	}
	for _, raw := range parsed.Data {
		page.Records = append(page.Records, sync.RailRecord{
			Raw:    raw,
			Cursor: recordCursor(raw),
		})
	}
	return page, nil
}

func recordCursor(raw json.RawMessage) string {
	var peek struct {
		UpdatedAt string `json:"updated_at"`
	}
	_ = json.Unmarshal(raw, &peek)
	return peek.UpdatedAt
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

// Map turns one native payload into the canonical shape. A payload Map cannot
// make sense of is a MappingError scoped to that record.
func (r *Rail) Map(entityType string, raw json.RawMessage) (*models.CanonicalEntity, error) {
	switch entityType {
	case models.EntityTypeBill:
		return mapBill(raw)
	case models.EntityTypeInvoice:
		return mapInvoice(raw)
	case models.EntityTypeVendor:
		return mapVendor(raw)
	case models.EntityTypePayment:
		return mapPayment(raw)
	case models.EntityTypeBalance:
		return mapAccount(raw)
	default:
		return nil, &sync.MappingError{Err: fmt.Errorf("unknown entity type %q", entityType)}
	}
}

func mapBill(raw json.RawMessage) (*models.CanonicalEntity, error) {
	var bill qboBill
	if err := json.Unmarshal(raw, &bill); err != nil {
		return nil, &sync.MappingError{ExternalId: recordId(raw), Err: err}
	}
	if bill.ID == "" {
		return nil, &sync.MappingError{Err: errors.New("bill has no id")}
	}
	amount, err := parseAmount(bill.Balance, bill.TotalAmt)
	if err != nil {
		return nil, &sync.MappingError{ExternalId: bill.ID, Err: err}
	}

	status := "open"
	if amount.IsZero() {
		status = "paid"
	}
	return &models.CanonicalEntity{
		EntityType:             models.EntityTypeBill,
		ExternalId:             bill.ID,
		Amount:                 amount,
		Currency:               currencyOrDefault(bill.CurrencyRef),
		DueDate:                parseDate(bill.DueDate),
		IssuedAt:               parseDate(bill.TxnDate),
		Status:                 status,
		Counterparty:           bill.VendorRef.Name,
		CounterpartyExternalId: bill.VendorRef.Value,
		Memo:                   bill.PrivateNote,
		Payable:                status == "open",
		CategoryHint:           bill.AccountRef.Name,
		SourceUpdatedAt:        parseTimestamp(bill.UpdatedAt),
	}, nil
}

func mapInvoice(raw json.RawMessage) (*models.CanonicalEntity, error) {
	var inv qboInvoice
	if err := json.Unmarshal(raw, &inv); err != nil {
		return nil, &sync.MappingError{ExternalId: recordId(raw), Err: err}
	}
	if inv.ID == "" {
		return nil, &sync.MappingError{Err: errors.New("invoice has no id")}
	}
	amount, err := parseAmount(inv.Balance, inv.TotalAmt)
	if err != nil {
		return nil, &sync.MappingError{ExternalId: inv.ID, Err: err}
	}

	status := "open"
	if amount.IsZero() {
		status = "paid"
	}
	return &models.CanonicalEntity{
		EntityType:             models.EntityTypeInvoice,
		ExternalId:             inv.ID,
		Amount:                 amount,
		Currency:               currencyOrDefault(inv.CurrencyRef),
		DueDate:                parseDate(inv.DueDate),
		IssuedAt:               parseDate(inv.TxnDate),
		Status:                 status,
		Counterparty:           inv.CustomerRef.Name,
		CounterpartyExternalId: inv.CustomerRef.Value,
		Memo:                   inv.PrivateNote,
		Payable:                false,
		SourceUpdatedAt:        parseTimestamp(inv.UpdatedAt),
	}, nil
}

func mapVendor(raw json.RawMessage) (*models.CanonicalEntity, error) {
	var vendor qboVendor
	if err := json.Unmarshal(raw, &vendor); err != nil {
		return nil, &sync.MappingError{ExternalId: recordId(raw), Err: err}
	}
	if vendor.ID == "" {
		return nil, &sync.MappingError{Err: errors.New("vendor has no id")}
	}

	status := "active"
	if !vendor.Active {
		status = "inactive"
	}
	return &models.CanonicalEntity{
		EntityType:      models.EntityTypeVendor,
		ExternalId:      vendor.ID,
		Status:          status,
		Counterparty:    vendor.DisplayName,
		SourceUpdatedAt: parseTimestamp(vendor.UpdatedAt),
	}, nil
}

func mapPayment(raw json.RawMessage) (*models.CanonicalEntity, error) {
	var payment qboPayment
	if err := json.Unmarshal(raw, &payment); err != nil {
		return nil, &sync.MappingError{ExternalId: recordId(raw), Err: err}
	}
	if payment.ID == "" {
		return nil, &sync.MappingError{Err: errors.New("payment has no id")}
	}
	amount, err := parseAmount(payment.TotalAmt, "")
	if err != nil {
		return nil, &sync.MappingError{ExternalId: payment.ID, Err: err}
	}

	return &models.CanonicalEntity{
		EntityType:             models.EntityTypePayment,
		ExternalId:             payment.ID,
		Amount:                 amount,
		Currency:               currencyOrDefault(payment.CurrencyRef),
		IssuedAt:               parseDate(payment.TxnDate),
		Status:                 "settled",
		Counterparty:           payment.EntityRef.Name,
		CounterpartyExternalId: payment.EntityRef.Value,
		Memo:                   payment.PrivateNote,
		SourceUpdatedAt:        parseTimestamp(payment.UpdatedAt),
	}, nil
}

func mapAccount(raw json.RawMessage) (*models.CanonicalEntity, error) {
	var account qboAccount
	if err := json.Unmarshal(raw, &account); err != nil {
		return nil, &sync.MappingError{ExternalId: recordId(raw), Err: err}
	}
	if account.ID == "" {
		return nil, &sync.MappingError{Err: errors.New("account has no id")}
	}
	amount, err := parseAmount(account.CurrentBalance, "")
	if err != nil {
		return nil, &sync.MappingError{ExternalId: account.ID, Err: err}
	}

	status := "active"
	if !account.Active {
		status = "inactive"
	}
	return &models.CanonicalEntity{
		EntityType:      models.EntityTypeBalance,
		ExternalId:      account.ID,
		Amount:          amount,
		Currency:        currencyOrDefault(account.CurrencyRef),
		Status:          status,
		Counterparty:    account.Name,
		CategoryHint:    account.AccountType,
		SourceUpdatedAt: parseTimestamp(account.UpdatedAt),
	}, nil
}

// parseAmount prefers the open balance over the document total so the mirror
// carries what is still owed, not what was invoiced.
func parseAmount(primary json.Number, fallback json.Number) (decimal.Decimal, error) {
	value := string(primary)
	if value == "" {
		value = string(fallback)
	}
	if value == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(value)
}

func currencyOrDefault(ref qboRef) string {
	if ref.Value != "" {
		return ref.Value
	}
	return "USD"
}

func parseDate(value string) *time.Time {
	if value == "" {
		return nil
	}
	t, err := time.Parse("2006-01-02", value)
	if err != nil {
		return nil
	}
	return &t
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

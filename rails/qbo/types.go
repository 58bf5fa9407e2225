package qbo

import "encoding/json"

type qboListResponse struct {
	Data       []json.RawMessage `json:"data"`
	NextCursor string            `json:"next_cursor"`
	HasMore    bool              `json:"has_more"`
}

type qboRef struct {
	Value string `json:"value"`
	Name  string `json:"name"`
}

type qboBill struct {
	ID          string      `json:"id"`
	DocNumber   string      `json:"doc_number"`
	VendorRef   qboRef      `json:"vendor_ref"`
	TotalAmt    json.Number `json:"total_amt"`
	Balance     json.Number `json:"balance"`
	CurrencyRef qboRef      `json:"currency_ref"`
	TxnDate     string      `json:"txn_date"`
	DueDate     string      `json:"due_date"`
	PrivateNote string      `json:"private_note"`
	AccountRef  qboRef      `json:"account_ref"`
	UpdatedAt   string      `json:"updated_at"`
}

type qboInvoice struct {
	ID          string      `json:"id"`
	DocNumber   string      `json:"doc_number"`
	CustomerRef qboRef      `json:"customer_ref"`
	TotalAmt    json.Number `json:"total_amt"`
	Balance     json.Number `json:"balance"`
	CurrencyRef qboRef      `json:"currency_ref"`
	TxnDate     string      `json:"txn_date"`
	DueDate     string      `json:"due_date"`
	PrivateNote string      `json:"private_note"`
	UpdatedAt   string      `json:"updated_at"`
}

type qboVendor struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	Active      bool   `json:"active"`
	UpdatedAt   string `json:"updated_at"`
}

type qboPayment struct {
	ID          string      `json:"id"`
	TotalAmt    json.Number `json:"total_amt"`
	CurrencyRef qboRef      `json:"currency_ref"`
	EntityRef   qboRef      `json:"entity_ref"`
	TxnDate     string      `json:"txn_date"`
	PrivateNote string      `json:"private_note"`
	UpdatedAt   string      `json:"updated_at"`
}

type qboAccount struct {
	ID             string      `json:"id"`
	Name           string      `json:"name"`
	AccountType    string      `json:"account_type"`
	CurrentBalance json.Number `json:"current_balance"`
	CurrencyRef    qboRef      `json:"currency_ref"`
	Active         bool        `json:"active"`
	UpdatedAt      string      `json:"updated_at"`
}

package erp

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

const (
	// EndpointTransfer names the transfer entry endpoint in sync results.
	EndpointTransfer = "transfer"
	// EndpointAdjustment names the multi-line adjustment endpoint.
	EndpointAdjustment = "adjustment"

	transferTransType    = 6
	adjustIncreaseType   = 5
	adjustDecreaseType   = 6
	externalTimeLayout   = "2006-01-02T15:04:05"
	docNumberDigits      = 6
	maxResponseBodyBytes = 1 << 20
)

// DocRef carries the identifying fields of a document as the ledger sees them.
type DocRef struct {
	FiscalYear int
	CompanyID  string
	RecName    string
	RecNumber  int
}

// Reference renders the year/company/name/number reference string.
func (r DocRef) Reference() string {
	return fmt.Sprintf("%d/%s/%s/%d", r.FiscalYear, r.CompanyID, r.RecName, r.RecNumber)
}

// DocNumber renders prefix + company + fiscal year code + zero padded record
// number. Record numbers restart every fiscal year, so the year code keeps
// numbers of different years apart.
func (r DocRef) DocNumber(prefix string) string {
	return fmt.Sprintf("%s%s%s%0*d", prefix, r.CompanyID, r.yearCode(), docNumberDigits, r.RecNumber)
}

// yearCode is the last four digits of the fiscal year, 202526 -> "2526".
func (r DocRef) yearCode() string {
	return fmt.Sprintf("%04d", r.FiscalYear%10000)
}

// Line is one item movement sent to the ledger.
type Line struct {
	ItemCode     string
	Quantity     decimal.Decimal
	UnitCost     decimal.Decimal
	FromLocation string
	ToLocation   string
	Increase     bool
}

// Movement labels the header description of a transfer.
type Movement string

const (
	MovementDecrease Movement = "DECREASE"
	MovementIncrease Movement = "INCREASE"
	MovementReversal Movement = "REVERSAL"
)

// TransferRequest is a single location-pair movement.
type TransferRequest struct {
	Ref      DocRef
	Movement Movement
	Date     time.Time
	Lines    []Line
}

// AdjustmentRequest is a multi-line signed adjustment posted after approval.
// Ref.RecName carries the rec-type group of the unit. Reversal marks units
// made of reversal documents, which post under their own doc number series.
type AdjustmentRequest struct {
	Ref      DocRef
	Reversal bool
	Date     time.Time
	Lines    []Line
}

// SyncResult is the normalised outcome of a ledger call. Success holds only
// when a document number came back and no errors were reported.
type SyncResult struct {
	Success           bool
	ExternalDocNumber string
	Status            string
	Message           string
	Errors            []string
	RawRequest        string
	RawResponse       string
	Endpoint          string
	Duration          time.Duration
}

// ErrorText joins the reported errors, falling back to the message.
func (r SyncResult) ErrorText() string {
	if len(r.Errors) == 0 {
		if r.Message != "" {
			return r.Message
		}
		return "external ledger reported no document number"
	}
	out := r.Errors[0]
	for _, e := range r.Errors[1:] {
		out += "; " + e
	}
	return out
}

type optField struct {
	Field string `json:"optfield"`
	Value string `json:"value"`
}

type transferPayload struct {
	UserID          string         `json:"userid"`
	Password        string         `json:"password"`
	CompanyID       string         `json:"companyid"`
	DocNum          string         `json:"docnum"`
	Reference       string         `json:"reference"`
	TransDate       string         `json:"transdate"`
	ExpArDate       string         `json:"expardate"`
	HdrDesc         string         `json:"hdrdesc"`
	TransType       int            `json:"transtype"`
	HeaderOptFields []optField     `json:"transHeaderOptFields"`
	Items           []transferItem `json:"items"`
}

type transferItem struct {
	FromLoc         string      `json:"fromloc"`
	ToLoc           string      `json:"toloc"`
	ItemNo          string      `json:"itemno"`
	Quantity        json.Number `json:"quantity"`
	Comments        string      `json:"comments"`
	DetailOptFields []optField  `json:"transDetailOptFields"`
}

type adjustmentPayload struct {
	UserID          string           `json:"userid"`
	Password        string           `json:"password"`
	CompanyID       string           `json:"companyid"`
	DocNum          string           `json:"docnum"`
	Reference       string           `json:"reference"`
	TransDate       string           `json:"transdate"`
	HdrDesc         string           `json:"hdrdesc"`
	HeaderOptFields []optField       `json:"adjHeaderOptFields"`
	Items           []adjustmentItem `json:"items"`
}

type adjustmentItem struct {
	ItemNo          string      `json:"itemno"`
	Location        string      `json:"location"`
	Quantity        json.Number `json:"quantity"`
	ExtCost         json.Number `json:"extcost"`
	WoffAcct        string      `json:"woffacct"`
	TransType       int         `json:"transtype"`
	DetailOptFields []optField  `json:"adjDetailOptFields"`
}

func number(d decimal.Decimal) json.Number {
	return json.Number(d.String())
}

// Item is a catalog item as returned by the ledger.
type Item struct {
	ItemNo    string          `json:"itemno"`
	Desc      string          `json:"desc"`
	StockUnit string          `json:"stockunit"`
	StdCost   decimal.Decimal `json:"stdcost"`
	Inactive  bool            `json:"inactive"`
	Category  string          `json:"category"`
}

// Location is a stock location as returned by the ledger.
type Location struct {
	Code string `json:"location"`
	Desc string `json:"desc"`
	City string `json:"city"`
}

type itemsResponse struct {
	Items  []Item   `json:"icitems"`
	Errors []string `json:"Errors"`
}

type locationsResponse struct {
	Locations []Location `json:"locations"`
	Errors    []string   `json:"Errors"`
}

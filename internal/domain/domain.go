package domain

import (
	"time"

	"claimledger/internal/money"
)

type PolicyStatus string

const (
	PolicyActive    PolicyStatus = "ACTIVE"
	PolicyExpired   PolicyStatus = "EXPIRED"
	PolicyCancelled PolicyStatus = "CANCELLED"
)

type ClaimStatus string

const (
	ClaimOpen    ClaimStatus = "OPEN"
	ClaimPayable ClaimStatus = "PAYABLE"
	ClaimClosed  ClaimStatus = "CLOSED"
	ClaimDenied  ClaimStatus = "DENIED"
)

// Terminal reports whether the claim no longer accepts mutations.
func (s ClaimStatus) Terminal() bool { return s == ClaimClosed || s == ClaimDenied }

type LineType string

const (
	LineIndemnity   LineType = "INDEMNITY"
	LineExpense     LineType = "EXPENSE"
	LineMedical     LineType = "MEDICAL"
	LineSubrogation LineType = "SUBROGATION_RECOVERY"
)

// LineTypes is the closed set of reserve line types in display order.
var LineTypes = []LineType{LineIndemnity, LineExpense, LineMedical, LineSubrogation}

func (l LineType) Valid() bool {
	for _, t := range LineTypes {
		if t == l {
			return true
		}
	}
	return false
}

// Indemnity reports whether the line pays the loss itself and so feeds
// settlement principal.
func (l LineType) Indemnity() bool { return l == LineIndemnity || l == LineMedical }

type PaymentMethod string

const (
	MethodCheck PaymentMethod = "CHECK"
	MethodACH   PaymentMethod = "ACH"
	MethodWire  PaymentMethod = "WIRE"
	MethodCard  PaymentMethod = "CARD"
)

var PaymentMethods = []PaymentMethod{MethodCheck, MethodACH, MethodWire, MethodCard}

func (m PaymentMethod) Valid() bool {
	for _, v := range PaymentMethods {
		if v == m {
			return true
		}
	}
	return false
}

type PaymentStatus string

const (
	PaymentPending PaymentStatus = "PENDING"
	PaymentSettled PaymentStatus = "SETTLED"
	PaymentVoided  PaymentStatus = "VOIDED"
)

// VoidReason distinguishes a plain void from a reversal of a settled payment.
type VoidReason string

const (
	ReasonVoid     VoidReason = "VOID"
	ReasonReversal VoidReason = "REVERSAL"
)

// Actor is the caller identity recorded on every mutation.
type Actor struct {
	ID   string `json:"id"`
	Role string `json:"role,omitempty"`
}

type Policy struct {
	Number         string       `json:"policy_number"`
	Version        int          `json:"version"`
	Status         PolicyStatus `json:"status" enum:"ACTIVE,EXPIRED,CANCELLED"`
	ProductLine    string       `json:"product_line"`
	InsuredName    string       `json:"insured_name"`
	InsuredTaxID   string       `json:"insured_tax_id,omitempty"`
	ContactName    string       `json:"contact_name,omitempty"`
	ContactPhone   string       `json:"contact_phone,omitempty"`
	ContactEmail   string       `json:"contact_email,omitempty"`
	MailingAddress string       `json:"mailing_address,omitempty"`
	AgentName      string       `json:"agent_name,omitempty"`
	Description    string       `json:"description,omitempty"`
	Currency       string       `json:"currency"`
	CoverageLimit  money.Amount `json:"coverage_limit"`
	Deductible     money.Amount `json:"deductible"`
	EffectiveDate  time.Time    `json:"effective_date"`
	ExpirationDate time.Time    `json:"expiration_date"`
}

// Override is one claim-scoped replacement of a policy field.
type Override struct {
	Value    string    `json:"value"`
	Previous string    `json:"previous"`
	ActorID  string    `json:"actor_id"`
	At       time.Time `json:"at"`
}

type Claim struct {
	Number         string                    `json:"claim_number"`
	PolicyNumber   string                    `json:"policy_number"`
	PolicyVersion  int                       `json:"policy_version"`
	PolicyStatus   PolicyStatus              `json:"policy_status"`
	Policy         Policy                    `json:"-"`
	LossType       string                    `json:"loss_type"`
	LossDate       time.Time                 `json:"loss_date"`
	Description    string                    `json:"description,omitempty"`
	Status         ClaimStatus               `json:"status" enum:"OPEN,PAYABLE,CLOSED,DENIED"`
	Currency       string                    `json:"currency"`
	Overrides      map[string]Override       `json:"overrides"`
	ReserveCeiling *money.Amount             `json:"reserve_ceiling,omitempty"`
	LineCeilings   map[LineType]money.Amount `json:"line_ceilings,omitempty"`
	AllowedMethods []PaymentMethod           `json:"allowed_methods"`
	OpenedAt       time.Time                 `json:"opened_at"`
	ClosedAt       *time.Time                `json:"closed_at,omitempty"`
	UpdatedAt      time.Time                 `json:"updated_at"`
}

// AllowsMethod reports whether payments with method m may be issued on the claim.
func (c Claim) AllowsMethod(m PaymentMethod) bool {
	for _, v := range c.AllowedMethods {
		if v == m {
			return true
		}
	}
	return false
}

type ReserveLine struct {
	ClaimNumber string       `json:"claim_number"`
	Type        LineType     `json:"line_type"`
	Allocated   money.Amount `json:"allocated"`
	PaidToDate  money.Amount `json:"paid_to_date"`
	UpdatedAt   time.Time    `json:"updated_at"`
}

// Unpaid is allocated minus paid-to-date.
func (l ReserveLine) Unpaid() money.Amount { return l.Allocated.Sub(l.PaidToDate) }

type Payment struct {
	ID              string        `json:"id"`
	ClaimNumber     string        `json:"claim_number"`
	Line            LineType      `json:"line_type"`
	Amount          money.Amount  `json:"amount"`
	Method          PaymentMethod `json:"method" enum:"CHECK,ACH,WIRE,CARD"`
	Status          PaymentStatus `json:"status" enum:"PENDING,SETTLED,VOIDED"`
	Reason          VoidReason    `json:"reason,omitempty"`
	Payee           string        `json:"payee,omitempty"`
	Memo            string        `json:"memo,omitempty"`
	RailReference   string        `json:"rail_reference,omitempty"`
	// DisbursingSince is set while a rail call for this payment may have
	// moved money that the ledger has not recorded yet.
	DisbursingSince *time.Time    `json:"disbursing_since,omitempty"`
	CreatedBy       string        `json:"created_by"`
	CreatedAt       time.Time     `json:"created_at"`
	VoidEligibleTil time.Time     `json:"void_eligible_until"`
	SettledAt       *time.Time    `json:"settled_at,omitempty"`
	VoidedAt        *time.Time    `json:"voided_at,omitempty"`
}

type EntityType string

const (
	EntityClaim   EntityType = "CLAIM"
	EntityReserve EntityType = "RESERVE"
	EntityPayment EntityType = "PAYMENT"
)

type Operation string

const (
	OpCreate   Operation = "CREATE"
	OpUpdate   Operation = "UPDATE"
	OpOverride Operation = "OVERRIDE"
	OpAllocate Operation = "ALLOCATE"
	OpPay      Operation = "PAY"
	OpVoid     Operation = "VOID"
)

type AuditEntry struct {
	Seq         int64      `json:"seq"`
	ActorID     string     `json:"actor_id"`
	ActorRole   string     `json:"actor_role,omitempty"`
	EntityType  EntityType `json:"entity_type"`
	EntityID    string     `json:"entity_id"`
	Operation   Operation  `json:"operation"`
	Reason      string     `json:"reason,omitempty"`
	Before      string     `json:"before_json"`
	After       string     `json:"after_json"`
	TS          time.Time  `json:"ts"`
	RetainUntil time.Time  `json:"retain_until"`
	// Refs are further entities the entry touched, as TYPE:ID.
	Refs        []string   `json:"refs,omitempty"`
	PrevHash    string     `json:"prev_hash"`
	Hash        string     `json:"hash"`
}

// ReserveLineID is the entity id of one reserve line in audit references.
func ReserveLineID(claimNumber string, line LineType) string {
	return claimNumber + "/" + string(line)
}

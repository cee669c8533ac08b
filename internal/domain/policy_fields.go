package domain

import (
	"sort"
	"time"
)

type policyField struct {
	get func(*Policy) string
	set func(*Policy, string)
}

// policyFields maps the wire names of policy fields to accessors. Fields
// without a setter can be read through a claim but never replaced.
var policyFields = map[string]policyField{
	"policy_number":   {get: func(p *Policy) string { return p.Number }},
	"status":          {get: func(p *Policy) string { return string(p.Status) }},
	"currency":        {get: func(p *Policy) string { return p.Currency }},
	"coverage_limit":  {get: func(p *Policy) string { return p.CoverageLimit.String() }},
	"deductible":      {get: func(p *Policy) string { return p.Deductible.String() }},
	"effective_date":  {get: func(p *Policy) string { return p.EffectiveDate.Format(time.DateOnly) }},
	"expiration_date": {get: func(p *Policy) string { return p.ExpirationDate.Format(time.DateOnly) }},
	"product_line": {
		get: func(p *Policy) string { return p.ProductLine },
		set: func(p *Policy, v string) { p.ProductLine = v },
	},
	"insured_name": {
		get: func(p *Policy) string { return p.InsuredName },
		set: func(p *Policy, v string) { p.InsuredName = v },
	},
	"insured_tax_id": {
		get: func(p *Policy) string { return p.InsuredTaxID },
		set: func(p *Policy, v string) { p.InsuredTaxID = v },
	},
	"contact_name": {
		get: func(p *Policy) string { return p.ContactName },
		set: func(p *Policy, v string) { p.ContactName = v },
	},
	"contact_phone": {
		get: func(p *Policy) string { return p.ContactPhone },
		set: func(p *Policy, v string) { p.ContactPhone = v },
	},
	"contact_email": {
		get: func(p *Policy) string { return p.ContactEmail },
		set: func(p *Policy, v string) { p.ContactEmail = v },
	},
	"mailing_address": {
		get: func(p *Policy) string { return p.MailingAddress },
		set: func(p *Policy, v string) { p.MailingAddress = v },
	},
	"agent_name": {
		get: func(p *Policy) string { return p.AgentName },
		set: func(p *Policy, v string) { p.AgentName = v },
	},
	"description": {
		get: func(p *Policy) string { return p.Description },
		set: func(p *Policy, v string) { p.Description = v },
	},
}

// Field returns the value of a named policy field.
func (p Policy) Field(name string) (string, bool) {
	f, ok := policyFields[name]
	if !ok {
		return "", false
	}
	return f.get(&p), true
}

// SetField replaces a text field. It returns false for unknown or read-only fields.
func (p *Policy) SetField(name, value string) bool {
	f, ok := policyFields[name]
	if !ok || f.set == nil {
		return false
	}
	f.set(p, value)
	return true
}

// WritablePolicyField reports whether name is a text field that could be overridden.
func WritablePolicyField(name string) bool {
	f, ok := policyFields[name]
	return ok && f.set != nil
}

// TextFields lists the writable policy fields in a stable order.
func TextFields() []string {
	var out []string
	for name, f := range policyFields {
		if f.set != nil {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

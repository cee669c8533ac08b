package crypt

import "claimledger/internal/domain"

// SealPolicy seals every designated text field of p.
func SealPolicy(g *Gateway, p domain.Policy) (domain.Policy, error) {
	return mapPolicy(p, func(field, v string) (string, error) { return g.Seal(field, v) })
}

// OpenPolicy opens every sealed text field of p.
func OpenPolicy(g *Gateway, p domain.Policy) (domain.Policy, error) {
	return mapPolicy(p, func(field, v string) (string, error) { return g.Open(field, v) })
}

// MaskPolicy masks every designated text field of p for display.
func MaskPolicy(g *Gateway, p domain.Policy) domain.Policy {
	out, _ := mapPolicy(p, func(field, v string) (string, error) { return g.Mask(field, v), nil })
	return out
}

func mapPolicy(p domain.Policy, fn func(field, v string) (string, error)) (domain.Policy, error) {
	for _, field := range domain.TextFields() {
		v, _ := p.Field(field)
		if v == "" {
			continue
		}
		nv, err := fn(field, v)
		if err != nil {
			return p, err
		}
		p.SetField(field, nv)
	}
	return p, nil
}

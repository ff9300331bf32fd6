// Package authz decides whether a caller may trigger a lifecycle event.
package authz

import (
	"errors"

	"github.com/crvs/workflow/internal/domain/classify"
)

// ErrUnauthorized is the only failure this package reports. It never says
// which scope was missing.
var ErrUnauthorized = errors.New("unauthorized")

// Scopes carried in the caller's token.
const (
	ScopeDeclare  = "declare"
	ScopeValidate = "validate"
	ScopeRegister = "register"
	ScopeCertify  = "certify"
)

var rules = map[classify.Kind][]string{
	classify.NewDeclaration:      {ScopeDeclare, ScopeValidate, ScopeRegister},
	classify.NewRegistration:     {ScopeRegister},
	classify.MarkValidated:       {ScopeValidate, ScopeRegister},
	classify.MarkRegistered:      {ScopeRegister},
	classify.ConfirmRegistration: {ScopeRegister},
	classify.MarkCertified:       {ScopeCertify, ScopeRegister},
	classify.MarkIssued:          {ScopeCertify, ScopeRegister},
	classify.MarkVoided:          {ScopeValidate, ScopeRegister},
	classify.Reject:              {ScopeValidate, ScopeRegister},
	classify.Archive:             {ScopeDeclare, ScopeValidate, ScopeRegister},
	classify.Reinstate:           {ScopeValidate, ScopeRegister},
	classify.RequestCorrection:   {ScopeValidate, ScopeRegister, ScopeCertify},
	classify.ApproveCorrection:   {ScopeRegister},
	classify.RejectCorrection:    {ScopeRegister},
	classify.MakeCorrection:      {ScopeRegister},
	classify.Assign:              {ScopeDeclare, ScopeValidate, ScopeRegister, ScopeCertify},
	classify.Unassign:            {ScopeDeclare, ScopeValidate, ScopeRegister, ScopeCertify},
}

// Authorize returns nil when any of the caller's scopes is acceptable for
// kind. UNKNOWN is always allowed so pass-through traffic is never blocked.
// A kind missing from the table is refused.
func Authorize(kind classify.Kind, scopes []string) error {
	if kind == classify.Unknown {
		return nil
	}
	for _, want := range rules[kind] {
		if classify.HasScope(scopes, want) {
			return nil
		}
	}
	return ErrUnauthorized
}

// Required returns the acceptable scopes for kind.
func Required(kind classify.Kind) []string {
	return append([]string(nil), rules[kind]...)
}

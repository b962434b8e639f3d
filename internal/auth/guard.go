package auth

import (
	"errors"

	"go.uber.org/zap"
)

// Result is the outcome of the pre-admission check. Exactly one of
// Identity() and Reason() is non-empty.
type Result struct {
	identity string
	reason   string
	err      error
}

func Authenticated(identity string) Result { return Result{identity: identity} }

func Rejected(reason string, err error) Result { return Result{reason: reason, err: err} }

func (r Result) OK() bool         { return r.identity != "" }
func (r Result) Identity() string { return r.identity }
func (r Result) Reason() string   { return r.reason }
func (r Result) Err() error       { return r.err }

// Guard runs once per connection before it is handed to the hub.
type Guard struct {
	verifier Verifier
	log      *zap.Logger
}

func NewGuard(v Verifier, log *zap.Logger) *Guard {
	return &Guard{verifier: v, log: log.Named("auth")}
}

func (g *Guard) Check(token string) Result {
	userID, err := g.verifier.Verify(token)
	if err == nil {
		if userID == "" {
			return Rejected(ReasonMissingIdentity, nil)
		}
		return Authenticated(userID)
	}

	reason := ReasonInvalidToken
	var authErr *AuthenticationError
	if errors.As(err, &authErr) {
		reason = authErr.Reason
	}
	g.log.Debug("connection rejected", zap.String("reason", reason), zap.Error(err))
	return Rejected(reason, err)
}

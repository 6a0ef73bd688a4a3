package auth

const (
	ScopeOpenID  = "openid"
	ScopeProfile = "profile"
	ScopeEmail   = "email"
)

// LoginScopes are requested by the browser login flow. The email claim is
// what resolves the acting user.
var LoginScopes = []string{
	ScopeOpenID,
	ScopeProfile,
	ScopeEmail,
}

package auth

// Scopes accepted by the Consumer API.
const (
	ScopePrincipalsRead    = "principals:read"
	ScopePrincipalsRefresh = "principals:refresh"
)

package auth

// User is the externally-authenticated principal. loom stores only its id.
type User struct {
	ID string `json:"id"`
}

// Organization is the tenant the request is acting in, when known
type Organization struct {
	ID string `json:"id"`
}

// AuthContext holds the identity established by the identity collaborator
type AuthContext struct {
	User         *User
	Organization *Organization
}

// UserID returns the authenticated user id, or "" for an anonymous context
func (ac *AuthContext) UserID() string {
	if ac == nil || ac.User == nil {
		return ""
	}
	return ac.User.ID
}

// OrganizationID returns the organization id, or nil when the request carries none
func (ac *AuthContext) OrganizationID() *string {
	if ac == nil || ac.Organization == nil || ac.Organization.ID == "" {
		return nil
	}
	id := ac.Organization.ID
	return &id
}

// IsAuthenticated reports whether a user identity is present
func (ac *AuthContext) IsAuthenticated() bool {
	return ac.UserID() != ""
}

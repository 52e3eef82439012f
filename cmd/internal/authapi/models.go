package authapi

import "time"

// RoleAdmin is the role value granted to administrators.
const RoleAdmin = "admin"

// User is the identity returned by /auth/login/, /auth/register/ and /auth/user/.
type User struct {
	ID         int64      `json:"id"`
	Username   string     `json:"username"`
	Email      string     `json:"email"`
	Role       string     `json:"role"`
	DateJoined time.Time  `json:"date_joined"`
	LastLogin  *time.Time `json:"last_login"`
}

// UserSummary is one row of the admin user listing.
type UserSummary struct {
	User
	IsActive bool `json:"is_active"`
}

// Credentials is the login request body.
type Credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// Registration is the register request body.
type Registration struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

// LoginResult is the decoded login response.
// AccessTTL is zero when the server did not declare a lifetime.
type LoginResult struct {
	Detail    string
	User      User
	AccessTTL time.Duration
}

// RefreshResult is the decoded refresh response.
type RefreshResult struct {
	Detail    string
	AccessTTL time.Duration
}

type loginResponse struct {
	Detail               string   `json:"detail"`
	User                 User     `json:"user"`
	AccessTokenExpiresIn *float64 `json:"access_token_expires_in"`
}

type registerResponse struct {
	Detail string `json:"detail"`
	User   User   `json:"user"`
}

type refreshResponse struct {
	Detail               string   `json:"detail"`
	AccessTokenExpiresIn *float64 `json:"access_token_expires_in"`
}

type detailResponse struct {
	Detail string `json:"detail"`
}

// lifetime converts the server's float seconds into a Duration.
func lifetime(seconds *float64) time.Duration {
	if seconds == nil || *seconds <= 0 {
		return 0
	}
	return time.Duration(*seconds * float64(time.Second))
}

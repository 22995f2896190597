package models

// Account is the locally signed-in user.
type Account struct {
	Email    string `json:"email"`
	Username string `json:"username"`
	Token    string `json:"token,omitempty"`
}

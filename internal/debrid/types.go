package debrid

import "time"

// User is the upstream "current user" profile.
type User struct {
	ID         int64     `json:"id"`
	Username   string    `json:"username"`
	Email      string    `json:"email"`
	Points     int       `json:"points"`
	Locale     string    `json:"locale"`
	Avatar     string    `json:"avatar"`
	Type       string    `json:"type"` // "premium" or "free"
	Premium    int       `json:"premium"` // seconds of premium left
	Expiration time.Time `json:"expiration"`
}

// IsPremium reports whether the account currently has premium access.
func (u *User) IsPremium() bool {
	return u.Type == "premium" && u.Premium > 0
}

// Torrent is one remotely hosted torrent entry.
type Torrent struct {
	ID       string    `json:"id"`
	Filename string    `json:"filename"`
	Hash     string    `json:"hash"`
	Bytes    int64     `json:"bytes"`
	Host     string    `json:"host"`
	Status   string    `json:"status"`
	Added    time.Time `json:"added"`
	Links    []string  `json:"links"`
	Progress float64   `json:"progress"`
}

// Download is one unrestricted download entry.
type Download struct {
	ID        string    `json:"id"`
	Filename  string    `json:"filename"`
	MimeType  string    `json:"mimeType"`
	Filesize  int64     `json:"filesize"`
	Link      string    `json:"link"`
	Host      string    `json:"host"`
	Download  string    `json:"download"`
	Generated time.Time `json:"generated"`
}

// TokenResponse is the upstream OAuth2 token endpoint response.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
	Scope        string `json:"scope,omitempty"`
}

// apiError is the upstream error body shape.
type apiError struct {
	Error     string `json:"error"`
	ErrorCode int    `json:"error_code"`
}

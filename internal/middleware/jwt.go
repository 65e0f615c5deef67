package myMiddleware

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
)

// Context keys, exported so handlers in other packages can read them.
type contextKey string

const (
	UserKey     contextKey = "user_id"
	UsernameKey contextKey = "username"
)

// TokenValidator is what the middleware needs from whoever signs tokens.
type TokenValidator interface {
	ValidateToken(tokenString string) (userID, username string, err error)
}

type AuthMiddleware struct {
	validator TokenValidator
}

func NewAuthMiddleware(v TokenValidator) *AuthMiddleware {
	return &AuthMiddleware{validator: v}
}

// Handle authenticates the request and puts the user into its context.
// Failures answer 401 with the same {"message": ...} body as the API handlers.
func (am *AuthMiddleware) Handle(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenString, ok := bearerToken(r)
		if !ok {
			// Websocket clients that cannot set headers pass ?token=
			tokenString = r.URL.Query().Get("token")
		}

		if tokenString == "" {
			unauthorized(w, "Missing authentication token")
			return
		}

		userID, username, err := am.validator.ValidateToken(tokenString)
		if err != nil || userID == "" {
			unauthorized(w, "Invalid token")
			return
		}

		ctx := context.WithValue(r.Context(), UserKey, userID)
		ctx = context.WithValue(ctx, UsernameKey, username)

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// bearerToken reads "Authorization: Bearer <token>". Other schemes are ignored.
func bearerToken(r *http.Request) (string, bool) {
	scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

func unauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]string{"message": msg})
}

// UserID returns the authenticated user id, empty if the request was not authenticated.
func UserID(ctx context.Context) string {
	id, _ := ctx.Value(UserKey).(string)
	return id
}

// Username returns the display name carried by the token, if any.
func Username(ctx context.Context) string {
	name, _ := ctx.Value(UsernameKey).(string)
	return name
}

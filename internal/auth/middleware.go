package auth

import (
	"net/http"
	"strings"

	apperrors "github.com/mediafetch/backend/internal/errors"
)

// Middleware requires a bearer token and puts its user id in the request
// context (see apperrors.GetUserID).
func Middleware(authService *Service) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requestID := apperrors.GetRequestID(r.Context())

			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				apperrors.WriteError(w, requestID, apperrors.Unauthorized("missing authorization header"))
				return
			}

			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
				apperrors.WriteError(w, requestID, apperrors.Unauthorized("invalid authorization header format"))
				return
			}

			claims, err := authService.ValidateAccessToken(parts[1])
			if err != nil {
				apperrors.WriteError(w, requestID, tokenError(err))
				return
			}

			ctx := apperrors.WithUserID(r.Context(), claims.UserID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// QueryToken authenticates the ?token= parameter, for WebSocket clients
// that cannot set headers.
func (s *Service) QueryToken(r *http.Request) (string, error) {
	token := r.URL.Query().Get("token")
	if token == "" {
		return "", apperrors.Unauthorized("missing token parameter")
	}
	claims, err := s.ValidateAccessToken(token)
	if err != nil {
		return "", tokenError(err)
	}
	return claims.UserID, nil
}

func tokenError(err error) *apperrors.AppError {
	if err == ErrTokenExpired {
		return apperrors.Unauthorized("access token has expired")
	}
	return apperrors.Unauthorized("invalid access token")
}

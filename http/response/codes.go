package response

import "net/http"

const (
	ErrSystem          = "SYS_INTERNAL_ERROR"
	ErrServiceUnavail  = "SYS_SERVICE_UNAVAILABLE"
	ErrUnauthenticated = "AUTH_UNAUTHENTICATED"
)

func MapStatus(code string) int {
	switch code {
	case ErrUnauthenticated:
		return http.StatusUnauthorized
	case ErrServiceUnavail:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

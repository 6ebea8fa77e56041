package httpserver

import (
	"net/http"
)

type ErrorCode string

const (
	ErrCodeValidation               ErrorCode = "VALIDATION_ERROR"
	ErrCodeUsernameExists           ErrorCode = "USERNAME_EXISTS"
	ErrCodeUserNotFound             ErrorCode = "USER_NOT_FOUND"
	ErrCodeInvalidCredentials       ErrorCode = "INVALID_CREDENTIALS"
	ErrCodeTokenInvalid             ErrorCode = "TOKEN_INVALID"
	ErrCodeTokenExpired             ErrorCode = "TOKEN_EXPIRED"
	ErrCodeConversationNotFound     ErrorCode = "CONVERSATION_NOT_FOUND"
	ErrCodeConversationAccessDenied ErrorCode = "CONVERSATION_ACCESS_DENIED"
	ErrCodeDraftNotFound            ErrorCode = "DRAFT_NOT_FOUND"
	ErrCodeDraftAccessDenied        ErrorCode = "DRAFT_ACCESS_DENIED"
	ErrCodeDraftInvalidState        ErrorCode = "DRAFT_INVALID_STATE"
	ErrCodeJoinRequestNotFound      ErrorCode = "JOIN_REQUEST_NOT_FOUND"
	ErrCodeJoinRequestAccessDenied  ErrorCode = "JOIN_REQUEST_ACCESS_DENIED"
	ErrCodeJoinRequestInvalidState  ErrorCode = "JOIN_REQUEST_INVALID_STATE"
	ErrCodeInviteInvalid            ErrorCode = "INVITE_INVALID"
	ErrCodeInternal                 ErrorCode = "INTERNAL_ERROR"
	ErrCodeMethodNotAllowed         ErrorCode = "METHOD_NOT_ALLOWED"
	ErrCodeNotFound                 ErrorCode = "NOT_FOUND"
)

var errorHTTPStatus = map[ErrorCode]int{
	ErrCodeValidation:               http.StatusBadRequest,
	ErrCodeUsernameExists:           http.StatusConflict,
	ErrCodeUserNotFound:             http.StatusNotFound,
	ErrCodeInvalidCredentials:       http.StatusUnauthorized,
	ErrCodeTokenInvalid:             http.StatusUnauthorized,
	ErrCodeTokenExpired:             http.StatusUnauthorized,
	ErrCodeConversationNotFound:     http.StatusNotFound,
	ErrCodeConversationAccessDenied: http.StatusForbidden,
	ErrCodeDraftNotFound:            http.StatusNotFound,
	ErrCodeDraftAccessDenied:        http.StatusForbidden,
	ErrCodeDraftInvalidState:        http.StatusConflict,
	ErrCodeJoinRequestNotFound:      http.StatusNotFound,
	ErrCodeJoinRequestAccessDenied:  http.StatusForbidden,
	ErrCodeJoinRequestInvalidState:  http.StatusConflict,
	ErrCodeInviteInvalid:            http.StatusNotFound,
	ErrCodeInternal:                 http.StatusInternalServerError,
	ErrCodeMethodNotAllowed:         http.StatusMethodNotAllowed,
	ErrCodeNotFound:                 http.StatusNotFound,
}

func httpStatusForCode(code ErrorCode) int {
	if status, ok := errorHTTPStatus[code]; ok {
		return status
	}
	return http.StatusInternalServerError
}

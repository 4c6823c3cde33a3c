package connectors

import (
	"errors"
	"fmt"
	"regexp"
)

// ErrorCode — закрытая таксономия ошибок коннекторов.
type ErrorCode string

const (
	CodeTimeout           ErrorCode = "TIMEOUT"
	CodeAuth              ErrorCode = "AUTH"
	CodeUnavailable       ErrorCode = "UNAVAILABLE"
	CodeBadResponse       ErrorCode = "BAD_RESPONSE"
	CodeReadOnlyViolation ErrorCode = "READ_ONLY_VIOLATION"
	CodeUnknown           ErrorCode = "UNKNOWN"
)

// ConnectorError — типизированная ошибка; Retryable единственный вход для политики повторов.
type ConnectorError struct {
	Code      ErrorCode
	Message   string
	Retryable bool
	Cause     error
}

func (e *ConnectorError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (cause: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *ConnectorError) Unwrap() error { return e.Cause }

// Паттерны по тексту ошибки. Порядок проверки важен: timeout раньше unavailable.
var (
	reTimeout     = regexp.MustCompile(`(?i)time[d]?[ -]?out|deadline exceeded|ETIMEDOUT`)
	reAuth        = regexp.MustCompile(`(?i)\b40[13]\b|unauthor|forbidden`)
	reUnavailable = regexp.MustCompile(`(?i)\b5\d\d\b|unavailable|connection refused|ECONNREFUSED|ECONNRESET|no such host|circuit open`)
	reBadResponse = regexp.MustCompile(`(?i)malformed|parse|unexpected (end|token|character)|invalid character|cannot unmarshal|bad response|schema`)
)

// Classify переводит сырую ошибку транспорта в ConnectorError.
// Уже классифицированная ошибка возвращается как есть.
func Classify(err error) *ConnectorError {
	if err == nil {
		return nil
	}
	var ce *ConnectorError
	if errors.As(err, &ce) {
		return ce
	}

	msg := err.Error()
	switch {
	case reTimeout.MatchString(msg):
		return &ConnectorError{Code: CodeTimeout, Message: msg, Retryable: true, Cause: err}
	case reAuth.MatchString(msg):
		return &ConnectorError{Code: CodeAuth, Message: msg, Retryable: false, Cause: err}
	case reUnavailable.MatchString(msg):
		return &ConnectorError{Code: CodeUnavailable, Message: msg, Retryable: true, Cause: err}
	case reBadResponse.MatchString(msg):
		return &ConnectorError{Code: CodeBadResponse, Message: msg, Retryable: false, Cause: err}
	default:
		return &ConnectorError{Code: CodeUnknown, Message: msg, Retryable: false, Cause: err}
	}
}

// IsRetryable — фильтр для resilience.Policy.
func IsRetryable(err error) bool {
	ce := Classify(err)
	return ce != nil && ce.Retryable
}

func badResponse(format string, args ...any) *ConnectorError {
	return &ConnectorError{Code: CodeBadResponse, Message: fmt.Sprintf(format, args...), Retryable: false}
}

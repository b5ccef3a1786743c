package errors

import (
	"errors"
	"fmt"
)

const (
	ErrCodeNotFound             ErrCode = "NOT_FOUND"
	ErrCodePreprocess           ErrCode = "PREPROCESS"
	ErrCodeQuantize             ErrCode = "QUANTIZE"
	ErrCodeExport               ErrCode = "EXPORT"
	ErrCodeLoad                 ErrCode = "LOAD"
	ErrCodeAliasConflict        ErrCode = "ALIAS_CONFLICT"
	ErrCodeConfigInvalid        ErrCode = "CONFIG_INVALID"
	ErrCodeInvalidParameter     ErrCode = "INVALID_PARAMETER"
	ErrCodeToolchainUnavailable ErrCode = "TOOLCHAIN_UNAVAILABLE"
	ErrCodeUnsupported          ErrCode = "UNSUPPORTED"
	ErrCodeInternal             ErrCode = "INTERNAL"
)

type ErrCode string

type ErrorInfo struct {
	Code    ErrCode `json:"code"`
	Message string  `json:"message"`
	Detail  string  `json:"detail,omitempty"`
	Cause   error   `json:"-"`
}

func (e ErrorInfo) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e ErrorInfo) Unwrap() error {
	return e.Cause
}

func IsErrCode(err error, code ErrCode) bool {
	if err == nil {
		return false
	}
	info := ErrorInfo{}
	if errors.As(err, &info) {
		return info.Code == code
	}
	return false
}

// CodeOf returns the code of the first ErrorInfo in err's chain, or ErrCodeInternal.
func CodeOf(err error) ErrCode {
	info := ErrorInfo{}
	if errors.As(err, &info) {
		return info.Code
	}
	return ErrCodeInternal
}

func NewNotFoundError(what string) ErrorInfo {
	return ErrorInfo{Code: ErrCodeNotFound, Message: fmt.Sprintf("%s not found", what)}
}

func NewPreprocessError(path string, cause error) ErrorInfo {
	return ErrorInfo{Code: ErrCodePreprocess, Message: fmt.Sprintf("preprocess %s", path), Cause: cause}
}

func NewQuantizeError(path string, cause error) ErrorInfo {
	return ErrorInfo{Code: ErrCodeQuantize, Message: fmt.Sprintf("quantize %s", path), Cause: cause}
}

func NewExportError(source string, cause error) ErrorInfo {
	return ErrorInfo{Code: ErrCodeExport, Message: fmt.Sprintf("export %s", source), Cause: cause}
}

func NewLoadError(path string, cause error) ErrorInfo {
	return ErrorInfo{Code: ErrCodeLoad, Message: fmt.Sprintf("load %s", path), Cause: cause}
}

func NewAliasConflictError(path string) ErrorInfo {
	return ErrorInfo{Code: ErrCodeAliasConflict, Message: fmt.Sprintf("%s exists and is not an alias", path)}
}

func NewConfigInvalidError(msg string) ErrorInfo {
	return ErrorInfo{Code: ErrCodeConfigInvalid, Message: msg}
}

func NewParameterInvalidError(msg string) ErrorInfo {
	return ErrorInfo{Code: ErrCodeInvalidParameter, Message: msg}
}

func NewToolchainUnavailableError(detail string, cause error) ErrorInfo {
	return ErrorInfo{Code: ErrCodeToolchainUnavailable, Message: "python toolchain unavailable", Detail: detail, Cause: cause}
}

func NewUnsupportedError(msg string) ErrorInfo {
	return ErrorInfo{Code: ErrCodeUnsupported, Message: msg}
}

func NewInternalError(err error) ErrorInfo {
	return ErrorInfo{Code: ErrCodeInternal, Message: "internal error", Cause: err}
}

package kasaerr

import "fmt"

// ErrorCode is a status code reported by device firmware, either for a whole
// request (top level "error_code") or for a single method in a batch.
type ErrorCode int

const (
	Success ErrorCode = 0

	// Transport level errors
	SessionTimeout        ErrorCode = 9999
	MultiRequestFailed    ErrorCode = 1200
	HTTPTransportFailed   ErrorCode = 1112
	LoginFailed           ErrorCode = 1111
	HandshakeFailed       ErrorCode = 1100
	TransportNotAvailable ErrorCode = 1002
	CommandCancel         ErrorCode = 1001
	NullTransport         ErrorCode = 1000

	// Common method errors
	CommonFailed       ErrorCode = -1
	Unspecific         ErrorCode = -1001
	UnknownMethod      ErrorCode = -1002
	JSONDecodeFail     ErrorCode = -1003
	JSONEncodeFail     ErrorCode = -1004
	AESDecodeFail      ErrorCode = -1005
	RequestLenError    ErrorCode = -1006
	CloudFailed        ErrorCode = -1007
	ParamsError        ErrorCode = -1008
	InvalidPublicKey   ErrorCode = -1010
	SessionParamError  ErrorCode = -1101
	QuickSetupError    ErrorCode = -1201
	DeviceFailure      ErrorCode = -1301
	DeviceNextEvent    ErrorCode = -1302
	FirmwareError      ErrorCode = -1401
	FirmwareVerError   ErrorCode = -1402
	LoginError         ErrorCode = -1501
	TimeError          ErrorCode = -1601
	WirelessError      ErrorCode = -1701
	ScheduleError      ErrorCode = -1801

	// Camera firmware
	SessionExpired ErrorCode = -40401
	DeviceBlocked  ErrorCode = -40404
	BadUsername    ErrorCode = -40411
	InvalidNonce   ErrorCode = -40413

	// Library internal
	InternalUnknown ErrorCode = -100000
	InternalQuery   ErrorCode = -100001
)

// Category partitions error codes by how the protocol layer reacts to them.
type Category int

const (
	// CategorySuccess means the call succeeded
	CategorySuccess Category = iota
	// CategoryFatal fails the affected call only, no retry
	CategoryFatal
	// CategoryRetryable retries the affected call only, bounded
	CategoryRetryable
	// CategorySessionInvalid discards the session and retries the whole batch once
	CategorySessionInvalid
	// CategoryAuthentication is a credential problem
	CategoryAuthentication
)

// String returns a human-readable category name
func (c Category) String() string {
	switch c {
	case CategorySuccess:
		return "success"
	case CategoryFatal:
		return "fatal"
	case CategoryRetryable:
		return "retryable"
	case CategorySessionInvalid:
		return "session-invalid"
	case CategoryAuthentication:
		return "authentication"
	default:
		return fmt.Sprintf("Category(%d)", int(c))
	}
}

var codeNames = map[ErrorCode]string{
	Success:               "SUCCESS",
	SessionTimeout:        "SESSION_TIMEOUT_ERROR",
	MultiRequestFailed:    "MULTI_REQUEST_FAILED_ERROR",
	HTTPTransportFailed:   "HTTP_TRANSPORT_FAILED_ERROR",
	LoginFailed:           "LOGIN_FAILED_ERROR",
	HandshakeFailed:       "HAND_SHAKE_FAILED_ERROR",
	TransportNotAvailable: "TRANSPORT_NOT_AVAILABLE_ERROR",
	CommandCancel:         "CMD_COMMAND_CANCEL_ERROR",
	NullTransport:         "NULL_TRANSPORT_ERROR",
	CommonFailed:          "COMMON_FAILED_ERROR",
	Unspecific:            "UNSPECIFIC_ERROR",
	UnknownMethod:         "UNKNOWN_METHOD_ERROR",
	JSONDecodeFail:        "JSON_DECODE_FAIL_ERROR",
	JSONEncodeFail:        "JSON_ENCODE_FAIL_ERROR",
	AESDecodeFail:         "AES_DECODE_FAIL_ERROR",
	RequestLenError:       "REQUEST_LEN_ERROR_ERROR",
	CloudFailed:           "CLOUD_FAILED_ERROR",
	ParamsError:           "PARAMS_ERROR",
	InvalidPublicKey:      "INVALID_PUBLIC_KEY_ERROR",
	SessionParamError:     "SESSION_PARAM_ERROR",
	QuickSetupError:       "QUICK_SETUP_ERROR",
	DeviceFailure:         "DEVICE_ERROR",
	DeviceNextEvent:       "DEVICE_NEXT_EVENT_ERROR",
	FirmwareError:         "FIRMWARE_ERROR",
	FirmwareVerError:      "FIRMWARE_VER_ERROR_ERROR",
	LoginError:            "LOGIN_ERROR",
	TimeError:             "TIME_ERROR",
	WirelessError:         "WIRELESS_ERROR",
	ScheduleError:         "SCHEDULE_ERROR",
	SessionExpired:        "SESSION_EXPIRED",
	DeviceBlocked:         "DEVICE_BLOCKED",
	BadUsername:           "BAD_USERNAME",
	InvalidNonce:          "INVALID_NONCE",
	InternalUnknown:       "INTERNAL_UNKNOWN_ERROR",
	InternalQuery:         "INTERNAL_QUERY_ERROR",
}

var codeCategories = map[ErrorCode]Category{
	Success: CategorySuccess,

	TransportNotAvailable: CategoryRetryable,
	HTTPTransportFailed:   CategoryRetryable,
	Unspecific:            CategoryRetryable,
	MultiRequestFailed:    CategoryRetryable,
	DeviceFailure:         CategoryRetryable,

	SessionTimeout:    CategorySessionInvalid,
	SessionExpired:    CategorySessionInvalid,
	InvalidPublicKey:  CategorySessionInvalid,
	SessionParamError: CategorySessionInvalid,

	LoginError:      CategoryAuthentication,
	LoginFailed:     CategoryAuthentication,
	AESDecodeFail:   CategoryAuthentication,
	HandshakeFailed: CategoryAuthentication,
	BadUsername:     CategoryAuthentication,
	InvalidNonce:    CategoryAuthentication,
}

// CodeFromInt maps a raw integer to a known ErrorCode. Unknown values map to
// InternalUnknown and ok is false.
func CodeFromInt(raw int) (code ErrorCode, ok bool) {
	if c := ErrorCode(raw); c.Known() {
		return c, true
	}
	return InternalUnknown, false
}

// Known reports whether the code is part of the table
func (c ErrorCode) Known() bool {
	_, ok := codeNames[c]
	return ok
}

// Name returns the firmware name of the code
func (c ErrorCode) Name() string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	return "UNMAPPED"
}

// String returns NAME(value)
func (c ErrorCode) String() string {
	return fmt.Sprintf("%s(%d)", c.Name(), int(c))
}

// Category returns how the protocol layer should treat the code
func (c ErrorCode) Category() Category {
	if cat, ok := codeCategories[c]; ok {
		return cat
	}
	return CategoryFatal
}

// IsSuccess reports whether the code is SUCCESS
func (c ErrorCode) IsSuccess() bool {
	return c == Success
}

package protocol

import (
	"errors"
	"fmt"
)

// ErrInvalidSyntax is returned by every decoder on a malformed wire
// structure; per the DecodeError disposition it is always handled by
// dropping silently, never by sending a notify.
var ErrInvalidSyntax = errors.New("invalid ike syntax")

// NotificationType is the Notify Message Type field (RFC 7296 section 3.10.1).
type NotificationType uint16

const (
	// Error types.
	UNSUPPORTED_CRITICAL_PAYLOAD NotificationType = 1
	INVALID_IKE_SPI              NotificationType = 4
	INVALID_MAJOR_VERSION        NotificationType = 5
	INVALID_SYNTAX               NotificationType = 7
	INVALID_MESSAGE_ID           NotificationType = 9
	INVALID_SPI                  NotificationType = 11
	NO_PROPOSAL_CHOSEN           NotificationType = 14
	INVALID_KE_PAYLOAD           NotificationType = 17
	AUTHENTICATION_FAILED        NotificationType = 24
	SINGLE_PAIR_REQUIRED         NotificationType = 34
	NO_ADDITIONAL_SAS            NotificationType = 35
	INTERNAL_ADDRESS_FAILURE     NotificationType = 36
	FAILED_CP_REQUIRED           NotificationType = 37
	TS_UNACCEPTABLE              NotificationType = 38
	INVALID_SELECTORS            NotificationType = 39
	TEMPORARY_FAILURE            NotificationType = 43
	CHILD_SA_NOT_FOUND           NotificationType = 44
	// Status types.
	INITIAL_CONTACT              NotificationType = 16384
	SET_WINDOW_SIZE              NotificationType = 16385
	NAT_DETECTION_SOURCE_IP      NotificationType = 16388
	NAT_DETECTION_DESTINATION_IP NotificationType = 16389
	COOKIE                       NotificationType = 16390
	USE_TRANSPORT_MODE           NotificationType = 16391
	REKEY_SA                     NotificationType = 16393
)

func (n NotificationType) String() string {
	switch n {
	case UNSUPPORTED_CRITICAL_PAYLOAD:
		return "UNSUPPORTED_CRITICAL_PAYLOAD"
	case INVALID_IKE_SPI:
		return "INVALID_IKE_SPI"
	case INVALID_MAJOR_VERSION:
		return "INVALID_MAJOR_VERSION"
	case INVALID_SYNTAX:
		return "INVALID_SYNTAX"
	case INVALID_MESSAGE_ID:
		return "INVALID_MESSAGE_ID"
	case INVALID_SPI:
		return "INVALID_SPI"
	case NO_PROPOSAL_CHOSEN:
		return "NO_PROPOSAL_CHOSEN"
	case INVALID_KE_PAYLOAD:
		return "INVALID_KE_PAYLOAD"
	case AUTHENTICATION_FAILED:
		return "AUTHENTICATION_FAILED"
	case SINGLE_PAIR_REQUIRED:
		return "SINGLE_PAIR_REQUIRED"
	case NO_ADDITIONAL_SAS:
		return "NO_ADDITIONAL_SAS"
	case INTERNAL_ADDRESS_FAILURE:
		return "INTERNAL_ADDRESS_FAILURE"
	case FAILED_CP_REQUIRED:
		return "FAILED_CP_REQUIRED"
	case TS_UNACCEPTABLE:
		return "TS_UNACCEPTABLE"
	case INVALID_SELECTORS:
		return "INVALID_SELECTORS"
	case TEMPORARY_FAILURE:
		return "TEMPORARY_FAILURE"
	case CHILD_SA_NOT_FOUND:
		return "CHILD_SA_NOT_FOUND"
	case INITIAL_CONTACT:
		return "INITIAL_CONTACT"
	case SET_WINDOW_SIZE:
		return "SET_WINDOW_SIZE"
	case NAT_DETECTION_SOURCE_IP:
		return "NAT_DETECTION_SOURCE_IP"
	case NAT_DETECTION_DESTINATION_IP:
		return "NAT_DETECTION_DESTINATION_IP"
	case COOKIE:
		return "COOKIE"
	case USE_TRANSPORT_MODE:
		return "USE_TRANSPORT_MODE"
	case REKEY_SA:
		return "REKEY_SA"
	default:
		return fmt.Sprintf("NOTIFY(%d)", uint16(n))
	}
}

// NotifyError is a protocol-level condition that, on the responder
// side, maps to a Notify payload sent back to the peer instead of a
// raw wire/decode failure.
type NotifyError struct {
	Type    NotificationType
	Message string
	// Data is carried onto the wire Notify payload's Data field. Only
	// a few types define wire data (e.g. INVALID_KE_PAYLOAD's desired
	// DH group number); nil for the rest.
	Data []byte
}

func Notify(t NotificationType, format string, a ...interface{}) *NotifyError {
	return &NotifyError{Type: t, Message: fmt.Sprintf(format, a...)}
}

// NotifyData is Notify plus an explicit wire Data payload, for
// notify types whose meaning depends on it (e.g. INVALID_KE_PAYLOAD).
func NotifyData(t NotificationType, data []byte, format string, a ...interface{}) *NotifyError {
	return &NotifyError{Type: t, Message: fmt.Sprintf(format, a...), Data: data}
}

func (e *NotifyError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Type, e.Message)
	}
	return e.Type.String()
}
